package domain

import (
	"encoding/json"
	"time"
)

type RecordKind string

const (
	RecordContent    RecordKind = "content"
	RecordKeyword    RecordKind = "keyword"
	RecordCompetitor RecordKind = "competitor"
	RecordSERP       RecordKind = "serp"
)

// Record is the store envelope for any collected SEO data, keyed by URL, keyword or domain.
type Record struct {
	Kind      RecordKind      `json:"kind"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetched_at"`
}

func NewRecord(kind RecordKind, key string, v any, fetchedAt time.Time) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Record{}, err
	}
	return Record{Kind: kind, Key: key, Data: b, FetchedAt: fetchedAt.UTC()}, nil
}

func (r Record) Decode(v any) error { return json.Unmarshal(r.Data, v) }

type Image struct {
	Src   string `json:"src"`
	Alt   string `json:"alt"`
	Title string `json:"title,omitempty"`
}

// ContentRecord combines the content analysis and the technical audit of one page.
type ContentRecord struct {
	URL              string             `json:"url"`
	Title            string             `json:"title"`
	MetaDescription  string             `json:"meta_description"`
	CanonicalURL     string             `json:"canonical_url,omitempty"`
	RobotsMeta       string             `json:"robots_meta,omitempty"`
	H1               []string           `json:"h1"`
	H2               []string           `json:"h2"`
	H3               []string           `json:"h3"`
	WordCount        int                `json:"word_count"`
	KeywordDensity   map[string]float64 `json:"keyword_density,omitempty"`
	ReadingScore     float64            `json:"reading_score"`
	InternalLinks    []string           `json:"internal_links"`
	ExternalLinks    []string           `json:"external_links"`
	Images           []Image            `json:"images"`
	ImagesWithoutAlt int                `json:"images_without_alt"`
	SchemaMarkup     []string           `json:"schema_markup"`
	LoadTimeSeconds  float64            `json:"load_time_seconds"`
	PageSpeedScore   float64            `json:"page_speed_score"`
	MobileFriendly   bool               `json:"mobile_friendly"`
	HTTPS            bool               `json:"https"`
}

type SERPEntry struct {
	Keyword     string `json:"keyword"`
	URL         string `json:"url"`
	Position    int    `json:"position"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type KeywordRecord struct {
	Keyword         string      `json:"keyword"`
	SearchVolume    string      `json:"search_volume"`
	Competition     string      `json:"competition"`
	DifficultyScore int         `json:"difficulty_score"`
	RelatedKeywords []string    `json:"related_keywords"`
	PeopleAlsoAsk   []string    `json:"people_also_ask"`
	FeaturedSnippet string      `json:"featured_snippet,omitempty"`
	Results         []SERPEntry `json:"results,omitempty"`
}

type PageSummary struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	WordCount int    `json:"word_count"`
}

type CompetitorRecord struct {
	Domain         string         `json:"domain"`
	TopPages       []PageSummary  `json:"top_pages"`
	MetaTitles     []string       `json:"meta_titles"`
	CommonKeywords []string       `json:"common_keywords"`
	AvgWordCount   int            `json:"avg_word_count"`
	ContentTypes   map[string]int `json:"content_types"`
}

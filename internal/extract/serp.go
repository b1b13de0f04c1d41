package extract

import (
	"bytes"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"seoflow/internal/domain"
)

const (
	maxRelated = 15
	maxPAA     = 10
)

var (
	resultCountRe = regexp.MustCompile(`[\d,.]+`)
	adSelector    = `div[data-text-ad], div[class*="uEierd"]`
	authorities   = []string{"wikipedia.org", "youtube.com", "amazon.com", "facebook.com"}
)

// SERP parses a search results page for keyword.
func SERP(keyword string, body []byte) (domain.KeywordRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return domain.KeywordRecord{}, err
	}
	rec := domain.KeywordRecord{
		Keyword:         keyword,
		SearchVolume:    "Unknown",
		RelatedKeywords: []string{},
		PeopleAlsoAsk:   []string{},
	}
	stats := strings.TrimSpace(doc.Find("#result-stats").First().Text())
	if stats != "" {
		rec.SearchVolume = strings.TrimSpace(strings.SplitN(stats, "(", 2)[0])
	}
	ads := doc.Find(adSelector).Length()
	switch {
	case ads > 4:
		rec.Competition = "High"
	case ads > 2:
		rec.Competition = "Medium"
	default:
		rec.Competition = "Low"
	}
	rec.Results = organic(doc, keyword)
	rec.DifficultyScore = difficulty(resultCount(stats), ads, rec.Results)

	seen := map[string]bool{strings.ToLower(keyword): true}
	doc.Find(`div[class*="related"] a, table[class*="related"] a, div[class*="brs_col"] a, a[href*="/search?"]`).
		EachWithBreak(func(_ int, s *goquery.Selection) bool {
			t := strings.Join(strings.Fields(s.Text()), " ")
			if len(t) > 3 && len(t) < 50 && !seen[strings.ToLower(t)] {
				seen[strings.ToLower(t)] = true
				rec.RelatedKeywords = append(rec.RelatedKeywords, t)
			}
			return len(rec.RelatedKeywords) < maxRelated
		})

	doc.Find(`[role="button"], div[data-q], div.related-question-pair`).
		EachWithBreak(func(_ int, s *goquery.Selection) bool {
			t := s.AttrOr("data-q", "")
			if t == "" {
				t = strings.Join(strings.Fields(s.Text()), " ")
			}
			if len(t) > 10 && strings.Contains(t, "?") && !contains(rec.PeopleAlsoAsk, t) {
				rec.PeopleAlsoAsk = append(rec.PeopleAlsoAsk, t)
			}
			return len(rec.PeopleAlsoAsk) < maxPAA
		})

	snippet := doc.Find(`div[class*="hgKElc"], span[class*="hgKElc"], div[class*="LGOjhe"], div[class*="kno-rdesc"] span`).First()
	rec.FeaturedSnippet = strings.Join(strings.Fields(snippet.Text()), " ")
	return rec, nil
}

// organic reads the ranked results, one per div.g block with an h3 title.
func organic(doc *goquery.Document, keyword string) []domain.SERPEntry {
	var out []domain.SERPEntry
	doc.Find("div.g").Each(func(_ int, s *goquery.Selection) {
		title := strings.TrimSpace(s.Find("h3").First().Text())
		href, ok := s.Find("a[href]").First().Attr("href")
		if title == "" || !ok {
			return
		}
		href = unwrapRedirect(href)
		if !strings.HasPrefix(href, "http") {
			return
		}
		out = append(out, domain.SERPEntry{
			Keyword:     keyword,
			URL:         href,
			Position:    len(out) + 1,
			Title:       title,
			Description: strings.Join(strings.Fields(s.Find(`div[data-sncf], div.VwiC3b, span.st`).First().Text()), " "),
		})
	})
	return out
}

// unwrapRedirect turns "/url?q=https://x" links into their target.
func unwrapRedirect(href string) string {
	if !strings.HasPrefix(href, "/url?") {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if q := u.Query().Get("q"); q != "" {
		return q
	}
	return href
}

func resultCount(stats string) int64 {
	m := resultCountRe.FindString(stats)
	if m == "" {
		return 0
	}
	n, _ := strconv.ParseInt(strings.NewReplacer(",", "", ".", "").Replace(m), 10, 64)
	return n
}

// difficulty scores 1..100 from result volume, ad pressure and authority domains in the top five.
func difficulty(results int64, ads int, entries []domain.SERPEntry) int {
	score := 0
	switch {
	case results > 100_000_000:
		score += 30
	case results > 10_000_000:
		score += 20
	case results > 1_000_000:
		score += 10
	case results > 0:
		score += 5
	}
	score += min(ads*15, 45)
	for i, e := range entries {
		if i >= 5 {
			break
		}
		for _, d := range authorities {
			if strings.Contains(e.URL, d) {
				score += 5
				break
			}
		}
	}
	return max(1, min(score, 100))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package extract

import (
	"net/url"
	"sort"
	"strings"

	"seoflow/internal/domain"
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "your": true, "from": true,
	"that": true, "this": true, "are": true, "you": true, "our": true, "how": true,
	"what": true, "home": true, "page": true, "into": true, "about": true,
}

// CandidatePages picks up to n internal links of home worth scanning, in page order.
func CandidatePages(home domain.ContentRecord, n int) []string {
	var out []string
	seen := map[string]bool{strings.TrimSuffix(home.URL, "/"): true}
	for _, l := range home.InternalLinks {
		key := strings.TrimSuffix(l, "/")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, l)
		if len(out) == n {
			break
		}
	}
	return out
}

// Competitor aggregates scanned pages of one domain into a snapshot.
func Competitor(domainName string, pages []domain.ContentRecord) domain.CompetitorRecord {
	rec := domain.CompetitorRecord{
		Domain:         domainName,
		TopPages:       []domain.PageSummary{},
		MetaTitles:     []string{},
		CommonKeywords: []string{},
		ContentTypes:   map[string]int{},
	}
	freq := map[string]int{}
	total := 0
	for _, p := range pages {
		rec.TopPages = append(rec.TopPages, domain.PageSummary{URL: p.URL, Title: p.Title, WordCount: p.WordCount})
		if p.Title != "" {
			rec.MetaTitles = append(rec.MetaTitles, p.Title)
		}
		total += p.WordCount
		for _, w := range strings.FieldsFunc(strings.ToLower(p.Title), func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
		}) {
			if len(w) > 3 && !stopWords[w] {
				freq[w]++
			}
		}
		rec.ContentTypes[contentType(p.URL)]++
	}
	if len(pages) > 0 {
		rec.AvgWordCount = total / len(pages)
	}

	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > 10 {
		words = words[:10]
	}
	rec.CommonKeywords = append(rec.CommonKeywords, words...)
	return rec
}

func contentType(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "other"
	}
	p := strings.ToLower(u.Path)
	switch {
	case p == "" || p == "/":
		return "homepage"
	case strings.Contains(p, "/blog") || strings.Contains(p, "/news") || strings.Contains(p, "/article"):
		return "blog"
	case strings.Contains(p, "/product") || strings.Contains(p, "/shop") || strings.Contains(p, "/pricing"):
		return "product"
	case strings.Contains(p, "/category") || strings.Contains(p, "/tag"):
		return "category"
	case strings.Contains(p, "/about") || strings.Contains(p, "/contact"):
		return "about"
	}
	return "other"
}

// Package extract turns fetched HTML into SEO records.
package extract

import (
	"bytes"
	"encoding/json"
	"math"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"seoflow/internal/domain"
)

// Content parses one page into a content and technical-audit record.
func Content(pageURL string, body []byte, loadTime time.Duration, keywords []string) (domain.ContentRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return domain.ContentRecord{}, err
	}
	rec := domain.ContentRecord{
		URL:             pageURL,
		Title:           strings.TrimSpace(doc.Find("title").First().Text()),
		MetaDescription: metaContent(doc, "description"),
		RobotsMeta:      metaContent(doc, "robots"),
		H1:              texts(doc, "h1"),
		H2:              texts(doc, "h2"),
		H3:              texts(doc, "h3"),
		SchemaMarkup:    schemaTypes(doc),
		MobileFriendly:  doc.Find(`meta[name="viewport"]`).Length() > 0,
		HTTPS:           strings.HasPrefix(strings.ToLower(pageURL), "https://"),
		LoadTimeSeconds: math.Round(loadTime.Seconds()*1000) / 1000,
		PageSpeedScore:  PageSpeedScore(loadTime),
	}
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		rec.CanonicalURL = strings.TrimSpace(href)
	}
	rec.InternalLinks, rec.ExternalLinks = links(doc, pageURL)
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		img := domain.Image{Src: s.AttrOr("src", ""), Alt: strings.TrimSpace(s.AttrOr("alt", "")), Title: s.AttrOr("title", "")}
		if img.Alt == "" {
			rec.ImagesWithoutAlt++
		}
		rec.Images = append(rec.Images, img)
	})

	text := CleanText(doc)
	rec.WordCount = len(strings.Fields(text))
	rec.ReadingScore = ReadingEase(text)
	rec.KeywordDensity = KeywordDensity(text, keywords)
	return rec, nil
}

func metaContent(doc *goquery.Document, name string) string {
	return strings.TrimSpace(doc.Find(`meta[name="` + name + `"]`).First().AttrOr("content", ""))
}

func texts(doc *goquery.Document, sel string) []string {
	out := []string{}
	doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			out = append(out, t)
		}
	})
	return out
}

// links splits anchors into same-host and other-host absolute URLs.
func links(doc *goquery.Document, pageURL string) (internal, external []string) {
	internal, external = []string{}, []string{}
	base, err := url.Parse(pageURL)
	if err != nil {
		return internal, external
	}
	host := strings.TrimPrefix(strings.ToLower(base.Hostname()), "www.")
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		u, err := base.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		u.Fragment = ""
		abs := u.String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		if strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.") == host {
			internal = append(internal, abs)
		} else {
			external = append(external, abs)
		}
	})
	return internal, external
}

// schemaTypes collects @type values from JSON-LD blocks. Malformed blocks are skipped.
func schemaTypes(doc *goquery.Document) []string {
	out := []string{}
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var v any
		if err := json.Unmarshal([]byte(s.Text()), &v); err != nil {
			return
		}
		var walk func(any)
		walk = func(v any) {
			switch x := v.(type) {
			case map[string]any:
				switch t := x["@type"].(type) {
				case string:
					out = append(out, t)
				case []any:
					for _, e := range t {
						if s, ok := e.(string); ok {
							out = append(out, s)
						}
					}
				}
				if g, ok := x["@graph"]; ok {
					walk(g)
				}
			case []any:
				for _, e := range x {
					walk(e)
				}
			}
		}
		walk(v)
	})
	return out
}

// CleanText returns the visible text of the document with whitespace collapsed.
func CleanText(doc *goquery.Document) string {
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	body = body.Clone()
	body.Find("script, style, noscript, template").Remove()
	return strings.Join(strings.Fields(body.Text()), " ")
}

// KeywordDensity is the percentage of words taken by each keyword occurrence, rounded to 2 places.
func KeywordDensity(text string, keywords []string) map[string]float64 {
	words := len(strings.Fields(text))
	if words == 0 || len(keywords) == 0 {
		return nil
	}
	lower := strings.ToLower(text)
	out := make(map[string]float64, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		n := strings.Count(lower, strings.ToLower(kw))
		out[kw] = math.Round(float64(n)/float64(words)*100*100) / 100
	}
	return out
}

// ReadingEase is the Flesch reading-ease score of text.
func ReadingEase(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	sentences := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			sentences++
		}
	}
	if sentences == 0 {
		sentences = 1
	}
	syllables := 0
	for _, w := range words {
		syllables += countSyllables(w)
	}
	wps := float64(len(words)) / float64(sentences)
	spw := float64(syllables) / float64(len(words))
	return math.Round((206.835-1.015*wps-84.6*spw)*100) / 100
}

func countSyllables(word string) int {
	word = strings.ToLower(strings.TrimFunc(word, func(r rune) bool { return !unicode.IsLetter(r) }))
	if word == "" {
		return 0
	}
	n, prevVowel := 0, false
	for _, r := range word {
		v := strings.ContainsRune("aeiouy", r)
		if v && !prevVowel {
			n++
		}
		prevVowel = v
	}
	if strings.HasSuffix(word, "e") && n > 1 && !strings.HasSuffix(word, "le") {
		n--
	}
	if n == 0 {
		n = 1
	}
	return n
}

// PageSpeedScore buckets the load time: <1s 100, <3s 80, <5s 60, otherwise 40.
func PageSpeedScore(load time.Duration) float64 {
	switch {
	case load < time.Second:
		return 100
	case load < 3*time.Second:
		return 80
	case load < 5*time.Second:
		return 60
	}
	return 40
}

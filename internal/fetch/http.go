// Package fetch performs the page GETs behind every analysis.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"seoflow/internal/retry"
)

const maxBodyBytes = 5 << 20

type Options struct {
	Timeout    time.Duration
	UserAgents []string
}

type Fetcher struct {
	client     *http.Client
	userAgents []string
}

func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Fetcher{
		client:     &http.Client{Timeout: opts.Timeout},
		userAgents: opts.UserAgents,
	}
}

// Page is a fetched document.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Elapsed    time.Duration
	TLS        bool
}

// StatusError is returned for 4xx and 5xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Retryable reports whether another attempt could succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

// Get fetches rawURL. Client errors other than 408 and 429 come back marked
// retry.Permanent.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if ua := f.userAgent(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	elapsed := time.Since(start)

	if resp.StatusCode >= 400 {
		serr := &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
		if !serr.Retryable() {
			return nil, retry.Permanent(serr)
		}
		return nil, serr
	}

	final := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return &Page{
		URL:        rawURL,
		FinalURL:   final,
		StatusCode: resp.StatusCode,
		Body:       body,
		Elapsed:    elapsed,
		TLS:        resp.TLS != nil || strings.HasPrefix(final, "https://"),
	}, nil
}

func (f *Fetcher) userAgent() string {
	if len(f.userAgents) == 0 {
		return ""
	}
	return f.userAgents[rand.Intn(len(f.userAgents))]
}

// Host returns the lower-cased host of rawURL, or rawURL itself when it does not parse.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(rawURL)
	}
	return strings.ToLower(u.Hostname())
}

// SearchURL builds the results page URL for query.
func SearchURL(base, query string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + url.Values{"q": {query}, "num": {"10"}, "hl": {"en"}}.Encode()
}

// IsStatus reports whether err carries an HTTP status error with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

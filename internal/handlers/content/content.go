// Package content runs page content and technical audits.
package content

import (
	"context"
	"time"

	"seoflow/internal/batch"
	"seoflow/internal/domain"
	"seoflow/internal/extract"
	"seoflow/internal/fetch"
	"seoflow/internal/handlers"
)

// Analyzer handles analyze-url and bulk-url-analysis tasks. Both take a URL or a
// list of URLs as the first argument and an optional "keywords" option.
type Analyzer struct {
	exec  *batch.Executor
	fetch *fetch.Fetcher
}

func New(exec *batch.Executor, f *fetch.Fetcher) *Analyzer {
	return &Analyzer{exec: exec, fetch: f}
}

func (a *Analyzer) Handle(ctx context.Context, p domain.Payload) (domain.Result, error) {
	urls, err := handlers.Strings(p, 0)
	if err != nil {
		return nil, err
	}
	keywords, err := handlers.Keywords(p)
	if err != nil {
		return nil, err
	}
	return handlers.Outcome(a.Analyze(ctx, urls, keywords))
}

// Analyze audits every URL through the shared executor.
func (a *Analyzer) Analyze(ctx context.Context, urls, keywords []string) batch.Result {
	return a.exec.Run(ctx, a.Job("content", urls, keywords))
}

// Job describes a content batch. The competitor scan reuses it.
func (a *Analyzer) Job(name string, urls, keywords []string) batch.Job {
	return batch.Job{
		Name:       name,
		Class:      batch.ClassHTTP,
		RecordKind: domain.RecordContent,
		Items:      handlers.Items(urls, keywords),
		Do:         a.analyzeOne,
		Host:       func(it batch.Item) string { return fetch.Host(it.Key) },
	}
}

func (a *Analyzer) analyzeOne(ctx context.Context, it batch.Item) (domain.Record, error) {
	page, err := a.fetch.Get(ctx, it.Key)
	if err != nil {
		return domain.Record{}, err
	}
	rec, err := extract.Content(page.FinalURL, page.Body, page.Elapsed, it.Keywords)
	if err != nil {
		return domain.Record{}, err
	}
	rec.HTTPS = rec.HTTPS || page.TLS
	return domain.NewRecord(domain.RecordContent, it.Key, rec, time.Now())
}

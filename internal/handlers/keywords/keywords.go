// Package keywords collects search result data for keywords.
package keywords

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"seoflow/internal/batch"
	"seoflow/internal/domain"
	"seoflow/internal/extract"
	"seoflow/internal/fetch"
	"seoflow/internal/handlers"
	"seoflow/internal/store"
)

// Analyzer handles analyze-keywords and bulk-keyword-analysis tasks. The first
// argument is a keyword or a list of keywords.
type Analyzer struct {
	exec    *batch.Executor
	fetch   *fetch.Fetcher
	serpURL string
	// tracking receives the organic results of every fresh fetch. May be nil.
	tracking store.Store
}

func New(exec *batch.Executor, f *fetch.Fetcher, serpURL string, tracking store.Store) *Analyzer {
	return &Analyzer{exec: exec, fetch: f, serpURL: serpURL, tracking: tracking}
}

func (a *Analyzer) Handle(ctx context.Context, p domain.Payload) (domain.Result, error) {
	kws, err := handlers.Strings(p, 0)
	if err != nil {
		return nil, err
	}
	return handlers.Outcome(a.Analyze(ctx, kws))
}

// Analyze collects every keyword through the browser class, which has the
// lower concurrency cap.
func (a *Analyzer) Analyze(ctx context.Context, keywords []string) batch.Result {
	host := fetch.Host(a.serpURL)
	return a.exec.Run(ctx, batch.Job{
		Name:       "keywords",
		Class:      batch.ClassBrowser,
		RecordKind: domain.RecordKeyword,
		Items:      handlers.Items(keywords, nil),
		Do:         a.analyzeOne,
		Host:       func(batch.Item) string { return host },
	})
}

func (a *Analyzer) analyzeOne(ctx context.Context, it batch.Item) (domain.Record, error) {
	page, err := a.fetch.Get(ctx, fetch.SearchURL(a.serpURL, it.Key))
	if err != nil {
		return domain.Record{}, err
	}
	kr, err := extract.SERP(it.Key, page.Body)
	if err != nil {
		return domain.Record{}, err
	}
	now := time.Now()
	a.track(ctx, kr, now)
	return domain.NewRecord(domain.RecordKeyword, it.Key, kr, now)
}

// track appends the ranking snapshot to the store history.
func (a *Analyzer) track(ctx context.Context, kr domain.KeywordRecord, at time.Time) {
	if a.tracking == nil || len(kr.Results) == 0 {
		return
	}
	rec, err := domain.NewRecord(domain.RecordSERP, kr.Keyword, kr.Results, at)
	if err == nil {
		err = a.tracking.Save(ctx, rec)
	}
	if err != nil {
		log.Warn().Err(err).Str("key", kr.Keyword).Msg("serp tracking write failed")
	}
}

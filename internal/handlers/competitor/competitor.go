// Package competitor snapshots competitor sites.
package competitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"seoflow/internal/batch"
	"seoflow/internal/cache"
	"seoflow/internal/domain"
	"seoflow/internal/extract"
	"seoflow/internal/fetch"
	"seoflow/internal/handlers"
	"seoflow/internal/handlers/content"
	"seoflow/internal/retry"
)

const defaultPages = 5

// Scanner handles competitor-scan tasks. The first argument is a domain or a
// list of domains; the "pages" option caps the internal pages read per domain.
type Scanner struct {
	exec    *batch.Executor
	content *content.Analyzer
	gate    *cache.Gate
}

// New returns a scanner. gate may be nil to always rescan.
func New(exec *batch.Executor, a *content.Analyzer, gate *cache.Gate) *Scanner {
	return &Scanner{exec: exec, content: a, gate: gate}
}

func (s *Scanner) Handle(ctx context.Context, p domain.Payload) (domain.Result, error) {
	domains, err := handlers.Strings(p, 0)
	if err != nil {
		return nil, err
	}
	pages := defaultPages
	if _, err := p.Option("pages", &pages); err != nil {
		return nil, retry.Permanent(err)
	}

	var (
		res    = domain.Result{}
		errs   = map[string]string{}
		done   int
		cached int
	)
	// Domains go one at a time: each scan already fans out through the executor.
	for _, d := range domains {
		host := fetch.Host(homeURL(d))
		if s.gate != nil {
			if _, ok := s.gate.Lookup(ctx, domain.RecordCompetitor, host); ok {
				cached++
				continue
			}
		}
		rec, err := s.Scan(ctx, d, pages)
		if err != nil {
			log.Warn().Err(err).Str("key", host).Msg("competitor scan failed")
			errs[host] = err.Error()
			continue
		}
		if s.gate != nil {
			s.gate.Store(ctx, rec)
		}
		done++
	}
	res["total"], res["succeeded"], res["skipped"], res["failed"] = len(domains), done, cached, len(errs)
	if len(errs) > 0 {
		res["errors"] = errs
	}
	if done+cached == 0 {
		return res, fmt.Errorf("all %d competitor scans failed", len(domains))
	}
	return res, nil
}

// Scan reads the homepage of d and up to pages internal pages and aggregates
// them into a competitor record.
func (s *Scanner) Scan(ctx context.Context, d string, pages int) (domain.Record, error) {
	home := homeURL(d)
	host := fetch.Host(home)

	first := s.exec.Run(ctx, s.content.Job("competitor:"+host, []string{home}, nil))
	if len(first.Records) == 0 {
		return domain.Record{}, first.Err()
	}
	var homeRec domain.ContentRecord
	if err := first.Records[0].Decode(&homeRec); err != nil {
		return domain.Record{}, fmt.Errorf("decode homepage record: %w", err)
	}

	scanned := []domain.ContentRecord{homeRec}
	if more := extract.CandidatePages(homeRec, pages); len(more) > 0 {
		rest := s.exec.Run(ctx, s.content.Job("competitor:"+host, more, nil))
		for _, r := range rest.Records {
			var cr domain.ContentRecord
			if err := r.Decode(&cr); err != nil {
				continue
			}
			scanned = append(scanned, cr)
		}
	}
	return domain.NewRecord(domain.RecordCompetitor, host, extract.Competitor(host, scanned), time.Now())
}

func homeURL(d string) string {
	d = strings.TrimSpace(d)
	if !strings.Contains(d, "://") {
		d = "https://" + d
	}
	return d
}

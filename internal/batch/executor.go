// Package batch runs independent work items under a concurrency cap, tolerating
// partial failure. A failed item never stops its siblings.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"seoflow/internal/cache"
	"seoflow/internal/domain"
	"seoflow/internal/retry"
)

// Class selects the permit pool an item draws from.
type Class int

const (
	ClassHTTP Class = iota
	ClassBrowser
)

func (c Class) String() string {
	if c == ClassBrowser {
		return "browser"
	}
	return "http"
}

type Item struct {
	Key      string   `json:"key"`
	Keywords []string `json:"keywords,omitempty"`
}

// ItemFunc fetches and extracts one item. Kind and Key of the returned record
// default to the job's record kind and the item key.
type ItemFunc func(ctx context.Context, it Item) (domain.Record, error)

type Job struct {
	Name       string
	Class      Class
	RecordKind domain.RecordKind
	Items      []Item
	Do         ItemFunc
	// Host returns the host an item talks to, for request spacing. Nil disables spacing.
	Host func(Item) string
}

type State string

const (
	Succeeded State = "success"
	Skipped   State = "skipped"
	Failed    State = "failed"
)

type ItemResult struct {
	Key    string         `json:"key"`
	State  State          `json:"state"`
	Record *domain.Record `json:"-"`
	Reason string         `json:"reason,omitempty"`
}

type Counts struct {
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

type Result struct {
	Items   []ItemResult    `json:"items"`
	Records []domain.Record `json:"-"`
	Counts  Counts          `json:"counts"`
}

// OK reports whether the batch produced anything: it is empty or at least one
// item succeeded or was served from cache.
func (r Result) OK() bool {
	return r.Counts.Total == 0 || r.Counts.Succeeded+r.Counts.Skipped > 0
}

// Err summarizes a batch that produced nothing.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	reason := ""
	for _, it := range r.Items {
		if it.Reason != "" {
			reason = it.Reason
			break
		}
	}
	return fmt.Errorf("all %d items failed, first: %s", r.Counts.Total, reason)
}

type Options struct {
	HTTPConcurrency    int
	BrowserConcurrency int
	Spacer             *HostSpacer
	Retry              retry.Policy
}

// Executor is shared by every task so the class caps hold process-wide.
type Executor struct {
	gate    *cache.Gate
	spacer  *HostSpacer
	retry   retry.Policy
	permits map[Class]*semaphore.Weighted
	now     func() time.Time
}

// New returns an executor. gate may be nil to disable caching.
func New(gate *cache.Gate, opts Options) *Executor {
	if opts.HTTPConcurrency < 1 {
		opts.HTTPConcurrency = 10
	}
	if opts.BrowserConcurrency < 1 {
		opts.BrowserConcurrency = 3
	}
	return &Executor{
		gate:   gate,
		spacer: opts.Spacer,
		retry:  opts.Retry,
		permits: map[Class]*semaphore.Weighted{
			ClassHTTP:    semaphore.NewWeighted(int64(opts.HTTPConcurrency)),
			ClassBrowser: semaphore.NewWeighted(int64(opts.BrowserConcurrency)),
		},
		now: time.Now,
	}
}

// Run attempts every item and waits for all of them.
func (e *Executor) Run(ctx context.Context, job Job) Result {
	res := Result{Items: make([]ItemResult, len(job.Items))}
	sem := e.permits[job.Class]

	var wg sync.WaitGroup
	for i, it := range job.Items {
		wg.Add(1)
		go func(i int, it Item) {
			defer wg.Done()
			res.Items[i] = e.runItem(ctx, sem, job, it)
		}(i, it)
	}
	wg.Wait()

	for _, ir := range res.Items {
		switch ir.State {
		case Succeeded:
			res.Counts.Succeeded++
		case Skipped:
			res.Counts.Skipped++
		default:
			res.Counts.Failed++
		}
		if ir.Record != nil {
			res.Records = append(res.Records, *ir.Record)
		}
	}
	res.Counts.Total = len(job.Items)

	log.Info().
		Str("batch", job.Name).
		Str("class", job.Class.String()).
		Int("succeeded", res.Counts.Succeeded).
		Int("skipped", res.Counts.Skipped).
		Int("failed", res.Counts.Failed).
		Msg("batch finished")
	return res
}

func (e *Executor) runItem(ctx context.Context, sem *semaphore.Weighted, job Job, it Item) (out ItemResult) {
	out = ItemResult{Key: it.Key}
	if err := sem.Acquire(ctx, 1); err != nil {
		out.State, out.Reason = Failed, err.Error()
		return out
	}
	defer sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			out = ItemResult{Key: it.Key, State: Failed, Reason: fmt.Sprintf("panic: %v", r)}
			log.Error().Str("batch", job.Name).Str("key", it.Key).Interface("panic", r).Msg("item panicked")
		}
	}()

	if e.gate != nil {
		if rec, ok := e.gate.Lookup(ctx, job.RecordKind, it.Key); ok {
			out.State, out.Record = Skipped, &rec
			return out
		}
	}

	var rec domain.Record
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		if job.Host != nil {
			if err := e.spacer.Wait(ctx, job.Host(it)); err != nil {
				return err
			}
		}
		var err error
		rec, err = job.Do(ctx, it)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("batch", job.Name).Str("key", it.Key).Msg("item failed")
		out.State, out.Reason = Failed, err.Error()
		return out
	}

	if rec.Kind == "" {
		rec.Kind = job.RecordKind
	}
	if rec.Key == "" {
		rec.Key = it.Key
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = e.now().UTC()
	}
	if e.gate != nil {
		e.gate.Store(ctx, rec)
	}
	out.State, out.Record = Succeeded, &rec
	return out
}

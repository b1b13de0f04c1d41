// Package maintenance implements the housekeeping task kinds: cleanup and report.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"seoflow/internal/domain"
	"seoflow/internal/monitor"
	"seoflow/internal/retry"
)

var errDaysToKeep = errors.New("days_to_keep must be at least 1")

type RecordPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type TaskReaper interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleanup deletes records, and finished tasks, older than the retention
// window. The "days_to_keep" option overrides the default.
type Cleanup struct {
	records    RecordPruner
	tasks      TaskReaper
	daysToKeep int
	now        func() time.Time
}

func NewCleanup(records RecordPruner, tasks TaskReaper, daysToKeep int) *Cleanup {
	return &Cleanup{records: records, tasks: tasks, daysToKeep: daysToKeep, now: time.Now}
}

func (c *Cleanup) Handle(ctx context.Context, p domain.Payload) (domain.Result, error) {
	days := c.daysToKeep
	if _, err := p.Option("days_to_keep", &days); err != nil {
		return nil, retry.Permanent(err)
	}
	if days < 1 {
		return nil, retry.Permanent(errDaysToKeep)
	}
	cutoff := c.now().Add(-time.Duration(days) * 24 * time.Hour)

	records, err := c.records.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var tasks int64
	if c.tasks != nil {
		if tasks, err = c.tasks.DeleteFinishedBefore(ctx, cutoff); err != nil {
			return nil, err
		}
	}
	log.Info().Int64("records", records).Int64("tasks", tasks).Time("cutoff", cutoff).Msg("cleanup finished")
	return domain.Result{
		"records_deleted": records,
		"tasks_deleted":   tasks,
		"cutoff":          cutoff.UTC().Format(time.RFC3339),
	}, nil
}

type TaskCounter interface {
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
}

type RecordCounter interface {
	Counts(ctx context.Context) (map[domain.RecordKind]int, error)
}

type Stats interface {
	Snapshot() monitor.Snapshot
	Alerts(openOnly bool) []monitor.Alert
}

// Report summarizes task states, stored data and execution metrics.
type Report struct {
	tasks   TaskCounter
	records RecordCounter
	stats   Stats
	now     func() time.Time
}

// NewReport returns a report handler. records and stats may be nil.
func NewReport(tasks TaskCounter, records RecordCounter, stats Stats) *Report {
	return &Report{tasks: tasks, records: records, stats: stats, now: time.Now}
}

func (r *Report) Handle(ctx context.Context, _ domain.Payload) (domain.Result, error) {
	byStatus, err := r.tasks.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := domain.Result{
		"generated_at": r.now().UTC().Format(time.RFC3339),
		"tasks":        byStatus,
	}
	if r.records != nil {
		counts, err := r.records.Counts(ctx)
		if err != nil {
			return nil, err
		}
		out["records"] = counts
	}
	if r.stats != nil {
		out["metrics"] = r.stats.Snapshot()
		out["open_alerts"] = r.stats.Alerts(true)
	}
	return out, nil
}


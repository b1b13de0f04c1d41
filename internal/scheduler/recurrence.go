package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"seoflow/internal/domain"
)

const week = 7 * 24 * time.Hour

// Recurrence computes nextRunAt for every trigger kind. Daily and cron triggers
// are evaluated in loc.
type Recurrence struct {
	loc *time.Location
}

func NewRecurrence(loc *time.Location) Recurrence {
	if loc == nil {
		loc = time.Local
	}
	return Recurrence{loc: loc}
}

// Initial returns the first due time of a new task.
func (r Recurrence) Initial(t domain.Task) (*time.Time, error) {
	var next time.Time
	switch t.Trigger.Kind {
	case domain.TriggerOnce:
		next = *t.Trigger.At
	case domain.TriggerDaily:
		h, m, err := t.Trigger.Clock()
		if err != nil {
			return nil, err
		}
		c := t.CreatedAt.In(r.loc)
		// today's occurrence; already past means due on the next tick
		next = time.Date(c.Year(), c.Month(), c.Day(), h, m, 0, 0, r.loc)
	case domain.TriggerWeekly:
		next = t.CreatedAt.Add(week)
	case domain.TriggerInterval:
		next = t.CreatedAt
	case domain.TriggerCron:
		sched, err := cron.ParseStandard(t.Trigger.Expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTrigger, err)
		}
		next = sched.Next(t.CreatedAt.In(r.loc))
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidTrigger, t.Trigger.Kind)
	}
	next = next.UTC()
	return &next, nil
}

// AfterRun returns the next due time after a run that started at lastRun, or nil
// when the trigger never fires again.
func (r Recurrence) AfterRun(t domain.Task, lastRun time.Time) *time.Time {
	var next time.Time
	switch t.Trigger.Kind {
	case domain.TriggerDaily:
		h, m, err := t.Trigger.Clock()
		if err != nil {
			return nil
		}
		sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", m, h))
		if err != nil {
			return nil
		}
		next = sched.Next(lastRun.In(r.loc))
	case domain.TriggerWeekly:
		periods := lastRun.Sub(t.CreatedAt)/week + 1
		if periods < 1 {
			periods = 1
		}
		next = t.CreatedAt.Add(periods * week)
	case domain.TriggerInterval:
		next = lastRun.Add(time.Duration(t.Trigger.Every))
	case domain.TriggerCron:
		sched, err := cron.ParseStandard(t.Trigger.Expr)
		if err != nil {
			return nil
		}
		next = sched.Next(lastRun.In(r.loc))
	default:
		return nil
	}
	next = next.UTC()
	return &next
}

// AfterRetry returns when a failed run is tried again. Once and interval tasks
// retry after backoff; calendar triggers wait for their next occurrence.
func (r Recurrence) AfterRetry(t domain.Task, now time.Time, backoff time.Duration) *time.Time {
	switch t.Trigger.Kind {
	case domain.TriggerOnce, domain.TriggerInterval:
		next := now.Add(backoff).UTC()
		return &next
	}
	from := now
	if t.LastRunAt != nil {
		from = *t.LastRunAt
	}
	return r.AfterRun(t, from)
}

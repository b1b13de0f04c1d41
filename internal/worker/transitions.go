package worker

import (
	"time"

	"seoflow/internal/domain"
)

const (
	shutdownReason = "interrupted by shutdown"
	restartReason  = "interrupted by restart"
)

// succeeded is Running -> Completed, or back to Pending for a recurring task.
func (p *Pool) succeeded(t domain.Task, res domain.Result, now time.Time) domain.Task {
	t.RunCount++
	t.RetryCount = 0
	t.LastResult = res
	t.LastError = ""
	t.UpdatedAt = now
	if t.Retired() {
		t.Status = domain.StatusCompleted
		t.NextRunAt = nil
		return t
	}
	t.NextRunAt = p.rec.AfterRun(t, *t.LastRunAt)
	if t.NextRunAt == nil {
		t.Status = domain.StatusCompleted
		return t
	}
	t.Status = domain.StatusPending
	return t
}

// retried is Running -> Pending while retry budget remains, Failed otherwise.
func (p *Pool) retried(t domain.Task, err error, now time.Time) domain.Task {
	if t.RetryCount >= t.MaxRetries {
		return p.failed(t, err.Error(), now)
	}
	t.RetryCount++
	t.Status = domain.StatusPending
	t.LastError = err.Error()
	t.UpdatedAt = now
	t.NextRunAt = p.rec.AfterRetry(t, now, p.retry.Backoff(t.RetryCount))
	if t.NextRunAt == nil {
		return p.failed(t, err.Error(), now)
	}
	return t
}

func (p *Pool) failed(t domain.Task, reason string, now time.Time) domain.Task {
	t.Status = domain.StatusFailed
	t.LastError = reason
	t.NextRunAt = nil
	t.UpdatedAt = now
	return t
}

// interrupted requeues a task whose run was cut short by shutdown. It does not
// spend retry budget.
func (p *Pool) interrupted(t domain.Task, now time.Time) domain.Task {
	t.Status = domain.StatusPending
	t.LastError = shutdownReason
	t.NextRunAt = &now
	t.UpdatedAt = now
	return t
}

// recovered handles a task found Running at startup. The lost run counts as a retry.
func (p *Pool) recovered(t domain.Task, now time.Time) domain.Task {
	if t.RetryCount+1 > t.MaxRetries {
		return p.failed(t, restartReason+": retry budget exhausted", now)
	}
	t.RetryCount++
	t.Status = domain.StatusPending
	t.LastError = restartReason
	t.NextRunAt = &now
	t.UpdatedAt = now
	return t
}

// rearm picks a next run for a pending task that lost it.
func (p *Pool) rearm(t domain.Task, now time.Time) *time.Time {
	var next *time.Time
	if t.LastRunAt == nil {
		next, _ = p.rec.Initial(t)
	} else {
		next = p.rec.AfterRun(t, *t.LastRunAt)
	}
	if next == nil {
		next = &now
	}
	return next
}

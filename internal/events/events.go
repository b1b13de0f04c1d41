// Package events announces task lifecycle changes.
package events

import (
	"context"
	"time"

	"seoflow/internal/domain"
)

const SubjectPrefix = "seoflow.task."

type Event struct {
	TaskID     string        `json:"task_id"`
	Kind       domain.Kind   `json:"kind,omitempty"`
	Status     domain.Status `json:"status"`
	RunCount   int           `json:"run_count"`
	RetryCount int           `json:"retry_count"`
	Error      string        `json:"error,omitempty"`
	NextRunAt  *time.Time    `json:"next_run_at,omitempty"`
	At         time.Time     `json:"at"`
}

func FromTask(t domain.Task) Event {
	at := t.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		TaskID:     t.ID,
		Kind:       t.Kind,
		Status:     t.Status,
		RunCount:   t.RunCount,
		RetryCount: t.RetryCount,
		Error:      t.LastError,
		NextRunAt:  t.NextRunAt,
		At:         at.UTC(),
	}
}

// Subject is the NATS subject a status change is published on.
func Subject(s domain.Status) string { return SubjectPrefix + string(s) }

type Publisher interface {
	Publish(ctx context.Context, t domain.Task) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, domain.Task) error { return nil }

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind selects the registered handler that executes a task.
type Kind string

const (
	KindAnalyzeURL          Kind = "analyze-url"
	KindAnalyzeKeywords     Kind = "analyze-keywords"
	KindBulkURLAnalysis     Kind = "bulk-url-analysis"
	KindBulkKeywordAnalysis Kind = "bulk-keyword-analysis"
	KindCompetitorScan      Kind = "competitor-scan"
	KindCleanup             Kind = "cleanup"
	KindReport              Kind = "report"
)

// Kinds lists every kind the system knows how to run.
var Kinds = []Kind{
	KindAnalyzeURL, KindAnalyzeKeywords, KindBulkURLAnalysis, KindBulkKeywordAnalysis,
	KindCompetitorScan, KindCleanup, KindReport,
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions can happen in place.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders ready-to-run tasks. It never preempts a running task.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityCritical }

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return PriorityLow, nil
	case "medium", "2", "":
		return PriorityMedium, nil
	case "high", "3":
		return PriorityHigh, nil
	case "critical", "4":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *Priority) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*p = Priority(n)
		if !p.Valid() {
			return fmt.Errorf("unknown priority %d", n)
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Result is the structured outcome of a handler run.
type Result map[string]any

// Task is a persisted, schedulable unit of recurring or one-shot work.
type Task struct {
	ID         string
	Name       string
	Kind       Kind
	Payload    Payload
	Trigger    Trigger
	Priority   Priority
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastRunAt  *time.Time
	NextRunAt  *time.Time
	RunCount   int
	MaxRuns    int // 0 means unlimited
	RetryCount int
	MaxRetries int
	Timeout    time.Duration
	LastResult Result
	LastError  string
}

// Due reports whether the task should be dispatched at now.
func (t Task) Due(now time.Time) bool {
	return t.Status == StatusPending && t.NextRunAt != nil && !t.NextRunAt.After(now)
}

// Retired reports whether the run budget is spent.
func (t Task) Retired() bool {
	return t.Trigger.Kind == TriggerOnce || (t.MaxRuns > 0 && t.RunCount >= t.MaxRuns)
}

func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("unknown task status %q", t.Status)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("unknown task priority %d", int(t.Priority))
	}
	if t.MaxRuns < 0 || t.MaxRetries < 0 {
		return fmt.Errorf("max_runs and max_retries must not be negative")
	}
	if t.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return t.Trigger.Validate()
}

// TaskView is the inspection shape returned to callers.
type TaskView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	Priority   Priority   `json:"priority"`
	Trigger    Trigger    `json:"trigger"`
	CreatedAt  time.Time  `json:"created_at"`
	LastRunAt  *time.Time `json:"last_run_at"`
	NextRunAt  *time.Time `json:"next_run_at"`
	RunCount   int        `json:"run_count"`
	MaxRuns    int        `json:"max_runs,omitempty"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	LastResult Result     `json:"last_result,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

func (t Task) View() TaskView {
	return TaskView{
		ID: t.ID, Name: t.Name, Kind: t.Kind, Status: t.Status, Priority: t.Priority,
		Trigger: t.Trigger, CreatedAt: t.CreatedAt, LastRunAt: t.LastRunAt, NextRunAt: t.NextRunAt,
		RunCount: t.RunCount, MaxRuns: t.MaxRuns, RetryCount: t.RetryCount, MaxRetries: t.MaxRetries,
		LastResult: t.LastResult, LastError: t.LastError,
	}
}

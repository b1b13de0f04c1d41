package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

type Level string

const (
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Alert struct {
	ID         string     `json:"id"`
	Level      Level      `json:"level"`
	Key        string     `json:"key"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Run checks the rate thresholds every interval until ctx is done. A
// non-positive interval disables the checks.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Check()
		}
	}
}

// Check evaluates the executions recorded since the previous check, starts a
// new window, compares process memory and goroutines against their limits and
// appends a point to the history. An empty window raises no rate alerts.
func (m *Monitor) Check() {
	m.mu.Lock()
	w := m.win
	m.win = window{}
	m.mu.Unlock()

	snap := m.Snapshot()
	m.checkSystem(snap.System)
	m.mu.Lock()
	m.history = append(m.history, Point{At: m.now().UTC(), Snapshot: snap})
	if over := len(m.history) - m.thresholds.HistorySize; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	m.mu.Unlock()

	total := w.successes + w.failures
	if total == 0 {
		return
	}
	errorRate := pct(w.failures, total)
	successRate := pct(w.successes, total)
	if errorRate > m.thresholds.MaxErrorRate {
		m.raise(LevelWarning, "high_error_rate", fmt.Sprintf("High error rate: %.1f%% of %d executions", errorRate, total))
	}
	if successRate < m.thresholds.MinSuccessRate {
		m.raise(LevelWarning, "low_success_rate", fmt.Sprintf("Low success rate: %.1f%% of %d executions", successRate, total))
	}
}

func (m *Monitor) checkSystem(s System) {
	if limit := m.thresholds.MaxHeapMB; limit > 0 && s.HeapAllocMB > limit {
		m.raise(LevelWarning, "high_memory_usage", fmt.Sprintf("High memory usage: %.1f MB heap in use (limit %.0f MB)", s.HeapAllocMB, limit))
	}
	if limit := m.thresholds.MaxGoroutines; limit > 0 && s.Goroutines > limit {
		m.raise(LevelWarning, "high_goroutine_count", fmt.Sprintf("High goroutine count: %d (limit %d)", s.Goroutines, limit))
	}
}

// raise records an alert unless an unresolved one with the same key exists.
func (m *Monitor) raise(level Level, key, msg string) {
	m.mu.Lock()
	for _, a := range m.alerts {
		if a.Key == key && !a.Resolved {
			m.mu.Unlock()
			return
		}
	}
	m.seq++
	a := Alert{
		ID:        fmt.Sprintf("alert_%d", m.seq),
		Level:     level,
		Key:       key,
		Message:   msg,
		CreatedAt: m.now().UTC(),
	}
	m.alerts = append(m.alerts, a)
	m.openAlertGauge.Set(float64(m.openLocked()))
	m.mu.Unlock()

	ev := log.Warn()
	if level == LevelError {
		ev = log.Error()
	}
	ev.Str("alert_id", a.ID).Str("key", key).Msg(msg)
}

// Alerts returns alerts newest first, optionally only the unresolved ones.
func (m *Monitor) Alerts(openOnly bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if openOnly && m.alerts[i].Resolved {
			continue
		}
		out = append(out, m.alerts[i])
	}
	return out
}

// Resolve marks the alert resolved. It reports false for unknown ids.
func (m *Monitor) Resolve(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID != id {
			continue
		}
		if !m.alerts[i].Resolved {
			now := m.now().UTC()
			m.alerts[i].Resolved = true
			m.alerts[i].ResolvedAt = &now
			m.openAlertGauge.Set(float64(m.openLocked()))
			log.Info().Str("alert_id", id).Msg("alert resolved")
		}
		return true
	}
	return false
}

func (m *Monitor) openLocked() int {
	n := 0
	for _, a := range m.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n
}

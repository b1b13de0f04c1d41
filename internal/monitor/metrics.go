// Package monitor counts task outcomes and cache use, exports them to
// Prometheus and raises alerts when the recent error rate gets too high.
package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"seoflow/internal/domain"
)

type Thresholds struct {
	MaxErrorRate   float64 // percent
	MinSuccessRate float64 // percent
	MaxHeapMB      float64 // 0 disables
	MaxGoroutines  int     // 0 disables
	HistorySize    int     // points kept by Check, default 2880
}

// window holds counts since the last alert check.
type window struct {
	successes int
	failures  int
}

type Monitor struct {
	registry *prometheus.Registry

	successTotal   prometheus.Counter
	failureTotal   prometheus.Counter
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	taskFailed     *prometheus.CounterVec
	duration       prometheus.Histogram
	openAlertGauge prometheus.Gauge

	thresholds Thresholds
	now        func() time.Time
	system     func() System

	mu      sync.Mutex
	win     window
	totals  Snapshot
	alerts  []Alert
	seq     int
	history []Point
}

// Snapshot is a point-in-time copy of the lifetime counters.
type Snapshot struct {
	Successes     int     `json:"successes"`
	Failures      int     `json:"failures"`
	CacheHits     int     `json:"cache_hits"`
	CacheMisses   int     `json:"cache_misses"`
	TotalMs       int64   `json:"total_ms"`
	SuccessRate   float64 `json:"success_rate"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	OpenAlerts    int     `json:"open_alerts"`
	System        System  `json:"system"`
}

func New(t Thresholds) *Monitor {
	if t.HistorySize <= 0 {
		t.HistorySize = 2880
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Monitor{
		registry: reg,
		successTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "seoflow_task_success_total",
			Help: "Task executions that finished successfully",
		}),
		failureTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "seoflow_task_failure_total",
			Help: "Task executions that ended in an error (retried or failed)",
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "seoflow_cache_hits_total",
			Help: "Batch items served from stored data",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "seoflow_cache_misses_total",
			Help: "Batch items that had to be fetched",
		}),
		taskFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "seoflow_task_failed_total",
			Help: "Tasks that reached the failed state",
		}, []string{"kind"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "seoflow_task_duration_seconds",
			Help:    "Duration of successful task executions",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 16), // 50ms to ~27m
		}),
		openAlertGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "seoflow_open_alerts",
			Help: "Alerts not yet resolved",
		}),
		thresholds: t,
		now:        time.Now,
		system:     readSystem,
	}
}

// Handler serves the metrics in the Prometheus text format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Monitor) RecordSuccess(durationMs int64) {
	m.successTotal.Inc()
	m.duration.Observe(float64(durationMs) / 1000)
	m.mu.Lock()
	m.win.successes++
	m.totals.Successes++
	m.totals.TotalMs += durationMs
	m.mu.Unlock()
}

func (m *Monitor) RecordFailure() {
	m.failureTotal.Inc()
	m.mu.Lock()
	m.win.failures++
	m.totals.Failures++
	m.mu.Unlock()
}

func (m *Monitor) RecordCacheHit() {
	m.cacheHits.Inc()
	m.mu.Lock()
	m.totals.CacheHits++
	m.mu.Unlock()
}

func (m *Monitor) RecordCacheMiss() {
	m.cacheMisses.Inc()
	m.mu.Lock()
	m.totals.CacheMisses++
	m.mu.Unlock()
}

// TaskFailed counts the failure and raises an error alert for the task.
func (m *Monitor) TaskFailed(id string, kind domain.Kind, reason string) {
	m.taskFailed.WithLabelValues(string(kind)).Inc()
	m.raise(LevelError, "task_failed:"+id, "Task "+id+" ("+string(kind)+") failed: "+reason)
}

func (m *Monitor) Snapshot() Snapshot {
	sys := m.system()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.totals
	if n := s.Successes + s.Failures; n > 0 {
		s.SuccessRate = pct(s.Successes, n)
	} else {
		s.SuccessRate = 100
	}
	if n := s.CacheHits + s.CacheMisses; n > 0 {
		s.CacheHitRate = pct(s.CacheHits, n)
	}
	if s.Successes > 0 {
		s.AvgDurationMs = float64(s.TotalMs) / float64(s.Successes)
	}
	s.OpenAlerts = m.openLocked()
	s.System = sys
	return s
}

func pct(part, total int) float64 { return float64(part) / float64(total) * 100 }

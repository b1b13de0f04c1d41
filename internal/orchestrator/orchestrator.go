// Package orchestrator assembles the engine and is the single entry point for
// callers: submitting and inspecting tasks, running ad-hoc batches, and the
// convenience schedules.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"seoflow/internal/batch"
	"seoflow/internal/cache"
	"seoflow/internal/config"
	"seoflow/internal/domain"
	"seoflow/internal/events"
	"seoflow/internal/fetch"
	"seoflow/internal/handlers/competitor"
	"seoflow/internal/handlers/content"
	"seoflow/internal/handlers/keywords"
	"seoflow/internal/handlers/maintenance"
	"seoflow/internal/monitor"
	"seoflow/internal/registry"
	"seoflow/internal/retry"
	"seoflow/internal/scheduler"
	"seoflow/internal/sqldb"
	"seoflow/internal/store"
	"seoflow/internal/worker"
)

// ErrInvalidTask wraps every validation failure of a submission.
var ErrInvalidTask = errors.New("invalid task")

// TaskSpec is what a caller submits. Zero values take the configured defaults;
// a zero trigger means run once, now.
type TaskSpec struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Kind       domain.Kind     `json:"kind"`
	Payload    domain.Payload  `json:"payload"`
	Trigger    domain.Trigger  `json:"trigger"`
	Priority   domain.Priority `json:"priority,omitempty"`
	MaxRuns    int             `json:"max_runs,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
	Timeout    domain.Duration `json:"timeout,omitempty"`
}

type Option func(*options)

type options struct {
	handlers map[domain.Kind]worker.Handler
	monitor  *monitor.Monitor
	events   events.Publisher
	fetcher  *fetch.Fetcher
	redis    *redis.Client
}

// WithHandler replaces the built-in handler for kind.
func WithHandler(kind domain.Kind, h worker.Handler) Option {
	return func(o *options) { o.handlers[kind] = h }
}

func WithMonitor(m *monitor.Monitor) Option { return func(o *options) { o.monitor = m } }

func WithEvents(p events.Publisher) Option { return func(o *options) { o.events = p } }

func WithFetcher(f *fetch.Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithRedis puts a Redis layer in front of the record store.
func WithRedis(rdb *redis.Client) Option { return func(o *options) { o.redis = rdb } }

type Orchestrator struct {
	cfg      config.Config
	repo     *registry.SQLRepository
	content  *content.Analyzer
	keywords *keywords.Analyzer
	pool     *worker.Pool
	sched    *scheduler.Service
	monitor  *monitor.Monitor
	rec      scheduler.Recurrence
	now      func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New prepares the schemas in db and wires every component. Nothing runs
// until Start.
func New(cfg config.Config, db *sqldb.DB, opts ...Option) (*Orchestrator, error) {
	o := options{handlers: map[domain.Kind]worker.Handler{}}
	for _, opt := range opts {
		opt(&o)
	}
	if err := registry.EnsureSchema(db); err != nil {
		return nil, fmt.Errorf("task registry schema: %w", err)
	}
	if err := store.EnsureSchema(db); err != nil {
		return nil, fmt.Errorf("record store schema: %w", err)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if o.monitor == nil {
		o.monitor = monitor.New(monitor.Thresholds{
			MaxErrorRate:   cfg.Alerts.MaxErrorRate,
			MinSuccessRate: cfg.Alerts.MinSuccessRate,
			MaxHeapMB:      cfg.Alerts.MaxHeapMB,
			MaxGoroutines:  cfg.Alerts.MaxGoroutines,
			HistorySize:    cfg.Alerts.HistorySize,
		})
	}
	if o.events == nil {
		o.events = events.Nop{}
	}
	if o.fetcher == nil {
		o.fetcher = fetch.New(fetch.Options{Timeout: cfg.Fetch.Timeout, UserAgents: cfg.Fetch.UserAgents})
	}

	repo := registry.NewSQLRepository(db)
	sqlStore := store.NewSQLStore(db)
	var records store.Store = sqlStore
	if o.redis != nil {
		records = store.NewRedisCache(sqlStore, o.redis, cfg.Batch.KeywordCacheTTL)
	}

	gate := cache.NewGate(records, cache.TTLs{
		Content: cfg.Batch.ContentCacheTTL,
		Keyword: cfg.Batch.KeywordCacheTTL,
	}, o.monitor)
	exec := batch.New(gate, batch.Options{
		HTTPConcurrency:    cfg.Batch.HTTPConcurrency,
		BrowserConcurrency: cfg.Batch.BrowserConcurrency,
		Spacer:             batch.NewHostSpacer(cfg.Batch.MinRequestDelay, cfg.Batch.MaxRequestDelay),
		Retry:              retry.Policy(cfg.Batch.FetchRetry),
	})

	contentAnalyzer := content.New(exec, o.fetcher)
	keywordAnalyzer := keywords.New(exec, o.fetcher, cfg.Fetch.SERPURL, records)
	handlers := map[domain.Kind]worker.Handler{
		domain.KindAnalyzeURL:          contentAnalyzer,
		domain.KindBulkURLAnalysis:     contentAnalyzer,
		domain.KindAnalyzeKeywords:     keywordAnalyzer,
		domain.KindBulkKeywordAnalysis: keywordAnalyzer,
		domain.KindCompetitorScan:      competitor.New(exec, contentAnalyzer, gate),
		domain.KindCleanup:             maintenance.NewCleanup(records, repo, cfg.Engine.RetentionDays),
		domain.KindReport:              maintenance.NewReport(repo, sqlStore, o.monitor),
	}
	for kind, h := range o.handlers {
		handlers[kind] = h
	}

	rec := scheduler.NewRecurrence(cfg.Location)
	pool := worker.NewPool(repo, handlers, worker.Options{
		Workers:        cfg.Engine.TaskWorkers,
		Retry:          retry.Policy(cfg.Engine.TaskRetry),
		Recurrence:     rec,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
		Monitor:        o.monitor,
		Events:         o.events,
	})

	return &Orchestrator{
		cfg:      cfg,
		repo:     repo,
		content:  contentAnalyzer,
		keywords: keywordAnalyzer,
		pool:     pool,
		sched:    scheduler.NewService(repo, pool, cfg.Engine.TickInterval),
		monitor:  o.monitor,
		rec:      rec,
		now:      time.Now,
	}, nil
}

// Start quarantines malformed rows, recovers tasks interrupted by a crash and
// starts the tick loop and the alert checker. It may be called once.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orchestrator already started")
	}
	o.started = true

	quarantined, err := o.repo.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep task registry: %w", err)
	}
	recovered, err := o.pool.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	log.Info().Int("quarantined", quarantined).Int("recovered", recovered).Msg("task registry loaded")

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running.Add(2)
	go func() {
		defer o.running.Done()
		o.sched.Start(runCtx)
	}()
	go func() {
		defer o.running.Done()
		o.monitor.Run(runCtx, o.cfg.Alerts.CheckInterval)
	}()
	return nil
}

// Stop halts the tick loop, interrupts running tasks and waits for them to be
// requeued.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	o.sched.Stop()
	cancel()
	o.running.Wait()
	o.pool.Wait()
	log.Info().Msg("orchestrator stopped")
}

// Submit validates spec, fills in defaults and persists the task. It returns
// the task id.
func (o *Orchestrator) Submit(ctx context.Context, spec TaskSpec) (string, error) {
	t, err := o.build(spec)
	if err != nil {
		return "", err
	}
	if err := o.repo.Insert(ctx, t); err != nil {
		return "", err
	}
	log.Info().
		Str("task_id", t.ID).
		Str("kind", string(t.Kind)).
		Str("trigger", t.Trigger.String()).
		Msg("task submitted")
	return t.ID, nil
}

func (o *Orchestrator) build(spec TaskSpec) (domain.Task, error) {
	now := o.now().UTC()
	if !spec.Kind.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, spec.Kind)
	}
	if spec.Trigger.Kind == "" {
		spec.Trigger = domain.Once(now)
	}
	t := domain.Task{
		ID:         spec.ID,
		Name:       spec.Name,
		Kind:       spec.Kind,
		Payload:    spec.Payload,
		Trigger:    spec.Trigger,
		Priority:   spec.Priority,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRuns:    spec.MaxRuns,
		MaxRetries: o.cfg.Engine.DefaultMaxRetries,
		Timeout:    time.Duration(spec.Timeout),
	}
	if t.ID == "" {
		t.ID = registry.NewID()
	}
	if t.Name == "" {
		t.Name = string(t.Kind)
	}
	if t.Priority == 0 {
		t.Priority = domain.PriorityMedium
	}
	if spec.MaxRetries != nil {
		t.MaxRetries = *spec.MaxRetries
	}
	if t.Timeout <= 0 {
		t.Timeout = o.cfg.Engine.DefaultTimeout
	}
	if err := t.Validate(); err != nil {
		return domain.Task{}, fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	next, err := o.rec.Initial(t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	t.NextRunAt = next
	return t, nil
}

// SubmitBatch runs an ad-hoc batch right away, bypassing the registry.
func (o *Orchestrator) SubmitBatch(ctx context.Context, kind domain.Kind, keys, kws []string) (batch.Result, error) {
	var clean []string
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			clean = append(clean, k)
		}
	}
	if len(clean) == 0 {
		return batch.Result{}, fmt.Errorf("%w: no items", ErrInvalidTask)
	}
	switch kind {
	case domain.KindAnalyzeURL, domain.KindBulkURLAnalysis:
		return o.content.Analyze(ctx, clean, kws), nil
	case domain.KindAnalyzeKeywords, domain.KindBulkKeywordAnalysis:
		return o.keywords.Analyze(ctx, clean), nil
	}
	return batch.Result{}, fmt.Errorf("%w: kind %q cannot run as a batch", ErrInvalidTask, kind)
}

func (o *Orchestrator) GetStatus(ctx context.Context, id string) (domain.TaskView, error) {
	t, err := o.repo.Get(ctx, id)
	if err != nil {
		return domain.TaskView{}, err
	}
	return t.View(), nil
}

// ListTasks returns tasks in dispatch order, optionally only those in status.
func (o *Orchestrator) ListTasks(ctx context.Context, status *domain.Status) ([]domain.TaskView, error) {
	tasks, err := o.repo.List(ctx, registry.Filter{Status: status})
	if err != nil {
		return nil, err
	}
	views := make([]domain.TaskView, len(tasks))
	for i, t := range tasks {
		views[i] = t.View()
	}
	return views, nil
}

// Cancel stops the task if it is running and deletes it. It reports whether
// the task existed.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (bool, error) {
	return o.pool.Cancel(ctx, id)
}

func (o *Orchestrator) Metrics() http.Handler { return o.monitor.Handler() }

func (o *Orchestrator) Alerts(openOnly bool) []monitor.Alert { return o.monitor.Alerts(openOnly) }

func (o *Orchestrator) ResolveAlert(id string) bool { return o.monitor.Resolve(id) }

// MetricsHistory returns up to n of the most recent metric points, all when n <= 0.
func (o *Orchestrator) MetricsHistory(n int) []monitor.Point { return o.monitor.History(n) }

// Health reports task counts per status and the number of running executions.
func (o *Orchestrator) Health(ctx context.Context) (map[string]any, error) {
	counts, err := o.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":    "ok",
		"tasks":     counts,
		"in_flight": o.pool.InFlight(),
		"metrics":   o.monitor.Snapshot(),
	}, nil
}

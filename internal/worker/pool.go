// Package worker executes dispatched tasks and drives their state machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"seoflow/internal/domain"
	"seoflow/internal/events"
	"seoflow/internal/registry"
	"seoflow/internal/retry"
	"seoflow/internal/scheduler"
)

type Handler interface {
	Handle(ctx context.Context, p domain.Payload) (domain.Result, error)
}

type HandlerFunc func(ctx context.Context, p domain.Payload) (domain.Result, error)

func (f HandlerFunc) Handle(ctx context.Context, p domain.Payload) (domain.Result, error) {
	return f(ctx, p)
}

// Permanent marks a handler error that must fail the task without retrying.
func Permanent(err error) error { return retry.Permanent(err) }

type Repository interface {
	Claim(ctx context.Context, id string, now time.Time) (domain.Task, bool, error)
	Transition(ctx context.Context, t domain.Task, from domain.Status) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, f registry.Filter) ([]domain.Task, error)
}

type Monitor interface {
	RecordSuccess(durationMs int64)
	RecordFailure()
	TaskFailed(id string, kind domain.Kind, reason string)
}

type Options struct {
	Workers        int
	Retry          retry.Policy
	Recurrence     scheduler.Recurrence
	DefaultTimeout time.Duration
	Monitor        Monitor
	Events         events.Publisher
}

type execution struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

type Pool struct {
	repo     Repository
	handlers map[domain.Kind]Handler
	sem      chan struct{}
	rec      scheduler.Recurrence
	retry    retry.Policy
	timeout  time.Duration
	monitor  Monitor
	events   events.Publisher
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*execution
	wg       sync.WaitGroup
}

func NewPool(repo Repository, handlers map[domain.Kind]Handler, opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 8
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Hour
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Pool{
		repo:     repo,
		handlers: handlers,
		sem:      make(chan struct{}, opts.Workers),
		rec:      opts.Recurrence,
		retry:    opts.Retry,
		timeout:  opts.DefaultTimeout,
		monitor:  opts.Monitor,
		events:   opts.Events,
		now:      time.Now,
		inflight: make(map[string]*execution),
	}
}

// Dispatch starts t in the background unless it is already in flight.
// Cancelling ctx interrupts the run and requeues the task.
func (p *Pool) Dispatch(ctx context.Context, t domain.Task) bool {
	p.mu.Lock()
	if _, busy := p.inflight[t.ID]; busy {
		p.mu.Unlock()
		return false
	}
	execCtx, cancel := context.WithCancel(ctx)
	ex := &execution{cancel: cancel}
	p.inflight[t.ID] = ex
	p.wg.Add(1)
	p.mu.Unlock()

	go p.execute(execCtx, ex, t)
	return true
}

// Cancel removes the task from the registry and then stops its execution,
// if one is running. It reports whether there was anything to cancel. When
// the delete fails the run is left alone.
func (p *Pool) Cancel(ctx context.Context, id string) (bool, error) {
	deleted, err := p.repo.Delete(ctx, id)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	ex := p.inflight[id]
	if ex != nil {
		ex.cancelled.Store(true)
		ex.cancel()
	}
	p.mu.Unlock()

	if deleted || ex != nil {
		log.Info().Str("task_id", id).Bool("was_running", ex != nil).Msg("task cancelled")
		p.publish(ctx, domain.Task{ID: id, Status: domain.StatusCancelled, UpdatedAt: p.now()})
	}
	return deleted || ex != nil, nil
}

// InFlight returns the number of executions currently tracked.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Running reports whether id is in flight.
func (p *Pool) Running(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[id]
	return ok
}

// Wait blocks until every execution has returned.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) forget(id string) {
	p.mu.Lock()
	if ex, ok := p.inflight[id]; ok {
		ex.cancel()
		delete(p.inflight, id)
	}
	p.mu.Unlock()
}

type outcome struct {
	result   domain.Result
	err      error
	panicked any
}

func (p *Pool) execute(ctx context.Context, ex *execution, t domain.Task) {
	defer p.wg.Done()
	defer p.forget(t.ID)

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-p.sem }()

	// state writes must land even while the run context is being torn down
	persist := context.WithoutCancel(ctx)

	// t may be an old copy from the due scan; run with the row as stored.
	start := p.now()
	run, ok, err := p.repo.Claim(persist, t.ID, start)
	if err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to mark task running")
		return
	}
	if !ok {
		return
	}
	if run.Timeout <= 0 {
		run.Timeout = p.timeout
	}
	p.publish(persist, run)
	log.Info().Str("task_id", run.ID).Str("kind", string(run.Kind)).Int("run", run.RunCount+1).Msg("task started")

	h, known := p.handlers[run.Kind]
	if !known {
		p.finish(persist, run, p.failed(run, fmt.Sprintf("no handler registered for kind %q", run.Kind), p.now()))
		return
	}

	tctx, cancel := context.WithTimeout(ctx, run.Timeout)
	defer cancel()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{panicked: r}
			}
		}()
		res, err := h.Handle(tctx, run.Payload)
		done <- outcome{result: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-tctx.Done():
	}

	now := p.now()
	elapsed := now.Sub(start)
	switch {
	case ex.cancelled.Load():
		return
	case ctx.Err() != nil:
		p.finish(persist, run, p.interrupted(run, now))
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		p.finish(persist, run, p.failed(run, fmt.Sprintf("timed out after %s", run.Timeout), now))
	case o.panicked != nil:
		p.finish(persist, run, p.failed(run, fmt.Sprintf("handler panic: %v", o.panicked), now))
	case o.err != nil && retry.IsPermanent(o.err):
		p.finish(persist, run, p.failed(run, o.err.Error(), now))
	case o.err != nil:
		p.finish(persist, run, p.retried(run, o.err, now))
	default:
		if p.monitor != nil {
			p.monitor.RecordSuccess(elapsed.Milliseconds())
		}
		p.finish(persist, run, p.succeeded(run, o.result, now))
	}
}

// finish persists the transition out of Running and reports it.
func (p *Pool) finish(ctx context.Context, from, to domain.Task) {
	ok, err := p.repo.Transition(ctx, to, domain.StatusRunning)
	if err != nil {
		log.Error().Err(err).Str("task_id", to.ID).Str("status", string(to.Status)).Msg("failed to persist task outcome")
		return
	}
	if !ok {
		// deleted or changed underneath us
		return
	}
	if to.Status == domain.StatusFailed || (to.Status == domain.StatusPending && to.RetryCount > from.RetryCount) {
		if p.monitor != nil {
			p.monitor.RecordFailure()
		}
	}
	if to.Status == domain.StatusFailed && p.monitor != nil {
		p.monitor.TaskFailed(to.ID, to.Kind, to.LastError)
	}

	ev := log.Info()
	if to.Status == domain.StatusFailed {
		ev = log.Error()
	} else if to.LastError != "" {
		ev = log.Warn()
	}
	ev.Str("task_id", to.ID).
		Str("kind", string(to.Kind)).
		Str("status", string(to.Status)).
		Int("retry_count", to.RetryCount).
		Str("error", to.LastError).
		Msg("task finished")
	p.publish(ctx, to)
}

func (p *Pool) publish(ctx context.Context, t domain.Task) {
	if err := p.events.Publish(ctx, t); err != nil {
		log.Debug().Err(err).Str("task_id", t.ID).Msg("event publish failed")
	}
}

// Recover repairs rows left behind by a crash: running tasks go back to
// pending, spending one retry, and pending tasks without a next run are re-armed.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	now := p.now()
	fixed := 0

	running := domain.StatusRunning
	stuck, err := p.repo.List(ctx, registry.Filter{Status: &running})
	if err != nil {
		return 0, err
	}
	for _, t := range stuck {
		if p.Running(t.ID) {
			continue
		}
		next := p.recovered(t, now)
		ok, err := p.repo.Transition(ctx, next, domain.StatusRunning)
		if err != nil {
			return fixed, err
		}
		if !ok {
			continue
		}
		fixed++
		if next.Status == domain.StatusFailed && p.monitor != nil {
			p.monitor.TaskFailed(next.ID, next.Kind, next.LastError)
		}
		log.Warn().Str("task_id", t.ID).Str("status", string(next.Status)).Msg("recovered interrupted task")
	}

	pending := domain.StatusPending
	idle, err := p.repo.List(ctx, registry.Filter{Status: &pending})
	if err != nil {
		return fixed, err
	}
	for _, t := range idle {
		if t.NextRunAt != nil {
			continue
		}
		t.NextRunAt = p.rearm(t, now)
		t.UpdatedAt = now
		ok, err := p.repo.Transition(ctx, t, domain.StatusPending)
		if err != nil {
			return fixed, err
		}
		if ok {
			fixed++
			log.Warn().Str("task_id", t.ID).Time("next_run_at", *t.NextRunAt).Msg("re-armed pending task")
		}
	}
	return fixed, nil
}

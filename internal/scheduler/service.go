// Package scheduler finds due tasks every tick and hands them to the worker pool.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"seoflow/internal/domain"
)

type DueLister interface {
	ListDue(ctx context.Context, now time.Time) ([]domain.Task, error)
}

// Dispatcher starts a task. It must not block on the task's execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, t domain.Task) bool
}

type Service struct {
	repo     DueLister
	dispatch Dispatcher
	interval time.Duration
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewService(repo DueLister, d Dispatcher, checkInterval time.Duration) *Service {
	return &Service{
		repo:     repo,
		dispatch: d,
		interval: checkInterval,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Tick dispatches every task due at now in priority order and reports how many
// were started. It never panics.
func (s *Service) Tick(ctx context.Context, now time.Time) (started int) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("scheduler tick panicked")
		}
	}()

	tasks, err := s.repo.ListDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to list due tasks")
		return 0
	}
	for _, t := range tasks {
		if s.dispatch.Dispatch(ctx, t) {
			started++
			log.Debug().Str("task_id", t.ID).Str("kind", string(t.Kind)).Msg("task dispatched")
		}
	}
	return started
}

package worker

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"seoflow/internal/domain"
	"seoflow/internal/registry"
	"seoflow/internal/scheduler"
	"seoflow/internal/sqldb"
)

type fakeMonitor struct {
	mu        sync.Mutex
	successes int
	failures  int
	failed    []string
}

func (m *fakeMonitor) RecordSuccess(int64) { m.mu.Lock(); m.successes++; m.mu.Unlock() }
func (m *fakeMonitor) RecordFailure()      { m.mu.Lock(); m.failures++; m.mu.Unlock() }
func (m *fakeMonitor) TaskFailed(id string, _ domain.Kind, _ string) {
	m.mu.Lock()
	m.failed = append(m.failed, id)
	m.mu.Unlock()
}

type fixture struct {
	repo    *registry.SQLRepository
	pool    *Pool
	monitor *fakeMonitor
}

func newFixture(t *testing.T, h Handler) *fixture {
	t.Helper()
	db, err := sqldb.Open("sqlite", filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := registry.EnsureSchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	repo := registry.NewSQLRepository(db)
	m := &fakeMonitor{}
	pool := NewPool(repo, map[domain.Kind]Handler{domain.KindAnalyzeURL: h}, Options{
		Workers:    2,
		Recurrence: scheduler.NewRecurrence(time.UTC),
		Monitor:    m,
	})
	return &fixture{repo: repo, pool: pool, monitor: m}
}

func (f *fixture) insert(t *testing.T, mutate func(*domain.Task)) domain.Task {
	t.Helper()
	now := time.Now().UTC()
	task := domain.Task{
		ID:         registry.NewID(),
		Kind:       domain.KindAnalyzeURL,
		Payload:    domain.MustPayload([]any{"https://example.com"}, nil),
		Trigger:    domain.Interval(time.Hour),
		Priority:   domain.PriorityMedium,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		NextRunAt:  &now,
		MaxRetries: 3,
		Timeout:    time.Minute,
	}
	if mutate != nil {
		mutate(&task)
	}
	if err := f.repo.Insert(context.Background(), task); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return task
}

// runOnce dispatches the stored task and waits for it to settle.
func (f *fixture) runOnce(t *testing.T, ctx context.Context, id string) domain.Task {
	t.Helper()
	task, err := f.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !f.pool.Dispatch(ctx, task) {
		t.Fatal("Dispatch refused")
	}
	f.pool.Wait()
	after, err := f.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get after run: %v", err)
	}
	return after
}

func ok(context.Context, domain.Payload) (domain.Result, error) {
	return domain.Result{"pages": 1}, nil
}

func TestIntervalSuccessReArms(t *testing.T) {
	f := newFixture(t, HandlerFunc(ok))
	task := f.insert(t, nil)

	got := f.runOnce(t, context.Background(), task.ID)
	if got.Status != domain.StatusPending || got.RunCount != 1 || got.RetryCount != 0 {
		t.Fatalf("after run: %+v", got.View())
	}
	if got.LastRunAt == nil || got.NextRunAt == nil || got.NextRunAt.Sub(*got.LastRunAt) != time.Hour {
		t.Fatalf("next run not one period after last run: %v -> %v", got.LastRunAt, got.NextRunAt)
	}
	if got.LastResult["pages"] != float64(1) {
		t.Fatalf("result = %v", got.LastResult)
	}
	if f.monitor.successes != 1 {
		t.Fatalf("successes = %d", f.monitor.successes)
	}
}

func TestOnceCompletes(t *testing.T) {
	f := newFixture(t, HandlerFunc(ok))
	task := f.insert(t, func(tk *domain.Task) { tk.Trigger = domain.Once(time.Now()) })
	got := f.runOnce(t, context.Background(), task.ID)
	if got.Status != domain.StatusCompleted || got.NextRunAt != nil {
		t.Fatalf("once task: %+v", got.View())
	}
}

func TestMaxRunsRetiresTask(t *testing.T) {
	f := newFixture(t, HandlerFunc(ok))
	task := f.insert(t, func(tk *domain.Task) { tk.MaxRuns = 2 })
	f.runOnce(t, context.Background(), task.ID)
	// make it due again
	again, _ := f.repo.Get(context.Background(), task.ID)
	now := time.Now()
	again.NextRunAt = &now
	if err := f.repo.Put(context.Background(), again); err != nil {
		t.Fatal(err)
	}
	got := f.runOnce(t, context.Background(), task.ID)
	if got.Status != domain.StatusCompleted || got.RunCount != 2 || got.NextRunAt != nil {
		t.Fatalf("after max runs: %+v", got.View())
	}
}

func TestRetriesExactlyMaxRetriesThenFails(t *testing.T) {
	var calls int
	var mu sync.Mutex
	f := newFixture(t, HandlerFunc(func(context.Context, domain.Payload) (domain.Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("upstream 503")
	}))
	task := f.insert(t, func(tk *domain.Task) { tk.MaxRetries = 2 })

	for want := 1; want <= 2; want++ {
		got := f.runOnce(t, context.Background(), task.ID)
		if got.Status != domain.StatusPending || got.RetryCount != want {
			t.Fatalf("attempt %d: %+v", want, got.View())
		}
		if got.NextRunAt == nil || got.NextRunAt.After(time.Now().Add(time.Second)) {
			t.Fatalf("retry should be due now, next = %v", got.NextRunAt)
		}
	}
	got := f.runOnce(t, context.Background(), task.ID)
	if got.Status != domain.StatusFailed || got.LastError != "upstream 503" || got.NextRunAt != nil {
		t.Fatalf("final: %+v", got.View())
	}
	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3", calls)
	}
	if f.monitor.failures != 3 || len(f.monitor.failed) != 1 {
		t.Fatalf("failures = %d failed alerts = %v", f.monitor.failures, f.monitor.failed)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	f := newFixture(t, HandlerFunc(func(context.Context, domain.Payload) (domain.Result, error) {
		return nil, Permanent(errors.New("bad url"))
	}))
	task := f.insert(t, nil)
	got := f.runOnce(t, context.Background(), task.ID)
	if got.Status != domain.StatusFailed || got.RetryCount != 0 {
		t.Fatalf("permanent: %+v", got.View())
	}
}

func TestTimeoutFails(t *testing.T) {
	f := newFixture(t, HandlerFunc(func(ctx context.Context, _ domain.Payload) (domain.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	task := f.insert(t, func(tk *domain.Task) { tk.Timeout = 20 * time.Millisecond })
	got := f.runOnce(t, context.Background(), task.ID)
	if got.Status != domain.StatusFailed || !strings.Contains(got.LastError, "timed out") {
		t.Fatalf("timeout: %+v", got.View())
	}
}

func TestTimeoutAbandonsStuckHandler(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, HandlerFunc(func(context.Context, domain.Payload) (domain.Result, error) {
		<-release
		return nil, nil
	}))
	task := f.insert(t, func(tk *domain.Task) { tk.Timeout = 20 * time.Millisecond })
	got := f.runOnce(t, context.Background(), task.ID)
	if got.Status != domain.StatusFailed || !strings.Contains(got.LastError, "timed out") {
		t.Fatalf("stuck handler: %+v", got.View())
	}
}

func TestPanicFails(t *testing.T) {
	f := newFixture(t, HandlerFunc(func(context.Context, domain.Payload) (domain.Result, error) {
		panic("nil map")
	}))
	task := f.insert(t, nil)
	got := f.runOnce(t, context.Background(), task.ID)
	if got.Status != domain.StatusFailed || !strings.Contains(got.LastError, "panic") {
		t.Fatalf("panic: %+v", got.View())
	}
}

func TestUnknownKindFails(t *testing.T) {
	f := newFixture(t, HandlerFunc(ok))
	task := f.insert(t, func(tk *domain.Task) { tk.Kind = domain.KindReport })
	got := f.runOnce(t, context.Background(), task.ID)
	if got.Status != domain.StatusFailed || !strings.Contains(got.LastError, "no handler") {
		t.Fatalf("unknown kind: %+v", got.View())
	}
}

func blocking(started chan<- struct{}) HandlerFunc {
	return func(ctx context.Context, _ domain.Payload) (domain.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestCancelWhileRunningDeletesTask(t *testing.T) {
	started := make(chan struct{}, 1)
	f := newFixture(t, blocking(started))
	task := f.insert(t, nil)
	stored, _ := f.repo.Get(context.Background(), task.ID)

	if !f.pool.Dispatch(context.Background(), stored) {
		t.Fatal("Dispatch refused")
	}
	<-started
	if f.pool.Dispatch(context.Background(), stored) {
		t.Fatal("second dispatch of a running task should be a no-op")
	}
	cancelled, err := f.pool.Cancel(context.Background(), task.ID)
	if err != nil || !cancelled {
		t.Fatalf("Cancel = %v, %v", cancelled, err)
	}
	f.pool.Wait()
	if _, err := f.repo.Get(context.Background(), task.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("Get after cancel err = %v, want not found", err)
	}
	if f.pool.InFlight() != 0 {
		t.Fatalf("in flight = %d", f.pool.InFlight())
	}
}

func TestCancelUnknownTask(t *testing.T) {
	f := newFixture(t, HandlerFunc(ok))
	cancelled, err := f.pool.Cancel(context.Background(), "tsk_missing")
	if err != nil || cancelled {
		t.Fatalf("Cancel = %v, %v", cancelled, err)
	}
}

func TestShutdownRequeuesWithoutSpendingRetries(t *testing.T) {
	started := make(chan struct{}, 1)
	f := newFixture(t, blocking(started))
	task := f.insert(t, nil)
	stored, _ := f.repo.Get(context.Background(), task.ID)

	ctx, cancel := context.WithCancel(context.Background())
	f.pool.Dispatch(ctx, stored)
	<-started
	cancel()
	f.pool.Wait()

	got, err := f.repo.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending || got.RetryCount != 0 || got.LastError != shutdownReason || got.NextRunAt == nil {
		t.Fatalf("after shutdown: %+v", got.View())
	}
}

func TestRecover(t *testing.T) {
	f := newFixture(t, HandlerFunc(ok))
	ctx := context.Background()
	stuck := f.insert(t, func(tk *domain.Task) { tk.Status = domain.StatusRunning })
	spent := f.insert(t, func(tk *domain.Task) {
		tk.Status = domain.StatusRunning
		tk.RetryCount = 3
	})
	unarmed := f.insert(t, func(tk *domain.Task) { tk.NextRunAt = nil })

	n, err := f.pool.Recover(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	got, _ := f.repo.Get(ctx, stuck.ID)
	if got.Status != domain.StatusPending || got.RetryCount != 1 || got.NextRunAt == nil {
		t.Fatalf("stuck: %+v", got.View())
	}
	got, _ = f.repo.Get(ctx, spent.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("spent: %+v", got.View())
	}
	got, _ = f.repo.Get(ctx, unarmed.ID)
	if got.NextRunAt == nil {
		t.Fatalf("unarmed: %+v", got.View())
	}
}

func TestOldDueSnapshotCannotResetCounters(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	f := newFixture(t, HandlerFunc(func(context.Context, domain.Payload) (domain.Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("upstream 503")
	}))
	task := f.insert(t, func(tk *domain.Task) { tk.MaxRetries = 2 })
	// copy taken by a due scan before any run
	old, err := f.repo.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}

	f.runOnce(t, context.Background(), task.ID)
	for i := 0; i < 4; i++ {
		f.pool.Dispatch(context.Background(), old)
		f.pool.Wait()
	}

	got, err := f.repo.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed || got.RetryCount != 2 {
		t.Fatalf("after old dispatches: %+v", got.View())
	}
	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3", calls)
	}
}

func TestOldSnapshotDoesNotRunTaskEarly(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, HandlerFunc(func(context.Context, domain.Payload) (domain.Result, error) {
		calls.Add(1)
		return domain.Result{}, nil
	}))
	task := f.insert(t, func(tk *domain.Task) { tk.MaxRuns = 1 })
	old, _ := f.repo.Get(context.Background(), task.ID)
	f.runOnce(t, context.Background(), task.ID)

	f.pool.Dispatch(context.Background(), old)
	f.pool.Wait()
	got, _ := f.repo.Get(context.Background(), task.ID)
	if calls.Load() != 1 || got.RunCount != 1 || got.Status != domain.StatusCompleted {
		t.Fatalf("calls = %d task = %+v", calls.Load(), got.View())
	}

	again := f.insert(t, nil)
	old, _ = f.repo.Get(context.Background(), again.ID)
	f.runOnce(t, context.Background(), again.ID)
	// rearmed an hour out, so the old copy is not due
	f.pool.Dispatch(context.Background(), old)
	f.pool.Wait()
	got, _ = f.repo.Get(context.Background(), again.ID)
	if calls.Load() != 2 || got.RunCount != 1 || got.Status != domain.StatusPending {
		t.Fatalf("calls = %d task = %+v", calls.Load(), got.View())
	}
}

type lockedDeletes struct {
	*registry.SQLRepository
}

func (lockedDeletes) Delete(context.Context, string) (bool, error) {
	return false, errors.New("database is locked")
}

func TestCancelLeavesRunAloneWhenDeleteFails(t *testing.T) {
	started := make(chan struct{}, 1)
	f := newFixture(t, blocking(started))
	pool := NewPool(lockedDeletes{f.repo}, map[domain.Kind]Handler{domain.KindAnalyzeURL: blocking(started)}, Options{
		Workers:    1,
		Recurrence: scheduler.NewRecurrence(time.UTC),
	})
	task := f.insert(t, nil)
	stored, _ := f.repo.Get(context.Background(), task.ID)

	ctx, shutdown := context.WithCancel(context.Background())
	defer shutdown()
	pool.Dispatch(ctx, stored)
	<-started

	cancelled, err := pool.Cancel(context.Background(), task.ID)
	if err == nil || cancelled {
		t.Fatalf("Cancel = %v, %v; want false and the delete error", cancelled, err)
	}
	if !pool.Running(task.ID) {
		t.Fatal("execution stopped although the task was not deleted")
	}
	got, _ := f.repo.Get(context.Background(), task.ID)
	if got.Status != domain.StatusRunning {
		t.Fatalf("status = %s", got.Status)
	}

	// the run is still owned by the pool, so shutdown requeues it
	shutdown()
	pool.Wait()
	got, _ = f.repo.Get(context.Background(), task.ID)
	if got.Status != domain.StatusPending || got.NextRunAt == nil {
		t.Fatalf("after shutdown: %+v", got.View())
	}
}

func TestResultAfterDeadlineIsTimeout(t *testing.T) {
	f := newFixture(t, HandlerFunc(func(ctx context.Context, _ domain.Payload) (domain.Result, error) {
		<-ctx.Done()
		// an error that does not wrap the context error
		return nil, errors.New("0 of 3 items succeeded")
	}))
	task := f.insert(t, func(tk *domain.Task) { tk.Timeout = 20 * time.Millisecond })
	got := f.runOnce(t, context.Background(), task.ID)
	if got.Status != domain.StatusFailed || !strings.Contains(got.LastError, "timed out") || got.RetryCount != 0 {
		t.Fatalf("late error: %+v", got.View())
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"seoflow/internal/domain"
)

func task(tr domain.Trigger, created time.Time) domain.Task {
	return domain.Task{ID: "tsk", Kind: domain.KindAnalyzeURL, Trigger: tr, CreatedAt: created, Status: domain.StatusPending}
}

func TestIntervalFiresAtLeastPeriodApart(t *testing.T) {
	r := NewRecurrence(time.UTC)
	p := time.Hour
	tk := task(domain.Interval(p), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	next, err := r.Initial(tk)
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(tk.CreatedAt) {
		t.Fatalf("interval should be due immediately, got %s", next)
	}
	var fires []time.Time
	for i := 0; i < 3; i++ {
		// the tick loop notices due tasks a little late
		fire := next.Add(700 * time.Millisecond)
		fires = append(fires, fire)
		next = r.AfterRun(tk, fire)
	}
	for i := 1; i < len(fires); i++ {
		if gap := fires[i].Sub(fires[i-1]); gap < p {
			t.Fatalf("fires %d and %d are %s apart, want >= %s", i-1, i, gap, p)
		}
	}
}

func TestOnceFiresAtGivenTime(t *testing.T) {
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecurrence(time.UTC)
	tk := task(domain.Once(at), at.Add(-time.Hour))
	next, err := r.Initial(tk)
	if err != nil || !next.Equal(at) {
		t.Fatalf("Initial = %v, %v", next, err)
	}
	if r.AfterRun(tk, at) != nil {
		t.Fatal("once should not fire again")
	}
}

func TestDailyOccurrences(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	r := NewRecurrence(loc)

	early := task(domain.Daily("09:00"), time.Date(2026, 3, 10, 8, 0, 0, 0, loc))
	next, err := r.Initial(early)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 10, 9, 0, 0, 0, loc); !next.Equal(want) {
		t.Fatalf("Initial = %s, want %s", next, want)
	}
	after := r.AfterRun(early, time.Date(2026, 3, 10, 9, 0, 2, 0, loc))
	if want := time.Date(2026, 3, 11, 9, 0, 0, 0, loc); !after.Equal(want) {
		t.Fatalf("AfterRun = %s, want %s", after, want)
	}

	// created past today's time: today's occurrence is already due
	late := task(domain.Daily("09:00"), time.Date(2026, 3, 10, 10, 0, 0, 0, loc))
	next, _ = r.Initial(late)
	if !next.Before(late.CreatedAt) {
		t.Fatalf("late daily task should be due at creation, next = %s", next)
	}
}

func TestWeeklyPeriods(t *testing.T) {
	created := time.Date(2026, 4, 1, 15, 0, 0, 0, time.UTC)
	r := NewRecurrence(time.UTC)
	tk := task(domain.Weekly(), created)
	next, _ := r.Initial(tk)
	if !next.Equal(created.Add(week)) {
		t.Fatalf("Initial = %s", next)
	}
	if got := r.AfterRun(tk, created.Add(week+time.Minute)); !got.Equal(created.Add(2 * week)) {
		t.Fatalf("AfterRun = %s", got)
	}
	// a run that slipped past a whole period waits for the following boundary
	if got := r.AfterRun(tk, created.Add(15*24*time.Hour)); !got.Equal(created.Add(3 * week)) {
		t.Fatalf("late AfterRun = %s", got)
	}
}

func TestCronTrigger(t *testing.T) {
	r := NewRecurrence(time.UTC)
	created := time.Date(2026, 5, 1, 10, 7, 0, 0, time.UTC)
	tk := task(domain.Cron("*/15 * * * *"), created)
	next, err := r.Initial(tk)
	if err != nil || !next.Equal(time.Date(2026, 5, 1, 10, 15, 0, 0, time.UTC)) {
		t.Fatalf("Initial = %v, %v", next, err)
	}
}

func TestAfterRetry(t *testing.T) {
	r := NewRecurrence(time.UTC)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	iv := task(domain.Interval(time.Hour), now.Add(-time.Hour))
	if got := r.AfterRetry(iv, now, 0); !got.Equal(now) {
		t.Fatalf("interval retry = %s, want now", got)
	}
	daily := task(domain.Daily("06:00"), now.Add(-48*time.Hour))
	ran := now.Add(-time.Minute)
	daily.LastRunAt = &ran
	if got := r.AfterRetry(daily, now, 0); !got.Equal(time.Date(2026, 6, 2, 6, 0, 0, 0, time.UTC)) {
		t.Fatalf("daily retry = %s", got)
	}
}

type fakeLister struct {
	tasks []domain.Task
	err   error
}

func (f fakeLister) ListDue(context.Context, time.Time) ([]domain.Task, error) { return f.tasks, f.err }

type recorder struct {
	mu    sync.Mutex
	ids   []string
	panic string
}

func (r *recorder) Dispatch(_ context.Context, t domain.Task) bool {
	if t.ID == r.panic {
		panic("dispatch blew up")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, t.ID)
	return true
}

func TestTickDispatchesInOrder(t *testing.T) {
	rec := &recorder{}
	s := NewService(fakeLister{tasks: []domain.Task{{ID: "a"}, {ID: "b"}, {ID: "c"}}}, rec, time.Second)
	if n := s.Tick(context.Background(), time.Now()); n != 3 {
		t.Fatalf("started = %d", n)
	}
	if len(rec.ids) != 3 || rec.ids[0] != "a" || rec.ids[2] != "c" {
		t.Fatalf("dispatched = %v", rec.ids)
	}
}

func TestTickSurvivesErrorsAndPanics(t *testing.T) {
	s := NewService(fakeLister{err: errors.New("db gone")}, &recorder{}, time.Second)
	if n := s.Tick(context.Background(), time.Now()); n != 0 {
		t.Fatalf("started = %d", n)
	}
	s = NewService(fakeLister{tasks: []domain.Task{{ID: "boom"}}}, &recorder{panic: "boom"}, time.Second)
	s.Tick(context.Background(), time.Now())
}

func TestStartStops(t *testing.T) {
	rec := &recorder{}
	s := NewService(fakeLister{tasks: []domain.Task{{ID: "a"}}}, rec, 5*time.Millisecond)
	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	s.Stop()
	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.ids) == 0 {
		t.Fatal("no ticks happened")
	}
}

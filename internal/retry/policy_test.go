package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 1, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := p.Backoff(1)
		if d < 100*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("Backoff = %s, outside [100ms,150ms]", d)
		}
	}
}

func TestZeroBaseMeansImmediate(t *testing.T) {
	if d := (Policy{Multiplier: 2}).Backoff(3); d != 0 {
		t.Fatalf("Backoff = %s, want 0", d)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 5}.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errors.New("404"))
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 3}.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err = %v calls = %d", err, calls)
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 2}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 2 {
		t.Fatalf("err = %v calls = %d", err, calls)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{MaxAttempts: 10, BaseDelay: time.Hour}.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("err = %v calls = %d", err, calls)
	}
}

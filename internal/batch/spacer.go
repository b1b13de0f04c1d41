package batch

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// HostSpacer keeps requests to one host apart by a random delay in [min, max].
// Each caller reserves the next slot for its host, so concurrent callers queue
// behind each other instead of firing together.
type HostSpacer struct {
	min, max time.Duration

	mu     sync.Mutex
	next   map[string]time.Time
	pruned time.Time
	now    func() time.Time
}

// pruneEvery bounds how often Wait sweeps hosts whose slot has passed.
const pruneEvery = time.Minute

func NewHostSpacer(min, max time.Duration) *HostSpacer {
	if max < min {
		max = min
	}
	return &HostSpacer{min: min, max: max, next: make(map[string]time.Time), now: time.Now}
}

func (s *HostSpacer) delay() time.Duration {
	if s.max <= s.min {
		return s.min
	}
	return s.min + time.Duration(rand.Int63n(int64(s.max-s.min)+1))
}

// Wait blocks until host's reserved slot arrives or ctx is done.
func (s *HostSpacer) Wait(ctx context.Context, host string) error {
	if s == nil || s.max <= 0 {
		return ctx.Err()
	}
	s.mu.Lock()
	now := s.now()
	if now.Sub(s.pruned) >= pruneEvery {
		s.prune(now)
	}
	slot := now
	if n, ok := s.next[host]; ok && n.After(slot) {
		slot = n
	}
	s.next[host] = slot.Add(s.delay())
	s.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// prune forgets hosts whose next slot is not in the future. A missing entry
// and a past one behave the same in Wait. Callers hold s.mu.
func (s *HostSpacer) prune(now time.Time) {
	for host, n := range s.next {
		if !n.After(now) {
			delete(s.next, host)
		}
	}
	s.pruned = now
}

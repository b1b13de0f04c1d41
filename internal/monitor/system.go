package monitor

import (
	"runtime"
	"time"
)

// System is the process resource usage reported with each snapshot.
type System struct {
	Goroutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	NumGC       uint32  `json:"num_gc"`
}

func readSystem() System {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return System{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(ms.HeapAlloc) / (1 << 20),
		SysMB:       float64(ms.Sys) / (1 << 20),
		NumGC:       ms.NumGC,
	}
}

// Point is one entry of the metrics history, taken at every Check.
type Point struct {
	At time.Time `json:"at"`
	Snapshot
}

// History returns the recorded points oldest first, limited to the last n
// when n > 0.
func (m *Monitor) History(n int) []Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	out := make([]Point, len(h))
	copy(out, h)
	return out
}

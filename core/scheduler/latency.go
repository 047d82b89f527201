package scheduler

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// latencyWindow keeps a rolling window of handler run durations.
type latencyWindow struct {
	mu      sync.Mutex
	samples []float64 // seconds
	next    int
	filled  bool
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]float64, size)}
}

func (w *latencyWindow) add(d time.Duration) {
	w.mu.Lock()
	w.samples[w.next] = d.Seconds()
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
	w.mu.Unlock()
}

// mean returns the rolling average over the recorded samples, zero when none
// were recorded yet.
func (w *latencyWindow) mean() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	return time.Duration(stat.Mean(w.samples[:n], nil) * float64(time.Second))
}

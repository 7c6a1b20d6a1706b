package stats

import (
	"sort"
	"sync"
	"time"
)

// latencyWindow keeps the most recent processing times for percentiles.
type latencyWindow struct {
	mu      sync.Mutex
	samples []int64 // milliseconds
	max     int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 1000
	}
	return &latencyWindow{samples: make([]int64, 0, size), max: size}
}

func (w *latencyWindow) record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) >= w.max {
		// Drop the oldest tenth at once to avoid shifting on every record.
		drop := w.max / 10
		if drop < 1 {
			drop = 1
		}
		w.samples = append(w.samples[:0], w.samples[drop:]...)
	}
	w.samples = append(w.samples, d.Milliseconds())
}

// Latency summarises processing time in milliseconds.
type Latency struct {
	Count int     `json:"count"`
	AvgMS float64 `json:"avg_ms"`
	P50MS int64   `json:"p50_ms"`
	P95MS int64   `json:"p95_ms"`
	P99MS int64   `json:"p99_ms"`
	MaxMS int64   `json:"max_ms"`
}

func (w *latencyWindow) stats() Latency {
	w.mu.Lock()
	// The window stays in arrival order so eviction drops the oldest samples.
	sorted := append([]int64(nil), w.samples...)
	w.mu.Unlock()

	n := len(sorted)
	if n == 0 {
		return Latency{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum int64
	for _, v := range sorted {
		sum += v
	}
	return Latency{
		Count: n,
		AvgMS: float64(sum) / float64(n),
		P50MS: percentile(sorted, 0.50),
		P95MS: percentile(sorted, 0.95),
		P99MS: percentile(sorted, 0.99),
		MaxMS: sorted[n-1],
	}
}

func percentile(sorted []int64, p float64) int64 {
	return sorted[int(float64(len(sorted)-1)*p)]
}

package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// UsageTracker keeps request counts and a sliding window of latencies per
// key for percentile reporting.
type UsageTracker struct {
	requestCounts map[string]*atomic.Int64
	errorCounts   map[string]*atomic.Int64
	latencies     map[string]*LatencyTracker
	mu            sync.RWMutex
}

type LatencyTracker struct {
	samples []float64
	maxSize int
	mu      sync.Mutex
}

func NewLatencyTracker(maxSize int) *LatencyTracker {
	return &LatencyTracker{
		samples: make([]float64, 0, maxSize),
		maxSize: maxSize,
	}
}

func (lt *LatencyTracker) Record(duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	// drop the oldest quarter when full
	if len(lt.samples) >= lt.maxSize {
		lt.samples = append(lt.samples[:0], lt.samples[lt.maxSize/4:]...)
	}

	lt.samples = append(lt.samples, duration.Seconds())
}

// Percentile returns the p-th (0..1) latency in seconds.
func (lt *LatencyTracker) Percentile(p float64) float64 {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) == 0 {
		return 0
	}

	sorted := make([]float64, len(lt.samples))
	copy(sorted, lt.samples)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		requestCounts: make(map[string]*atomic.Int64),
		errorCounts:   make(map[string]*atomic.Int64),
		latencies:     make(map[string]*LatencyTracker),
	}
}

func (ut *UsageTracker) getOrCreateCounter(counters map[string]*atomic.Int64, key string) *atomic.Int64 {
	ut.mu.RLock()
	counter, ok := counters[key]
	ut.mu.RUnlock()

	if !ok {
		ut.mu.Lock()
		counter, ok = counters[key]
		if !ok {
			counter = &atomic.Int64{}
			counters[key] = counter
		}
		ut.mu.Unlock()
	}
	return counter
}

func (ut *UsageTracker) RecordRequest(key string, duration time.Duration, isError bool) {
	ut.getOrCreateCounter(ut.requestCounts, key).Add(1)
	if isError {
		ut.getOrCreateCounter(ut.errorCounts, key).Add(1)
	}

	ut.mu.Lock()
	lt, ok := ut.latencies[key]
	if !ok {
		lt = NewLatencyTracker(1000)
		ut.latencies[key] = lt
	}
	ut.mu.Unlock()

	lt.Record(duration)
}

type Stats struct {
	Key          string  `json:"key"`
	RequestCount int64   `json:"request_count"`
	ErrorCount   int64   `json:"error_count"`
	P50Latency   float64 `json:"p50_latency_ms"`
	P90Latency   float64 `json:"p90_latency_ms"`
	P99Latency   float64 `json:"p99_latency_ms"`
}

// GetStats returns one entry per key, sorted by key.
func (ut *UsageTracker) GetStats() []Stats {
	ut.mu.RLock()
	defer ut.mu.RUnlock()

	stats := make([]Stats, 0, len(ut.requestCounts))
	for key, counter := range ut.requestCounts {
		s := Stats{
			Key:          key,
			RequestCount: counter.Load(),
		}
		if ec, ok := ut.errorCounts[key]; ok {
			s.ErrorCount = ec.Load()
		}
		if lt, ok := ut.latencies[key]; ok {
			s.P50Latency = lt.Percentile(0.50) * 1000
			s.P90Latency = lt.Percentile(0.90) * 1000
			s.P99Latency = lt.Percentile(0.99) * 1000
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

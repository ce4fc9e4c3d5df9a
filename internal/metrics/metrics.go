package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome is how the dispatcher answered a request.
type Outcome string

const (
	Preflight Outcome = "preflight"
	Map       Outcome = "map"
	Status    Outcome = "status"
	File      Outcome = "file"
	History   Outcome = "history"
	NotFound  Outcome = "not_found"
	Error     Outcome = "error"
)

type requestKey struct {
	outcome Outcome
	method  string
	status  int
}

func (k requestKey) String() string {
	return string(k.outcome) + "|" + k.method + "|" + strconv.Itoa(k.status)
}

// Methods outside this set are counted as OTHER.
var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodConnect: true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

func methodLabel(method string) string {
	if knownMethods[method] {
		return method
	}
	return "OTHER"
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// label quotes v as a Prometheus label value.
func label(v string) string {
	return `"` + labelEscaper.Replace(v) + `"`
}

type Metrics struct {
	// Counters
	requestsTotal map[requestKey]*atomic.Int64
	errorsTotal   map[string]*atomic.Int64
	bytesServed   atomic.Int64

	// Gauges
	requestsInFlight atomic.Int64

	// Histograms, keyed by outcome
	requestDuration map[string]*histogram

	usage   *UsageTracker
	buckets []float64
	mu      sync.RWMutex
}

type histogram struct {
	buckets []float64
	counts  []atomic.Int64
	sum     atomic.Int64 // microseconds
	count   atomic.Int64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]atomic.Int64, len(buckets)+1),
	}
}

func (h *histogram) observe(value float64) {
	idx := sort.SearchFloat64s(h.buckets, value)
	h.counts[idx].Add(1)
	h.sum.Add(int64(value * 1e6))
	h.count.Add(1)
}

type Config struct {
	LatencyBuckets []float64
}

func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}
}

func New(cfg Config) *Metrics {
	if len(cfg.LatencyBuckets) == 0 {
		cfg = DefaultConfig()
	}
	buckets := append([]float64(nil), cfg.LatencyBuckets...)
	sort.Float64s(buckets)

	return &Metrics{
		requestsTotal:   make(map[requestKey]*atomic.Int64),
		errorsTotal:     make(map[string]*atomic.Int64),
		requestDuration: make(map[string]*histogram),
		usage:           NewUsageTracker(),
		buckets:         buckets,
	}
}

func getOrCreateCounter[K comparable](mu *sync.RWMutex, counters map[K]*atomic.Int64, key K) *atomic.Int64 {
	mu.RLock()
	counter, ok := counters[key]
	mu.RUnlock()

	if !ok {
		mu.Lock()
		counter, ok = counters[key]
		if !ok {
			counter = &atomic.Int64{}
			counters[key] = counter
		}
		mu.Unlock()
	}
	return counter
}

func (m *Metrics) getOrCreateHistogram(key string) *histogram {
	m.mu.RLock()
	hist, ok := m.requestDuration[key]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		hist, ok = m.requestDuration[key]
		if !ok {
			hist = newHistogram(m.buckets)
			m.requestDuration[key] = hist
		}
		m.mu.Unlock()
	}
	return hist
}

// RecordRequest counts a finished request by outcome, method and status.
// Non-standard methods share the OTHER label.
func (m *Metrics) RecordRequest(outcome Outcome, method string, status int, duration time.Duration) {
	key := requestKey{outcome: outcome, method: methodLabel(method), status: status}
	getOrCreateCounter(&m.mu, m.requestsTotal, key).Add(1)
	m.getOrCreateHistogram(string(outcome)).observe(duration.Seconds())
	m.usage.RecordRequest(string(outcome), duration, outcome == Error)
}

// RecordError counts a failure by kind, e.g. "handler" or "io".
func (m *Metrics) RecordError(kind string) {
	getOrCreateCounter(&m.mu, m.errorsTotal, kind).Add(1)
}

// RecordBytes adds n to the number of body bytes written.
func (m *Metrics) RecordBytes(n int) {
	m.bytesServed.Add(int64(n))
}

// InFlightRequests increments the in-flight gauge and returns the function
// that decrements it.
func (m *Metrics) InFlightRequests() func() {
	m.requestsInFlight.Add(1)
	return func() {
		m.requestsInFlight.Add(-1)
	}
}

// Usage returns the per-outcome usage tracker.
func (m *Metrics) Usage() *UsageTracker {
	return m.usage
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.writePrometheusMetrics(w)
	})
}

func (m *Metrics) writePrometheusMetrics(w io.Writer) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fmt.Fprintln(w, "# HELP devserve_requests_total Total number of requests processed")
	fmt.Fprintln(w, "# TYPE devserve_requests_total counter")
	for _, key := range sortedRequestKeys(m.requestsTotal) {
		fmt.Fprintf(w, "devserve_requests_total{outcome=%s,method=%s,status=\"%d\"} %d\n",
			label(string(key.outcome)), label(key.method), key.status, m.requestsTotal[key].Load())
	}

	fmt.Fprintln(w, "# HELP devserve_errors_total Total number of failed requests by kind")
	fmt.Fprintln(w, "# TYPE devserve_errors_total counter")
	for _, key := range sortedKeys(m.errorsTotal) {
		fmt.Fprintf(w, "devserve_errors_total{kind=%s} %d\n", label(key), m.errorsTotal[key].Load())
	}

	fmt.Fprintln(w, "# HELP devserve_response_bytes_total Total response body bytes written")
	fmt.Fprintln(w, "# TYPE devserve_response_bytes_total counter")
	fmt.Fprintf(w, "devserve_response_bytes_total %d\n", m.bytesServed.Load())

	fmt.Fprintln(w, "# HELP devserve_requests_in_flight Number of requests in flight")
	fmt.Fprintln(w, "# TYPE devserve_requests_in_flight gauge")
	fmt.Fprintf(w, "devserve_requests_in_flight %d\n", m.requestsInFlight.Load())

	fmt.Fprintln(w, "# HELP devserve_request_duration_seconds Request duration in seconds")
	fmt.Fprintln(w, "# TYPE devserve_request_duration_seconds histogram")
	outcomes := make([]string, 0, len(m.requestDuration))
	for k := range m.requestDuration {
		outcomes = append(outcomes, k)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		hist := m.requestDuration[outcome]
		var cumulative int64
		for i, bucket := range hist.buckets {
			cumulative += hist.counts[i].Load()
			fmt.Fprintf(w, "devserve_request_duration_seconds_bucket{outcome=%s,le=\"%v\"} %d\n",
				label(outcome), bucket, cumulative)
		}
		cumulative += hist.counts[len(hist.buckets)].Load()
		fmt.Fprintf(w, "devserve_request_duration_seconds_bucket{outcome=%s,le=\"+Inf\"} %d\n", label(outcome), cumulative)
		fmt.Fprintf(w, "devserve_request_duration_seconds_sum{outcome=%s} %f\n", label(outcome), float64(hist.sum.Load())/1e6)
		fmt.Fprintf(w, "devserve_request_duration_seconds_count{outcome=%s} %d\n", label(outcome), hist.count.Load())
	}
}

// JSONHandler serves counters and usage stats as JSON.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		m.mu.RLock()
		stats := map[string]any{
			"requests_total":       requestsToJSON(m.requestsTotal),
			"errors_total":         counterMapToJSON(m.errorsTotal),
			"response_bytes_total": m.bytesServed.Load(),
			"requests_in_flight":   m.requestsInFlight.Load(),
		}
		m.mu.RUnlock()

		stats["outcomes"] = m.usage.GetStats()
		_ = json.NewEncoder(w).Encode(stats)
	})
}

func counterMapToJSON(m map[string]*atomic.Int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v.Load()
	}
	return result
}

func requestsToJSON(m map[requestKey]*atomic.Int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k.String()] = v.Load()
	}
	return result
}

func sortedRequestKeys(m map[requestKey]*atomic.Int64) []requestKey {
	keys := make([]requestKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.outcome != b.outcome {
			return a.outcome < b.outcome
		}
		if a.method != b.method {
			return a.method < b.method
		}
		return a.status < b.status
	})
	return keys
}

func sortedKeys(m map[string]*atomic.Int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

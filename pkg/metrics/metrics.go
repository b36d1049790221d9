// Package metrics records per-endpoint API performance over a rolling
// window: percentile response times, error and cache-hit rates, breaker
// trip counters, and periodic system performance samples.
package metrics

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/riskmesh/riskmesh/pkg/observability"
)

// BreakerErrorClass is the error class that bumps the per-endpoint
// breaker trip counter.
const BreakerErrorClass = "CIRCUIT_BREAKER_ERROR"

// Config tunes the recorder.
type Config struct {
	Window         time.Duration `mapstructure:"window"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	MaxSamples     int           `mapstructure:"max_samples"`
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 30 * time.Second
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = 120
	}
}

// call is one recorded API call.
type call struct {
	at         time.Time
	duration   time.Duration
	status     int
	cacheHit   bool
	errorClass string
}

// EndpointMetrics is a windowed aggregate for one endpoint.
type EndpointMetrics struct {
	Endpoint           string        `json:"endpoint"`
	TotalRequests      int           `json:"totalRequests"`
	SuccessfulRequests int           `json:"successfulRequests"`
	FailedRequests     int           `json:"failedRequests"`
	AvgResponseTime    time.Duration `json:"avgResponseTime"`
	P50ResponseTime    time.Duration `json:"p50ResponseTime"`
	P95ResponseTime    time.Duration `json:"p95ResponseTime"`
	P99ResponseTime    time.Duration `json:"p99ResponseTime"`
	ErrorRate          float64       `json:"errorRate"`
	CacheHitRate       float64       `json:"cacheHitRate"`
	BreakerTrips       int64         `json:"breakerTrips"`
}

// PerformanceSample is a periodic system snapshot.
type PerformanceSample struct {
	At                time.Time     `json:"at"`
	MemoryBytes       uint64        `json:"memoryBytes"`
	Goroutines        int           `json:"goroutines"`
	ActiveConnections int64         `json:"activeConnections"`
	RequestsPerSecond float64       `json:"requestsPerSecond"`
	AvgResponseTime   time.Duration `json:"avgResponseTime"`
	ErrorRate         float64       `json:"errorRate"`
}

// Recorder owns API call metrics. Safe for concurrent use.
type Recorder struct {
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	mu           sync.Mutex
	calls        map[string][]call
	breakerTrips map[string]int64
	samples      []PerformanceSample
	activeConns  int64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRecorder creates a Recorder and starts the sampling loop.
func NewRecorder(cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Recorder {
	cfg.applyDefaults()
	r := &Recorder{
		config:       cfg,
		logger:       logger,
		metrics:      metrics,
		calls:        make(map[string][]call),
		breakerTrips: make(map[string]int64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go r.sampleLoop()
	return r
}

// RecordAPICall records one request. Status ≥ 400 counts as failed; a
// CIRCUIT_BREAKER_ERROR class additionally bumps the endpoint's breaker
// trip counter.
func (r *Recorder) RecordAPICall(endpoint string, duration time.Duration, status int, cacheHit bool, errorClass string) {
	now := time.Now()

	r.mu.Lock()
	r.calls[endpoint] = append(r.calls[endpoint], call{
		at:         now,
		duration:   duration,
		status:     status,
		cacheHit:   cacheHit,
		errorClass: errorClass,
	})
	r.pruneLocked(endpoint, now)
	if errorClass == BreakerErrorClass {
		r.breakerTrips[endpoint]++
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordOperation("api", endpoint, status < 400, duration.Seconds(), map[string]string{
			"cache_hit": boolLabel(cacheHit),
		})
	}
}

// SetActiveConnections updates the connection gauge captured by samples.
func (r *Recorder) SetActiveConnections(n int64) {
	r.mu.Lock()
	r.activeConns = n
	r.mu.Unlock()
}

// Endpoint returns windowed metrics for one endpoint.
func (r *Recorder) Endpoint(endpoint string) EndpointMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpointLocked(endpoint, time.Now())
}

// AllEndpoints returns windowed metrics for every endpoint seen.
func (r *Recorder) AllEndpoints() map[string]EndpointMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	out := make(map[string]EndpointMetrics, len(r.calls))
	for endpoint := range r.calls {
		out[endpoint] = r.endpointLocked(endpoint, now)
	}
	return out
}

func (r *Recorder) endpointLocked(endpoint string, now time.Time) EndpointMetrics {
	r.pruneLocked(endpoint, now)
	window := r.calls[endpoint]

	m := EndpointMetrics{
		Endpoint:     endpoint,
		BreakerTrips: r.breakerTrips[endpoint],
	}
	if len(window) == 0 {
		return m
	}

	durations := make([]time.Duration, 0, len(window))
	var totalDur time.Duration
	var hits int
	for _, c := range window {
		m.TotalRequests++
		if c.status < 400 {
			m.SuccessfulRequests++
		} else {
			m.FailedRequests++
		}
		if c.cacheHit {
			hits++
		}
		durations = append(durations, c.duration)
		totalDur += c.duration
	}

	m.AvgResponseTime = totalDur / time.Duration(m.TotalRequests)
	m.ErrorRate = float64(m.FailedRequests) / float64(m.TotalRequests)
	m.CacheHitRate = float64(hits) / float64(m.TotalRequests)

	// Percentiles by sorted snapshot at query time.
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	m.P50ResponseTime = percentile(durations, 0.50)
	m.P95ResponseTime = percentile(durations, 0.95)
	m.P99ResponseTime = percentile(durations, 0.99)
	return m
}

func (r *Recorder) pruneLocked(endpoint string, now time.Time) {
	cutoff := now.Add(-r.config.Window)
	window := r.calls[endpoint]
	start := sort.Search(len(window), func(i int) bool {
		return !window[i].at.Before(cutoff)
	})
	if start > 0 {
		r.calls[endpoint] = append([]call(nil), window[start:]...)
	}
}

// RecentSamples returns up to n most recent performance samples, oldest
// first.
func (r *Recorder) RecentSamples(n int) []PerformanceSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.samples) {
		n = len(r.samples)
	}
	out := make([]PerformanceSample, n)
	copy(out, r.samples[len(r.samples)-n:])
	return out
}

// Snapshot captures one performance sample immediately.
func (r *Recorder) Snapshot() PerformanceSample {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var total, failed int
	var totalDur time.Duration
	for endpoint := range r.calls {
		r.pruneLocked(endpoint, now)
		for _, c := range r.calls[endpoint] {
			total++
			totalDur += c.duration
			if c.status >= 400 {
				failed++
			}
		}
	}

	s := PerformanceSample{
		At:                now,
		MemoryBytes:       mem.HeapAlloc,
		Goroutines:        runtime.NumGoroutine(),
		ActiveConnections: r.activeConns,
		RequestsPerSecond: float64(total) / r.config.Window.Seconds(),
	}
	if total > 0 {
		s.AvgResponseTime = totalDur / time.Duration(total)
		s.ErrorRate = float64(failed) / float64(total)
	}

	r.samples = append(r.samples, s)
	if len(r.samples) > r.config.MaxSamples {
		r.samples = r.samples[len(r.samples)-r.config.MaxSamples:]
	}
	return s
}

// Reset drops all recorded calls, trips and samples.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = make(map[string][]call)
	r.breakerTrips = make(map[string]int64)
	r.samples = nil
}

// Destroy stops the sampling loop. Idempotent.
func (r *Recorder) Destroy() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}

func (r *Recorder) sampleLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.config.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sample := r.Snapshot()
			if r.metrics != nil {
				r.metrics.RecordGauge("system_memory_bytes", float64(sample.MemoryBytes), nil)
				r.metrics.RecordGauge("system_goroutines", float64(sample.Goroutines), nil)
				r.metrics.RecordGauge("system_error_rate", sample.ErrorRate, nil)
			}
		case <-r.stop:
			return
		}
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

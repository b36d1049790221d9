// Package resilience implements the enhanced circuit breaker guarding the
// primary data path: CLOSED/OPEN/HALF_OPEN with failure-count, failure-rate
// and slow-call-rate trips, per-call timeouts, a rolling observation window
// and optional state persistence across restarts.
package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/riskmesh/riskmesh/pkg/errors"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

// State is the breaker state.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the canonical state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Outcome classifies a recorded call.
type Outcome string

// Call outcomes. A slow call completed successfully but took at least
// SlowCallThreshold; a timeout counts as a failure and as its own category.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
	OutcomeSlow    Outcome = "slow"
)

// Config holds breaker configuration.
type Config struct {
	FailureThreshold       int           `mapstructure:"failure_threshold"`
	FailureRateThreshold   float64       `mapstructure:"failure_rate_threshold"`
	SlowCallThreshold      time.Duration `mapstructure:"slow_call_threshold"`
	SlowCallRateThreshold  float64       `mapstructure:"slow_call_rate_threshold"`
	MinimumSamples         int           `mapstructure:"minimum_samples"`
	RecoveryTimeout        time.Duration `mapstructure:"recovery_timeout"`
	HalfOpenMaxCalls       int           `mapstructure:"half_open_max_calls"`
	SuccessThreshold       int           `mapstructure:"success_threshold"`
	MonitoringWindow       time.Duration `mapstructure:"monitoring_window"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
	MetricsRetentionPeriod time.Duration `mapstructure:"metrics_retention_period"`
	PersistenceEnabled     bool          `mapstructure:"persistence_enabled"`
	PersistencePath        string        `mapstructure:"persistence_path"`
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.SlowCallThreshold <= 0 {
		c.SlowCallThreshold = 2 * time.Second
	}
	if c.SlowCallRateThreshold <= 0 {
		c.SlowCallRateThreshold = 0.8
	}
	if c.MinimumSamples <= 0 {
		c.MinimumSamples = 10
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MetricsRetentionPeriod <= 0 {
		c.MetricsRetentionPeriod = 10 * time.Minute
	}
}

// ConfigPatch is a partial configuration update; nil fields keep the
// previous value.
type ConfigPatch struct {
	FailureThreshold      *int
	FailureRateThreshold  *float64
	SlowCallThreshold     *time.Duration
	SlowCallRateThreshold *float64
	MinimumSamples        *int
	RecoveryTimeout       *time.Duration
	HalfOpenMaxCalls      *int
	SuccessThreshold      *int
	MonitoringWindow      *time.Duration
	RequestTimeout        *time.Duration
}

// record is one observation in the rolling window.
type record struct {
	at       time.Time
	outcome  Outcome
	duration time.Duration
}

// Transition is one entry of the state-transition log.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Metrics is a snapshot of breaker counters and derived rates.
type Metrics struct {
	State           string        `json:"state"`
	TotalCalls      int64         `json:"totalCalls"`
	SuccessfulCalls int64         `json:"successfulCalls"`
	FailedCalls     int64         `json:"failedCalls"`
	TimeoutCalls    int64         `json:"timeoutCalls"`
	SlowCalls       int64         `json:"slowCalls"`
	SuccessRate     float64       `json:"successRate"`
	FailureRate     float64       `json:"failureRate"`
	SlowCallRate    float64       `json:"slowCallRate"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	P95ResponseTime time.Duration `json:"p95ResponseTime"`
	P99ResponseTime time.Duration `json:"p99ResponseTime"`
	LastSuccessAt   time.Time     `json:"lastSuccessAt"`
	LastFailureAt   time.Time     `json:"lastFailureAt"`
	Trips           int64         `json:"trips"`
	Transitions     []Transition  `json:"transitions"`
}

// maxTransitionLog bounds the retained transition history.
const maxTransitionLog = 100

// CircuitBreaker is the enhanced breaker. All state is guarded by a single
// mutex; transitions are linearizable and no caller observes execution
// permission while the visible state is OPEN.
type CircuitBreaker struct {
	name    string
	logger  observability.Logger
	metrics observability.MetricsClient

	mu     sync.Mutex
	config Config
	state  State

	openedAt          time.Time
	halfOpenEnteredAt time.Time
	halfOpenCalls     int
	halfOpenSuccesses int

	records []record

	totalCalls      int64
	successfulCalls int64
	failedCalls     int64
	timeoutCalls    int64
	slowCalls       int64
	lastSuccessAt   time.Time
	lastFailureAt   time.Time
	trips           int64
	transitions     []Transition

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a breaker and starts its window-cleanup timer. When
// persistence is enabled, previously saved state is restored; an unreadable
// or incompatible snapshot silently yields a fresh CLOSED breaker.
func New(name string, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	cfg.applyDefaults()
	cb := &CircuitBreaker{
		name:    name,
		config:  cfg,
		state:   StateClosed,
		logger:  logger,
		metrics: metrics,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.PersistenceEnabled && cfg.PersistencePath != "" {
		cb.restore()
	}
	go cb.cleanupLoop()
	return cb
}

// Execute runs work under breaker protection with the configured request
// timeout. When the state forbids execution the returned error classifies
// as CIRCUIT_BREAKER_ERROR and carries the time until the next attempt.
func (cb *CircuitBreaker) Execute(ctx context.Context, work func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.acquire(); err != nil {
		if cb.metrics != nil {
			cb.metrics.IncrementCounterWithLabels("circuit_breaker_rejected_total", 1, map[string]string{"breaker": cb.name})
		}
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, cb.requestTimeout())
	defer cancel()

	start := time.Now()
	type result struct {
		value interface{}
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		value, err := work(timeoutCtx)
		resCh <- result{value, err}
	}()

	select {
	case res := <-resCh:
		duration := time.Since(start)
		if res.err != nil {
			// Classified errors pass through Normalize untouched; a raw
			// deadline error from our own timeout context classifies as a
			// timeout here.
			serr := errors.Normalize(res.err)
			if serr.Type == errors.TypeTimeout {
				cb.record(OutcomeTimeout, duration)
			} else {
				cb.record(OutcomeFailure, duration)
			}
			return nil, serr
		}
		if duration >= cb.slowCallThreshold() {
			cb.record(OutcomeSlow, duration)
		} else {
			cb.record(OutcomeSuccess, duration)
		}
		return res.value, nil

	case <-timeoutCtx.Done():
		duration := time.Since(start)
		cb.record(OutcomeTimeout, duration)
		if ctx.Err() != nil {
			return nil, errors.Normalize(ctx.Err())
		}
		return nil, errors.Newf(errors.TypeTimeout, "BREAKER_TIMEOUT",
			"call through breaker %q exceeded %v", cb.name, cb.requestTimeout())
	}
}

// acquire decides whether a call may proceed and performs the OPEN →
// HALF_OPEN transition when the recovery timeout has elapsed.
func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.pruneLocked(now)

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if now.Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.transitionLocked(StateHalfOpen, "recovery timeout elapsed")
			cb.halfOpenCalls++
			return nil
		}
		return cb.openErrorLocked(now)

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			// Probe budget exhausted without a verdict; allow a fresh probe
			// round only after another recovery timeout.
			if now.Sub(cb.halfOpenEnteredAt) >= cb.config.RecoveryTimeout {
				cb.halfOpenEnteredAt = now
				cb.halfOpenCalls = 1
				cb.halfOpenSuccesses = 0
				return nil
			}
			return errors.New(errors.TypeCircuitBreaker, "CIRCUIT_HALF_OPEN_EXHAUSTED",
				fmt.Sprintf("breaker %q half-open probe budget exhausted", cb.name)).
				WithRetryAfter(cb.config.RecoveryTimeout - now.Sub(cb.halfOpenEnteredAt)).
				WithContext("breaker", cb.name)
		}
		cb.halfOpenCalls++
		return nil

	default:
		return errors.Newf(errors.TypeInternal, "BREAKER_BAD_STATE", "breaker %q in unknown state %d", cb.name, cb.state)
	}
}

func (cb *CircuitBreaker) openErrorLocked(now time.Time) error {
	retryAfter := cb.config.RecoveryTimeout - now.Sub(cb.openedAt)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return errors.New(errors.TypeCircuitBreaker, "CIRCUIT_OPEN",
		fmt.Sprintf("breaker %q is open", cb.name)).
		WithRetryAfter(retryAfter).
		WithContext("breaker", cb.name)
}

// record stores a call outcome and evaluates state transitions.
func (cb *CircuitBreaker) record(outcome Outcome, duration time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.records = append(cb.records, record{at: now, outcome: outcome, duration: duration})
	cb.totalCalls++

	switch outcome {
	case OutcomeSuccess:
		cb.successfulCalls++
		cb.lastSuccessAt = now
	case OutcomeSlow:
		cb.successfulCalls++
		cb.slowCalls++
		cb.lastSuccessAt = now
	case OutcomeFailure:
		cb.failedCalls++
		cb.lastFailureAt = now
	case OutcomeTimeout:
		cb.failedCalls++
		cb.timeoutCalls++
		cb.lastFailureAt = now
	}

	if cb.metrics != nil {
		cb.metrics.IncrementCounterWithLabels("circuit_breaker_calls_total", 1, map[string]string{
			"breaker": cb.name,
			"outcome": string(outcome),
		})
	}

	switch cb.state {
	case StateClosed:
		cb.evaluateClosedLocked(now)
	case StateHalfOpen:
		cb.evaluateHalfOpenLocked(outcome)
	}
}

// evaluateClosedLocked trips the breaker when any threshold is satisfied.
// The checks are independent; the first satisfied threshold wins and all
// feed the same trip counter.
func (cb *CircuitBreaker) evaluateClosedLocked(now time.Time) {
	window := cb.windowLocked(now)
	total := len(window)

	var failures, slow int
	for _, r := range window {
		switch r.outcome {
		case OutcomeFailure, OutcomeTimeout:
			failures++
		case OutcomeSlow:
			slow++
		}
	}

	if failures >= cb.config.FailureThreshold {
		cb.tripLocked(fmt.Sprintf("failure count %d reached threshold %d", failures, cb.config.FailureThreshold))
		return
	}
	if total >= cb.config.MinimumSamples {
		if rate := float64(failures) / float64(total); rate >= cb.config.FailureRateThreshold {
			cb.tripLocked(fmt.Sprintf("failure rate %.2f reached threshold %.2f", rate, cb.config.FailureRateThreshold))
			return
		}
		if rate := float64(slow) / float64(total); rate >= cb.config.SlowCallRateThreshold {
			cb.tripLocked(fmt.Sprintf("slow call rate %.2f reached threshold %.2f", rate, cb.config.SlowCallRateThreshold))
			return
		}
	}
}

func (cb *CircuitBreaker) evaluateHalfOpenLocked(outcome Outcome) {
	switch outcome {
	case OutcomeFailure, OutcomeTimeout:
		cb.tripLocked("failure during half-open probe")
	case OutcomeSuccess, OutcomeSlow:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.SuccessThreshold {
			cb.transitionLocked(StateClosed, "recovered after successful probes")
			cb.records = nil
		}
	}
}

// tripLocked transitions to OPEN and increments the trip counter. Only
// genuine threshold trips come through here; operator forcing does not.
func (cb *CircuitBreaker) tripLocked(reason string) {
	cb.transitionLocked(StateOpen, reason)
	cb.trips++
	if cb.metrics != nil {
		cb.metrics.IncrementCounterWithLabels("circuit_breaker_trips_total", 1, map[string]string{"breaker": cb.name})
	}
}

func (cb *CircuitBreaker) transitionLocked(to State, reason string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	now := time.Now()

	switch to {
	case StateOpen:
		cb.openedAt = now
	case StateHalfOpen:
		cb.halfOpenEnteredAt = now
		cb.halfOpenCalls = 0
		cb.halfOpenSuccesses = 0
	case StateClosed:
		cb.halfOpenCalls = 0
		cb.halfOpenSuccesses = 0
	}

	cb.transitions = append(cb.transitions, Transition{From: from, To: to, At: now, Reason: reason})
	if len(cb.transitions) > maxTransitionLog {
		cb.transitions = cb.transitions[len(cb.transitions)-maxTransitionLog:]
	}

	cb.logger.Info("circuit breaker state transition", map[string]interface{}{
		"breaker": cb.name,
		"from":    from.String(),
		"to":      to.String(),
		"reason":  reason,
	})
	if cb.metrics != nil {
		cb.metrics.RecordGauge("circuit_breaker_state", float64(to), map[string]string{"breaker": cb.name})
	}
}

// windowLocked returns records inside the monitoring window.
func (cb *CircuitBreaker) windowLocked(now time.Time) []record {
	cutoff := now.Add(-cb.config.MonitoringWindow)
	start := sort.Search(len(cb.records), func(i int) bool {
		return !cb.records[i].at.Before(cutoff)
	})
	return cb.records[start:]
}

// pruneLocked hard-drops records past the retention period.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.config.MetricsRetentionPeriod)
	start := sort.Search(len(cb.records), func(i int) bool {
		return !cb.records[i].at.Before(cutoff)
	})
	if start > 0 {
		cb.records = append([]record(nil), cb.records[start:]...)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Healthy reports whether the breaker considers the downstream usable:
// CLOSED is healthy, OPEN is not, and HALF_OPEN is healthy only once at
// least one probe has succeeded since entering the state.
func (cb *CircuitBreaker) Healthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return cb.halfOpenSuccesses > 0
	default:
		return false
	}
}

// GetTimeUntilNextAttempt returns how long callers must wait before the
// breaker will consider another call, zero when calls are allowed.
func (cb *CircuitBreaker) GetTimeUntilNextAttempt() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	remaining := cb.config.RecoveryTimeout - time.Since(cb.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetMetrics returns a snapshot of counters, rates and response-time stats
// over the monitoring window.
func (cb *CircuitBreaker) GetMetrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	window := cb.windowLocked(now)

	var failures, slow, successes int
	durations := make([]time.Duration, 0, len(window))
	var totalDur time.Duration
	for _, r := range window {
		durations = append(durations, r.duration)
		totalDur += r.duration
		switch r.outcome {
		case OutcomeFailure, OutcomeTimeout:
			failures++
		case OutcomeSlow:
			slow++
			successes++
		case OutcomeSuccess:
			successes++
		}
	}

	m := Metrics{
		State:           cb.state.String(),
		TotalCalls:      cb.totalCalls,
		SuccessfulCalls: cb.successfulCalls,
		FailedCalls:     cb.failedCalls,
		TimeoutCalls:    cb.timeoutCalls,
		SlowCalls:       cb.slowCalls,
		LastSuccessAt:   cb.lastSuccessAt,
		LastFailureAt:   cb.lastFailureAt,
		Trips:           cb.trips,
		Transitions:     append([]Transition(nil), cb.transitions...),
	}

	if total := len(window); total > 0 {
		m.SuccessRate = float64(successes) / float64(total)
		m.FailureRate = float64(failures) / float64(total)
		m.SlowCallRate = float64(slow) / float64(total)
		m.AvgResponseTime = totalDur / time.Duration(total)

		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		m.P95ResponseTime = percentileDuration(durations, 0.95)
		m.P99ResponseTime = percentileDuration(durations, 0.99)
	}
	return m
}

// ForceState moves the breaker to a state without touching the trip
// counter. Operator use only.
func (cb *CircuitBreaker) ForceState(state State, reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(state, "forced: "+reason)
}

// Reset returns the breaker to CLOSED and clears counters and the rolling
// window. The trip counter and transition log survive for auditability.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionLocked(StateClosed, "manual reset")
	cb.records = nil
	cb.totalCalls = 0
	cb.successfulCalls = 0
	cb.failedCalls = 0
	cb.timeoutCalls = 0
	cb.slowCalls = 0
	cb.halfOpenCalls = 0
	cb.halfOpenSuccesses = 0
}

// UpdateConfig merges a partial update over the current configuration.
func (cb *CircuitBreaker) UpdateConfig(patch ConfigPatch) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if patch.FailureThreshold != nil {
		cb.config.FailureThreshold = *patch.FailureThreshold
	}
	if patch.FailureRateThreshold != nil {
		cb.config.FailureRateThreshold = *patch.FailureRateThreshold
	}
	if patch.SlowCallThreshold != nil {
		cb.config.SlowCallThreshold = *patch.SlowCallThreshold
	}
	if patch.SlowCallRateThreshold != nil {
		cb.config.SlowCallRateThreshold = *patch.SlowCallRateThreshold
	}
	if patch.MinimumSamples != nil {
		cb.config.MinimumSamples = *patch.MinimumSamples
	}
	if patch.RecoveryTimeout != nil {
		cb.config.RecoveryTimeout = *patch.RecoveryTimeout
	}
	if patch.HalfOpenMaxCalls != nil {
		cb.config.HalfOpenMaxCalls = *patch.HalfOpenMaxCalls
	}
	if patch.SuccessThreshold != nil {
		cb.config.SuccessThreshold = *patch.SuccessThreshold
	}
	if patch.MonitoringWindow != nil {
		cb.config.MonitoringWindow = *patch.MonitoringWindow
	}
	if patch.RequestTimeout != nil {
		cb.config.RequestTimeout = *patch.RequestTimeout
	}
	cb.config.applyDefaults()
}

// Destroy stops the cleanup timer and flushes persistence when enabled.
func (cb *CircuitBreaker) Destroy() {
	cb.stopOnce.Do(func() {
		close(cb.stop)
		<-cb.done
		cb.mu.Lock()
		persist := cb.config.PersistenceEnabled && cb.config.PersistencePath != ""
		cb.mu.Unlock()
		if persist {
			if err := cb.persist(); err != nil {
				cb.logger.Warn("persisting breaker state failed", map[string]interface{}{
					"breaker": cb.name,
					"error":   err.Error(),
				})
			}
		}
	})
}

func (cb *CircuitBreaker) requestTimeout() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.config.RequestTimeout
}

func (cb *CircuitBreaker) slowCallThreshold() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.config.SlowCallThreshold
}

func (cb *CircuitBreaker) cleanupLoop() {
	defer close(cb.done)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cb.mu.Lock()
			cb.pruneLocked(time.Now())
			cb.mu.Unlock()
		case <-cb.stop:
			return
		}
	}
}

func percentileDuration(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

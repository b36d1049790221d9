package recovery

import (
	"context"
	"time"

	"github.com/riskmesh/riskmesh/pkg/errors"
	"github.com/riskmesh/riskmesh/pkg/fingerprint"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

// CacheProbe is the narrow cache view recovery needs: a best-effort read
// of previously served data.
type CacheProbe interface {
	Probe(ctx context.Context, key string) (interface{}, bool)
}

// Request carries what the strategies know about the failed operation.
type Request struct {
	Key         string
	Identifiers fingerprint.Identifiers
}

// Outcome is what a strategy produced. Data non-nil means the caller can
// respond; otherwise RetryAfter is a recommendation to try the primary
// path again later.
type Outcome struct {
	Strategy     string
	Data         interface{}
	FallbackUsed bool
	RetryAfter   time.Duration
}

// Recovered reports whether the outcome carries servable data.
func (o *Outcome) Recovered() bool { return o != nil && o.Data != nil }

// Strategy recovers from one class of classified errors.
type Strategy interface {
	Name() string
	Matches(err *errors.ServiceError) bool
	Recover(ctx context.Context, err *errors.ServiceError, req Request) (*Outcome, error)
}

// Manager holds the ordered strategy registry. The first matching strategy
// that produces an outcome wins; a strategy error moves on to the next.
type Manager struct {
	strategies []Strategy
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewManager creates a Manager preloaded with the built-in strategies.
func NewManager(cache CacheProbe, fallback FallbackGenerator, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	m := &Manager{logger: logger, metrics: metrics}
	m.Register(&DatabaseErrorRecovery{cache: cache, fallback: fallback})
	m.Register(&CircuitBreakerErrorRecovery{cache: cache, fallback: fallback})
	m.Register(&TimeoutErrorRecovery{})
	m.Register(&NetworkErrorRecovery{})
	return m
}

// Register appends a strategy to the registry.
func (m *Manager) Register(s Strategy) {
	m.strategies = append(m.strategies, s)
}

// Recover runs the first matching strategy. Returns nil when no strategy
// matches or none produced an outcome.
func (m *Manager) Recover(ctx context.Context, err error, req Request) *Outcome {
	serr := errors.Normalize(err)
	if serr == nil {
		return nil
	}
	for _, s := range m.strategies {
		if !s.Matches(serr) {
			continue
		}
		outcome, rerr := s.Recover(ctx, serr, req)
		if rerr != nil {
			m.logger.Warn("recovery strategy failed, trying next", map[string]interface{}{
				"strategy": s.Name(),
				"error":    rerr.Error(),
			})
			continue
		}
		if outcome == nil {
			continue
		}
		outcome.Strategy = s.Name()
		if m.metrics != nil {
			m.metrics.IncrementCounterWithLabels("recovery_outcomes_total", 1, map[string]string{
				"strategy":  s.Name(),
				"recovered": boolLabel(outcome.Recovered()),
			})
		}
		return outcome
	}
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// DatabaseErrorRecovery serves stale cache data when the store is down,
// falling back to a new-customer profile once retries are exhausted.
type DatabaseErrorRecovery struct {
	cache    CacheProbe
	fallback FallbackGenerator
}

func (s *DatabaseErrorRecovery) Name() string { return "database_error_recovery" }

func (s *DatabaseErrorRecovery) Matches(err *errors.ServiceError) bool {
	return err.Type == errors.TypeDatabase
}

func (s *DatabaseErrorRecovery) Recover(ctx context.Context, err *errors.ServiceError, req Request) (*Outcome, error) {
	if s.cache != nil && req.Key != "" {
		if data, ok := s.cache.Probe(ctx, req.Key); ok {
			return &Outcome{Data: data}, nil
		}
	}
	return &Outcome{
		Data:         s.fallback.CustomerFallback(req.Identifiers),
		FallbackUsed: true,
	}, nil
}

// CircuitBreakerErrorRecovery never retries into an open breaker: cache
// first, generated data second, and the breaker's own retryAfter as the
// recommendation either way.
type CircuitBreakerErrorRecovery struct {
	cache    CacheProbe
	fallback FallbackGenerator
}

func (s *CircuitBreakerErrorRecovery) Name() string { return "circuit_breaker_error_recovery" }

func (s *CircuitBreakerErrorRecovery) Matches(err *errors.ServiceError) bool {
	return err.Type == errors.TypeCircuitBreaker
}

func (s *CircuitBreakerErrorRecovery) Recover(ctx context.Context, err *errors.ServiceError, req Request) (*Outcome, error) {
	retryAfter := err.RetryAfter
	if s.cache != nil && req.Key != "" {
		if data, ok := s.cache.Probe(ctx, req.Key); ok {
			return &Outcome{Data: data, RetryAfter: retryAfter}, nil
		}
	}
	return &Outcome{
		Data:         s.fallback.CustomerFallback(req.Identifiers),
		FallbackUsed: true,
		RetryAfter:   retryAfter,
	}, nil
}

// TimeoutErrorRecovery recommends another attempt after a growing delay;
// it never fabricates data for a slow downstream.
type TimeoutErrorRecovery struct{}

func (s *TimeoutErrorRecovery) Name() string { return "timeout_error_recovery" }

func (s *TimeoutErrorRecovery) Matches(err *errors.ServiceError) bool {
	return err.Type == errors.TypeTimeout
}

func (s *TimeoutErrorRecovery) Recover(ctx context.Context, err *errors.ServiceError, req Request) (*Outcome, error) {
	retryAfter := err.RetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return &Outcome{RetryAfter: retryAfter * 2}, nil
}

// NetworkErrorRecovery mirrors the timeout strategy for connectivity
// failures.
type NetworkErrorRecovery struct{}

func (s *NetworkErrorRecovery) Name() string { return "network_error_recovery" }

func (s *NetworkErrorRecovery) Matches(err *errors.ServiceError) bool {
	return err.Type == errors.TypeNetwork
}

func (s *NetworkErrorRecovery) Recover(ctx context.Context, err *errors.ServiceError, req Request) (*Outcome, error) {
	retryAfter := err.RetryAfter
	if retryAfter <= 0 {
		retryAfter = 2 * time.Second
	}
	return &Outcome{RetryAfter: retryAfter * 2}, nil
}

// Package retry executes operations with classified-error-aware retries:
// exponential backoff with optional jitter, per-operation deadlines, and a
// full attempt trail for diagnostics.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/riskmesh/riskmesh/pkg/errors"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

// Policy controls retry behavior for one operation class.
type Policy struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	JitterEnabled     bool          `mapstructure:"jitter_enabled"`
	Timeout           time.Duration `mapstructure:"timeout"`

	// RetryableErrors restricts which classified types may be retried.
	// Empty means any error the taxonomy marks retryable.
	RetryableErrors []errors.Type `mapstructure:"retryable_errors"`
}

func (p *Policy) applyDefaults() {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.BackoffMultiplier <= 1 {
		p.BackoffMultiplier = 2
	}
}

// Attempt records one execution attempt.
type Attempt struct {
	Number    int           `json:"number"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Delay     time.Duration `json:"delay"`
}

// Result is the outcome of ExecuteWithRetry. Attempts always holds every
// attempt made, in order; RecoveryUsed and FallbackUsed are annotated by
// the degradation layer downstream.
type Result struct {
	Success      bool        `json:"success"`
	Data         interface{} `json:"data,omitempty"`
	Error        error       `json:"-"`
	Attempts     []Attempt   `json:"attempts"`
	RecoveryUsed bool        `json:"recoveryUsed"`
	FallbackUsed bool        `json:"fallbackUsed"`
}

// Executor runs operations under retry policies.
type Executor struct {
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewExecutor creates an Executor.
func NewExecutor(logger observability.Logger, metrics observability.MetricsClient) *Executor {
	return &Executor{logger: logger, metrics: metrics}
}

// ExecuteWithRetry runs work until it succeeds, the error is not retryable,
// attempts are exhausted, or the deadline passes. MaxRetries bounds the
// retries, not the attempts: MaxRetries=0 means exactly one attempt.
func (e *Executor) ExecuteWithRetry(ctx context.Context, operation string, policy Policy, work func(ctx context.Context) (interface{}, error)) Result {
	policy.applyDefaults()

	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = policy.BaseDelay
	schedule.MaxInterval = policy.MaxDelay
	schedule.Multiplier = policy.BackoffMultiplier
	schedule.MaxElapsedTime = 0
	if policy.JitterEnabled {
		schedule.RandomizationFactor = 0.1
	} else {
		schedule.RandomizationFactor = 0
	}
	schedule.Reset()

	result := Result{}
	maxAttempts := policy.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		data, err := work(ctx)
		rec := Attempt{
			Number:    attempt,
			StartedAt: start,
			Duration:  time.Since(start),
		}

		if err == nil {
			result.Attempts = append(result.Attempts, rec)
			result.Success = true
			result.Data = data
			if e.metrics != nil {
				e.metrics.IncrementCounterWithLabels("retry_operations_total", 1, map[string]string{
					"operation": operation,
					"outcome":   "success",
				})
				e.metrics.RecordHistogram("retry_attempts_per_operation", float64(attempt), map[string]string{"operation": operation})
			}
			return result
		}

		serr := errors.Normalize(err)
		rec.Error = serr.Error()
		result.Error = serr

		last := attempt == maxAttempts
		if last || !e.shouldRetry(serr, policy) || ctx.Err() != nil {
			result.Attempts = append(result.Attempts, rec)
			break
		}

		delay := schedule.NextBackOff()
		if hint := serr.RetryAfter; hint > delay {
			delay = hint
		}
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		rec.Delay = delay
		result.Attempts = append(result.Attempts, rec)

		e.logger.Debug("retrying operation", map[string]interface{}{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay.String(),
			"error":     serr.Code,
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			result.Error = errors.Normalize(ctx.Err())
			if e.metrics != nil {
				e.metrics.IncrementCounterWithLabels("retry_operations_total", 1, map[string]string{
					"operation": operation,
					"outcome":   "deadline",
				})
			}
			return result
		}
	}

	if e.metrics != nil {
		e.metrics.IncrementCounterWithLabels("retry_operations_total", 1, map[string]string{
			"operation": operation,
			"outcome":   "exhausted",
		})
		e.metrics.RecordHistogram("retry_attempts_per_operation", float64(len(result.Attempts)), map[string]string{"operation": operation})
	}
	e.logger.Warn("operation failed after retries", map[string]interface{}{
		"operation": operation,
		"attempts":  len(result.Attempts),
		"error":     result.Error.Error(),
	})
	return result
}

// shouldRetry applies the taxonomy's retryability plus the policy's
// optional allowlist. Circuit breaker rejections are never retried here;
// waiting out an open breaker is the degradation layer's job.
func (e *Executor) shouldRetry(serr *errors.ServiceError, policy Policy) bool {
	if serr.Type == errors.TypeCircuitBreaker {
		return false
	}
	if !serr.Retryable {
		return false
	}
	if len(policy.RetryableErrors) == 0 {
		return true
	}
	for _, t := range policy.RetryableErrors {
		if serr.Type == t {
			return true
		}
	}
	return false
}

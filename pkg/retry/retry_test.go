package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskmesh/riskmesh/pkg/errors"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

func newExecutor() *Executor {
	return NewExecutor(observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func retryableErr() error {
	return errors.New(errors.TypeDatabase, "DB_DOWN", "connection refused")
}

func TestExecuteWithRetry_SucceedsFirstTry(t *testing.T) {
	e := newExecutor()

	res := e.ExecuteWithRetry(context.Background(), "lookup", Policy{MaxRetries: 3}, func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, 42, res.Data)
	assert.Len(t, res.Attempts, 1)
	assert.NoError(t, res.Error)
}

func TestExecuteWithRetry_RecoversAfterTransientFailures(t *testing.T) {
	e := newExecutor()
	calls := 0

	res := e.ExecuteWithRetry(context.Background(), "lookup", Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
	}, func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, retryableErr()
		}
		return "ok", nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, 3, calls)
	require.Len(t, res.Attempts, 3)
	assert.NotEmpty(t, res.Attempts[0].Error)
	assert.Empty(t, res.Attempts[2].Error)
}

func TestExecuteWithRetry_ExhaustsAttempts(t *testing.T) {
	e := newExecutor()
	calls := 0

	res := e.ExecuteWithRetry(context.Background(), "lookup", Policy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
	}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, retryableErr()
	})

	assert.False(t, res.Success)
	assert.Equal(t, 3, calls, "maxRetries=2 means at most three attempts")
	assert.Len(t, res.Attempts, 3)
	assert.True(t, errors.IsType(res.Error, errors.TypeDatabase))
}

func TestExecuteWithRetry_ZeroRetriesMeansOneAttempt(t *testing.T) {
	e := newExecutor()
	calls := 0

	res := e.ExecuteWithRetry(context.Background(), "lookup", Policy{MaxRetries: 0}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, retryableErr()
	})

	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
	assert.Len(t, res.Attempts, 1)
}

func TestExecuteWithRetry_NonRetryableFailsImmediately(t *testing.T) {
	e := newExecutor()
	calls := 0

	res := e.ExecuteWithRetry(context.Background(), "lookup", Policy{MaxRetries: 5}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.New(errors.TypeValidation, "BAD_INPUT", "no identifiers")
	})

	assert.False(t, res.Success)
	assert.Equal(t, 1, calls, "validation errors must not be retried")
	assert.Len(t, res.Attempts, 1)
}

func TestExecuteWithRetry_CircuitBreakerErrorsNotRetried(t *testing.T) {
	e := newExecutor()
	calls := 0

	res := e.ExecuteWithRetry(context.Background(), "lookup", Policy{MaxRetries: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.New(errors.TypeCircuitBreaker, "CIRCUIT_OPEN", "breaker open")
	})

	assert.False(t, res.Success)
	assert.Equal(t, 1, calls, "retrying into an open breaker is pointless")
}

func TestExecuteWithRetry_AllowlistRestrictsTypes(t *testing.T) {
	e := newExecutor()
	calls := 0

	res := e.ExecuteWithRetry(context.Background(), "lookup", Policy{
		MaxRetries:      3,
		BaseDelay:       time.Millisecond,
		RetryableErrors: []errors.Type{errors.TypeNetwork},
	}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, retryableErr() // database error, not on the allowlist
	})

	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetry_BackoffDelaysGrow(t *testing.T) {
	e := newExecutor()

	res := e.ExecuteWithRetry(context.Background(), "lookup", Policy{
		MaxRetries:        3,
		BaseDelay:         2 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}, func(ctx context.Context) (interface{}, error) {
		return nil, retryableErr()
	})

	require.Len(t, res.Attempts, 4)
	// Delay is recorded on every attempt that scheduled a retry.
	assert.Greater(t, res.Attempts[1].Delay, res.Attempts[0].Delay)
	assert.Greater(t, res.Attempts[2].Delay, res.Attempts[1].Delay)
	assert.Zero(t, res.Attempts[3].Delay, "final attempt schedules nothing")
}

func TestExecuteWithRetry_DelayCappedAtMaxDelay(t *testing.T) {
	e := newExecutor()

	res := e.ExecuteWithRetry(context.Background(), "lookup", Policy{
		MaxRetries:        4,
		BaseDelay:         time.Millisecond,
		MaxDelay:          3 * time.Millisecond,
		BackoffMultiplier: 10,
	}, func(ctx context.Context) (interface{}, error) {
		return nil, retryableErr()
	})

	for _, a := range res.Attempts {
		assert.LessOrEqual(t, a.Delay, 3*time.Millisecond)
	}
}

func TestExecuteWithRetry_HonorsRetryAfterHint(t *testing.T) {
	e := newExecutor()

	res := e.ExecuteWithRetry(context.Background(), "lookup", Policy{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Second,
	}, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New(errors.TypeRateLimit, "RATE_LIMITED", "slow down").
			WithRetryAfter(20 * time.Millisecond)
	})

	require.Len(t, res.Attempts, 2)
	assert.GreaterOrEqual(t, res.Attempts[0].Delay, 20*time.Millisecond,
		"error-supplied retryAfter overrides a shorter backoff delay")
}

func TestExecuteWithRetry_DeadlineStopsRetries(t *testing.T) {
	e := newExecutor()
	calls := 0

	start := time.Now()
	res := e.ExecuteWithRetry(context.Background(), "lookup", Policy{
		MaxRetries: 100,
		BaseDelay:  50 * time.Millisecond,
		Timeout:    80 * time.Millisecond,
	}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, retryableErr()
	})

	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Less(t, calls, 100)
	assert.True(t, errors.IsType(res.Error, errors.TypeTimeout))
}

func TestExecuteWithRetry_JitterStaysNearSchedule(t *testing.T) {
	e := newExecutor()

	res := e.ExecuteWithRetry(context.Background(), "lookup", Policy{
		MaxRetries:        1,
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
		JitterEnabled:     true,
	}, func(ctx context.Context) (interface{}, error) {
		return nil, retryableErr()
	})

	require.Len(t, res.Attempts, 2)
	d := res.Attempts[0].Delay
	assert.GreaterOrEqual(t, d, 9*time.Millisecond)
	assert.LessOrEqual(t, d, 11*time.Millisecond)
}

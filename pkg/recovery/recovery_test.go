package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskmesh/riskmesh/pkg/errors"
	"github.com/riskmesh/riskmesh/pkg/fingerprint"
	"github.com/riskmesh/riskmesh/pkg/models"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

// stubProbe serves a fixed map of cached values.
type stubProbe struct {
	entries map[string]interface{}
}

func (s *stubProbe) Probe(ctx context.Context, key string) (interface{}, bool) {
	v, ok := s.entries[key]
	return v, ok
}

func dbErr() error {
	return errors.New(errors.TypeDatabase, "DB_DOWN", "connection refused")
}

func newManager(probe CacheProbe) *Manager {
	return NewManager(probe, NewDefaultGenerator(), observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestDatabaseRecovery_PrefersCache(t *testing.T) {
	cached := &models.CustomerProfile{ID: "42", RiskTier: models.RiskTierLow}
	m := newManager(&stubProbe{entries: map[string]interface{}{"fp1": cached}})

	outcome := m.Recover(context.Background(), dbErr(), Request{Key: "fp1"})

	require.NotNil(t, outcome)
	assert.True(t, outcome.Recovered())
	assert.False(t, outcome.FallbackUsed, "cached data is not generated data")
	assert.Equal(t, cached, outcome.Data)
	assert.Equal(t, "database_error_recovery", outcome.Strategy)
}

func TestDatabaseRecovery_FallsBackToGenerator(t *testing.T) {
	m := newManager(&stubProbe{})

	outcome := m.Recover(context.Background(), dbErr(), Request{
		Key:         "fp1",
		Identifiers: fingerprint.Identifiers{Email: "a@b.co"},
	})

	require.NotNil(t, outcome)
	assert.True(t, outcome.Recovered())
	assert.True(t, outcome.FallbackUsed)

	profile, ok := outcome.Data.(*models.CustomerProfile)
	require.True(t, ok)
	assert.Equal(t, models.RiskTierNew, profile.RiskTier)
	assert.Equal(t, "a@b.co", profile.Email)
	require.NotNil(t, profile.Metadata)
	assert.Equal(t, "fallback", profile.Metadata.Source)
}

func TestCircuitBreakerRecovery_CarriesRetryAfter(t *testing.T) {
	m := newManager(&stubProbe{})

	err := errors.New(errors.TypeCircuitBreaker, "CIRCUIT_OPEN", "open").
		WithRetryAfter(7 * time.Second)
	outcome := m.Recover(context.Background(), err, Request{Key: "fp1"})

	require.NotNil(t, outcome)
	assert.True(t, outcome.Recovered())
	assert.True(t, outcome.FallbackUsed)
	assert.Equal(t, 7*time.Second, outcome.RetryAfter)
}

func TestTimeoutRecovery_RecommendsRetryWithoutData(t *testing.T) {
	m := newManager(&stubProbe{})

	err := errors.New(errors.TypeTimeout, "DEADLINE", "too slow").
		WithRetryAfter(time.Second)
	outcome := m.Recover(context.Background(), err, Request{})

	require.NotNil(t, outcome)
	assert.False(t, outcome.Recovered(), "timeouts must not fabricate data")
	assert.Equal(t, 2*time.Second, outcome.RetryAfter, "delay grows on each recommendation")
}

func TestRecover_NoMatchingStrategy(t *testing.T) {
	m := newManager(&stubProbe{})

	outcome := m.Recover(context.Background(), errors.New(errors.TypeValidation, "BAD", "bad"), Request{})
	assert.Nil(t, outcome)
}

// failingStrategy always errors; the manager must move on to the next.
type failingStrategy struct{}

func (f *failingStrategy) Name() string                          { return "failing" }
func (f *failingStrategy) Matches(err *errors.ServiceError) bool { return true }
func (f *failingStrategy) Recover(ctx context.Context, err *errors.ServiceError, req Request) (*Outcome, error) {
	return nil, errors.New(errors.TypeInternal, "BOOM", "strategy broke")
}

func TestRecover_StrategyErrorTriesNext(t *testing.T) {
	m := &Manager{logger: observability.NewNoopLogger()}
	m.Register(&failingStrategy{})
	m.Register(&DatabaseErrorRecovery{fallback: NewDefaultGenerator()})

	outcome := m.Recover(context.Background(), dbErr(), Request{})
	require.NotNil(t, outcome)
	assert.Equal(t, "database_error_recovery", outcome.Strategy)
}

func newHandler(probe CacheProbe) *DegradationHandler {
	return NewDegradationHandler(probe, NewDefaultGenerator(), observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestDegradation_DatabaseErrorWithCacheHit(t *testing.T) {
	cached := &models.CustomerProfile{ID: "42", RiskTier: models.RiskTierLow}
	h := newHandler(&stubProbe{entries: map[string]interface{}{"fp1": cached}})

	resp := h.Handle(context.Background(), dbErr(), Request{Key: "fp1"})

	assert.True(t, resp.Success)
	assert.True(t, resp.Fallback)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, 0.8, resp.Confidence)
	assert.Equal(t, cached, resp.Data)
}

func TestDegradation_DatabaseErrorEmptyCache(t *testing.T) {
	h := newHandler(&stubProbe{})

	resp := h.Handle(context.Background(), dbErr(), Request{Key: "fp1"})

	assert.True(t, resp.Success)
	assert.Equal(t, SourceFallbackGenerator, resp.Source)
	assert.Equal(t, 0.4, resp.Confidence)

	profile, ok := resp.Data.(*models.CustomerProfile)
	require.True(t, ok)
	assert.Equal(t, models.RiskTierNew, profile.RiskTier)
}

func TestDegradation_TimeoutUsesGenerator(t *testing.T) {
	// Even with a cache hit available, timeouts go straight to generated data.
	h := newHandler(&stubProbe{entries: map[string]interface{}{"fp1": "stale"}})

	resp := h.Handle(context.Background(), errors.New(errors.TypeTimeout, "DEADLINE", "slow"), Request{Key: "fp1"})

	assert.True(t, resp.Success)
	assert.Equal(t, SourceFallbackGenerator, resp.Source)
	assert.Equal(t, 0.4, resp.Confidence)
}

func TestDegradation_ValidationIsMinimalResponse(t *testing.T) {
	h := newHandler(&stubProbe{})

	resp := h.Handle(context.Background(), errors.New(errors.TypeValidation, "BAD_PHONE", "phone must contain digits"), Request{})

	assert.False(t, resp.Success)
	assert.Equal(t, SourceMinimalResponse, resp.Source)
	assert.Zero(t, resp.Confidence)
	assert.Nil(t, resp.Data)
}

// panickingProbe forces an internal failure inside the handler.
type panickingProbe struct{}

func (p *panickingProbe) Probe(ctx context.Context, key string) (interface{}, bool) {
	panic("probe exploded")
}

func TestDegradation_InternalPanicYieldsEmergencyFallback(t *testing.T) {
	h := newHandler(&panickingProbe{})

	resp := h.Handle(context.Background(), dbErr(), Request{Key: "fp1"})

	assert.False(t, resp.Success)
	assert.Equal(t, SourceEmergencyFallback, resp.Source)
	assert.Zero(t, resp.Confidence)
}

func TestDefaultGenerator_Shapes(t *testing.T) {
	g := NewDefaultGenerator()

	p := g.NewCustomerProfile()
	require.NotNil(t, p.Metadata)
	assert.Equal(t, "fallback", p.Metadata.Source)
	assert.Equal(t, 0.4, p.Metadata.Confidence)
	assert.Equal(t, models.RiskTierNew, p.RiskTier)

	o := g.OrderFallback("o-1")
	assert.Equal(t, "o-1", o.OrderID)
	assert.Equal(t, "unknown", o.Status)
	require.NotNil(t, o.Metadata)

	a := g.DefaultRiskAssessment()
	assert.Equal(t, models.RiskTierNew, a.Tier)
	assert.NotEmpty(t, a.Signals)
}

// Package core wires the serving pipeline: validation, fingerprinting,
// request deduplication, circuit breaking, retries, caching, store
// queries, and graceful degradation when everything else has failed.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/riskmesh/riskmesh/internal/config"
	"github.com/riskmesh/riskmesh/pkg/cache"
	"github.com/riskmesh/riskmesh/pkg/dedup"
	"github.com/riskmesh/riskmesh/pkg/errors"
	"github.com/riskmesh/riskmesh/pkg/fingerprint"
	"github.com/riskmesh/riskmesh/pkg/models"
	"github.com/riskmesh/riskmesh/pkg/observability"
	"github.com/riskmesh/riskmesh/pkg/querier"
	"github.com/riskmesh/riskmesh/pkg/recovery"
	"github.com/riskmesh/riskmesh/pkg/resilience"
	"github.com/riskmesh/riskmesh/pkg/retry"
)

// Response sources beyond the degradation layer's own.
const (
	SourcePrimary = "primary"
	SourceCache   = "cache"
)

// cacheKeyPrefix namespaces lookup entries in the cache.
const cacheKeyPrefix = "risk:"

// LookupRequest is the inbound identifier set. All fields are optional but
// at least one identifier must normalize non-empty.
type LookupRequest struct {
	Phone         string `json:"phone"`
	Email         string `json:"email"`
	OrderID       string `json:"orderId"`
	CheckoutToken string `json:"checkoutToken"`
	OrderName     string `json:"orderName"`
}

// LookupResult is the always-well-formed pipeline outcome.
type LookupResult struct {
	Success      bool        `json:"success"`
	Data         interface{} `json:"data,omitempty"`
	Fallback     bool        `json:"fallback"`
	Source       string      `json:"source"`
	Confidence   float64     `json:"confidence"`
	CacheHit     bool        `json:"cacheHit"`
	Deduplicated bool        `json:"deduplicated"`
	RecoveryUsed bool        `json:"recoveryUsed"`
	FallbackUsed bool        `json:"fallbackUsed"`
	Attempts     int         `json:"attempts,omitempty"`
	ErrorType    string      `json:"errorType,omitempty"`
	ErrorCode    string      `json:"errorCode,omitempty"`
	RetryAfterMs int64       `json:"retryAfterMs,omitempty"`
}

// Querier is the store surface the pipeline depends on.
type Querier interface {
	FindCustomerByIdentifiers(ctx context.Context, ids fingerprint.Identifiers) (*models.CustomerProfile, error)
	Ping(ctx context.Context) error
	QueryStats(window time.Duration) querier.Stats
}

// Service is the resilient request-serving core.
type Service struct {
	logger  observability.Logger
	metrics observability.MetricsClient

	dedup       *dedup.Deduplicator
	cache       *cache.Cache
	breaker     *resilience.CircuitBreaker
	retrier     *retry.Executor
	retryPolicy retry.Policy
	recoveryMgr *recovery.Manager
	degradation *recovery.DegradationHandler
	store       Querier
	cacheTTL    time.Duration

	// refreshIndex remembers which identifiers produced a cache key so the
	// background refresher can re-run the lookup.
	refreshMu    sync.Mutex
	refreshIndex map[string]fingerprint.Identifiers
}

// Options bundles the service dependencies.
type Options struct {
	Config      *config.Config
	Logger      observability.Logger
	Metrics     observability.MetricsClient
	Dedup       *dedup.Deduplicator
	Cache       *cache.Cache
	Breaker     *resilience.CircuitBreaker
	Retrier     *retry.Executor
	Store       Querier
	Fallback    recovery.FallbackGenerator
	RecoveryMgr *recovery.Manager
	Degradation *recovery.DegradationHandler
}

// NewService assembles the pipeline. When RecoveryMgr or Degradation are
// nil they are built over the service's own cache probe and fallback
// generator.
func NewService(opts Options) *Service {
	s := &Service{
		logger:       opts.Logger.WithPrefix("core"),
		metrics:      opts.Metrics,
		dedup:        opts.Dedup,
		cache:        opts.Cache,
		breaker:      opts.Breaker,
		retrier:      opts.Retrier,
		retryPolicy:  opts.Config.Retry,
		store:        opts.Store,
		cacheTTL:     opts.Config.Cache.DefaultTTL,
		refreshIndex: make(map[string]fingerprint.Identifiers),
	}

	fallback := opts.Fallback
	if fallback == nil {
		fallback = recovery.NewDefaultGenerator()
	}
	probe := &cacheProbe{cache: opts.Cache}
	s.recoveryMgr = opts.RecoveryMgr
	if s.recoveryMgr == nil {
		s.recoveryMgr = recovery.NewManager(probe, fallback, opts.Logger, opts.Metrics)
	}
	s.degradation = opts.Degradation
	if s.degradation == nil {
		s.degradation = recovery.NewDegradationHandler(probe, fallback, opts.Logger, opts.Metrics)
	}

	s.cache.RegisterRefreshFunction(cacheKeyPrefix+"*", s.refreshEntry)
	return s
}

// lookupOutcome travels through the dedup slot.
type lookupOutcome struct {
	profile  *models.CustomerProfile
	cacheHit bool
	attempts int
}

// Lookup runs the full pipeline for one identifier set. It always returns
// a well-formed result; failures degrade rather than propagate.
func (s *Service) Lookup(ctx context.Context, req LookupRequest) LookupResult {
	ids := fingerprint.Identifiers{
		Phone:         req.Phone,
		Email:         req.Email,
		OrderID:       req.OrderID,
		CheckoutToken: req.CheckoutToken,
		OrderName:     req.OrderName,
	}.Normalize()

	if err := validate(req, ids); err != nil {
		return s.degrade(ctx, err, recovery.Request{Identifiers: ids})
	}

	key := cacheKeyPrefix + ids.Fingerprint()
	s.rememberIdentifiers(key, ids)

	wasInFlight := s.dedup.IsDuplicate(key)
	value, err := s.dedup.Register(ctx, key, func(workCtx context.Context) (interface{}, error) {
		return s.executeGuarded(workCtx, key, ids)
	})
	if err != nil {
		return s.recoverOrDegrade(ctx, err, key, ids)
	}

	outcome := value.(*lookupOutcome)
	source := SourcePrimary
	if outcome.cacheHit {
		source = SourceCache
	}
	return LookupResult{
		Success:      true,
		Data:         outcome.profile,
		Source:       source,
		Confidence:   1.0,
		CacheHit:     outcome.cacheHit,
		Deduplicated: wasInFlight,
		Attempts:     outcome.attempts,
	}
}

// executeGuarded is the dedup work body: the breaker wraps the retried
// cache-or-store load so a failing store cannot be hammered through
// either layer.
func (s *Service) executeGuarded(ctx context.Context, key string, ids fingerprint.Identifiers) (interface{}, error) {
	result, err := s.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		res := s.retrier.ExecuteWithRetry(ctx, "customer_lookup", s.retryPolicy, func(ctx context.Context) (interface{}, error) {
			return s.loadProfile(ctx, key, ids)
		})
		if !res.Success {
			return nil, res.Error
		}
		outcome := res.Data.(*lookupOutcome)
		outcome.attempts = len(res.Attempts)
		return outcome, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// loadProfile serves from cache when possible, otherwise queries the
// store and populates the cache.
func (s *Service) loadProfile(ctx context.Context, key string, ids fingerprint.Identifiers) (*lookupOutcome, error) {
	var cached models.CustomerProfile
	hit, err := s.cache.Get(ctx, key, &cached)
	if err == nil && hit {
		return &lookupOutcome{profile: &cached, cacheHit: true}, nil
	}

	profile, err := s.store.FindCustomerByIdentifiers(ctx, ids)
	if err != nil {
		return nil, err
	}

	if cerr := s.cache.Set(ctx, key, profile, s.cacheTTL); cerr != nil {
		s.logger.Warn("caching lookup result failed", map[string]interface{}{
			"key":   key,
			"error": cerr.Error(),
		})
	}
	return &lookupOutcome{profile: profile}, nil
}

// recoverOrDegrade runs the recovery strategy registry, then the
// degradation handler when recovery produced nothing servable.
func (s *Service) recoverOrDegrade(ctx context.Context, err error, key string, ids fingerprint.Identifiers) LookupResult {
	req := recovery.Request{Key: key, Identifiers: ids}
	serr := errors.Normalize(err)

	if outcome := s.recoveryMgr.Recover(ctx, err, req); outcome.Recovered() {
		source := recovery.SourceCache
		confidence := 0.8
		if outcome.FallbackUsed {
			source = recovery.SourceFallbackGenerator
			confidence = 0.4
		}
		return LookupResult{
			Success:      true,
			Data:         outcome.Data,
			Fallback:     true,
			Source:       source,
			Confidence:   confidence,
			RecoveryUsed: true,
			FallbackUsed: outcome.FallbackUsed,
			ErrorType:    string(serr.Type),
			RetryAfterMs: outcome.RetryAfter.Milliseconds(),
		}
	}
	return s.degrade(ctx, err, req)
}

func (s *Service) degrade(ctx context.Context, err error, req recovery.Request) LookupResult {
	serr := errors.Normalize(err)
	resp := s.degradation.Handle(ctx, serr, req)

	s.logger.Warn("request degraded", map[string]interface{}{
		"source":    resp.Source,
		"errorType": string(serr.Type),
		"errorCode": serr.Code,
	})
	return LookupResult{
		Success:      resp.Success,
		Data:         resp.Data,
		Fallback:     true,
		Source:       resp.Source,
		Confidence:   resp.Confidence,
		FallbackUsed: resp.Source == recovery.SourceFallbackGenerator,
		ErrorType:    string(serr.Type),
		ErrorCode:    serr.Code,
		RetryAfterMs: serr.RetryAfter.Milliseconds(),
	}
}

// validate rejects requests whose identifiers are absent or unusable. A
// supplied phone that normalizes empty (no digits) is an explicit error,
// not a silent miss.
func validate(req LookupRequest, ids fingerprint.Identifiers) error {
	if req.Phone != "" && ids.Phone == "" {
		return errors.New(errors.TypeValidation, "INVALID_PHONE", "phone must contain at least 10 digits")
	}
	if ids.Empty() {
		return errors.New(errors.TypeValidation, "NO_IDENTIFIERS", "at least one identifier is required")
	}
	return nil
}

func (s *Service) rememberIdentifiers(key string, ids fingerprint.Identifiers) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if len(s.refreshIndex) >= 10000 {
		// Bounded: drop the index rather than grow without limit; entries
		// repopulate on the next lookup.
		s.refreshIndex = make(map[string]fingerprint.Identifiers)
	}
	s.refreshIndex[key] = ids
}

// refreshEntry re-runs the store lookup for a cache entry nearing expiry.
func (s *Service) refreshEntry(ctx context.Context, key string) (interface{}, error) {
	s.refreshMu.Lock()
	ids, ok := s.refreshIndex[key]
	s.refreshMu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.TypeNotFound, "REFRESH_UNKNOWN_KEY", "no identifiers recorded for %s", key)
	}
	return s.store.FindCustomerByIdentifiers(ctx, ids)
}

// Health reports pipeline readiness: the breaker must consider the store
// usable and the store must answer a ping.
func (s *Service) Health(ctx context.Context) map[string]interface{} {
	storeOK := s.store.Ping(ctx) == nil
	breakerHealthy := s.breaker.Healthy()
	return map[string]interface{}{
		"healthy":      storeOK && breakerHealthy,
		"store":        storeOK,
		"breaker":      s.breaker.GetState().String(),
		"breakerReady": breakerHealthy,
	}
}

// Stats aggregates subsystem statistics for the dashboard surface.
func (s *Service) Stats() map[string]interface{} {
	return map[string]interface{}{
		"dedup":   s.dedup.Stats(),
		"cache":   s.cache.GetStats(),
		"breaker": s.breaker.GetMetrics(),
		"queries": s.store.QueryStats(5 * time.Minute),
	}
}

// Destroy tears the pipeline down in dependency order.
func (s *Service) Destroy() {
	s.dedup.Destroy()
	s.breaker.Destroy()
	s.cache.Destroy()
}

// cacheProbe adapts the cache for the recovery layer's best-effort reads.
type cacheProbe struct {
	cache *cache.Cache
}

func (p *cacheProbe) Probe(ctx context.Context, key string) (interface{}, bool) {
	var profile models.CustomerProfile
	hit, err := p.cache.Get(ctx, key, &profile)
	if err != nil || !hit {
		return nil, false
	}
	return &profile, true
}

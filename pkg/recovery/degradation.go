package recovery

import (
	"context"
	"time"

	"github.com/riskmesh/riskmesh/pkg/errors"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

// Degraded-response sources, in descending order of trust.
const (
	SourceCache             = "cache"
	SourceFallbackGenerator = "fallback_generator"
	SourceMinimalResponse   = "minimal_response"
	SourceEmergencyFallback = "emergency_fallback"
)

// DegradedResponse is the always-well-formed answer produced when the
// primary path has failed for good.
type DegradedResponse struct {
	Success    bool                   `json:"success"`
	Data       interface{}            `json:"data,omitempty"`
	Fallback   bool                   `json:"fallback"`
	Source     string                 `json:"source"`
	Confidence float64                `json:"confidence"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// DegradationHandler maps a terminal error to the best available degraded
// response. Handle never returns an error and never panics.
type DegradationHandler struct {
	cache    CacheProbe
	fallback FallbackGenerator
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewDegradationHandler creates a handler.
func NewDegradationHandler(cache CacheProbe, fallback FallbackGenerator, logger observability.Logger, metrics observability.MetricsClient) *DegradationHandler {
	return &DegradationHandler{cache: cache, fallback: fallback, logger: logger, metrics: metrics}
}

// Handle selects a degraded response for err. Stale cached data is
// preferred (confidence 0.8), then generated data (0.4), then a minimal
// failure response (0). A panic inside the handler itself yields the
// emergency fallback.
func (h *DegradationHandler) Handle(ctx context.Context, err error, req Request) (resp DegradedResponse) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("degradation handler panicked", map[string]interface{}{
				"panic": errors.FromValue(r).Error(),
			})
			resp = h.emergency()
		}
		if h.metrics != nil {
			h.metrics.IncrementCounterWithLabels("degraded_responses_total", 1, map[string]string{
				"source": resp.Source,
			})
		}
	}()

	serr := errors.Normalize(err)

	switch serr.Type {
	case errors.TypeCircuitBreaker, errors.TypeDatabase:
		if h.cache != nil && req.Key != "" {
			if data, ok := h.cache.Probe(ctx, req.Key); ok {
				return DegradedResponse{
					Success:    true,
					Data:       data,
					Fallback:   true,
					Source:     SourceCache,
					Confidence: 0.8,
					Metadata:   h.metadata(serr),
				}
			}
		}
		return h.generated(serr, req)

	case errors.TypeTimeout, errors.TypeNetwork:
		return h.generated(serr, req)

	case errors.TypeValidation, errors.TypeAuthorization, errors.TypeAuthentication:
		return DegradedResponse{
			Success:    false,
			Fallback:   true,
			Source:     SourceMinimalResponse,
			Confidence: 0,
			Metadata:   h.metadata(serr),
		}

	default:
		return DegradedResponse{
			Success:    false,
			Fallback:   true,
			Source:     SourceMinimalResponse,
			Confidence: 0,
			Metadata:   h.metadata(serr),
		}
	}
}

func (h *DegradationHandler) generated(serr *errors.ServiceError, req Request) DegradedResponse {
	return DegradedResponse{
		Success:    true,
		Data:       h.fallback.CustomerFallback(req.Identifiers),
		Fallback:   true,
		Source:     SourceFallbackGenerator,
		Confidence: fallbackConfidence,
		Metadata:   h.metadata(serr),
	}
}

func (h *DegradationHandler) emergency() DegradedResponse {
	return DegradedResponse{
		Success:    false,
		Fallback:   true,
		Source:     SourceEmergencyFallback,
		Confidence: 0,
		Metadata: map[string]interface{}{
			"degradedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

func (h *DegradationHandler) metadata(serr *errors.ServiceError) map[string]interface{} {
	return map[string]interface{}{
		"degradedAt":    time.Now().UTC().Format(time.RFC3339),
		"originalError": string(serr.Type),
	}
}

// Package recovery turns primary-path failures into usable responses: a
// registry of per-error-type recovery strategies, a graceful degradation
// handler that never fails, and a pluggable fallback data generator.
package recovery

import (
	"time"

	"github.com/riskmesh/riskmesh/pkg/fingerprint"
	"github.com/riskmesh/riskmesh/pkg/models"
)

// FallbackGenerator produces stand-in data when the primary path cannot.
// Every result is tagged with metadata.source="fallback" and a confidence.
type FallbackGenerator interface {
	NewCustomerProfile() *models.CustomerProfile
	CustomerFallback(ids fingerprint.Identifiers) *models.CustomerProfile
	OrderFallback(orderID string) *models.Order
	DefaultRiskAssessment() *models.RiskAssessment
}

// fallbackConfidence is the confidence attached to generated data.
const fallbackConfidence = 0.4

// DefaultGenerator is the in-repo FallbackGenerator: unknown customers are
// treated as new, which keeps downstream risk handling conservative.
type DefaultGenerator struct{}

// NewDefaultGenerator returns the stock generator.
func NewDefaultGenerator() *DefaultGenerator { return &DefaultGenerator{} }

func fallbackMetadata() *models.SourceMetadata {
	return &models.SourceMetadata{
		Source:      "fallback",
		Confidence:  fallbackConfidence,
		GeneratedAt: time.Now(),
	}
}

// NewCustomerProfile returns the profile assigned to customers the store
// has never seen.
func (g *DefaultGenerator) NewCustomerProfile() *models.CustomerProfile {
	return &models.CustomerProfile{
		RiskTier: models.RiskTierNew,
		Metadata: fallbackMetadata(),
	}
}

// CustomerFallback returns a new-customer profile carrying whatever
// identifiers the request supplied, so callers can still display them.
func (g *DefaultGenerator) CustomerFallback(ids fingerprint.Identifiers) *models.CustomerProfile {
	p := g.NewCustomerProfile()
	p.Phone = ids.Phone
	p.Email = ids.Email
	return p
}

// OrderFallback returns a placeholder order in an unknown status.
func (g *DefaultGenerator) OrderFallback(orderID string) *models.Order {
	return &models.Order{
		OrderID:  orderID,
		Status:   "unknown",
		Metadata: fallbackMetadata(),
	}
}

// DefaultRiskAssessment returns the conservative assessment used when no
// real scoring is possible.
func (g *DefaultGenerator) DefaultRiskAssessment() *models.RiskAssessment {
	return &models.RiskAssessment{
		Tier:       models.RiskTierNew,
		Score:      0.5,
		Signals:    []string{"no_primary_data"},
		AssessedAt: time.Now(),
		Metadata:   fallbackMetadata(),
	}
}

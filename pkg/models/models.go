// Package models holds the domain entities shared across the request path:
// customer profiles, order events, checkout correlations and risk
// assessments.
package models

import (
	"encoding/json"
	"time"
)

// Risk tiers, ordered from least to most established.
const (
	RiskTierNew    = "new"
	RiskTierLow    = "low"
	RiskTierMedium = "medium"
	RiskTierHigh   = "high"
)

// SourceMetadata tags data that did not come from the primary data path.
type SourceMetadata struct {
	Source      string    `json:"source"`
	Confidence  float64   `json:"confidence"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// CustomerProfile is the primary lookup result.
type CustomerProfile struct {
	ID                 string          `json:"id"`
	Phone              string          `json:"phone,omitempty"`
	Email              string          `json:"email,omitempty"`
	RiskTier           string          `json:"riskTier"`
	OrderCount         int             `json:"orderCount"`
	FailedPaymentCount int             `json:"failedPaymentCount"`
	FirstSeenAt        time.Time       `json:"firstSeenAt,omitempty"`
	LastSeenAt         time.Time       `json:"lastSeenAt,omitempty"`
	Metadata           *SourceMetadata `json:"metadata,omitempty"`
}

// OrderEvent is one event on a customer's order timeline.
type OrderEvent struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customerId"`
	OrderID    string          `json:"orderId"`
	EventType  string          `json:"eventType"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Order is a minimal order view, used mostly by fallback paths.
type Order struct {
	OrderID   string          `json:"orderId"`
	OrderName string          `json:"orderName,omitempty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
	Metadata  *SourceMetadata `json:"metadata,omitempty"`
}

// CheckoutCorrelation links a checkout token to a customer and order.
type CheckoutCorrelation struct {
	Token      string    `json:"token"`
	CustomerID string    `json:"customerId"`
	OrderID    string    `json:"orderId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RiskAssessment is the scored output attached to a lookup.
type RiskAssessment struct {
	Tier       string          `json:"tier"`
	Score      float64         `json:"score"`
	Signals    []string        `json:"signals,omitempty"`
	AssessedAt time.Time       `json:"assessedAt"`
	Metadata   *SourceMetadata `json:"metadata,omitempty"`
}

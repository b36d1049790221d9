// Package querier is the optimized query surface over the relational
// store: identifier-selectivity customer lookup, order event retrieval,
// checkout correlation, prioritized batch execution, and query metrics
// with slow-query detection.
package querier

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/riskmesh/riskmesh/pkg/errors"
	"github.com/riskmesh/riskmesh/pkg/fingerprint"
	"github.com/riskmesh/riskmesh/pkg/models"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

// Query types, used for metrics and batch routing.
type QueryType string

const (
	QueryCustomerLookup      QueryType = "customer_lookup"
	QueryOrderEvents         QueryType = "order_events"
	QueryCheckoutCorrelation QueryType = "checkout_correlation"
)

// Config holds querier tuning.
type Config struct {
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
	MetricsRetention   time.Duration `mapstructure:"metrics_retention"`
	DefaultEventLimit  int           `mapstructure:"default_event_limit"`
	BatchConcurrency   int           `mapstructure:"batch_concurrency"`
}

func (c *Config) applyDefaults() {
	if c.SlowQueryThreshold <= 0 {
		c.SlowQueryThreshold = 500 * time.Millisecond
	}
	if c.MetricsRetention <= 0 {
		c.MetricsRetention = 10 * time.Minute
	}
	if c.DefaultEventLimit <= 0 {
		c.DefaultEventLimit = 50
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 4
	}
}

// customerRow is the customers table shape.
type customerRow struct {
	ID                 string         `db:"id"`
	Phone              sql.NullString `db:"phone"`
	Email              sql.NullString `db:"email"`
	RiskTier           string         `db:"risk_tier"`
	OrderCount         int            `db:"order_count"`
	FailedPaymentCount int            `db:"failed_payment_count"`
	FirstSeenAt        sql.NullTime   `db:"first_seen_at"`
	LastSeenAt         sql.NullTime   `db:"last_seen_at"`
}

func (r *customerRow) toModel() *models.CustomerProfile {
	p := &models.CustomerProfile{
		ID:                 r.ID,
		Phone:              r.Phone.String,
		Email:              r.Email.String,
		RiskTier:           r.RiskTier,
		OrderCount:         r.OrderCount,
		FailedPaymentCount: r.FailedPaymentCount,
	}
	if r.FirstSeenAt.Valid {
		p.FirstSeenAt = r.FirstSeenAt.Time
	}
	if r.LastSeenAt.Valid {
		p.LastSeenAt = r.LastSeenAt.Time
	}
	return p
}

// OrderEventFilter narrows FindOrderEvents.
type OrderEventFilter struct {
	Limit      int
	EventTypes []string
}

// Querier executes store queries with instrumentation.
type Querier struct {
	db      *sqlx.DB
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
	track   *tracker
}

// New creates a Querier over an open connection pool.
func New(db *sqlx.DB, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Querier {
	cfg.applyDefaults()
	return &Querier{
		db:      db,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		track:   newTracker(cfg.MetricsRetention, cfg.SlowQueryThreshold, logger),
	}
}

// hashIdentifier matches the hashed identifier columns maintained by the
// ingestion side.
func hashIdentifier(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

// FindCustomerByIdentifiers resolves a customer using the most selective
// identifier available: phone, then email, then checkout-token
// correlation, then order id. Returns NOT_FOUND_ERROR when nothing
// matches.
func (q *Querier) FindCustomerByIdentifiers(ctx context.Context, ids fingerprint.Identifiers) (*models.CustomerProfile, error) {
	if ids.Empty() {
		return nil, errors.New(errors.TypeValidation, "NO_IDENTIFIERS", "at least one identifier is required")
	}

	if ids.Phone != "" {
		p, err := q.findCustomerBy(ctx, "phone_hash", hashIdentifier(ids.Phone), ids)
		if err == nil || !errors.IsType(err, errors.TypeNotFound) {
			return p, err
		}
	}
	if ids.Email != "" {
		p, err := q.findCustomerBy(ctx, "email_hash", hashIdentifier(ids.Email), ids)
		if err == nil || !errors.IsType(err, errors.TypeNotFound) {
			return p, err
		}
	}
	if ids.CheckoutToken != "" {
		corr, err := q.FindCheckoutCorrelation(ctx, ids.CheckoutToken)
		if err == nil {
			return q.findCustomerByID(ctx, corr.CustomerID, ids)
		}
		if !errors.IsType(err, errors.TypeNotFound) {
			return nil, err
		}
	}
	if ids.OrderID != "" {
		p, err := q.findCustomerByOrder(ctx, ids.OrderID, ids)
		if err == nil || !errors.IsType(err, errors.TypeNotFound) {
			return p, err
		}
	}

	return nil, errors.New(errors.TypeNotFound, "CUSTOMER_NOT_FOUND", "no customer matches the supplied identifiers")
}

const customerColumns = `id, phone, email, risk_tier, order_count, failed_payment_count, first_seen_at, last_seen_at`

func (q *Querier) findCustomerBy(ctx context.Context, column, value string, ids fingerprint.Identifiers) (*models.CustomerProfile, error) {
	query := fmt.Sprintf(`SELECT %s FROM customers WHERE %s = $1 LIMIT 1`, customerColumns, column)

	var row customerRow
	err := q.instrument(ctx, QueryCustomerLookup, column+":"+value, func(ctx context.Context) error {
		return q.db.GetContext(ctx, &row, query, value)
	})
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (q *Querier) findCustomerByID(ctx context.Context, customerID string, ids fingerprint.Identifiers) (*models.CustomerProfile, error) {
	query := fmt.Sprintf(`SELECT %s FROM customers WHERE id = $1 LIMIT 1`, customerColumns)

	var row customerRow
	err := q.instrument(ctx, QueryCustomerLookup, "id:"+customerID, func(ctx context.Context) error {
		return q.db.GetContext(ctx, &row, query, customerID)
	})
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (q *Querier) findCustomerByOrder(ctx context.Context, orderID string, ids fingerprint.Identifiers) (*models.CustomerProfile, error) {
	query := fmt.Sprintf(`SELECT %s FROM customers c
		WHERE c.id = (SELECT customer_id FROM order_events WHERE order_id = $1 ORDER BY occurred_at DESC LIMIT 1)`,
		strings.ReplaceAll(customerColumns, "id,", "c.id,"))

	var row customerRow
	err := q.instrument(ctx, QueryCustomerLookup, "order:"+orderID, func(ctx context.Context) error {
		return q.db.GetContext(ctx, &row, query, orderID)
	})
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// FindOrderEvents returns a customer's order events, newest first.
func (q *Querier) FindOrderEvents(ctx context.Context, customerID string, filter OrderEventFilter) ([]models.OrderEvent, error) {
	if customerID == "" {
		return nil, errors.New(errors.TypeValidation, "NO_CUSTOMER_ID", "customer id is required")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = q.config.DefaultEventLimit
	}

	query := `SELECT id, customer_id, order_id, event_type, occurred_at, payload
		FROM order_events WHERE customer_id = $1`
	args := []interface{}{customerID}
	if len(filter.EventTypes) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND event_type IN (?)`, customerID, filter.EventTypes)
		if err != nil {
			return nil, errors.Wrap(err, errors.TypeInternal, "QUERY_BUILD_FAILED")
		}
		query = q.db.Rebind(query)
	}
	query += ` ORDER BY occurred_at DESC LIMIT ` + fmt.Sprint(limit)

	var rows []struct {
		ID         string         `db:"id"`
		CustomerID string         `db:"customer_id"`
		OrderID    string         `db:"order_id"`
		EventType  string         `db:"event_type"`
		OccurredAt time.Time      `db:"occurred_at"`
		Payload    sql.NullString `db:"payload"`
	}
	err := q.instrument(ctx, QueryOrderEvents, "customer:"+customerID, func(ctx context.Context) error {
		return q.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		if errors.IsType(err, errors.TypeNotFound) {
			return nil, nil
		}
		return nil, err
	}

	events := make([]models.OrderEvent, 0, len(rows))
	for _, r := range rows {
		ev := models.OrderEvent{
			ID:         r.ID,
			CustomerID: r.CustomerID,
			OrderID:    r.OrderID,
			EventType:  r.EventType,
			OccurredAt: r.OccurredAt,
		}
		if r.Payload.Valid {
			ev.Payload = []byte(r.Payload.String)
		}
		events = append(events, ev)
	}
	return events, nil
}

// FindCheckoutCorrelation resolves a checkout token to its customer.
func (q *Querier) FindCheckoutCorrelation(ctx context.Context, token string) (*models.CheckoutCorrelation, error) {
	if token == "" {
		return nil, errors.New(errors.TypeValidation, "NO_TOKEN", "checkout token is required")
	}

	var row struct {
		Token      string         `db:"token"`
		CustomerID string         `db:"customer_id"`
		OrderID    sql.NullString `db:"order_id"`
		CreatedAt  time.Time      `db:"created_at"`
	}
	query := `SELECT token, customer_id, order_id, created_at FROM checkout_correlations WHERE token = $1 LIMIT 1`
	err := q.instrument(ctx, QueryCheckoutCorrelation, "token:"+token, func(ctx context.Context) error {
		return q.db.GetContext(ctx, &row, query, token)
	})
	if err != nil {
		return nil, err
	}
	return &models.CheckoutCorrelation{
		Token:      row.Token,
		CustomerID: row.CustomerID,
		OrderID:    row.OrderID.String,
		CreatedAt:  row.CreatedAt,
	}, nil
}

// Ping verifies store connectivity.
func (q *Querier) Ping(ctx context.Context) error {
	if err := q.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, errors.TypeDatabase, "STORE_UNREACHABLE")
	}
	return nil
}

// instrument runs one query and records its metric. Store errors are
// mapped onto the taxonomy: missing rows are NOT_FOUND_ERROR, everything
// else DATABASE_ERROR.
func (q *Querier) instrument(ctx context.Context, qt QueryType, params string, run func(ctx context.Context) error) error {
	start := time.Now()
	err := run(ctx)
	duration := time.Since(start)

	var serr *errors.ServiceError
	if err != nil {
		serr = errors.Normalize(err)
		if serr.Type == errors.TypeInternal {
			serr = errors.Wrap(err, errors.TypeDatabase, "QUERY_FAILED")
		}
	}

	q.track.record(QueryMetric{
		QueryType:  qt,
		ParamsHash: shortHash(params),
		StartedAt:  start,
		Duration:   duration,
		Success:    serr == nil,
		ErrorClass: errorClass(serr),
	})

	if q.metrics != nil {
		q.metrics.RecordHistogram("store_query_duration_seconds", duration.Seconds(), map[string]string{
			"query_type": string(qt),
		})
	}
	if serr != nil {
		return serr
	}
	return nil
}

func errorClass(serr *errors.ServiceError) string {
	if serr == nil {
		return ""
	}
	return string(serr.Type)
}

func shortHash(params string) string {
	sum := sha256.Sum256([]byte(params))
	return hex.EncodeToString(sum[:6])
}

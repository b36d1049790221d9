package querier

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskmesh/riskmesh/pkg/errors"
	"github.com/riskmesh/riskmesh/pkg/fingerprint"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

func newTestQuerier(t *testing.T) (*Querier, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := New(sqlx.NewDb(db, "sqlmock"), Config{}, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	return q, mock
}

var customerCols = []string{"id", "phone", "email", "risk_tier", "order_count", "failed_payment_count", "first_seen_at", "last_seen_at"}

func customerRows(id, tier string) *sqlmock.Rows {
	return sqlmock.NewRows(customerCols).
		AddRow(id, "3001234567", "a@b.co", tier, 4, 0, time.Now().Add(-24*time.Hour), time.Now())
}

func TestFindCustomer_PhoneHit(t *testing.T) {
	q, mock := newTestQuerier(t)

	mock.ExpectQuery(`SELECT .+ FROM customers WHERE phone_hash = \$1`).
		WithArgs(hashIdentifier("3001234567")).
		WillReturnRows(customerRows("c-1", "low"))

	p, err := q.FindCustomerByIdentifiers(context.Background(), fingerprint.Identifiers{Phone: "3001234567"})
	require.NoError(t, err)
	assert.Equal(t, "c-1", p.ID)
	assert.Equal(t, "low", p.RiskTier)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindCustomer_SelectivityFallsThroughToEmail(t *testing.T) {
	q, mock := newTestQuerier(t)

	mock.ExpectQuery(`SELECT .+ FROM customers WHERE phone_hash = \$1`).
		WithArgs(hashIdentifier("3001234567")).
		WillReturnRows(sqlmock.NewRows(customerCols))
	mock.ExpectQuery(`SELECT .+ FROM customers WHERE email_hash = \$1`).
		WithArgs(hashIdentifier("a@b.co")).
		WillReturnRows(customerRows("c-2", "medium"))

	p, err := q.FindCustomerByIdentifiers(context.Background(), fingerprint.Identifiers{
		Phone: "3001234567",
		Email: "a@b.co",
	})
	require.NoError(t, err)
	assert.Equal(t, "c-2", p.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindCustomer_CheckoutCorrelation(t *testing.T) {
	q, mock := newTestQuerier(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT token, customer_id, order_id, created_at FROM checkout_correlations WHERE token = $1 LIMIT 1`)).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"token", "customer_id", "order_id", "created_at"}).
			AddRow("tok-1", "c-3", "o-9", time.Now()))
	mock.ExpectQuery(`SELECT .+ FROM customers WHERE id = \$1`).
		WithArgs("c-3").
		WillReturnRows(customerRows("c-3", "high"))

	p, err := q.FindCustomerByIdentifiers(context.Background(), fingerprint.Identifiers{CheckoutToken: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, "c-3", p.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindCustomer_NotFound(t *testing.T) {
	q, mock := newTestQuerier(t)

	mock.ExpectQuery(`SELECT .+ FROM customers WHERE phone_hash = \$1`).
		WillReturnRows(sqlmock.NewRows(customerCols))

	_, err := q.FindCustomerByIdentifiers(context.Background(), fingerprint.Identifiers{Phone: "3001234567"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeNotFound))
	assert.False(t, errors.IsRetryable(err))
}

func TestFindCustomer_NoIdentifiersIsValidation(t *testing.T) {
	q, _ := newTestQuerier(t)

	_, err := q.FindCustomerByIdentifiers(context.Background(), fingerprint.Identifiers{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeValidation))
}

func TestFindCustomer_StoreErrorIsDatabaseError(t *testing.T) {
	q, mock := newTestQuerier(t)

	mock.ExpectQuery(`SELECT .+ FROM customers WHERE phone_hash = \$1`).
		WillReturnError(assert.AnError)

	_, err := q.FindCustomerByIdentifiers(context.Background(), fingerprint.Identifiers{Phone: "3001234567"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeDatabase))
	assert.True(t, errors.IsRetryable(err), "database errors are retryable by default")
}

func TestFindOrderEvents(t *testing.T) {
	q, mock := newTestQuerier(t)

	mock.ExpectQuery(`SELECT id, customer_id, order_id, event_type, occurred_at, payload\s+FROM order_events WHERE customer_id = \$1 ORDER BY occurred_at DESC LIMIT 50`).
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "order_id", "event_type", "occurred_at", "payload"}).
			AddRow("e-1", "c-1", "o-1", "placed", time.Now(), `{"total":10}`).
			AddRow("e-2", "c-1", "o-1", "paid", time.Now(), nil))

	events, err := q.FindOrderEvents(context.Background(), "c-1", OrderEventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "placed", events[0].EventType)
	assert.Nil(t, events[1].Payload)
}

func TestFindOrderEvents_RequiresCustomerID(t *testing.T) {
	q, _ := newTestQuerier(t)

	_, err := q.FindOrderEvents(context.Background(), "", OrderEventFilter{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.TypeValidation))
}

func TestBatchQuery_PerItemIsolation(t *testing.T) {
	q, mock := newTestQuerier(t)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectQuery(`SELECT .+ FROM customers WHERE phone_hash = \$1`).
		WillReturnRows(customerRows("c-1", "low"))
	mock.ExpectQuery(`SELECT .+ FROM checkout_correlations WHERE token = \$1`).
		WillReturnError(assert.AnError)

	results := q.BatchQuery(context.Background(), []BatchItem{
		{ID: "a", Type: QueryCustomerLookup, Priority: PriorityHigh, Identifiers: fingerprint.Identifiers{Phone: "3001234567"}},
		{ID: "b", Type: QueryCheckoutCorrelation, Priority: PriorityMedium, Token: "tok-1"},
		{ID: "c", Type: QueryType("bogus"), Priority: PriorityLow},
	})

	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ID)
	assert.NoError(t, results[0].Err)
	assert.NotNil(t, results[0].Data)

	assert.Error(t, results[1].Err, "item failure must stay in its own slot")
	assert.True(t, errors.IsType(results[1].Err, errors.TypeDatabase))

	assert.Error(t, results[2].Err)
	assert.True(t, errors.IsType(results[2].Err, errors.TypeValidation), "unknown type is a per-item validation failure")
}

func TestSlowQueryHandler_InvokedAndPanicContained(t *testing.T) {
	q, mock := newTestQuerier(t)
	q.SetSlowQueryThreshold(time.Nanosecond)

	var seen []QueryMetric
	q.OnSlowQuery(func(m QueryMetric) { panic("handler bug") })
	q.OnSlowQuery(func(m QueryMetric) { seen = append(seen, m) })

	mock.ExpectQuery(`SELECT .+ FROM customers WHERE phone_hash = \$1`).
		WillReturnRows(customerRows("c-1", "low"))

	_, err := q.FindCustomerByIdentifiers(context.Background(), fingerprint.Identifiers{Phone: "3001234567"})
	require.NoError(t, err, "a panicking handler must not break the query")

	require.Len(t, seen, 1)
	assert.Equal(t, QueryCustomerLookup, seen[0].QueryType)
	assert.True(t, seen[0].Success)
}

func TestQueryStats(t *testing.T) {
	q, mock := newTestQuerier(t)

	mock.ExpectQuery(`SELECT .+ FROM customers WHERE phone_hash = \$1`).
		WillReturnRows(customerRows("c-1", "low"))
	mock.ExpectQuery(`SELECT .+ FROM customers WHERE phone_hash = \$1`).
		WillReturnError(assert.AnError)

	ctx := context.Background()
	_, _ = q.FindCustomerByIdentifiers(ctx, fingerprint.Identifiers{Phone: "3001234567"})
	_, _ = q.FindCustomerByIdentifiers(ctx, fingerprint.Identifiers{Phone: "3001234567"})

	stats := q.QueryStats(time.Minute)
	assert.Equal(t, 2, stats.TotalQueries)
	assert.Equal(t, 1, stats.Failures)

	perType := stats.PerType[QueryCustomerLookup]
	assert.Equal(t, 2, perType.Count)
	assert.Equal(t, 1, perType.Failures)
}

func TestPing(t *testing.T) {
	q, _ := newTestQuerier(t)
	assert.NoError(t, q.Ping(context.Background()))
}

package querier

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/riskmesh/riskmesh/pkg/errors"
	"github.com/riskmesh/riskmesh/pkg/fingerprint"
)

// Batch priorities. Higher priorities are fully dispatched before lower
// ones start.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// ParsePriority maps the wire form to a Priority; unknown strings are low.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// BatchItem is one query in a batch request.
type BatchItem struct {
	ID          string
	Type        QueryType
	Priority    Priority
	Identifiers fingerprint.Identifiers
	CustomerID  string
	Token       string
	Filter      OrderEventFilter
}

// BatchResult is the per-item outcome. Failures are isolated: one bad
// item never affects its siblings.
type BatchResult struct {
	ID   string
	Data interface{}
	Err  error
}

// BatchQuery executes items grouped by priority, high to low, with
// bounded concurrency inside each tier. Results come back in input order.
func (q *Querier) BatchQuery(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	order := make([]int, len(items))
	for i := range items {
		order[i] = i
		results[i].ID = items[i].ID
	}
	sort.SliceStable(order, func(a, b int) bool {
		return items[order[a]].Priority > items[order[b]].Priority
	})

	pos := 0
	for pos < len(order) {
		tier := items[order[pos]].Priority
		end := pos
		for end < len(order) && items[order[end]].Priority == tier {
			end++
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(q.config.BatchConcurrency)
		for _, idx := range order[pos:end] {
			idx := idx
			g.Go(func() error {
				data, err := q.runBatchItem(gctx, items[idx])
				results[idx].Data = data
				results[idx].Err = err
				// Item failures stay in the per-item result.
				return nil
			})
		}
		_ = g.Wait()
		pos = end
	}
	return results
}

func (q *Querier) runBatchItem(ctx context.Context, item BatchItem) (interface{}, error) {
	switch item.Type {
	case QueryCustomerLookup:
		return q.FindCustomerByIdentifiers(ctx, item.Identifiers)
	case QueryOrderEvents:
		return q.FindOrderEvents(ctx, item.CustomerID, item.Filter)
	case QueryCheckoutCorrelation:
		return q.FindCheckoutCorrelation(ctx, item.Token)
	default:
		return nil, errors.Newf(errors.TypeValidation, "UNKNOWN_QUERY_TYPE", "unknown query type %q", item.Type)
	}
}

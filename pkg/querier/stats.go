package querier

import (
	"sort"
	"sync"
	"time"

	"github.com/riskmesh/riskmesh/pkg/errors"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

// QueryMetric is one recorded query execution.
type QueryMetric struct {
	QueryType  QueryType     `json:"queryType"`
	ParamsHash string        `json:"paramsHash"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	ErrorClass string        `json:"errorClass,omitempty"`
}

// SlowQueryHandler observes queries at or over the slow threshold.
type SlowQueryHandler func(metric QueryMetric)

// TypeStats aggregates one query type.
type TypeStats struct {
	Count       int           `json:"count"`
	Failures    int           `json:"failures"`
	SlowQueries int           `json:"slowQueries"`
	AvgDuration time.Duration `json:"avgDuration"`
	MaxDuration time.Duration `json:"maxDuration"`
}

// Stats is a windowed aggregate over recorded queries.
type Stats struct {
	TotalQueries int                     `json:"totalQueries"`
	Failures     int                     `json:"failures"`
	SlowQueries  int                     `json:"slowQueries"`
	AvgDuration  time.Duration           `json:"avgDuration"`
	PerType      map[QueryType]TypeStats `json:"perType"`
}

// tracker owns query metrics and slow-query notification.
type tracker struct {
	mu            sync.Mutex
	metrics       []QueryMetric
	retention     time.Duration
	slowThreshold time.Duration
	handlers      []SlowQueryHandler
	logger        observability.Logger
}

func newTracker(retention, slowThreshold time.Duration, logger observability.Logger) *tracker {
	return &tracker{
		retention:     retention,
		slowThreshold: slowThreshold,
		logger:        logger,
	}
}

func (t *tracker) record(m QueryMetric) {
	t.mu.Lock()
	t.metrics = append(t.metrics, m)
	t.pruneLocked(time.Now())
	slow := m.Duration >= t.slowThreshold
	handlers := t.handlers
	t.mu.Unlock()

	if !slow {
		return
	}
	for _, h := range handlers {
		t.notify(h, m)
	}
}

// notify shields the query path from handler panics.
func (t *tracker) notify(h SlowQueryHandler, m QueryMetric) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("slow query handler panicked", map[string]interface{}{
				"queryType": string(m.QueryType),
				"panic":     errors.FromValue(r).Error(),
			})
		}
	}()
	h(m)
}

func (t *tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	start := sort.Search(len(t.metrics), func(i int) bool {
		return !t.metrics[i].StartedAt.Before(cutoff)
	})
	if start > 0 {
		t.metrics = append([]QueryMetric(nil), t.metrics[start:]...)
	}
}

// OnSlowQuery registers a handler invoked for every slow query. Handler
// panics are contained and logged.
func (q *Querier) OnSlowQuery(h SlowQueryHandler) {
	q.track.mu.Lock()
	defer q.track.mu.Unlock()
	q.track.handlers = append(q.track.handlers, h)
}

// SetSlowQueryThreshold changes the slow-query cutoff at runtime.
func (q *Querier) SetSlowQueryThreshold(d time.Duration) {
	q.track.mu.Lock()
	defer q.track.mu.Unlock()
	if d > 0 {
		q.track.slowThreshold = d
	}
}

// QueryStats aggregates metrics recorded within the window. Zero window
// means everything retained.
func (q *Querier) QueryStats(window time.Duration) Stats {
	q.track.mu.Lock()
	defer q.track.mu.Unlock()

	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	stats := Stats{PerType: make(map[QueryType]TypeStats)}
	var totalDur time.Duration
	perTypeDur := make(map[QueryType]time.Duration)

	for _, m := range q.track.metrics {
		if m.StartedAt.Before(cutoff) {
			continue
		}
		stats.TotalQueries++
		totalDur += m.Duration

		ts := stats.PerType[m.QueryType]
		ts.Count++
		perTypeDur[m.QueryType] += m.Duration
		if m.Duration > ts.MaxDuration {
			ts.MaxDuration = m.Duration
		}
		if !m.Success {
			stats.Failures++
			ts.Failures++
		}
		if m.Duration >= q.track.slowThreshold {
			stats.SlowQueries++
			ts.SlowQueries++
		}
		stats.PerType[m.QueryType] = ts
	}

	if stats.TotalQueries > 0 {
		stats.AvgDuration = totalDur / time.Duration(stats.TotalQueries)
	}
	for qt, ts := range stats.PerType {
		if ts.Count > 0 {
			ts.AvgDuration = perTypeDur[qt] / time.Duration(ts.Count)
			stats.PerType[qt] = ts
		}
	}
	return stats
}

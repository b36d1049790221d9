// Package dedup collapses concurrent identical requests into a single
// in-flight computation. Callers that arrive while a computation for the
// same key is running attach to it and observe the same outcome; the
// underlying work runs exactly once per key within the deduplication TTL.
package dedup

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/riskmesh/riskmesh/pkg/observability"
)

// Config holds deduplicator configuration.
type Config struct {
	// TTL bounds both the lifetime of a pending slot and the retention of
	// completion timestamps.
	TTL time.Duration `mapstructure:"ttl"`
	// SweepInterval is the cadence of the background sweeper.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Work is the idempotent computation guarded by the deduplicator.
type Work func(ctx context.Context) (interface{}, error)

// Stats is a point-in-time view of deduplicator state.
type Stats struct {
	PendingRequests  int   `json:"pendingRequests"`
	CachedTimestamps int   `json:"cachedTimestamps"`
	Hits             int64 `json:"hits"`
	Misses           int64 `json:"misses"`
}

// Deduplicator collapses concurrent identical requests.
type Deduplicator struct {
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	group singleflight.Group

	mu        sync.Mutex
	pending   map[string]time.Time // key → registeredAt
	completed map[string]time.Time // key → settledAt
	hits      int64
	misses    int64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a deduplicator and starts its background sweeper.
func New(cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Deduplicator {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	d := &Deduplicator{
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		pending:   make(map[string]time.Time),
		completed: make(map[string]time.Time),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go d.sweepLoop()
	return d
}

// Register runs work under the given key, or attaches to an in-flight
// computation for the same key. All attached callers observe the same result
// or the same error.
//
// Cancelling an attacher's context abandons only that caller; the
// computation keeps running for the others and still settles the slot.
func (d *Deduplicator) Register(ctx context.Context, key string, work Work) (interface{}, error) {
	d.mu.Lock()
	_, inFlight := d.pending[key]
	if inFlight {
		d.hits++
	} else {
		d.misses++
		d.pending[key] = time.Now()
	}
	d.mu.Unlock()

	if d.metrics != nil {
		if inFlight {
			d.metrics.IncrementCounterWithLabels("dedup_requests_total", 1, map[string]string{"outcome": "attached"})
		} else {
			d.metrics.IncrementCounterWithLabels("dedup_requests_total", 1, map[string]string{"outcome": "invoked"})
		}
	}

	// The computation must not die with the first caller that gives up, so
	// it runs on a context detached from cancellation.
	workCtx := context.WithoutCancel(ctx)

	ch := d.group.DoChan(key, func() (interface{}, error) {
		defer d.settle(key)
		return work(workCtx)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsDuplicate reports whether key is in flight or settled within the TTL.
func (d *Deduplicator) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[key]; ok {
		return true
	}
	settledAt, ok := d.completed[key]
	return ok && time.Since(settledAt) < d.config.TTL
}

// Stats returns a snapshot of deduplicator state.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		PendingRequests:  len(d.pending),
		CachedTimestamps: len(d.completed),
		Hits:             d.hits,
		Misses:           d.misses,
	}
}

// Destroy stops the background sweeper. In-flight computations finish
// normally.
func (d *Deduplicator) Destroy() {
	d.stopOnce.Do(func() {
		close(d.stop)
		<-d.done
	})
}

func (d *Deduplicator) settle(key string) {
	d.mu.Lock()
	delete(d.pending, key)
	d.completed[key] = time.Now()
	d.mu.Unlock()
}

func (d *Deduplicator) sweepLoop() {
	defer close(d.done)
	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stop:
			return
		}
	}
}

func (d *Deduplicator) sweep() {
	cutoff := time.Now().Add(-d.config.TTL)
	var stalePending, staleCompleted int

	d.mu.Lock()
	for key, registeredAt := range d.pending {
		if registeredAt.Before(cutoff) {
			delete(d.pending, key)
			d.group.Forget(key)
			stalePending++
		}
	}
	for key, settledAt := range d.completed {
		if settledAt.Before(cutoff) {
			delete(d.completed, key)
			staleCompleted++
		}
	}
	d.mu.Unlock()

	if stalePending > 0 && d.logger != nil {
		d.logger.Warn("dedup sweeper removed stale pending requests", map[string]interface{}{
			"stale_pending":   stalePending,
			"stale_completed": staleCompleted,
		})
	}
}

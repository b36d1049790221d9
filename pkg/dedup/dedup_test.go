package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/riskmesh/riskmesh/pkg/fingerprint"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

func newTestDedup(cfg Config) *Deduplicator {
	return New(cfg, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestRegister_CollapsesConcurrentCallers(t *testing.T) {
	d := newTestDedup(Config{})
	defer d.Destroy()

	// Parameter variants that normalize to the same fingerprint.
	keys := []string{
		fingerprint.Identifiers{Phone: "+92 300 123 4567", OrderName: "ORDER-1"}.Fingerprint(),
		fingerprint.Identifiers{Phone: "03001234567", OrderName: "ORDER-1"}.Fingerprint(),
	}
	require.Equal(t, keys[0], keys[1])

	var invocations atomic.Int32
	release := make(chan struct{})
	work := func(ctx context.Context) (interface{}, error) {
		invocations.Add(1)
		<-release
		return "customer-42", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = d.Register(context.Background(), keys[idx%2], work)
		}(i)
	}

	// Let every caller attach before the work settles.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), invocations.Load())
	for i := 0; i < 10; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "customer-42", results[i])
	}

	stats := d.Stats()
	assert.Equal(t, 0, stats.PendingRequests)
	assert.Equal(t, 1, stats.CachedTimestamps)
	assert.Equal(t, int64(9), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestRegister_ErrorPropagatesToAllCallers(t *testing.T) {
	d := newTestDedup(Config{})
	defer d.Destroy()

	wantErr := errors.New("store unavailable")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = d.Register(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
				<-release
				return nil, wantErr
			})
		}(i)
	}

	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, errs[i], wantErr)
	}
	assert.Equal(t, 0, d.Stats().PendingRequests)
}

func TestRegister_AttacherCancelDoesNotCancelWork(t *testing.T) {
	d := newTestDedup(Config{})
	defer d.Destroy()

	started := make(chan struct{})
	finished := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, _ = d.Register(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			close(finished)
			return "done", nil
		})
	}()
	<-started

	// The attacher gives up early; the computation must keep running.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := d.Register(ctx, "k", func(ctx context.Context) (interface{}, error) {
		t.Error("work must not be invoked twice for the same key")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("work did not run to completion after attacher cancellation")
	}
}

func TestRegister_OriginatorCancelStillSettlesSlot(t *testing.T) {
	d := newTestDedup(Config{})
	defer d.Destroy()

	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Register(ctx, "k", func(workCtx context.Context) (interface{}, error) {
			// Detached from the originator's cancellation.
			<-release
			return "late", workCtx.Err()
		})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		return d.Stats().PendingRequests == 0 && d.Stats().CachedTimestamps == 1
	}, time.Second, 10*time.Millisecond)
}

func TestIsDuplicate(t *testing.T) {
	d := newTestDedup(Config{TTL: 100 * time.Millisecond, SweepInterval: 20 * time.Millisecond})
	defer d.Destroy()

	assert.False(t, d.IsDuplicate("k"))

	_, err := d.Register(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		return 1, nil
	})
	require.NoError(t, err)
	assert.True(t, d.IsDuplicate("k"))

	// Completion timestamp expires after the TTL.
	require.Eventually(t, func() bool {
		return !d.IsDuplicate("k")
	}, time.Second, 20*time.Millisecond)
}

func TestSweeper_RemovesExpiredTimestamps(t *testing.T) {
	d := newTestDedup(Config{TTL: 30 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	defer d.Destroy()

	for _, key := range []string{"a", "b", "c"} {
		_, err := d.Register(context.Background(), key, func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, d.Stats().CachedTimestamps)

	require.Eventually(t, func() bool {
		return d.Stats().CachedTimestamps == 0
	}, time.Second, 10*time.Millisecond)
}

func TestDestroy_StopsSweeper(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := newTestDedup(Config{SweepInterval: 5 * time.Millisecond})
	_, err := d.Register(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		return 1, nil
	})
	require.NoError(t, err)
	d.Destroy()
	// Destroy is idempotent.
	d.Destroy()
}

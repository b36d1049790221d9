package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskmesh/riskmesh/pkg/observability"
)

func newRemoteTier(t *testing.T) (*miniredis.Miniredis, *RedisRemoteTier) {
	t.Helper()
	mr := miniredis.RunT(t)
	tier, err := NewRedisRemoteTier(RedisConfig{
		Address:   mr.Addr(),
		KeyPrefix: "riskmesh:",
	}, observability.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })
	return mr, tier
}

func TestRedisRemoteTier_RoundTrip(t *testing.T) {
	_, tier := newRemoteTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "k", []byte(`"hello"`), time.Minute))

	data, found, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(`"hello"`), data)
}

func TestRedisRemoteTier_MissIsNotAnError(t *testing.T) {
	_, tier := newRemoteTier(t)

	data, found, err := tier.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, data)
}

func TestRedisRemoteTier_BreakerOpensWhenRedisDies(t *testing.T) {
	mr, tier := newRemoteTier(t)
	mr.Close()

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, _, _ = tier.Get(ctx, "k")
	}

	_, _, err := tier.Get(ctx, "k")
	require.Error(t, err)
	// After enough consecutive failures the breaker rejects without dialing.
	assert.Contains(t, err.Error(), "circuit breaker is open")
}

func TestCache_RemoteTierServesLocalMiss(t *testing.T) {
	_, tier := newRemoteTier(t)

	c, err := New(Config{}, observability.NewNoopLogger(), observability.NewNoopMetricsClient(), tier)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "customer:9", []byte(`{"id":"9"}`), time.Minute))

	var got map[string]string
	hit, err := c.Get(ctx, "customer:9", &got)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "9", got["id"])
	assert.Equal(t, int64(1), c.GetStats().RemoteHits)

	// The hit is promoted into the local tier.
	info, ok := c.GetEntryInfo("customer:9")
	assert.True(t, ok)
	assert.Equal(t, "customer:9", info.Key)
}

func TestCache_SetMirrorsToRemote(t *testing.T) {
	mr, tier := newRemoteTier(t)

	c, err := New(Config{}, observability.NewNoopLogger(), observability.NewNoopMetricsClient(), tier)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)

	require.NoError(t, c.Set(context.Background(), "k", "v", time.Minute))

	require.Eventually(t, func() bool {
		return mr.Exists("riskmesh:k")
	}, time.Second, 10*time.Millisecond)
}

func TestCache_RemoteFailureIsInvisible(t *testing.T) {
	mr, tier := newRemoteTier(t)
	mr.Close()

	c, err := New(Config{}, observability.NewNoopLogger(), observability.NewNoopMetricsClient(), tier)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v", time.Minute), "remote failure must not fail Set")

	var got string
	hit, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = c.Get(ctx, "absent", &got)
	require.NoError(t, err, "remote failure must not fail Get")
	assert.False(t, hit)
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"github.com/riskmesh/riskmesh/pkg/observability"
)

// RemoteTier is an optional shared cache consulted on local misses and
// mirrored on writes. It is strictly best-effort: remote failures are
// swallowed and never affect the local cache contract. There is no
// cross-process coherence; entries carry their own TTL and expire
// independently on each side.
type RemoteTier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Close() error
}

// RedisConfig holds configuration for the Redis remote tier.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// RedisRemoteTier implements RemoteTier on a Redis client. Every call runs
// through a circuit breaker so a flapping Redis cannot slow the request
// path down.
type RedisRemoteTier struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	prefix  string
	logger  observability.Logger
}

// NewRedisRemoteTier connects to Redis and verifies the connection.
func NewRedisRemoteTier(cfg RedisConfig, logger observability.Logger) (*RedisRemoteTier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "cache-remote-tier",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("remote cache tier breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &RedisRemoteTier{
		client:  client,
		breaker: breaker,
		prefix:  cfg.KeyPrefix,
		logger:  logger,
	}, nil
}

// Get fetches key from Redis. A missing key is (nil, false, nil).
func (r *RedisRemoteTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		data, err := r.client.Get(ctx, r.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		return nil, false, err
	}
	data, _ := res.([]byte)
	if data == nil {
		return nil, false, nil
	}
	return data, true, nil
}

// Set stores key in Redis with the given TTL.
func (r *RedisRemoteTier) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.client.Set(ctx, r.prefix+key, data, ttl).Err()
	})
	return err
}

// Close releases the Redis connection.
func (r *RedisRemoteTier) Close() error {
	return r.client.Close()
}

// mirrorToRemote pushes the uncompressed serialized form to the remote tier
// without blocking the caller.
func (c *Cache) mirrorToRemote(ctx context.Context, key string, serialized []byte, ttl time.Duration) {
	remote := c.remote
	go func() {
		mirrorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := remote.Set(mirrorCtx, key, serialized, ttl); err != nil {
			c.logger.Debug("remote cache mirror failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}()
}

// getFromRemote consults the remote tier on a local miss and promotes hits
// into the local cache.
func (c *Cache) getFromRemote(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, found, err := c.remote.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, nil
	}

	c.mu.Lock()
	c.remoteHits++
	c.mu.Unlock()

	// Promote with the default TTL; the remote side keeps its own expiry.
	var value interface{}
	if err := json.Unmarshal(data, &value); err == nil {
		_ = c.Set(ctx, key, value, c.config.DefaultTTL)
	}
	return true, nil
}

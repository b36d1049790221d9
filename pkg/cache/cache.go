// Package cache implements the intelligent in-process cache that fronts the
// risk-assessment store: TTL expiry, LRU eviction under entry-count and
// memory ceilings, transparent compression of large payloads, and
// best-effort background refresh of aging entries.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/riskmesh/riskmesh/pkg/observability"
)

// Config holds cache configuration.
type Config struct {
	DefaultTTL                 time.Duration `mapstructure:"default_ttl"`
	MaxSize                    int           `mapstructure:"max_size"`
	MaxMemoryUsage             int64         `mapstructure:"max_memory_usage"`
	BackgroundRefreshThreshold float64       `mapstructure:"background_refresh_threshold"`
	CompressionEnabled         bool          `mapstructure:"compression_enabled"`
	CompressionThreshold       int           `mapstructure:"compression_threshold"`
	CleanupInterval            time.Duration `mapstructure:"cleanup_interval"`
}

func (c *Config) applyDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 1000
	}
	if c.MaxMemoryUsage <= 0 {
		c.MaxMemoryUsage = 64 << 20
	}
	if c.BackgroundRefreshThreshold <= 0 || c.BackgroundRefreshThreshold >= 1 {
		c.BackgroundRefreshThreshold = 0.8
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = 1024
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
}

// RefreshFunc recomputes the value for a key during background refresh.
type RefreshFunc func(ctx context.Context, key string) (interface{}, error)

// entry is the stored form of a cache item. The payload slice is immutable
// once stored; concurrent readers either see this entry whole or not at all.
type entry struct {
	key            string
	payload        []byte
	compressed     bool
	originalSize   int
	storedSize     int
	ttl            time.Duration
	createdAt      time.Time
	lastAccessedAt time.Time
	accessCount    int64
	patternTag     string
}

func (e *entry) expiresAt() time.Time { return e.createdAt.Add(e.ttl) }

func (e *entry) expired(now time.Time) bool { return !now.Before(e.expiresAt()) }

// EntryInfo is a read-only view of entry metadata.
type EntryInfo struct {
	Key            string        `json:"key"`
	Compressed     bool          `json:"compressed"`
	OriginalSize   int           `json:"originalSize"`
	StoredSize     int           `json:"storedSize"`
	TTL            time.Duration `json:"ttl"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastAccessedAt time.Time     `json:"lastAccessedAt"`
	AccessCount    int64         `json:"accessCount"`
	PatternTag     string        `json:"patternTag,omitempty"`
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries           int     `json:"entries"`
	MemoryUsage       int64   `json:"memoryUsage"`
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	Evictions         int64   `json:"evictions"`
	Expirations       int64   `json:"expirations"`
	CompressedEntries int     `json:"compressedEntries"`
	CompressionRatio  float64 `json:"compressionRatio"`
	RefreshSuccesses  int64   `json:"refreshSuccesses"`
	RefreshFailures   int64   `json:"refreshFailures"`
	RemoteHits        int64   `json:"remoteHits"`
}

// Cache is the intelligent cache. All mutation happens under a single lock;
// payload bytes are immutable after insert so readers never observe a
// partially stored or partially evicted value.
type Cache struct {
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
	remote  RemoteTier

	mu          sync.Mutex
	index       *lru.LRU[string, *entry]
	memoryUsage int64
	refreshFns  map[string]RefreshFunc
	refreshing  map[string]struct{}

	hits             int64
	misses           int64
	evictions        int64
	expirations      int64
	refreshSuccesses int64
	refreshFailures  int64
	remoteHits       int64

	refreshWG sync.WaitGroup
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a cache and starts its cleanup sweeper. remote may be nil.
func New(cfg Config, logger observability.Logger, metrics observability.MetricsClient, remote RemoteTier) (*Cache, error) {
	cfg.applyDefaults()

	c := &Cache{
		config:     cfg,
		logger:     logger,
		metrics:    metrics,
		remote:     remote,
		refreshFns: make(map[string]RefreshFunc),
		refreshing: make(map[string]struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	index, err := lru.NewLRU[string, *entry](cfg.MaxSize, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("creating LRU index: %w", err)
	}
	c.index = index

	go c.cleanupLoop()
	return c, nil
}

// onEvict runs under c.mu whenever the LRU index drops an entry.
func (c *Cache) onEvict(key string, e *entry) {
	c.memoryUsage -= int64(e.storedSize)
}

// Set stores value under key with the given TTL. Values at or above the
// compression threshold are compressed. Eviction runs before Set returns, so
// the size and memory invariants hold once insertion is visible.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: ttl must be positive, got %v", ttl)
	}

	serialized, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: serializing value for %q: %w", key, err)
	}

	payload := serialized
	compressed := false
	if c.config.CompressionEnabled && len(serialized) >= c.config.CompressionThreshold {
		payload, compressed, err = compressPayload(serialized)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}

	if int64(len(payload)) > c.config.MaxMemoryUsage {
		return fmt.Errorf("cache: value for %q (%d bytes stored) exceeds memory ceiling %d",
			key, len(payload), c.config.MaxMemoryUsage)
	}

	now := time.Now()
	e := &entry{
		key:            key,
		payload:        payload,
		compressed:     compressed,
		originalSize:   len(serialized),
		storedSize:     len(payload),
		ttl:            ttl,
		createdAt:      now,
		lastAccessedAt: now,
	}

	c.mu.Lock()
	e.patternTag = c.matchPatternLocked(key)

	// Replacing an existing entry releases its memory through onEvict.
	c.index.Remove(key)

	if evicted := c.index.Add(key, e); evicted {
		c.evictions++
	}
	c.memoryUsage += int64(e.storedSize)

	// The LRU index already enforces MaxSize; shed least-recently-used
	// entries until the memory ceiling holds as well.
	for c.memoryUsage > c.config.MaxMemoryUsage {
		if _, _, ok := c.index.RemoveOldest(); !ok {
			break
		}
		c.evictions++
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCacheOperation("set", true, 0)
	}

	if c.remote != nil {
		c.mirrorToRemote(ctx, key, serialized, ttl)
	}
	return nil
}

// Get loads the value for key into dest (a pointer), returning false on a
// miss. Access statistics are updated and, when the entry has aged past the
// refresh threshold and a refresh function is registered for its pattern, a
// background refresh is scheduled without blocking the caller.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.index.Get(key)
	if ok && e.expired(now) {
		c.index.Remove(key)
		c.expirations++
		ok = false
	}
	var payload []byte
	var needsRefresh bool
	if ok {
		e.lastAccessedAt = now
		e.accessCount++
		c.hits++
		payload = e.payload
		age := now.Sub(e.createdAt)
		needsRefresh = age >= time.Duration(float64(e.ttl)*c.config.BackgroundRefreshThreshold)
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if !ok {
		if c.remote != nil {
			if hit, err := c.getFromRemote(ctx, key, dest); err == nil && hit {
				return true, nil
			}
		}
		if c.metrics != nil {
			c.metrics.RecordCacheOperation("get", false, 0)
		}
		return false, nil
	}

	serialized, err := decompressPayload(payload)
	if err != nil {
		// A corrupt entry is discarded; the caller sees a plain miss.
		c.logger.Warn("discarding cache entry with corrupt payload", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		c.Invalidate(key)
		return false, nil
	}

	if err := json.Unmarshal(serialized, dest); err != nil {
		return false, fmt.Errorf("cache: deserializing value for %q: %w", key, err)
	}

	if needsRefresh {
		c.scheduleRefresh(key)
	}
	if c.metrics != nil {
		c.metrics.RecordCacheOperation("get", true, 0)
	}
	return true, nil
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	c.index.Remove(key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.index.Purge()
	c.memoryUsage = 0
	c.mu.Unlock()
}

// GetStats returns a snapshot of cache counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var compressedCount int
	var originalTotal, storedTotal int64
	for _, key := range c.index.Keys() {
		e, ok := c.index.Peek(key)
		if !ok {
			continue
		}
		if e.compressed {
			compressedCount++
			originalTotal += int64(e.originalSize)
			storedTotal += int64(e.storedSize)
		}
	}
	ratio := 1.0
	if originalTotal > 0 {
		ratio = float64(storedTotal) / float64(originalTotal)
	}

	return Stats{
		Entries:           c.index.Len(),
		MemoryUsage:       c.memoryUsage,
		Hits:              c.hits,
		Misses:            c.misses,
		Evictions:         c.evictions,
		Expirations:       c.expirations,
		CompressedEntries: compressedCount,
		CompressionRatio:  ratio,
		RefreshSuccesses:  c.refreshSuccesses,
		RefreshFailures:   c.refreshFailures,
		RemoteHits:        c.remoteHits,
	}
}

// GetEntryInfo returns metadata for key, or false when absent.
func (c *Cache) GetEntryInfo(key string) (EntryInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index.Peek(key)
	if !ok {
		return EntryInfo{}, false
	}
	return EntryInfo{
		Key:            e.key,
		Compressed:     e.compressed,
		OriginalSize:   e.originalSize,
		StoredSize:     e.storedSize,
		TTL:            e.ttl,
		CreatedAt:      e.createdAt,
		LastAccessedAt: e.lastAccessedAt,
		AccessCount:    e.accessCount,
		PatternTag:     e.patternTag,
	}, true
}

// RegisterRefreshFunction registers fn for a key pattern: either an exact
// key or a wildcard prefix such as "customer:*".
func (c *Cache) RegisterRefreshFunction(pattern string, fn RefreshFunc) {
	c.mu.Lock()
	c.refreshFns[pattern] = fn
	c.mu.Unlock()
}

// Destroy stops the cleanup sweeper and waits for in-flight refreshes.
func (c *Cache) Destroy() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
		c.refreshWG.Wait()
	})
}

func (c *Cache) matchPatternLocked(key string) string {
	for pattern := range c.refreshFns {
		if patternMatches(pattern, key) {
			return pattern
		}
	}
	return ""
}

func patternMatches(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}

// scheduleRefresh starts a background refresh for key unless one is already
// in flight. Refresh is best-effort: a failure leaves the existing entry
// intact.
func (c *Cache) scheduleRefresh(key string) {
	c.mu.Lock()
	if _, inFlight := c.refreshing[key]; inFlight {
		c.mu.Unlock()
		return
	}
	var fn RefreshFunc
	for pattern, candidate := range c.refreshFns {
		if patternMatches(pattern, key) {
			fn = candidate
			break
		}
	}
	if fn == nil {
		c.mu.Unlock()
		return
	}
	var ttl time.Duration
	if e, ok := c.index.Peek(key); ok {
		ttl = e.ttl
	} else {
		ttl = c.config.DefaultTTL
	}
	c.refreshing[key] = struct{}{}
	c.refreshWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.refreshWG.Done()
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		value, err := fn(ctx, key)
		if err != nil {
			c.mu.Lock()
			c.refreshFailures++
			c.mu.Unlock()
			c.logger.Warn("background cache refresh failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return
		}
		if err := c.Set(ctx, key, value, ttl); err != nil {
			c.mu.Lock()
			c.refreshFailures++
			c.mu.Unlock()
			c.logger.Warn("storing refreshed cache entry failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			return
		}
		c.mu.Lock()
		c.refreshSuccesses++
		c.mu.Unlock()
	}()
}

func (c *Cache) cleanupLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	now := time.Now()
	c.mu.Lock()
	for _, key := range c.index.Keys() {
		if e, ok := c.index.Peek(key); ok && e.expired(now) {
			c.index.Remove(key)
			c.expirations++
		}
	}
	c.mu.Unlock()
}

package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"hospsurvey/internal/metrics"
)

const (
	cacheKeyPrefix      = "authz:perm:"
	generationKeyPrefix = "authz:gen:"
)

// Snapshot is the cached permission set of one non-super actor.
type Snapshot struct {
	Permissions []string   `json:"permissions"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	ComputedAt  time.Time  `json:"computed_at"`
}

// Cache stores snapshots per actor id. Misses and backend failures look the same to callers.
//
// Every Invalidate bumps the actor's generation. Set only stores a snapshot when
// the generation still equals the one read before the snapshot was computed, so
// a computation that raced an invalidation is dropped instead of cached.
type Cache interface {
	Get(ctx context.Context, userID string) (Snapshot, bool)
	Generation(ctx context.Context, userID string) (int64, error)
	Set(ctx context.Context, userID string, snap Snapshot, generation int64)
	Invalidate(ctx context.Context, userID string) error
}

// setIfGeneration writes the snapshot only while the generation key holds ARGV[1].
var setIfGeneration = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if (current or '0') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, log: log}
}

func (c *RedisCache) Get(ctx context.Context, userID string) (Snapshot, bool) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+userID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("user_id", userID).Msg("permission cache read failed")
		}
		metrics.PermissionCacheLookups.WithLabelValues("miss").Inc()
		return Snapshot{}, false
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("discarding corrupt permission snapshot")
		metrics.PermissionCacheLookups.WithLabelValues("miss").Inc()
		return Snapshot{}, false
	}
	metrics.PermissionCacheLookups.WithLabelValues("hit").Inc()
	return snap, true
}

func (c *RedisCache) Generation(ctx context.Context, userID string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKeyPrefix+userID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *RedisCache) Set(ctx context.Context, userID string, snap Snapshot, generation int64) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	keys := []string{generationKeyPrefix + userID, cacheKeyPrefix + userID}
	stored, err := setIfGeneration.Run(ctx, c.client, keys, strconv.FormatInt(generation, 10), raw, c.ttl.Milliseconds()).Int()
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("permission cache write failed")
		return
	}
	if stored == 0 {
		c.log.Debug().Str("user_id", userID).Msg("permission snapshot superseded by invalidation")
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, generationKeyPrefix+userID)
	pipe.Del(ctx, cacheKeyPrefix+userID)
	_, err := pipe.Exec(ctx)
	return err
}

// MemoryCache keeps snapshots in process. Only suitable for single-node deployments
// because invalidation does not cross processes.
type MemoryCache struct {
	cache *bigcache.BigCache
	log   zerolog.Logger

	mu          sync.Mutex
	generations map[string]int64
}

func NewMemoryCache(ctx context.Context, ttl time.Duration, shards int, log zerolog.Logger) (*MemoryCache, error) {
	if shards <= 0 {
		shards = 64
	}
	cfg := bigcache.Config{
		Shards:             shards,
		LifeWindow:         ttl,
		CleanWindow:        ttl / 2,
		MaxEntriesInWindow: 1000 * 10,
		MaxEntrySize:       1024,
		Verbose:            false,
		HardMaxCacheSize:   64,
	}
	bc, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create permission cache: %w", err)
	}
	return &MemoryCache{cache: bc, log: log, generations: make(map[string]int64)}, nil
}

func (c *MemoryCache) Get(_ context.Context, userID string) (Snapshot, bool) {
	raw, err := c.cache.Get(cacheKeyPrefix + userID)
	if err != nil {
		metrics.PermissionCacheLookups.WithLabelValues("miss").Inc()
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		metrics.PermissionCacheLookups.WithLabelValues("miss").Inc()
		return Snapshot{}, false
	}
	metrics.PermissionCacheLookups.WithLabelValues("hit").Inc()
	return snap, true
}

func (c *MemoryCache) Generation(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[userID], nil
}

func (c *MemoryCache) Set(_ context.Context, userID string, snap Snapshot, generation int64) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[userID] != generation {
		return
	}
	if err := c.cache.Set(cacheKeyPrefix+userID, raw); err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("permission cache write failed")
	}
}

func (c *MemoryCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[userID]++
	err := c.cache.Delete(cacheKeyPrefix + userID)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil
	}
	return err
}

func (c *MemoryCache) Close() error {
	return c.cache.Close()
}

package session

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Throttle bounds last-activity writes to one per actor per window. Allow never blocks.
type Throttle interface {
	Allow(ctx context.Context, userID string, now time.Time) bool
}

// RedisThrottle shares the window across API replicas.
type RedisThrottle struct {
	client *redis.Client
	window time.Duration
	log    zerolog.Logger
}

func NewRedisThrottle(client *redis.Client, window time.Duration, log zerolog.Logger) *RedisThrottle {
	return &RedisThrottle{client: client, window: window, log: log}
}

func (t *RedisThrottle) Allow(ctx context.Context, userID string, now time.Time) bool {
	key := "session:activity:" + userID
	ok, err := t.client.SetNX(ctx, key, now.Unix(), t.window).Result()
	if err != nil {
		t.log.Warn().Err(err).Str("user_id", userID).Msg("activity throttle unavailable")
		return true
	}
	return ok
}

const maxLocalLimiters = 10000

// LocalThrottle keeps one token bucket per actor in process memory.
type LocalThrottle struct {
	mu       sync.Mutex
	window   time.Duration
	limiters map[string]*rate.Limiter
}

func NewLocalThrottle(window time.Duration) *LocalThrottle {
	return &LocalThrottle{
		window:   window,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *LocalThrottle) Allow(_ context.Context, userID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	limiter, ok := t.limiters[userID]
	if !ok {
		if len(t.limiters) >= maxLocalLimiters {
			t.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rate.Every(t.window), 1)
		t.limiters[userID] = limiter
	}
	return limiter.AllowN(now, 1)
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "wallet-chat-proxy:ratelimit"

// redisAPI is the subset of *redis.Client used by RedisLimiter.
type redisAPI interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	ExpireAt(ctx context.Context, key string, tm time.Time) *redis.BoolCmd
}

// RedisLimiter counts with INCR on one key per client and window.
type RedisLimiter struct {
	api    redisAPI
	prefix string
	window Window
}

func NewRedisLimiter(api redisAPI, window Window) (*RedisLimiter, error) {
	if api == nil {
		return nil, errors.New("ratelimit: redis client must not be nil")
	}
	if err := window.validate(); err != nil {
		return nil, err
	}
	return &RedisLimiter{api: api, prefix: defaultKeyPrefix, window: window}, nil
}

// NewRedisClient parses a redis:// URL and checks connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(opt)
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return client, nil
}

func (l *RedisLimiter) key(clientID, window string) string {
	return l.prefix + ":" + clientID + ":" + window
}

func (l *RedisLimiter) Allow(ctx context.Context, clientID string) (bool, error) {
	clientID, err := normalizeClientID(clientID)
	if err != nil {
		return false, err
	}
	ts := now()
	key := l.key(clientID, windowID(l.window, ts))

	hits, err := l.api.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: incr %q: %w", key, err)
	}
	if hits == 1 {
		if err := l.api.ExpireAt(ctx, key, l.window.expiry(ts)).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: expire %q: %w", key, err)
		}
	}
	return hits <= int64(l.window.Limit), nil
}

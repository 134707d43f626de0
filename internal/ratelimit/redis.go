package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgeroute/edgeroute/internal/redis"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// slidingWindowLua runs one admission decision atomically. The window is a
// sorted set scored by admission second; each admission is a unique member.
//
// Keys: KEYS[1] = window key.
// Args: ARGV[1] = now (s), ARGV[2] = window (s), ARGV[3] = max requests,
// ARGV[4] = member id.
// Returns 1 when admitted, 0 when rejected.
const slidingWindowLua = `
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

if redis.call('ZCARD', key) >= limit then
  return 0
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('EXPIRE', key, window + 1)
return 1
`

var slidingWindowScript = goredis.NewScript(slidingWindowLua)

// RedisWindow applies the same sliding-window rule as SlidingWindow but
// keeps the windows in Redis, so every proxy instance shares one budget
// per client.
type RedisWindow struct {
	client        redis.Client
	logger        *slog.Logger
	keyPrefix     string
	maxRequests   int64
	windowSeconds int64
	now           func() time.Time
}

// NewRedisWindow wraps client. It does not contact Redis.
func NewRedisWindow(client redis.Client, maxRequests, windowSeconds int64, keyPrefix string, logger *slog.Logger) (*RedisWindow, error) {
	if maxRequests <= 0 || windowSeconds <= 0 {
		return nil, ErrInvalidLimits
	}
	return &RedisWindow{
		client:        client,
		logger:        logger,
		keyPrefix:     keyPrefix,
		maxRequests:   maxRequests,
		windowSeconds: windowSeconds,
		now:           time.Now,
	}, nil
}

// Allow records an admission for key in Redis when the key is under its
// budget. Errors mean no decision was made.
func (rw *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	keys := []string{rw.keyPrefix + key}
	args := []any{rw.now().Unix(), rw.windowSeconds, rw.maxRequests, uuid.NewString()}

	cmd := rw.client.EvalSha(ctx, slidingWindowScript.Hash(), keys, args...)
	if err := cmd.Err(); redis.IsNoScriptErr(err) {
		rw.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL", "key", keys[0])
		cmd = rw.client.Eval(ctx, slidingWindowLua, keys, args...)
	}

	admitted, err := cmd.Int64()
	if err != nil {
		return false, fmt.Errorf("sliding window script: %w", err)
	}
	return admitted == 1, nil
}

// Ping checks that the store is reachable.
func (rw *RedisWindow) Ping(ctx context.Context) error {
	return rw.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (rw *RedisWindow) Close() error {
	return rw.client.Close()
}

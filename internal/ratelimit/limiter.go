// Package ratelimit implements per-client sliding-window admission control,
// in process memory or shared through Redis with an in-memory fallback.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/edgeroute/edgeroute/internal/config"
	"github.com/edgeroute/edgeroute/internal/redis"
)

// Admitter decides whether one more request from key may proceed. An
// accepted request is counted; a rejected one is not.
type Admitter interface {
	Admit(ctx context.Context, key string) bool
}

// ErrStoreRequired is returned when the redis store is configured without
// a client.
var ErrStoreRequired = errors.New("ratelimit: redis store selected but no client given")

// Limiter is the Admitter built from configuration. It always owns a local
// SlidingWindow: it is the whole limiter for the memory store and the
// fallback for the redis store.
type Limiter struct {
	Admitter
	local *SlidingWindow
	store *RedisWindow
}

// New builds the limiter for cfg. client may be nil for the memory store.
// onFallback is called whenever the redis store could not decide.
func New(cfg config.RateLimitConfig, client redis.Client, logger *slog.Logger, onFallback func()) (*Limiter, error) {
	local, err := NewSlidingWindow(cfg.MaxRequests, cfg.WindowSeconds)
	if err != nil {
		return nil, err
	}

	if cfg.Store != config.StoreRedis {
		return &Limiter{Admitter: local, local: local}, nil
	}
	if client == nil {
		return nil, ErrStoreRequired
	}

	store, err := NewRedisWindow(client, cfg.MaxRequests, cfg.WindowSeconds, cfg.KeyPrefix, logger)
	if err != nil {
		return nil, err
	}
	reset, err := config.ParseDuration(cfg.CircuitBreaker.ResetTimeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid rate_limit.circuit_breaker.reset_timeout: %w", err)
	}
	fl := NewFailoverLimiter(store, local, BreakerSettings{
		Threshold:    cfg.CircuitBreaker.Threshold,
		ResetTimeout: reset,
	}, logger, onFallback)

	return &Limiter{Admitter: fl, local: local, store: store}, nil
}

// Local returns the in-process window.
func (l *Limiter) Local() *SlidingWindow { return l.local }

// Store returns the shared Redis window, or nil for the memory store.
func (l *Limiter) Store() *RedisWindow { return l.store }

// StartSweeper periodically forgets idle keys in the local window.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	l.local.StartSweeper(ctx, interval)
}

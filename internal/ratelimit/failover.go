package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/edgeroute/edgeroute/internal/redis"
	"github.com/sony/gobreaker"
)

// BreakerSettings controls when the shared store is bypassed.
type BreakerSettings struct {
	// Threshold is the number of consecutive store failures that open the
	// breaker. Zero means 5.
	Threshold int
	// ResetTimeout is how long the breaker stays open before letting a
	// probe through. Zero means 10s.
	ResetTimeout time.Duration
}

// FailoverLimiter asks the shared Redis window first and falls back to a
// process-local window when Redis errors or the breaker is open. It always
// produces a decision.
type FailoverLimiter struct {
	primary    *RedisWindow
	fallback   *SlidingWindow
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	onFallback func()
}

// NewFailoverLimiter wires primary and fallback behind a circuit breaker.
// onFallback, if set, runs once per decision served by the fallback.
func NewFailoverLimiter(primary *RedisWindow, fallback *SlidingWindow, bs BreakerSettings, logger *slog.Logger, onFallback func()) *FailoverLimiter {
	threshold := uint32(5)
	if bs.Threshold > 0 {
		threshold = uint32(bs.Threshold)
	}
	reset := bs.ResetTimeout
	if reset <= 0 {
		reset = 10 * time.Second
	}

	fl := &FailoverLimiter{
		primary:    primary,
		fallback:   fallback,
		logger:     logger,
		onFallback: onFallback,
	}
	fl.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ratelimit-store",
		Timeout: reset,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A caller that went away says nothing about the store.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rate-limit store breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return fl
}

// Admit satisfies Admitter.
func (fl *FailoverLimiter) Admit(ctx context.Context, key string) bool {
	res, err := fl.breaker.Execute(func() (any, error) {
		return fl.primary.Allow(ctx, key)
	})
	if err == nil {
		return res.(bool)
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		fl.logger.Debug("rate-limit store bypassed, breaker open", "key", key)
	} else {
		fl.logger.Warn("rate-limit store error, using local window",
			"key", key, "connectivity", redis.IsConnectivityErr(err), "error", err)
	}
	if fl.onFallback != nil {
		fl.onFallback()
	}
	return fl.fallback.Allow(key)
}

// State reports the breaker state, for tests and diagnostics.
func (fl *FailoverLimiter) State() gobreaker.State {
	return fl.breaker.State()
}

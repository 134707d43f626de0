package ratelimit

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidLimits is returned when a window is built with a non-positive
// request budget or length.
var ErrInvalidLimits = errors.New("ratelimit: max_requests and window_seconds must be positive")

const shardCount = 64

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock replaces time.Now. Tests use it to step through windows.
func WithClock(now func() time.Time) Option {
	return func(sw *SlidingWindow) { sw.now = now }
}

type shard struct {
	mu      sync.Mutex
	windows map[string][]int64
}

// SlidingWindow admits at most maxRequests per key within any window of
// windowSeconds. Admission timestamps are whole seconds. A timestamp that
// is exactly windowSeconds old no longer counts. Keys are spread across
// shards so unrelated clients rarely share a lock, while the prune, count,
// and append for one key happen under a single lock.
type SlidingWindow struct {
	maxRequests   int64
	windowSeconds int64
	now           func() time.Time
	shards        [shardCount]shard
}

// NewSlidingWindow returns an empty window table.
func NewSlidingWindow(maxRequests, windowSeconds int64, opts ...Option) (*SlidingWindow, error) {
	if maxRequests <= 0 || windowSeconds <= 0 {
		return nil, ErrInvalidLimits
	}
	sw := &SlidingWindow{
		maxRequests:   maxRequests,
		windowSeconds: windowSeconds,
		now:           time.Now,
	}
	for i := range sw.shards {
		sw.shards[i].windows = make(map[string][]int64)
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw, nil
}

func (sw *SlidingWindow) shardFor(key string) *shard {
	return &sw.shards[xxhash.Sum64String(key)%shardCount]
}

// prune drops expired stamps in place. stamps is chronological, so the
// expired ones form a prefix.
func (sw *SlidingWindow) prune(stamps []int64, now int64) []int64 {
	i := 0
	for i < len(stamps) && now-stamps[i] >= sw.windowSeconds {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}

// Allow records an admission for key and reports true, or reports false
// without recording anything when the key is at its budget.
func (sw *SlidingWindow) Allow(key string) bool {
	s := sw.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := sw.now().Unix()
	stamps := sw.prune(s.windows[key], now)
	if int64(len(stamps)) >= sw.maxRequests {
		s.windows[key] = stamps
		return false
	}
	s.windows[key] = insertStamp(stamps, now)
	return true
}

// insertStamp keeps stamps chronological when the wall clock steps back.
func insertStamp(stamps []int64, now int64) []int64 {
	if n := len(stamps); n == 0 || stamps[n-1] <= now {
		return append(stamps, now)
	}
	i, _ := slices.BinarySearch(stamps, now)
	return slices.Insert(stamps, i, now)
}

// Admit satisfies Admitter.
func (sw *SlidingWindow) Admit(_ context.Context, key string) bool {
	return sw.Allow(key)
}

// Count returns how many admissions currently count against key.
func (sw *SlidingWindow) Count(key string) int {
	s := sw.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := sw.now().Unix()
	stamps, ok := s.windows[key]
	if !ok {
		return 0
	}
	stamps = sw.prune(stamps, now)
	s.windows[key] = stamps
	return len(stamps)
}

// Keys returns the number of tracked keys, including ones whose stamps
// have all expired but have not been swept yet.
func (sw *SlidingWindow) Keys() int {
	n := 0
	for i := range sw.shards {
		s := &sw.shards[i]
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

// Sweep forgets keys with no live admissions and returns how many were
// removed. A swept key behaves exactly like one never seen.
func (sw *SlidingWindow) Sweep() int {
	now := sw.now().Unix()
	removed := 0
	for i := range sw.shards {
		s := &sw.shards[i]
		s.mu.Lock()
		for key, stamps := range s.windows {
			stamps = sw.prune(stamps, now)
			if len(stamps) == 0 {
				delete(s.windows, key)
				removed++
				continue
			}
			s.windows[key] = stamps
		}
		s.mu.Unlock()
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done. A non-positive
// interval disables sweeping.
func (sw *SlidingWindow) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.Sweep()
			}
		}
	}()
}

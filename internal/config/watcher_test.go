package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns minimal YAML that passes LoadFromPath.
func validConfig(maxRequests int64) string {
	return fmt.Sprintf(`
upstreams:
  backends: ["127.0.0.1:8001", "127.0.0.1:8002"]
rate_limit:
  max_requests: %d
  window_seconds: 60
`, maxRequests)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Start(ctx) }()
	time.Sleep(200 * time.Millisecond)
}

func TestWatcher_DetectsFileChange(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, validConfig(5))

	var mu sync.Mutex
	var last *Config

	w := NewWatcher(cfgPath, func(newCfg *Config) {
		mu.Lock()
		last = newCfg
		mu.Unlock()
	}, slog.Default())
	w.debounce = 100 * time.Millisecond
	startWatcher(t, w)

	writeFile(t, cfgPath, validConfig(7))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last != nil && last.RateLimit.MaxRequests == 7
	}, 3*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"http://127.0.0.1:8001", "http://127.0.0.1:8002"}, last.Upstreams.Backends)
	mu.Unlock()
}

func TestWatcher_InvalidConfigKeepsOld(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, validConfig(5))

	var received atomic.Int64
	w := NewWatcher(cfgPath, func(_ *Config) { received.Add(1) }, slog.Default())
	w.debounce = 100 * time.Millisecond
	startWatcher(t, w)

	t.Run("malformed yaml", func(t *testing.T) {
		writeFile(t, cfgPath, `{{{bad yaml`)
		time.Sleep(500 * time.Millisecond)
		assert.Equal(t, int64(0), received.Load())
	})

	t.Run("zero max_requests", func(t *testing.T) {
		writeFile(t, cfgPath, validConfig(0))
		time.Sleep(500 * time.Millisecond)
		assert.Equal(t, int64(0), received.Load())
	})
}

func TestWatcher_DebouncesManyWrites(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, validConfig(5))

	var received atomic.Int64
	w := NewWatcher(cfgPath, func(_ *Config) { received.Add(1) }, slog.Default())
	w.debounce = 200 * time.Millisecond
	startWatcher(t, w)

	for i := range 10 {
		writeFile(t, cfgPath, validConfig(int64(10+i)))
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(600 * time.Millisecond)

	got := received.Load()
	assert.GreaterOrEqual(t, got, int64(1))
	assert.LessOrEqual(t, got, int64(2), "rapid writes should coalesce, got %d callbacks", got)
}

func TestWatcher_PollingDetectsSymlinkSwap(t *testing.T) {
	dir := t.TempDir()

	v1 := filepath.Join(dir, "..2026_01")
	v2 := filepath.Join(dir, "..2026_02")
	require.NoError(t, os.Mkdir(v1, 0o755))
	require.NoError(t, os.Mkdir(v2, 0o755))
	writeFile(t, filepath.Join(v1, "config.yaml"), validConfig(5))
	writeFile(t, filepath.Join(v2, "config.yaml"), validConfig(99))

	dataLink := filepath.Join(dir, "..data")
	require.NoError(t, os.Symlink(v1, dataLink))

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.Symlink(filepath.Join("..data", "config.yaml"), cfgPath))

	var limit atomic.Int64
	w := NewWatcher(cfgPath, func(c *Config) { limit.Store(c.RateLimit.MaxRequests) }, slog.Default())
	w.debounce = 50 * time.Millisecond
	w.pollInterval = 100 * time.Millisecond
	startWatcher(t, w)

	tmp := filepath.Join(dir, "..data_tmp")
	require.NoError(t, os.Symlink(v2, tmp))
	require.NoError(t, os.Rename(tmp, dataLink))

	assert.Eventually(t, func() bool { return limit.Load() == 99 }, 3*time.Second, 50*time.Millisecond)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w := NewWatcher("/tmp/nonexistent.yaml", func(_ *Config) {}, slog.Default())
	w.Stop()
	w.Stop()

	// Start after Stop returns immediately.
	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestHashFile(t *testing.T) {
	t.Run("same content same hash", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "a.toml")
		writeFile(t, f, "hello")
		assert.NotEmpty(t, hashFile(f))
		assert.Equal(t, hashFile(f), hashFile(f))
	})

	t.Run("content change changes hash", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "a.toml")
		writeFile(t, f, "hello")
		before := hashFile(f)
		writeFile(t, f, "world")
		assert.NotEqual(t, before, hashFile(f))
	})

	t.Run("missing file", func(t *testing.T) {
		assert.Empty(t, hashFile(filepath.Join(t.TempDir(), "missing")))
	})

	t.Run("follows symlinks", func(t *testing.T) {
		dir := t.TempDir()
		real := filepath.Join(dir, "real")
		link := filepath.Join(dir, "link")
		writeFile(t, real, "data")
		require.NoError(t, os.Symlink(real, link))
		assert.Equal(t, hashFile(real), hashFile(link))
	})
}

func TestReadlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	link := filepath.Join(dir, "link")
	writeFile(t, target, "x")
	require.NoError(t, os.Symlink(target, link))

	assert.Equal(t, target, readlink(link))
	assert.Empty(t, readlink(target))
	assert.Empty(t, readlink(filepath.Join(dir, "missing")))
}

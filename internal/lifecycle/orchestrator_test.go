package lifecycle

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/edgeroute/edgeroute/internal/config"
	"github.com/edgeroute/edgeroute/internal/observability"
	"github.com/edgeroute/edgeroute/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	o       *Orchestrator
	metrics *observability.Metrics
	logs    *bytes.Buffer
	clock   *stepClock
}

func testConfig(backends ...string) *config.Config {
	cfg := config.Defaults()
	cfg.Upstreams.Backends = backends
	cfg.RateLimit.MaxRequests = 2
	cfg.RateLimit.WindowSeconds = 60
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	clock := &stepClock{t: time.Unix(1_700_000_000, 0)}
	window, err := ratelimit.NewSlidingWindow(cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSeconds,
		ratelimit.WithClock(clock.Now))
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	logger := observability.NewLoggerTo(logs, config.LogLevelDebug, config.LogFormatJSON)
	metrics := observability.NewMetrics(nil)

	o, err := New(cfg, window, metrics, logger, WithClock(clock.Now))
	require.NoError(t, err)
	return &fixture{o: o, metrics: metrics, logs: logs, clock: clock}
}

func (f *fixture) records(t *testing.T, msg string) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(f.logs.Bytes()))
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		if rec["msg"] == msg {
			out = append(out, rec)
		}
	}
	return out
}

func newRequest(method, target, remoteAddr string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	r.RemoteAddr = remoteAddr
	return r
}

func TestNew(t *testing.T) {
	metrics := observability.NewMetrics(nil)
	window, err := ratelimit.NewSlidingWindow(1, 1)
	require.NoError(t, err)

	_, err = New(testConfig(), window, metrics, nil)
	assert.Error(t, err, "empty backend list")

	_, err = New(testConfig("http://a:1"), nil, metrics, nil)
	assert.Error(t, err)

	_, err = New(testConfig("http://a:1"), window, nil, nil)
	assert.Error(t, err)

	cfg := testConfig("http://a:1")
	cfg.RateLimit.KeyStrategy.Type = "cookie"
	_, err = New(cfg, window, metrics, nil)
	assert.ErrorContains(t, err, "rate_limit.key_strategy")

	o, err := New(testConfig("http://a:1", "http://b:2"), window, metrics, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, o.Selector().Len())
}

func TestAdmitRateLimit(t *testing.T) {
	f := newFixture(t, testConfig("http://127.0.0.1:8081"))
	ctx := context.Background()

	var statuses []int
	for range 3 {
		r := newRequest(http.MethodGet, "/api", "10.0.0.1:5555")
		rc := f.o.Begin(r)
		rp := f.o.Admit(ctx, rc, r)
		if rp == nil {
			statuses = append(statuses, 0)
			assert.Equal(t, ProxyHeaderValue, r.Header.Get(ProxyHeader))
			assert.Equal(t, StateSelection, rc.State)
			assert.Equal(t, "10.0.0.1", rc.ClientKey)
		} else {
			statuses = append(statuses, rp.Status)
			assert.Equal(t, StateLogging, rc.State)
			assert.Empty(t, r.Header.Get(ProxyHeader))

			w := httptest.NewRecorder()
			rp.Write(w)
			assert.Equal(t, http.StatusTooManyRequests, w.Code)
			assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
			assert.Equal(t, "Too Many Requests", w.Body.String())
			assert.Equal(t, strconv.Itoa(len("Too Many Requests")), w.Header().Get("Content-Length"))
		}
		f.o.Log(rc)
	}
	assert.Equal(t, []int{0, 0, http.StatusTooManyRequests}, statuses)

	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(2), snap.Admitted)
	assert.Equal(t, int64(1), snap.Limited)

	body, err := f.metrics.Render()
	require.NoError(t, err)
	assert.Contains(t, string(body), `http_requests_duration_seconds_count{method="GET",status="429"} 1`)
}

func TestAdmitMetricsEndpoint(t *testing.T) {
	f := newFixture(t, testConfig("http://127.0.0.1:8081"))
	ctx := context.Background()
	f.metrics.Observe(http.MethodGet, "200", 0.05)

	r := newRequest(http.MethodGet, "/metrics", "10.0.0.1:5555")
	rc := f.o.Begin(r)
	rp := f.o.Admit(ctx, rc, r)
	require.NotNil(t, rp)
	assert.Equal(t, http.StatusOK, rp.Status)
	assert.Equal(t, observability.ContentType, rp.ContentType)
	assert.Contains(t, string(rp.Body), "http_requests_duration_seconds")
	assert.Equal(t, StateLogging, rc.State)
	assert.Empty(t, rc.ClientKey, "scrapes bypass the rate limiter")

	f.o.Log(rc)
	assert.Equal(t, int64(0), f.metrics.Snapshot().Admitted)

	t.Run("scrapes do not consume budget", func(t *testing.T) {
		for range 5 {
			r := newRequest(http.MethodGet, "/metrics", "10.0.0.2:1")
			rc := f.o.Begin(r)
			rp := f.o.Admit(ctx, rc, r)
			require.NotNil(t, rp)
			assert.Equal(t, http.StatusOK, rp.Status)
		}
	})

	t.Run("disabled endpoint is proxied", func(t *testing.T) {
		cfg := testConfig("http://127.0.0.1:8081")
		cfg.Metrics.Enabled = false
		f := newFixture(t, cfg)

		r := newRequest(http.MethodGet, "/metrics", "10.0.0.1:5555")
		rc := f.o.Begin(r)
		assert.Nil(t, f.o.Admit(ctx, rc, r))
		assert.Equal(t, StateSelection, rc.State)
	})
}

func TestSelectRoundRobin(t *testing.T) {
	f := newFixture(t, testConfig("http://a:1", "http://b:2", "http://c:3"))
	f.o.limiter = admitAll{}

	var indices []int
	for range 4 {
		r := newRequest(http.MethodGet, "/", "10.0.0.1:1")
		rc := f.o.Begin(r)
		require.Nil(t, f.o.Admit(context.Background(), rc, r))
		_, err := f.o.Select(rc)
		require.NoError(t, err)
		indices = append(indices, rc.BackendIndex)
		assert.Equal(t, StateOutbound, rc.State)
	}
	assert.Equal(t, []int{0, 1, 2, 0}, indices)
}

type admitAll struct{}

func (admitAll) Admit(context.Context, string) bool { return true }

func TestRetryOnConnectFailure(t *testing.T) {
	backends := []string{"http://a:1", "http://b:2", "http://c:3"}
	f := newFixture(t, testConfig(backends...))
	f.o.limiter = admitAll{}
	connErr := errors.New("connection refused")

	// Advance the cursor so the first attempt lands on index 1.
	f.o.Selector().Next()

	r := newRequest(http.MethodGet, "/", "10.0.0.1:1")
	rc := f.o.Begin(r)
	require.Nil(t, f.o.Admit(context.Background(), rc, r))

	addr, err := f.o.Select(rc)
	require.NoError(t, err)
	assert.Equal(t, "http://b:2", addr)
	assert.Equal(t, 1, rc.BackendIndex)

	var tried []string
	for {
		f.o.Outbound(rc, httptest.NewRequest(http.MethodGet, "/", nil))
		if f.o.Fail(rc, FailureConnect, connErr) == VerdictGiveUp {
			break
		}
		addr, err = f.o.Select(rc)
		require.NoError(t, err)
		tried = append(tried, addr)
	}
	assert.Equal(t, []string{"http://c:3", "http://a:1"}, tried)
	assert.Equal(t, 3, rc.FailureCount)
	assert.Equal(t, 3, rc.Attempts)
	assert.Equal(t, 1, rc.BackendIndex, "retries never move the original index")
	assert.Equal(t, StateFailure, rc.State)

	_, err = f.o.Select(rc)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateLogging, rc.State)

	rp := f.o.Unavailable(rc)
	assert.Equal(t, http.StatusServiceUnavailable, rp.Status)
	f.o.Log(rc)

	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(3), snap.ConnectFailures)
	assert.Equal(t, int64(2), snap.Retries)
	assert.Equal(t, int64(1), snap.Exhausted)

	warns := f.records(t, "upstream attempt failed")
	require.Len(t, warns, 3)
	assert.Equal(t, "http://b:2", warns[0]["backend"])
	assert.Equal(t, "connect", warns[0]["kind"])
	assert.EqualValues(t, 3, warns[2]["attempt"])
}

func TestSingleBackendNeverRetries(t *testing.T) {
	f := newFixture(t, testConfig("http://only:1"))
	r := newRequest(http.MethodPost, "/submit", "10.0.0.1:1")
	rc := f.o.Begin(r)
	require.Nil(t, f.o.Admit(context.Background(), rc, r))
	_, err := f.o.Select(rc)
	require.NoError(t, err)
	f.o.Outbound(rc, httptest.NewRequest(http.MethodPost, "/submit", nil))

	assert.Equal(t, VerdictGiveUp, f.o.Fail(rc, FailureProxy, io.ErrUnexpectedEOF))
	rp := f.o.Unavailable(rc)
	assert.Equal(t, http.StatusServiceUnavailable, rp.Status)
	assert.Equal(t, StateLogging, rc.State)
	assert.Equal(t, int64(1), f.metrics.Snapshot().ProxyFailures)
}

func TestOutboundAndAnnotate(t *testing.T) {
	f := newFixture(t, testConfig("http://127.0.0.1:8081"))
	r := newRequest(http.MethodGet, "/", "10.0.0.1:1")
	rc := f.o.Begin(r)
	require.Nil(t, f.o.Admit(context.Background(), rc, r))
	_, err := f.o.Select(rc)
	require.NoError(t, err)

	out := httptest.NewRequest(http.MethodGet, "/", nil)
	out.TLS = &tls.ConnectionState{}
	f.o.Outbound(rc, out)
	assert.Equal(t, "https", out.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, StateDispatch, rc.State)

	h := http.Header{}
	f.o.Annotate(rc, h)
	assert.Equal(t, "backend_127.0.0.1_8081", h.Get(BackendHeader))
	assert.Equal(t, StateResponse, rc.State)

	f.o.Complete(rc)
	assert.Equal(t, StateLogging, rc.State)

	plain := httptest.NewRequest(http.MethodGet, "/", nil)
	rc2 := &RequestContext{State: StateOutbound}
	f.o.Outbound(rc2, plain)
	assert.Equal(t, "http", plain.Header.Get("X-Forwarded-Proto"))
}

func TestMidResponseFailure(t *testing.T) {
	f := newFixture(t, testConfig("http://a:1", "http://b:2"))
	r := newRequest(http.MethodGet, "/", "10.0.0.1:1")
	rc := f.o.Begin(r)
	require.Nil(t, f.o.Admit(context.Background(), rc, r))
	_, err := f.o.Select(rc)
	require.NoError(t, err)
	f.o.Outbound(rc, httptest.NewRequest(http.MethodGet, "/", nil))
	f.o.Annotate(rc, http.Header{})
	rc.SetStatus(http.StatusOK)

	assert.Equal(t, VerdictRetry, f.o.Fail(rc, FailureProxy, io.ErrUnexpectedEOF))
	assert.Equal(t, StateFailure, rc.State)

	// Headers already went out, so the host declines the retry.
	f.o.GiveUp(rc)
	assert.Equal(t, StateLogging, rc.State)
	f.o.Log(rc)
	assert.True(t, rc.Done())
}

func TestLogOnce(t *testing.T) {
	f := newFixture(t, testConfig("http://127.0.0.1:8081"))
	r := newRequest(http.MethodGet, "/orders", "10.0.0.7:1")
	rc := f.o.Begin(r)
	require.Nil(t, f.o.Admit(context.Background(), rc, r))
	_, err := f.o.Select(rc)
	require.NoError(t, err)

	f.clock.Advance(250 * time.Millisecond)
	f.o.Log(rc)
	f.o.Log(rc)
	assert.True(t, rc.Done())

	recs := f.records(t, "request completed")
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "GET", rec["method"])
	assert.Equal(t, "/orders", rec["path"])
	assert.Equal(t, "0", rec["status"], "no response was produced")
	assert.Equal(t, "http://127.0.0.1:8081", rec["backend"])
	assert.EqualValues(t, 1, rec["attempts"])
	assert.EqualValues(t, 250, rec["duration_ms"])
	assert.Equal(t, "10.0.0.7", rec["client"])

	body, err := f.metrics.Render()
	require.NoError(t, err)
	assert.Contains(t, string(body), `http_requests_duration_seconds_count{method="GET",status="0"} 1`)
	assert.Contains(t, string(body), `http_requests_duration_seconds_sum{method="GET",status="0"} 0.25`)
}

func TestLogFromAdmission(t *testing.T) {
	f := newFixture(t, testConfig("http://127.0.0.1:8081"))
	r := newRequest(http.MethodDelete, "/x", "10.0.0.7:1")
	rc := f.o.Begin(r)
	f.o.Log(rc)
	assert.True(t, rc.Done())
	assert.Len(t, f.records(t, "request completed"), 1)
}

func TestSelectOutOfOrder(t *testing.T) {
	f := newFixture(t, testConfig("http://127.0.0.1:8081"))
	rc := f.o.Begin(newRequest(http.MethodGet, "/", "10.0.0.1:1"))
	_, err := f.o.Select(rc)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestBackendTag(t *testing.T) {
	assert.Equal(t, "backend_127.0.0.1_8081", BackendTag("http://127.0.0.1:8081"))
	assert.Equal(t, "backend_api.internal_443", BackendTag("https://api.internal:443"))
	assert.Equal(t, "backend_host_80", BackendTag("host:80"))
}

func TestConcurrentLifecycles(t *testing.T) {
	f := newFixture(t, testConfig("http://a:1", "http://b:2", "http://c:3"))
	f.o.limiter = admitAll{}
	f.o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for range 300 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := newRequest(http.MethodGet, "/", "10.0.0.1:1")
			rc := f.o.Begin(r)
			defer f.o.Log(rc)
			if f.o.Admit(context.Background(), rc, r) != nil {
				return
			}
			addr, err := f.o.Select(rc)
			if err != nil {
				return
			}
			mu.Lock()
			counts[addr]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"http://a:1": 100, "http://b:2": 100, "http://c:3": 100}, counts)
}

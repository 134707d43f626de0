package observability

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
	jsonDeepOK     = []byte(`{"status":"ready","store":"ok"}`)
	jsonDeepFail   = []byte(`{"status":"not_ready","store":"unreachable"}`)
)

// deepCheckTimeout bounds a /readyz?deep=true probe.
const deepCheckTimeout = 2 * time.Second

// Pinger checks connectivity to the shared rate-limit store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker backs the startup, liveness, and readiness probes.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu     sync.RWMutex
	pinger Pinger
}

// NewHealthChecker returns a checker that is neither started nor ready.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) SetStarted()     { h.started.Store(true) }
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }
func (h *HealthChecker) SetReady()       { h.ready.Store(true) }

// SetNotReady is called when draining starts.
func (h *HealthChecker) SetNotReady()  { h.ready.Store(false) }
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// SetPinger registers the store probed by deep readiness checks. nil
// disables the probe.
func (h *HealthChecker) SetPinger(p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pinger = p
}

func writeJSON(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// StartzHandler answers 200 once startup completed, 503 before.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if h.IsStarted() {
			writeJSON(w, http.StatusOK, jsonStarted)
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, jsonNotStarted)
	}
}

// HealthzHandler answers 200 while the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, jsonAlive)
	}
}

// ReadyzHandler answers 200 when ready. With ?deep=true and a registered
// pinger it also pings the store and answers 503 if that fails.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, jsonNotReady)
			return
		}
		if r.URL.Query().Get("deep") != "true" {
			writeJSON(w, http.StatusOK, jsonReady)
			return
		}

		h.mu.RLock()
		p := h.pinger
		h.mu.RUnlock()

		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), deepCheckTimeout)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, jsonDeepFail)
				return
			}
		}
		writeJSON(w, http.StatusOK, jsonDeepOK)
	}
}

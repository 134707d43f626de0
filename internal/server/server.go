// Package server runs edgeroute's proxy listener and admin listener. The
// proxy listener serves client traffic (HTTP/1.1 and h2c) through the
// request lifecycle; the admin listener exposes health probes and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/edgeroute/edgeroute/internal/config"
	"github.com/edgeroute/edgeroute/internal/lifecycle"
	"github.com/edgeroute/edgeroute/internal/observability"
	"github.com/edgeroute/edgeroute/internal/proxy"
	"github.com/edgeroute/edgeroute/internal/ratelimit"
	iredis "github.com/edgeroute/edgeroute/internal/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/semaphore"
)

// Server is the edgeroute process: listeners, the proxy engine, and the
// shared state that survives config reloads.
type Server struct {
	logger  *slog.Logger
	version string

	mainServer  *http.Server
	adminServer *http.Server
	engine      *proxy.Engine
	health      *observability.HealthChecker
	metrics     *observability.Metrics
	redis       iredis.Client

	// boot is the config the listeners and store were built from.
	boot *config.Config

	mu          sync.Mutex
	cfg         *config.Config
	limiter     *ratelimit.Limiter
	sweepCtx    context.Context
	stopSweeper context.CancelFunc
	stopAll     context.CancelFunc

	tracingShutdown func(context.Context) error

	ready     chan struct{}
	mainAddr  net.Addr
	adminAddr net.Addr
}

// New builds the server for cfg. With the redis store it connects to Redis
// and fails if the store cannot be reached.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	s := &Server{
		logger:  logger,
		version: version,
		health:  observability.NewHealthChecker(),
		metrics: observability.NewMetrics(reg),
		boot:    cfg,
		cfg:     cfg,
		ready:   make(chan struct{}),
	}

	if cfg.RateLimit.Store == config.StoreRedis {
		iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)
		dialTimeout := config.MustParseDuration(cfg.Redis.DialTimeout, 5*time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout+time.Second)
		client, err := iredis.NewClient(ctx, cfg.Redis)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connect rate limit store: %w", err)
		}
		s.redis = client
	}

	limiter, err := ratelimit.New(cfg.RateLimit, s.redis, logger, s.metrics.IncFallback)
	if err != nil {
		s.closeRedis()
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}
	orch, err := lifecycle.New(cfg, limiter, s.metrics, logger)
	if err != nil {
		s.closeRedis()
		return nil, fmt.Errorf("create lifecycle: %w", err)
	}
	engine, err := proxy.New(cfg.Upstreams, orch, logger)
	if err != nil {
		s.closeRedis()
		return nil, fmt.Errorf("create proxy: %w", err)
	}

	s.limiter = limiter
	s.engine = engine
	if store := limiter.Store(); store != nil {
		s.health.SetPinger(store)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s.sweepCtx = baseCtx
	s.stopAll = cancel

	s.mainServer = buildMainServer(cfg, bounded(engine, cfg.Server.Workers))
	s.adminServer = buildAdminServer(cfg, s.health, s.metrics)
	return s, nil
}

// bounded admits at most workers concurrent lifecycles. A request waiting
// for a slot gives up when its client goes away.
func bounded(next http.Handler, workers int) http.Handler {
	if workers <= 0 {
		return next
	}
	sem := semaphore.NewWeighted(int64(workers))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := sem.Acquire(r.Context(), 1); err != nil {
			return
		}
		defer sem.Release(1)
		next.ServeHTTP(w, r)
	})
}

func buildMainServer(cfg *config.Config, handler http.Handler) *http.Server {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, metrics *observability.Metrics) *http.Server {
	readTimeout := config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/startz", health.StartzHandler())
	mux.Handle("/healthz", health.HealthzHandler())
	mux.Handle("/readyz", health.ReadyzHandler())
	mux.Handle("/metrics", metrics.Handler())

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// Run binds both listeners, serves until ctx is canceled, then drains.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.boot.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	adminLn, err := net.Listen("tcp", s.boot.Admin.Address)
	if err != nil {
		s.shutdown()
		return fmt.Errorf("admin server listen: %w", err)
	}
	mainLn, err := net.Listen("tcp", s.boot.Server.Address)
	if err != nil {
		_ = adminLn.Close()
		s.shutdown()
		return fmt.Errorf("proxy server listen: %w", err)
	}
	s.adminAddr, s.mainAddr = adminLn.Addr(), mainLn.Addr()

	errCh := make(chan error, 2)
	go s.serve("admin server", s.adminServer, adminLn, errCh)
	go s.serve("proxy server", s.mainServer, mainLn, errCh)

	s.mu.Lock()
	s.startSweeperLocked()
	s.mu.Unlock()

	s.health.SetStarted()
	s.health.SetReady()
	close(s.ready)
	s.logger.Info("edgeroute is ready",
		"version", s.version,
		"address", s.mainAddr.String(),
		"admin", s.adminAddr.String(),
		"backends", len(s.boot.Upstreams.Backends),
		"store", string(s.boot.RateLimit.Store))

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case runErr = <-errCh:
	}

	s.shutdown()
	return runErr
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener, errCh chan<- error) {
	s.logger.Info(name+" starting", "address", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s: %w", name, err)
	}
}

// Ready is closed once both listeners are bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound proxy listener address; valid after Ready.
func (s *Server) Addr() net.Addr { return s.mainAddr }

// AdminAddr returns the bound admin listener address; valid after Ready.
func (s *Server) AdminAddr() net.Addr { return s.adminAddr }

// Metrics returns the process-wide collector.
func (s *Server) Metrics() *observability.Metrics { return s.metrics }

func (s *Server) startSweeperLocked() {
	interval, err := config.ParseDuration(s.cfg.RateLimit.GCInterval, 0)
	if err != nil || interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(s.sweepCtx)
	s.stopSweeper = cancel
	s.limiter.StartSweeper(ctx, interval)
}

// Reload applies newCfg to new requests. The metrics collector, the
// listeners, and the Redis connection are kept; rate-limit windows are kept
// unless the limits themselves changed. Fields that only take effect at
// startup are reported and ignored.
func (s *Server) Reload(newCfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fields := newCfg.RequiresRestart(s.boot); len(fields) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", fields)
	}

	// The store is fixed for the process lifetime; the saved config must
	// say so too, or every later reload would see a limit change.
	applied := *newCfg
	applied.RateLimit.Store = s.boot.RateLimit.Store
	newCfg = &applied

	limiter := s.limiter
	rebuilt := false
	if limiterSettings(newCfg.RateLimit) != limiterSettings(s.cfg.RateLimit) {
		l, err := ratelimit.New(newCfg.RateLimit, s.redis, s.logger, s.metrics.IncFallback)
		if err != nil {
			return fmt.Errorf("reload rate limiter: %w", err)
		}
		limiter, rebuilt = l, true
	}

	orch, err := lifecycle.New(newCfg, limiter, s.metrics, s.logger)
	if err != nil {
		return fmt.Errorf("reload lifecycle: %w", err)
	}
	if err := s.engine.Swap(orch); err != nil {
		return fmt.Errorf("reload proxy: %w", err)
	}

	gcChanged := newCfg.RateLimit.GCInterval != s.cfg.RateLimit.GCInterval
	s.cfg = newCfg
	if rebuilt {
		s.limiter = limiter
		if store := limiter.Store(); store != nil {
			s.health.SetPinger(store)
		}
	}
	if rebuilt || gcChanged {
		if s.stopSweeper != nil {
			s.stopSweeper()
			s.stopSweeper = nil
		}
		select {
		case <-s.ready:
			s.startSweeperLocked()
		default:
		}
	}

	s.logger.Info("config reloaded",
		"backends", len(newCfg.Upstreams.Backends),
		"max_requests", newCfg.RateLimit.MaxRequests,
		"window_seconds", newCfg.RateLimit.WindowSeconds,
		"limiter_rebuilt", rebuilt)
	return nil
}

// limiterSettings keeps the fields that shape limiter state.
func limiterSettings(rl config.RateLimitConfig) config.RateLimitConfig {
	rl.KeyStrategy = config.KeyStrategyConfig{}
	rl.GCInterval = ""
	return rl
}

func (s *Server) closeRedis() {
	if s.redis == nil {
		return
	}
	if err := s.redis.Close(); err != nil {
		s.logger.Error("redis close error", "error", err)
	}
}

func (s *Server) shutdown() {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.boot.Server.DrainTimeout, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.mainServer.Shutdown(ctx); err != nil {
		s.logger.Error("proxy server shutdown error", "error", err)
	}
	if err := s.adminServer.Shutdown(ctx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	s.stopAll()
	s.closeRedis()

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}
	s.logger.Info("shutdown complete")
}

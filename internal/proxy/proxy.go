// Package proxy is the HTTP host for the request lifecycle. It forwards
// admitted requests with httputil.ReverseProxy and drives the lifecycle
// callbacks around every attempt, retrying connect failures on the next
// backend when the request body can be replayed.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/edgeroute/edgeroute/internal/config"
	"github.com/edgeroute/edgeroute/internal/lifecycle"
	"golang.org/x/net/http2"
)

// Engine serves client requests through the current Orchestrator. The
// orchestrator can be swapped at any time; requests already in flight
// finish with the one they started with.
type Engine struct {
	current   atomic.Pointer[route]
	rp        *httputil.ReverseProxy
	logger    *slog.Logger
	maxReplay int64
}

// route pairs an orchestrator with its parsed backend URLs.
type route struct {
	orch    *lifecycle.Orchestrator
	targets map[string]*url.URL
}

// New builds an Engine for the upstream transport settings in cfg.
func New(cfg config.UpstreamsConfig, orch *lifecycle.Orchestrator, logger *slog.Logger) (*Engine, error) {
	if orch == nil {
		return nil, errors.New("proxy: orchestrator is required")
	}
	timeout, err := config.ParseDuration(cfg.Timeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid upstreams.timeout: %w", err)
	}
	dialTimeout, err := config.ParseDuration(cfg.DialTimeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid upstreams.dial_timeout: %w", err)
	}
	idleConnTimeout, err := config.ParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid upstreams.idle_conn_timeout: %w", err)
	}

	e := &Engine{
		logger:    logger,
		maxReplay: cfg.MaxReplayBodyBytes,
	}
	e.rp = &httputil.ReverseProxy{
		Rewrite:        rewrite,
		Transport:      buildTransports(dialTimeout, timeout, cfg.MaxIdleConns, idleConnTimeout),
		FlushInterval:  -1,
		ErrorLog:       slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
		ErrorHandler:   recordError,
		ModifyResponse: annotate,
	}
	if err := e.Swap(orch); err != nil {
		return nil, err
	}
	return e, nil
}

// Swap installs o for subsequent requests. Backend URLs registered for the
// previous orchestrator stay with it.
func (e *Engine) Swap(o *lifecycle.Orchestrator) error {
	rt, err := newRoute(o)
	if err != nil {
		return err
	}
	e.current.Store(rt)
	return nil
}

// Orchestrator returns the orchestrator new requests will use.
func (e *Engine) Orchestrator() *lifecycle.Orchestrator { return e.current.Load().orch }

func buildTransports(dialTimeout, responseTimeout time.Duration, maxIdleConns int, idleConnTimeout time.Duration) *protocolAwareTransport {
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}

	h1 := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: responseTimeout,
	}

	// gRPC needs HTTP/2 end to end: prior-knowledge h2c for http backends,
	// ALPN-negotiated h2 for https ones.
	h2c := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}
	h2 := &http2.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			td := &tls.Dialer{NetDialer: dialer, Config: cfg}
			return td.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}
	return &protocolAwareTransport{http1: h1, h2c: h2c, h2: h2}
}

// attempt carries one upstream try through the ReverseProxy hooks.
type attempt struct {
	orch   *lifecycle.Orchestrator
	rc     *lifecycle.RequestContext
	target *url.URL
	err    error
}

type attemptKey struct{}

func attemptFrom(ctx context.Context) *attempt {
	a, _ := ctx.Value(attemptKey{}).(*attempt)
	return a
}

func rewrite(pr *httputil.ProxyRequest) {
	a := attemptFrom(pr.In.Context())
	pr.SetURL(a.target)
	pr.Out.Host = pr.In.Host

	if prior := pr.In.Header["X-Forwarded-For"]; len(prior) > 0 {
		pr.Out.Header["X-Forwarded-For"] = prior
	}
	pr.SetXForwarded()
	if xfh := pr.In.Header.Get("X-Forwarded-Host"); xfh != "" {
		pr.Out.Header.Set("X-Forwarded-Host", xfh)
	}
	if isGRPC(pr.In) {
		pr.Out.Header.Set("TE", "trailers")
	}
	a.orch.Outbound(a.rc, pr.Out)
}

func annotate(resp *http.Response) error {
	a := attemptFrom(resp.Request.Context())
	a.orch.Annotate(a.rc, resp.Header)
	a.rc.SetStatus(resp.StatusCode)
	return nil
}

// recordError keeps the error for the retry loop instead of answering.
func recordError(_ http.ResponseWriter, req *http.Request, err error) {
	if a := attemptFrom(req.Context()); a != nil {
		a.err = err
	}
}

// ServeHTTP runs one request lifecycle.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt := e.current.Load()
	o := rt.orch
	rc := o.Begin(r)
	sw := &statusWriter{ResponseWriter: w}

	defer func() {
		p := recover()
		if p != nil && !rc.Done() {
			// ReverseProxy aborts when the body copy fails after the
			// headers were sent.
			o.Fail(rc, lifecycle.FailureProxy, fmt.Errorf("response aborted: %v", p))
			o.GiveUp(rc)
		}
		o.Log(rc)
		if p != nil {
			panic(p)
		}
	}()

	if rp := o.Admit(rc.Context(), rc, r); rp != nil {
		rp.Write(sw)
		return
	}

	body, replayable, err := e.bufferBody(r)
	if err != nil {
		e.logger.Debug("reading request body failed", "error", err, "path", r.URL.Path)
		o.GiveUp(rc)
		rc.SetStatus(http.StatusBadRequest)
		http.Error(sw, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	for {
		addr, err := o.Select(rc)
		if err != nil {
			e.unavailable(sw, o, rc)
			return
		}
		target := rt.target(addr)

		if replayable {
			r.Body = replay(body)
			r.ContentLength = int64(len(body))
		}
		a := &attempt{orch: o, rc: rc, target: target}
		e.rp.ServeHTTP(sw, r.WithContext(context.WithValue(rc.Context(), attemptKey{}, a)))

		if a.err == nil {
			o.Complete(rc)
			return
		}

		verdict := o.Fail(rc, classify(a.err), a.err)
		if r.Context().Err() != nil {
			// Client went away; nobody to answer.
			o.GiveUp(rc)
			return
		}
		if verdict == lifecycle.VerdictRetry && replayable && !sw.written {
			continue
		}
		e.unavailable(sw, o, rc)
		return
	}
}

func (e *Engine) unavailable(sw *statusWriter, o *lifecycle.Orchestrator, rc *lifecycle.RequestContext) {
	if sw.written {
		o.GiveUp(rc)
		return
	}
	o.Unavailable(rc).Write(sw)
}

// bufferBody reads bodies up to maxReplay bytes into memory so they can be
// resent. A larger body is left streaming and the request is not retried.
func (e *Engine) bufferBody(r *http.Request) ([]byte, bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, true, nil
	}
	if e.maxReplay <= 0 {
		return nil, false, nil
	}
	if r.ContentLength > e.maxReplay {
		return nil, false, nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, e.maxReplay+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buf)) > e.maxReplay {
		r.Body = &prefixedBody{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
		return nil, false, nil
	}
	_ = r.Body.Close()
	return buf, true, nil
}

type prefixedBody struct {
	io.Reader
	io.Closer
}

func replay(body []byte) io.ReadCloser {
	if len(body) == 0 {
		return http.NoBody
	}
	return io.NopCloser(bytes.NewReader(body))
}

// newRoute parses the backends of o ahead of traffic.
func newRoute(o *lifecycle.Orchestrator) (*route, error) {
	if o == nil {
		return nil, errors.New("proxy: orchestrator is required")
	}
	targets := make(map[string]*url.URL)
	for _, addr := range o.Selector().Backends() {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid backend %q: %w", addr, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid backend %q: scheme and host are required", addr)
		}
		targets[addr] = u
	}
	return &route{orch: o, targets: targets}, nil
}

func (rt *route) target(addr string) *url.URL {
	if u, ok := rt.targets[addr]; ok {
		return u
	}
	// Unregistered backends fail at dial and are retried like any other.
	return &url.URL{Scheme: "http", Host: addr}
}

// classify reports connect failures: nothing reached the backend, so any
// request may be resent.
func classify(err error) lifecycle.FailureKind {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return lifecycle.FailureConnect
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return lifecycle.FailureConnect
	}
	return lifecycle.FailureProxy
}

// isGRPC returns true if the request appears to be a gRPC call.
func isGRPC(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
}

// protocolAwareTransport sends gRPC over HTTP/2 and everything else over
// the pooled HTTP/1.1 transport.
type protocolAwareTransport struct {
	http1 http.RoundTripper
	h2c   http.RoundTripper
	h2    http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.ProtoMajor < 2 || !isGRPC(req) {
		return t.http1.RoundTrip(req)
	}
	if req.URL.Scheme == "https" {
		return t.h2.RoundTrip(req)
	}
	return t.h2c.RoundTrip(req)
}

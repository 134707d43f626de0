// Package lifecycle decides what happens to each proxied request: whether
// it is admitted, which backend receives it, whether a failed attempt is
// retried, and how the outcome is recorded. The host drives the callbacks
// in order and owns all I/O.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgeroute/edgeroute/internal/balancer"
	"github.com/edgeroute/edgeroute/internal/config"
	"github.com/edgeroute/edgeroute/internal/observability"
	"github.com/edgeroute/edgeroute/internal/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("edgeroute.lifecycle")

const (
	// ProxyHeader marks every admitted request on its way upstream.
	ProxyHeader      = "X-Proxy"
	ProxyHeaderValue = "Edgeroute-Response"
	// BackendHeader names the backend that served a response.
	BackendHeader = "X-Backend"
)

// ErrRetriesExhausted is returned by Select once every backend has failed
// for the request.
var ErrRetriesExhausted = errors.New("lifecycle: all backends failed")

// FailureKind classifies a failed upstream attempt.
type FailureKind int

const (
	// FailureConnect means no connection to the backend was established.
	FailureConnect FailureKind = iota
	// FailureProxy means the exchange failed after connecting.
	FailureProxy
)

func (k FailureKind) String() string {
	if k == FailureConnect {
		return observability.FailureKindConnect
	}
	return observability.FailureKindProxy
}

// Verdict is the decision returned by Fail.
type Verdict int

const (
	VerdictRetry Verdict = iota
	VerdictGiveUp
)

func (v Verdict) String() string {
	if v == VerdictRetry {
		return "retry"
	}
	return "give_up"
}

// Reply is a response produced by the orchestrator itself rather than by a
// backend.
type Reply struct {
	Status      int
	ContentType string
	Body        []byte
}

// Write sends the reply with an exact Content-Length.
func (rp *Reply) Write(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", rp.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(rp.Body)))
	w.WriteHeader(rp.Status)
	_, _ = w.Write(rp.Body)
}

func textReply(code int) *Reply {
	return &Reply{
		Status:      code,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(http.StatusText(code)),
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for request timing.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator implements the lifecycle callbacks. It is safe for
// concurrent use; all per-request state lives in RequestContext.
type Orchestrator struct {
	limiter  ratelimit.Admitter
	keys     ratelimit.KeyStrategy
	selector *balancer.Selector
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	metricsEndpoint string
}

// New builds an orchestrator for cfg around an existing limiter and
// metrics collector.
func New(cfg *config.Config, limiter ratelimit.Admitter, metrics *observability.Metrics, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if limiter == nil {
		return nil, errors.New("lifecycle: limiter is required")
	}
	if metrics == nil {
		return nil, errors.New("lifecycle: metrics collector is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	selector, err := balancer.NewSelector(cfg.Upstreams.Backends)
	if err != nil {
		return nil, err
	}
	keys, err := ratelimit.NewKeyStrategy(cfg.RateLimit.KeyStrategy)
	if err != nil {
		return nil, fmt.Errorf("rate_limit.key_strategy: %w", err)
	}

	o := &Orchestrator{
		limiter:  limiter,
		keys:     keys,
		selector: selector,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
	if cfg.Metrics.Enabled {
		o.metricsEndpoint = cfg.Metrics.Endpoint
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Selector returns the backend rotation.
func (o *Orchestrator) Selector() *balancer.Selector { return o.selector }

// Begin starts the lifecycle of r and opens its span.
func (o *Orchestrator) Begin(r *http.Request) *RequestContext {
	ctx, span := tracer.Start(r.Context(), "edgeroute.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		),
	)
	return newRequestContext(ctx, r, o.now(), span)
}

// Admit serves the metrics endpoint or applies the rate limit. A non-nil
// Reply ends the lifecycle; the host writes it and skips to Log. On
// admission r is marked with ProxyHeader.
func (o *Orchestrator) Admit(ctx context.Context, rc *RequestContext, r *http.Request) *Reply {
	if o.metricsEndpoint != "" && r.URL.Path == o.metricsEndpoint {
		return o.shortCircuit(rc, o.scrape())
	}

	rc.ClientKey = o.keys.Key(r)
	if !o.limiter.Admit(ctx, rc.ClientKey) {
		o.metrics.IncLimited()
		o.logger.Debug("request rate limited", "client", rc.ClientKey, "path", rc.Path)
		return o.shortCircuit(rc, textReply(http.StatusTooManyRequests))
	}

	o.metrics.IncAdmitted()
	r.Header.Set(ProxyHeader, ProxyHeaderValue)
	o.advance(rc, EventAdmitted)
	return nil
}

func (o *Orchestrator) scrape() *Reply {
	body, err := o.metrics.Render()
	if err != nil {
		o.logger.Error("metrics render failed", "error", err)
		return textReply(http.StatusInternalServerError)
	}
	return &Reply{Status: http.StatusOK, ContentType: observability.ContentType, Body: body}
}

func (o *Orchestrator) shortCircuit(rc *RequestContext, rp *Reply) *Reply {
	rc.SetStatus(rp.Status)
	o.advance(rc, EventShortCircuit)
	return rp
}

// Select picks the backend for the next attempt. The first attempt takes
// the next backend in rotation; attempt n+1 after n failures takes the
// backend n positions after the first one, so no backend is tried twice.
func (o *Orchestrator) Select(rc *RequestContext) (string, error) {
	if rc.State == StateFailure {
		if err := rc.fire(EventRetry); err != nil {
			return "", err
		}
	}
	if rc.State != StateSelection {
		return "", fmt.Errorf("%w: select on %s", ErrIllegalTransition, rc.State)
	}

	var addr string
	if rc.FailureCount == 0 {
		rc.BackendIndex, addr = o.selector.Next()
	} else {
		var ok bool
		addr, ok = o.selector.Retry(rc.BackendIndex, rc.FailureCount)
		if !ok {
			o.advance(rc, EventGiveUp)
			return "", ErrRetriesExhausted
		}
		o.metrics.IncRetry()
	}

	rc.SelectedBackend = addr
	rc.Attempts++
	o.advance(rc, EventSelected)
	return addr, nil
}

// Outbound adjusts the request about to leave for the selected backend.
func (o *Orchestrator) Outbound(rc *RequestContext, out *http.Request) {
	proto := "http"
	if out.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	o.advance(rc, EventMutated)
}

// Annotate tags a backend response with the backend that produced it.
func (o *Orchestrator) Annotate(rc *RequestContext, h http.Header) {
	h.Set(BackendHeader, BackendTag(rc.SelectedBackend))
	o.advance(rc, EventResponded)
}

// Complete marks a proxied response as fully delivered.
func (o *Orchestrator) Complete(rc *RequestContext) {
	o.advance(rc, EventGiveUp)
}

// Fail records a failed attempt and says whether another backend may be
// tried. The host may still decline a retry, for instance when the
// response was already partly written; it then calls GiveUp.
func (o *Orchestrator) Fail(rc *RequestContext, kind FailureKind, err error) Verdict {
	rc.FailureCount++
	o.metrics.IncUpstreamFailure(kind.String())
	o.advance(rc, EventFailed)

	o.logger.Warn("upstream attempt failed",
		"method", rc.Method,
		"path", rc.Path,
		"backend", rc.SelectedBackend,
		"attempt", rc.Attempts,
		"kind", kind.String(),
		"error", err,
	)
	if rc.span != nil {
		rc.span.AddEvent("upstream_failure", trace.WithAttributes(
			attribute.String("edgeroute.backend", rc.SelectedBackend),
			attribute.String("edgeroute.failure_kind", kind.String()),
		))
	}

	if rc.FailureCount > 0 && rc.FailureCount < o.selector.Len() {
		return VerdictRetry
	}
	return VerdictGiveUp
}

// GiveUp ends the attempt loop after a failure.
func (o *Orchestrator) GiveUp(rc *RequestContext) {
	o.advance(rc, EventGiveUp)
}

// Unavailable is the reply for a request no backend could serve.
func (o *Orchestrator) Unavailable(rc *RequestContext) *Reply {
	o.metrics.IncExhausted()
	rp := textReply(http.StatusServiceUnavailable)
	rc.SetStatus(rp.Status)
	if rc.State == StateFailure {
		o.advance(rc, EventGiveUp)
	}
	return rp
}

// Log records the outcome of the request. Only the first call per
// request has any effect.
func (o *Orchestrator) Log(rc *RequestContext) {
	if rc.State == StateDone {
		return
	}
	elapsed := o.now().Sub(rc.StartTime)
	status := "0"
	if rc.Status != 0 {
		status = strconv.Itoa(rc.Status)
	}
	o.metrics.Observe(rc.Method, status, elapsed.Seconds())
	_ = rc.fire(EventLogged)

	o.logger.Info("request completed",
		"method", rc.Method,
		"path", rc.Path,
		"status", status,
		"backend", rc.SelectedBackend,
		"attempts", rc.Attempts,
		"duration_ms", float64(elapsed.Microseconds())/1000,
		"client", rc.ClientKey,
	)

	if rc.span != nil {
		rc.span.SetAttributes(
			attribute.Int("http.status_code", rc.Status),
			attribute.String("edgeroute.backend", rc.SelectedBackend),
			attribute.Int("edgeroute.attempts", rc.Attempts),
		)
		if rc.Status == 0 || rc.Status >= http.StatusInternalServerError {
			rc.span.SetStatus(codes.Error, "status "+status)
		}
		rc.span.End()
	}
}

func (o *Orchestrator) advance(rc *RequestContext, ev Event) {
	if err := rc.fire(ev); err != nil {
		o.logger.Error("lifecycle out of order", "error", err, "path", rc.Path)
	}
}

// BackendTag renders addr for the X-Backend header: the scheme is dropped
// and colons become underscores.
func BackendTag(addr string) string {
	if _, rest, ok := strings.Cut(addr, "://"); ok {
		addr = rest
	}
	return "backend_" + strings.ReplaceAll(addr, ":", "_")
}

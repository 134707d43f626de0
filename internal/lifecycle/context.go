package lifecycle

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// RequestContext is the per-request state threaded through the lifecycle
// callbacks. It belongs to the goroutine serving the request and must not
// be shared.
type RequestContext struct {
	// BackendIndex is the selector index given to the first attempt.
	BackendIndex int
	// FailureCount is the number of failed upstream attempts so far.
	FailureCount int
	// SelectedBackend is the address of the current attempt; empty until
	// selection runs.
	SelectedBackend string
	StartTime       time.Time

	Method    string
	Path      string
	ClientKey string
	// Status is the response code sent to the client, 0 if none was.
	Status int
	// Attempts counts dispatches to a backend.
	Attempts int
	State    State

	ctx  context.Context
	span trace.Span
}

func newRequestContext(ctx context.Context, r *http.Request, start time.Time, span trace.Span) *RequestContext {
	return &RequestContext{
		StartTime: start,
		Method:    r.Method,
		Path:      r.URL.Path,
		State:     StateAdmission,
		ctx:       ctx,
		span:      span,
	}
}

// Context carries the request span. Outbound requests should use it so
// upstream spans join the same trace.
func (rc *RequestContext) Context() context.Context {
	if rc.ctx == nil {
		return context.Background()
	}
	return rc.ctx
}

// SetStatus records the status code written to the client.
func (rc *RequestContext) SetStatus(code int) { rc.Status = code }

// Done reports whether logging has run.
func (rc *RequestContext) Done() bool { return rc.State == StateDone }

func (rc *RequestContext) fire(ev Event) error {
	next, err := Transition(rc.State, ev)
	if err != nil {
		return err
	}
	rc.State = next
	return nil
}

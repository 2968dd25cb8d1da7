// Package callcontext carries the per-call metadata which rides with every
// request: an absolute deadline and a trace ID. A Context is captured from a
// context.Context on the client side, transmitted in the request envelope,
// and re-installed onto the handler's context.Context on the server side, so
// that code on either end of a call observes the same deadline and trace.
package callcontext

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Context is the metadata of a single call.
type Context struct {
	// Deadline is the absolute instant after which the call's result is
	// no longer wanted. Zero means no deadline was set by the caller.
	Deadline time.Time
	// TraceID correlates the client, wire, and handler sides of one call.
	TraceID string
}

type traceIDKey struct{}

// FromContext captures the Context of ctx: its deadline, and its trace ID.
// A fresh trace ID is minted when ctx doesn't carry one.
func FromContext(ctx context.Context) Context {
	var cc Context
	if d, ok := ctx.Deadline(); ok {
		cc.Deadline = d
	}
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		cc.TraceID = id
	} else {
		cc.TraceID = newTraceID()
	}
	return cc
}

// Apply installs cc onto ctx: TraceID(ctx) observes its trace ID, and its
// deadline (if any) bounds the returned context. The CancelFunc must be
// called on every exit path of the scope cc is installed for.
func (cc Context) Apply(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, traceIDKey{}, cc.TraceID)
	if cc.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, cc.Deadline)
}

// TraceID returns the trace ID installed on ctx, or "" if there is none.
func TraceID(ctx context.Context) string {
	var id, _ = ctx.Value(traceIDKey{}).(string)
	return id
}

// WithTraceID returns a context carrying the given trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// AsDuration returns the time remaining until t, or zero if t has passed.
func AsDuration(t time.Time) time.Duration {
	if d := time.Until(t); d > 0 {
		return d
	}
	return 0
}

func newTraceID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // The platform CSPRNG is infallible.
	}
	return hex.EncodeToString(b[:])
}

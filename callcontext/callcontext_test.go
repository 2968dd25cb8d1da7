package callcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCaptureAndApplyRoundTrip(t *testing.T) {
	var deadline = time.Now().Add(time.Minute)
	var ctx, cancel = context.WithDeadline(context.Background(), deadline)
	defer cancel()
	ctx = WithTraceID(ctx, "00aa11bb22cc33dd")

	var cc = FromContext(ctx)
	require.Equal(t, deadline, cc.Deadline)
	require.Equal(t, "00aa11bb22cc33dd", cc.TraceID)

	// Apply installs the same Context onto a fresh scope.
	applied, cancel2 := cc.Apply(context.Background())
	defer cancel2()

	require.Equal(t, cc, FromContext(applied))
	require.Equal(t, "00aa11bb22cc33dd", TraceID(applied))

	var d, ok = applied.Deadline()
	require.True(t, ok)
	require.Equal(t, deadline, d)
}

func TestCaptureMintsMissingTraceID(t *testing.T) {
	var one = FromContext(context.Background())
	var two = FromContext(context.Background())

	require.Len(t, one.TraceID, 16)
	require.Len(t, two.TraceID, 16)
	require.NotEqual(t, one.TraceID, two.TraceID)

	// A capture of an applied context re-uses its trace ID.
	var ctx, cancel = one.Apply(context.Background())
	defer cancel()
	require.Equal(t, one.TraceID, FromContext(ctx).TraceID)
}

func TestCaptureWithoutDeadline(t *testing.T) {
	var cc = FromContext(context.Background())
	require.True(t, cc.Deadline.IsZero())

	// Applying a zero deadline doesn't bound the context.
	var ctx, cancel = cc.Apply(context.Background())
	defer cancel()
	var _, ok = ctx.Deadline()
	require.False(t, ok)
}

func TestAsDurationClampsAtZero(t *testing.T) {
	require.Equal(t, time.Duration(0), AsDuration(time.Now().Add(-time.Hour)))
	require.InDelta(t, time.Minute, AsDuration(time.Now().Add(time.Minute)), float64(time.Second))
}

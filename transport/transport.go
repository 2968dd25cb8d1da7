// Package transport defines the duplex frame channel which the client and
// server dispatchers drive, plus two implementations: an in-process pipe,
// and frames over a net.Conn. A transport is never re-opened; on terminal
// failure, layers above decide whether to reconnect.
package transport

import (
	"context"

	"github.com/estuary/wirecall/protocol"
)

// A Transport is a duplex channel of protocol frames. Its inbound sequence
// is finite and not restartable, and its sink applies backpressure by
// blocking. Recv and Send may be called from different goroutines, but each
// is called from at most one goroutine at a time.
type Transport interface {
	// Recv returns the next inbound frame. It returns io.EOF once the peer
	// has closed cleanly and all frames are consumed, or the terminal I/O
	// error which ended the sequence.
	Recv() (protocol.Frame, error)
	// Send offers a frame, blocking while the transport applies
	// backpressure. It returns an error if the transport has failed or
	// closed, or if ctx is done before the frame is accepted.
	Send(ctx context.Context, f protocol.Frame) error
	// Close flushes accepted outbound frames and releases the transport.
	Close() error
}

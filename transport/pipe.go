package transport

import (
	"context"
	"io"
	"sync"

	"github.com/estuary/wirecall/protocol"
)

// Pipe is one endpoint of an in-process transport pair. It's primarily
// useful for tests and for wiring a client directly to a server within one
// process, without a socket between them.
type Pipe struct {
	in, out chan protocol.Frame

	peer      *Pipe
	closed    chan struct{}
	closeOnce sync.Once
	err       error // Set before |closed| is closed; nil for a clean Close.
}

// NewPipe returns a connected pair of Pipe transports. Each direction
// buffers up to |buffer| frames before Send blocks.
func NewPipe(buffer int) (*Pipe, *Pipe) {
	var ab = make(chan protocol.Frame, buffer)
	var ba = make(chan protocol.Frame, buffer)

	var a = &Pipe{in: ba, out: ab, closed: make(chan struct{})}
	var b = &Pipe{in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a

	return a, b
}

// Recv returns the next frame sent by the peer. After the peer closes, it
// drains frames the peer already sent and then returns io.EOF (or the
// error the peer failed with).
func (p *Pipe) Recv() (protocol.Frame, error) {
	// Frames accepted before a close are delivered ahead of it.
	select {
	case f := <-p.in:
		return f, nil
	default:
	}

	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed:
		if p.err != nil {
			return nil, p.err
		}
		return nil, io.ErrClosedPipe
	case <-p.peer.closed:
		select {
		case f := <-p.in:
			return f, nil
		default:
		}
		if p.peer.err != nil {
			return nil, p.peer.err
		}
		return nil, io.EOF
	}
}

// Send offers a frame to the peer, blocking while the directional buffer
// is full.
func (p *Pipe) Send(ctx context.Context, f protocol.Frame) error {
	// A closed endpoint refuses frames even while its buffer has room.
	select {
	case <-p.closed:
		if p.err != nil {
			return p.err
		}
		return io.ErrClosedPipe
	case <-p.peer.closed:
		return io.ErrClosedPipe
	default:
	}

	select {
	case p.out <- f:
		return nil
	case <-p.closed:
		if p.err != nil {
			return p.err
		}
		return io.ErrClosedPipe
	case <-p.peer.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes this endpoint. The peer drains frames already accepted and
// then reads io.EOF.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// Fail closes this endpoint with an error, simulating a transport I/O
// failure: this endpoint's Send returns |err| immediately, and its Recv
// returns |err| once frames already buffered for it are consumed.
func (p *Pipe) Fail(err error) {
	p.closeOnce.Do(func() {
		p.err = err
		close(p.closed)
	})
}

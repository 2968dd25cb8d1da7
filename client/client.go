// Package client implements the client half of the wirecall runtime: a
// dispatcher which multiplexes concurrent calls over a single transport,
// correlates responses back to their callers, enforces per-call deadlines,
// and emits best-effort cancellations for abandoned calls.
package client

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/estuary/wirecall/callcontext"
	"github.com/estuary/wirecall/protocol"
	"github.com/estuary/wirecall/transport"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
)

// Errors surfaced by Call.
var (
	// ErrDisconnected is returned for calls pending when the transport
	// closed or failed, and for calls attempted after it did.
	ErrDisconnected = errors.New("transport disconnected")
	// ErrDeadlineExceeded is returned when a call's deadline elapsed
	// before its response arrived.
	ErrDeadlineExceeded = errors.New("call deadline exceeded")
	// ErrPayloadTooLarge is returned when a request payload exceeds the
	// configured limit, either locally or at the server.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// AppError is an error produced by the remote handler, forwarded verbatim.
type AppError struct {
	Description string
}

func (e *AppError) Error() string { return e.Description }

// Config configures a Client.
type Config struct {
	// MaxInFlight bounds the number of outstanding calls.
	// Call blocks once it's reached, until a call drains.
	MaxInFlight int
	// DefaultTimeout bounds calls whose context carries no deadline.
	DefaultTimeout time.Duration
	// OutboundBuffer is the depth of the queue feeding the transport
	// sink. A slow peer back-pressures Call once it fills.
	OutboundBuffer int
	// MaxPayloadSize, if non-zero, fails over-sized requests locally,
	// before they're written to the transport.
	MaxPayloadSize int
	// Strict terminates the dispatcher with a protocol violation on a
	// response naming an unknown request. The default is to drop it: an
	// unknown response is the expected outcome of a local deadline or
	// abandonment racing the server's reply.
	Strict bool
}

// Validate returns an error if the Config is malformed.
func (cfg Config) Validate() error {
	if cfg.MaxInFlight < 0 {
		return fmt.Errorf("invalid MaxInFlight (%d; expected >= 0)", cfg.MaxInFlight)
	} else if cfg.DefaultTimeout < 0 {
		return fmt.Errorf("invalid DefaultTimeout (%s; expected >= 0)", cfg.DefaultTimeout)
	} else if cfg.OutboundBuffer < 0 {
		return fmt.Errorf("invalid OutboundBuffer (%d; expected >= 0)", cfg.OutboundBuffer)
	} else if cfg.MaxPayloadSize < 0 {
		return fmt.Errorf("invalid MaxPayloadSize (%d; expected >= 0)", cfg.MaxPayloadSize)
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = 1024
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.OutboundBuffer == 0 {
		cfg.OutboundBuffer = 16
	}
	return cfg
}

// Client is a dispatcher of calls over a single transport. Its driver loop
// must be running (via Serve or QueueTasks) for calls to make progress.
// Call may be invoked from any number of goroutines.
type Client struct {
	cfg Config
	tr  transport.Transport

	callCh    chan *call
	abandonCh chan *call
	permits   chan struct{}

	exitCh  chan struct{} // Closed when the driver has exited.
	exitErr error         // Set before exitCh is closed.
}

// call is one outstanding call: the dispatcher's record of a caller
// awaiting a response.
type call struct {
	cc      callcontext.Context
	payload []byte
	// id is assigned by the driver, and read only by it.
	id uint64
	// doneCh is this call's completion slot. It's buffered, and written
	// at most once, only by the driver.
	doneCh chan result
}

type result struct {
	payload []byte
	err     error
}

// NewClient returns a Client dispatching over the given transport, which
// it takes ownership of. Start its driver with Serve or QueueTasks.
func NewClient(cfg Config, tr transport.Transport) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	cfg = cfg.withDefaults()

	return &Client{
		cfg:       cfg,
		tr:        tr,
		callCh:    make(chan *call),
		abandonCh: make(chan *call),
		permits:   make(chan struct{}, cfg.MaxInFlight),
		exitCh:    make(chan struct{}),
	}, nil
}

// QueueTasks queues the dispatcher driver onto the task.Group.
func (c *Client) QueueTasks(tasks *task.Group) {
	tasks.Queue("client.Serve", func() error { return c.Serve(tasks.Context()) })
}

// Call sends a request and blocks for its response payload. The call's
// deadline is that of ctx, or DefaultTimeout from now if ctx has none, and
// its trace ID is that of ctx, or freshly minted. Cancelling ctx abandons
// the call: the dispatcher frees its slot and sends a best-effort Cancel
// to the server.
func (c *Client) Call(ctx context.Context, payload []byte) ([]byte, error) {
	if c.cfg.MaxPayloadSize != 0 && len(payload) > c.cfg.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d",
			ErrPayloadTooLarge, len(payload), c.cfg.MaxPayloadSize)
	}

	// Acquire an in-flight permit.
	select {
	case c.permits <- struct{}{}:
		defer func() { <-c.permits }()
	case <-c.exitCh:
		return nil, c.exitError()
	case <-ctx.Done():
		return nil, mapContextErr(ctx.Err())
	}

	var cc = callcontext.FromContext(ctx)
	if cc.Deadline.IsZero() {
		cc.Deadline = time.Now().Add(c.cfg.DefaultTimeout)
	}
	var cl = &call{
		cc:      cc,
		payload: payload,
		doneCh:  make(chan result, 1),
	}

	select {
	case c.callCh <- cl:
	case <-c.exitCh:
		return nil, c.exitError()
	case <-ctx.Done():
		return nil, mapContextErr(ctx.Err())
	}

	select {
	case r := <-cl.doneCh:
		return r.payload, r.err
	case <-ctx.Done():
		// Abandoned. Tell the driver to free the slot and cancel the
		// request at the server.
		select {
		case c.abandonCh <- cl:
		case <-c.exitCh:
		}
		return nil, mapContextErr(ctx.Err())
	}
}

// Serve runs the dispatcher driver until ctx is cancelled or the transport
// terminates, then resolves every still-pending call as disconnected and
// closes the transport. It returns the terminal transport or protocol error,
// or nil for a clean shutdown (context cancellation or peer EOF).
func (c *Client) Serve(ctx context.Context) error {
	var (
		frameCh    = make(chan protocol.Frame)
		readErrCh  = make(chan error, 1)
		outCh      = make(chan protocol.Frame, c.cfg.OutboundBuffer)
		writeErrCh = make(chan error, 1)
	)
	var ioCtx, ioCancel = context.WithCancel(context.Background())
	defer ioCancel()

	// Reader pumps inbound frames to the driver.
	go func() {
		for {
			var f, err = c.tr.Recv()
			if err != nil {
				readErrCh <- err
				return
			}
			select {
			case frameCh <- f:
			case <-ioCtx.Done():
				return
			}
		}
	}()
	// Writer drains the outbound queue into the transport sink,
	// respecting its backpressure.
	go func() {
		for {
			select {
			case f := <-outCh:
				if err := c.tr.Send(ioCtx, f); err != nil {
					writeErrCh <- err
					return
				}
			case <-ioCtx.Done():
				return
			}
		}
	}()

	// State owned exclusively by this driver loop.
	var (
		pending   = make(map[uint64]*call)
		expires   expiryHeap
		queue     []protocol.Frame
		nextID    uint64
		highWater int
		timer     = time.NewTimer(time.Hour)
		termErr   error
	)

	var complete = func(cl *call, r result) {
		delete(pending, cl.id)
		cl.doneCh <- r
		callsCompletedCounter.WithLabelValues(completionStatus(r.err)).Inc()
	}

serving:
	for {
		inFlightGauge.Set(float64(len(pending)))

		// Drop expiry entries of calls which have already resolved.
		for len(expires) != 0 {
			if _, ok := pending[expires[0].id]; ok {
				break
			}
			heap.Pop(&expires)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var timerC <-chan time.Time
		if len(expires) != 0 {
			timer.Reset(time.Until(expires[0].at))
			timerC = timer.C
		}

		// Stage the head of the outbound queue, if any.
		var sendCh chan<- protocol.Frame
		var head protocol.Frame
		if len(queue) != 0 {
			sendCh, head = outCh, queue[0]
		}
		// Accept calls only while the outbound queue has room, so that a
		// slow peer back-pressures Call.
		var callCh = c.callCh
		if len(queue) != 0 {
			callCh = nil
		}

		select {
		case cl := <-callCh:
			cl.id = nextID
			nextID++
			if nextID == 0 {
				// The id space wrapped. Ids must never repeat on a
				// connection, so this dispatcher is done.
				cl.doneCh <- result{err: fmt.Errorf(
					"%w: request id space exhausted", protocol.ErrProtocolViolation)}
				termErr = fmt.Errorf("%w: request id space exhausted",
					protocol.ErrProtocolViolation)
				break serving
			}
			pending[cl.id] = cl
			if len(pending) > highWater {
				highWater = len(pending)
			}
			heap.Push(&expires, expiry{at: cl.cc.Deadline, id: cl.id})
			queue = append(queue, &protocol.Request{
				ID:      cl.id,
				Expires: cl.cc.Deadline,
				TraceID: cl.cc.TraceID,
				Payload: cl.payload,
			})
			callsStartedCounter.Inc()

		case sendCh <- head:
			queue[0] = nil // Don't pin the sent frame.
			queue = queue[1:]

		case f := <-frameCh:
			var r, ok = f.(*protocol.Response)
			if !ok {
				termErr = fmt.Errorf("%w: unexpected %T frame from server",
					protocol.ErrProtocolViolation, f)
				break serving
			}
			if cl, ok := pending[r.ID]; ok {
				complete(cl, resultOf(r))
			} else if c.cfg.Strict {
				termErr = fmt.Errorf("%w: response for unknown request %d",
					protocol.ErrProtocolViolation, r.ID)
				break serving
			} else {
				unknownResponseCounter.Inc()
				log.WithField("id", r.ID).Debug("dropping response of unknown request")
			}

		case cl := <-c.abandonCh:
			if cur, ok := pending[cl.id]; ok && cur == cl {
				delete(pending, cl.id)
				queue = append(queue, &protocol.Cancel{ID: cl.id, TraceID: cl.cc.TraceID})
				cancelsSentCounter.Inc()
				callsCompletedCounter.WithLabelValues("abandoned").Inc()
			}

		case now := <-timerC:
			for len(expires) != 0 && !expires[0].at.After(now) {
				var e = heap.Pop(&expires).(expiry)
				var cl, ok = pending[e.id]
				if !ok {
					continue
				}
				complete(cl, result{err: ErrDeadlineExceeded})
				queue = append(queue, &protocol.Cancel{ID: e.id, TraceID: cl.cc.TraceID})
				cancelsSentCounter.Inc()
			}

		case err := <-readErrCh:
			if err != io.EOF {
				termErr = fmt.Errorf("reading from transport: %w", err)
			}
			break serving
		case err := <-writeErrCh:
			termErr = fmt.Errorf("writing to transport: %w", err)
			break serving
		case <-ctx.Done():
			break serving
		}

		// Let a burst of outstanding calls be reclaimed once it drains.
		if highWater >= 1024 && len(pending)*8 < highWater {
			var next = make(map[uint64]*call, 2*len(pending))
			for id, cl := range pending {
				next[id] = cl
			}
			pending, highWater = next, len(pending)
		}
	}

	c.exitErr = termErr
	close(c.exitCh)
	ioCancel()

	// Every remaining slot resolves as disconnected.
	for _, cl := range pending {
		cl.doneCh <- result{err: c.exitError()}
		callsCompletedCounter.WithLabelValues("disconnected").Inc()
	}
	inFlightGauge.Set(0)

	if err := c.tr.Close(); err != nil && termErr == nil {
		termErr = fmt.Errorf("closing transport: %w", err)
	}
	log.WithFields(log.Fields{"err": termErr}).Debug("client dispatcher exited")
	return termErr
}

func (c *Client) exitError() error {
	if c.exitErr != nil {
		return fmt.Errorf("%w: %s", ErrDisconnected, c.exitErr)
	}
	return ErrDisconnected
}

// resultOf maps a Response into the caller's error taxonomy.
func resultOf(r *protocol.Response) result {
	if r.Err == nil {
		return result{payload: r.Payload}
	}
	switch r.Err.Code {
	case protocol.CodeApplication:
		return result{err: &AppError{Description: r.Err.Description}}
	case protocol.CodeDeadlineExceeded:
		return result{err: ErrDeadlineExceeded}
	case protocol.CodePayloadTooLarge:
		return result{err: ErrPayloadTooLarge}
	case protocol.CodeShutdown:
		return result{err: fmt.Errorf("%w: %s", ErrDisconnected, r.Err.Description)}
	default:
		return result{err: fmt.Errorf("%w: unknown error code %d",
			protocol.ErrProtocolViolation, r.Err.Code)}
	}
}

// mapContextErr maps a context error into the caller's error taxonomy.
// A call whose deadline passes before the driver accepts it resolves as
// deadline-exceeded without reaching the transport.
func mapContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrDeadlineExceeded
	}
	return err
}

func completionStatus(err error) string {
	var appErr *AppError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	case errors.As(err, &appErr):
		return "application"
	default:
		return "error"
	}
}

// expiry orders outstanding calls by deadline.
type expiry struct {
	at time.Time
	id uint64
}

type expiryHeap []expiry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(expiry)) }
func (h *expiryHeap) Pop() interface{} {
	var old = *h
	var out = old[len(old)-1]
	*h = old[:len(old)-1]
	return out
}

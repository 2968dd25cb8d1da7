// Package server implements the server half of the wirecall runtime: a
// dispatcher which reads requests from a single transport, runs each
// through a user handler with bounded concurrency, enforces per-request
// deadlines, aborts handlers whose callers cancelled, and writes responses
// back.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/estuary/wirecall/callcontext"
	"github.com/estuary/wirecall/protocol"
	"github.com/estuary/wirecall/transport"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
	"golang.org/x/net/trace"
)

// Handler is the user-supplied implementation of a service. It's invoked
// once per request, with a context bounded by the request's deadline and
// carrying its trace ID. A returned error is transmitted to the caller
// verbatim, as the application-error arm of the response.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Config configures a Server.
type Config struct {
	// MaxInFlight bounds concurrently-running handlers per connection.
	// Zero is unbounded. Once reached, further requests are not read
	// from the transport until a handler completes.
	MaxInFlight int
	// MaxPayloadSize bounds request payloads. Oversized requests are
	// answered with a PAYLOAD_TOO_LARGE error and don't reach the
	// handler. The default is 2,000,000 bytes (2 MB).
	MaxPayloadSize int
	// ResponseBuffer is the depth of the queue feeding the transport
	// sink.
	ResponseBuffer int
}

// Validate returns an error if the Config is malformed.
func (cfg Config) Validate() error {
	if cfg.MaxInFlight < 0 {
		return fmt.Errorf("invalid MaxInFlight (%d; expected >= 0)", cfg.MaxInFlight)
	} else if cfg.MaxPayloadSize < 0 {
		return fmt.Errorf("invalid MaxPayloadSize (%d; expected >= 0)", cfg.MaxPayloadSize)
	} else if cfg.ResponseBuffer < 0 {
		return fmt.Errorf("invalid ResponseBuffer (%d; expected >= 0)", cfg.ResponseBuffer)
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = 2_000_000
	}
	if cfg.ResponseBuffer == 0 {
		cfg.ResponseBuffer = 16
	}
	return cfg
}

// Server dispatches requests of a single transport to a Handler.
type Server struct {
	cfg     Config
	handler Handler
}

// NewServer returns a Server which dispatches to the given handler.
func NewServer(cfg Config, handler Handler) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	} else if handler == nil {
		return nil, errors.New("handler must be non-nil")
	}
	return &Server{cfg: cfg.withDefaults(), handler: handler}, nil
}

// QueueTasks queues a driver serving the transport onto the task.Group.
func (s *Server) QueueTasks(tasks *task.Group, tr transport.Transport) {
	tasks.Queue("server.Serve", func() error { return s.Serve(tasks.Context(), tr) })
}

// Serve drives the transport until its inbound sequence terminates or ctx
// is cancelled, then drains in-flight handlers (bounded by their
// deadlines), flushes responses, and closes the transport. It returns the
// terminal transport or protocol error, or nil for a clean shutdown.
func (s *Server) Serve(ctx context.Context, tr transport.Transport) error {
	var (
		frameCh      = make(chan protocol.Frame)
		readErrCh    = make(chan error, 1)
		outCh        = make(chan protocol.Frame, s.cfg.ResponseBuffer)
		writeErrCh   = make(chan error, 1)
		writerDoneCh = make(chan struct{})
		readerStop   = make(chan struct{})
	)
	// Handlers are detached from ctx: a shutdown signal stops accepting
	// new requests but lets in-flight handlers run to their deadlines.
	// cancelHandlers aborts them on a fatal transport error.
	var hbase, cancelHandlers = context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	// Reader pumps inbound frames to the driver.
	go func() {
		for {
			var f, err = tr.Recv()
			if err != nil {
				readErrCh <- err
				return
			}
			select {
			case frameCh <- f:
			case <-readerStop:
				return
			}
		}
	}()
	// Writer drains the response queue into the transport sink. After a
	// write error it keeps consuming, so that completing handlers never
	// block on a dead transport.
	go func() {
		defer close(writerDoneCh)
		for f := range outCh {
			if err := tr.Send(hbase, f); err != nil {
				select {
				case writeErrCh <- err:
				default:
				}
				for range outCh {
				}
				return
			}
		}
	}()

	// State owned exclusively by this driver loop.
	var (
		inflight = make(map[uint64]context.CancelFunc)
		permits  chan struct{}
		stalled  *protocol.Request
		doneCh   = make(chan uint64)
		draining bool
		termErr  error
	)
	if s.cfg.MaxInFlight != 0 {
		permits = make(chan struct{}, s.cfg.MaxInFlight)
	}
	var shutdownCh = ctx.Done()

	// enqueue stages a driver-originated response without blocking the
	// driver on a full response queue. The WaitGroup orders these sends
	// before the close of outCh.
	var enqueues sync.WaitGroup
	var enqueue = func(r *protocol.Response) {
		enqueues.Add(1)
		go func() {
			defer enqueues.Done()
			select {
			case outCh <- r:
			case <-hbase.Done():
			}
		}()
	}
	// start spawns the handler task of an accepted request.
	var start = func(r *protocol.Request) {
		var cc = callcontext.Context{Deadline: r.Expires, TraceID: r.TraceID}
		var reqTr = trace.New("wirecall.Request", r.TraceID)
		var hctx, cancel = cc.Apply(trace.NewContext(hbase, reqTr))
		inflight[r.ID] = cancel
		requestsStartedCounter.Inc()

		go func() {
			defer func() {
				cancel()
				reqTr.Finish()
			}()
			if resp := s.invoke(hctx, r); resp != nil {
				outCh <- resp
			}
			if permits != nil {
				<-permits // Release.
			}
			doneCh <- r.ID
		}()
	}
	// fail records a fatal error and begins an aborting drain. The
	// transport is closed immediately so that a wedged peer write can't
	// block the writer forever and prevent the drain from finishing.
	var fail = func(err error) {
		if termErr == nil {
			termErr = err
			_ = tr.Close()
		}
		draining, stalled = true, nil
		cancelHandlers()
	}
	// drainGracefully stops accepting requests but lets in-flight
	// handlers run to their deadlines. A request stalled on a permit was
	// never started, and is answered with a shutdown error rather than
	// left to its caller's deadline.
	var drainGracefully = func() {
		if draining {
			return
		}
		draining = true

		if r := stalled; r != nil {
			stalled = nil
			enqueue(&protocol.Response{
				ID: r.ID,
				Err: &protocol.WireError{
					Code:        protocol.CodeShutdown,
					Description: "server is shutting down",
				},
			})
		}
		log.Debug("draining connection")
	}

	log.WithField("maxInFlight", s.cfg.MaxInFlight).Debug("serving connection")

serving:
	for {
		inFlightGauge.Set(float64(len(inflight)))

		if draining && len(inflight) == 0 {
			break serving
		}
		// Accept frames only while not draining and not awaiting a permit.
		var acceptCh = frameCh
		if draining || stalled != nil {
			acceptCh = nil
		}
		// A send into |acquireCh| is an acquired permit for |stalled|.
		var acquireCh chan struct{}
		if stalled != nil && !draining {
			acquireCh = permits
		}

		select {
		case f := <-acceptCh:
			switch r := f.(type) {
			case *protocol.Request:
				if _, ok := inflight[r.ID]; ok {
					fail(fmt.Errorf("%w: duplicated request id %d",
						protocol.ErrProtocolViolation, r.ID))
					continue
				}
				if len(r.Payload) > s.cfg.MaxPayloadSize {
					oversizedCounter.Inc()
					log.WithFields(log.Fields{
						"id":    r.ID,
						"trace": r.TraceID,
						"size":  len(r.Payload),
						"limit": s.cfg.MaxPayloadSize,
					}).Warn("rejecting oversized request")

					enqueue(&protocol.Response{
						ID: r.ID,
						Err: &protocol.WireError{
							Code: protocol.CodePayloadTooLarge,
							Description: fmt.Sprintf("payload of %d bytes exceeds limit %d",
								len(r.Payload), s.cfg.MaxPayloadSize),
						},
					})
					continue
				}
				if permits == nil {
					start(r)
					continue
				}
				select {
				case permits <- struct{}{}:
					start(r)
				default:
					stalled = r // Await a permit before reading further.
				}
			case *protocol.Cancel:
				if cancel, ok := inflight[r.ID]; ok {
					cancel()
					cancelsReceivedCounter.Inc()
				} else {
					// Expected: our response and their cancel raced.
					log.WithFields(log.Fields{"id": r.ID, "trace": r.TraceID}).
						Debug("cancel of unknown request")
				}
			default:
				fail(fmt.Errorf("%w: unexpected %T frame from client",
					protocol.ErrProtocolViolation, f))
			}

		case acquireCh <- struct{}{}:
			start(stalled)
			stalled = nil

		case id := <-doneCh:
			delete(inflight, id)

		case err := <-readErrCh:
			if err == io.EOF {
				drainGracefully()
			} else {
				fail(fmt.Errorf("reading from transport: %w", err))
			}
		case err := <-writeErrCh:
			fail(fmt.Errorf("writing to transport: %w", err))
		case <-shutdownCh:
			shutdownCh = nil
			drainGracefully()
		}
	}
	inFlightGauge.Set(0)

	// Flush responses and release the transport.
	enqueues.Wait()
	close(outCh)
	<-writerDoneCh
	close(readerStop)
	if err := tr.Close(); err != nil && termErr == nil {
		termErr = fmt.Errorf("closing transport: %w", err)
	}
	log.WithField("err", termErr).Debug("connection closed")

	return termErr
}

// invoke runs the handler under hctx, and returns the response to write.
// A nil response means none should be sent: the caller cancelled, and has
// already resolved the call locally, or the connection failed.
func (s *Server) invoke(hctx context.Context, r *protocol.Request) *protocol.Response {
	var reqTr, hasTr = trace.FromContext(hctx)
	if hasTr {
		reqTr.LazyPrintf("dispatching request %d (%d byte payload)", r.ID, len(r.Payload))
	}

	var resCh = make(chan hresult, 1)
	go func() {
		var payload, err = s.handler(hctx, r.Payload)
		resCh <- hresult{payload: payload, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			requestsHandledCounter.WithLabelValues("app_error").Inc()
			return &protocol.Response{
				ID: r.ID,
				Err: &protocol.WireError{
					Code:        protocol.CodeApplication,
					Description: res.err.Error(),
				},
			}
		}
		requestsHandledCounter.WithLabelValues("ok").Inc()
		return &protocol.Response{ID: r.ID, Payload: res.payload}

	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			// The handler is past its deadline. Abort it and tell the
			// caller, who is racing the same deadline locally.
			if hasTr {
				reqTr.LazyPrintf("aborted at request deadline")
				reqTr.SetError()
			}
			requestsHandledCounter.WithLabelValues("deadline_exceeded").Inc()
			return &protocol.Response{
				ID: r.ID,
				Err: &protocol.WireError{
					Code:        protocol.CodeDeadlineExceeded,
					Description: "handler aborted at request deadline",
				},
			}
		}
		// Cancelled. The caller already resolved this call locally, and
		// no response is wanted.
		requestsHandledCounter.WithLabelValues("cancelled").Inc()
		return nil
	}
}

type hresult struct {
	payload []byte
	err     error
}

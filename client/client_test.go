package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/estuary/wirecall/protocol"
	"github.com/estuary/wirecall/server"
	"github.com/estuary/wirecall/transport"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/task"
)

// testRequest / testResponse are the hand-written stand-ins for generated
// service glue, mirroring the add & hey operations of the demo service.
type testRequest struct {
	Op   string `json:"op"`
	X    int64  `json:"x,omitempty"`
	Y    int64  `json:"y,omitempty"`
	Name string `json:"name,omitempty"`
}

type testResponse struct {
	Sum      int64  `json:"sum,omitempty"`
	Greeting string `json:"greeting,omitempty"`
}

func testHandler(_ context.Context, payload []byte) ([]byte, error) {
	var req testRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	switch req.Op {
	case "add":
		return json.Marshal(testResponse{Sum: req.X + req.Y})
	case "hey":
		return json.Marshal(testResponse{Greeting: fmt.Sprintf("Hey, %s.", req.Name)})
	default:
		return nil, fmt.Errorf("unknown op %q", req.Op)
	}
}

func marshal(t *testing.T, req testRequest) []byte {
	var b, err = json.Marshal(req)
	require.NoError(t, err)
	return b
}

func startClient(t *testing.T, cfg Config) (*Client, *transport.Pipe, chan error, context.CancelFunc) {
	var ct, peer = transport.NewPipe(4)
	var cl, err = NewClient(cfg, ct)
	require.NoError(t, err)

	var ctx, cancel = context.WithCancel(context.Background())
	var doneCh = make(chan error, 1)
	go func() { doneCh <- cl.Serve(ctx) }()

	return cl, peer, doneCh, cancel
}

func TestSequentialCalls(t *testing.T) {
	var cl, peer, doneCh, cancel = startClient(t, Config{})

	// Echo server which records the ids it observes on the wire.
	var idCh = make(chan uint64, 4)
	go func() {
		for {
			var f, err = peer.Recv()
			if err != nil {
				return
			}
			var r = f.(*protocol.Request)
			idCh <- r.ID
			_ = peer.Send(context.Background(), &protocol.Response{ID: r.ID, Payload: r.Payload})
		}
	}()

	var ctx = context.Background()
	b, err := cl.Call(ctx, []byte("one"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), b)

	b, err = cl.Call(ctx, []byte("two"))
	require.NoError(t, err)
	require.Equal(t, []byte("two"), b)

	// Ids are allocated by monotonic increment from zero.
	require.Equal(t, uint64(0), <-idCh)
	require.Equal(t, uint64(1), <-idCh)

	cancel()
	require.NoError(t, <-doneCh)
}

func TestConcurrentCallsAgainstServer(t *testing.T) {
	var ct, st = transport.NewPipe(4)
	var cl, err = NewClient(Config{}, ct)
	require.NoError(t, err)
	srv, err := server.NewServer(server.Config{}, testHandler)
	require.NoError(t, err)

	var tasks = task.NewGroup(context.Background())
	cl.QueueTasks(tasks)
	srv.QueueTasks(tasks, st)
	tasks.GoRun()

	var payloads = [][]byte{
		marshal(t, testRequest{Op: "add", X: 1, Y: 2}),
		marshal(t, testRequest{Op: "add", X: 3, Y: 4}),
		marshal(t, testRequest{Op: "hey", Name: "Tim"}),
	}

	var ctx = tasks.Context()
	var wg sync.WaitGroup
	var results [3]testResponse
	var errs [3]error

	for i, payload := range payloads {
		wg.Add(1)
		go func(i int, payload []byte) {
			defer wg.Done()
			var b, err = cl.Call(ctx, payload)
			if err != nil {
				errs[i] = err
				return
			}
			errs[i] = json.Unmarshal(b, &results[i])
		}(i, payload)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), results[0].Sum)
	require.Equal(t, int64(7), results[1].Sum)
	require.Equal(t, "Hey, Tim.", results[2].Greeting)

	tasks.Cancel()
	require.NoError(t, tasks.Wait())
}

func TestDeadlineExpiryEmitsCancel(t *testing.T) {
	var cl, peer, doneCh, cancel = startClient(t,
		Config{DefaultTimeout: 100 * time.Millisecond})
	defer cancel()

	// The server never responds.
	var started = time.Now()
	var _, err = cl.Call(context.Background(), []byte("slow"))
	require.ErrorIs(t, err, ErrDeadlineExceeded)
	require.Less(t, time.Since(started), 2*time.Second)

	// The wire saw the request, then its best-effort cancellation.
	f, err := peer.Recv()
	require.NoError(t, err)
	var req = f.(*protocol.Request)

	f, err = peer.Recv()
	require.NoError(t, err)
	require.Equal(t, &protocol.Cancel{ID: req.ID, TraceID: req.TraceID}, f)

	cancel()
	require.NoError(t, <-doneCh)
}

func TestAbandonedCallEmitsCancel(t *testing.T) {
	var cl, peer, doneCh, cancel = startClient(t, Config{})
	defer cancel()

	var callCtx, abandon = context.WithCancel(context.Background())
	var errCh = make(chan error, 1)
	go func() {
		var _, err = cl.Call(callCtx, []byte("doomed"))
		errCh <- err
	}()

	// Observe the request on the wire, then abandon the call.
	f, err := peer.Recv()
	require.NoError(t, err)
	var req = f.(*protocol.Request)

	abandon()
	require.ErrorIs(t, <-errCh, context.Canceled)

	f, err = peer.Recv()
	require.NoError(t, err)
	require.Equal(t, &protocol.Cancel{ID: req.ID, TraceID: req.TraceID}, f)

	cancel()
	require.NoError(t, <-doneCh)
}

func TestApplicationErrorIsForwarded(t *testing.T) {
	var ct, st = transport.NewPipe(4)
	var cl, err = NewClient(Config{}, ct)
	require.NoError(t, err)
	srv, err := server.NewServer(server.Config{},
		func(context.Context, []byte) ([]byte, error) {
			return nil, errors.New("nope")
		})
	require.NoError(t, err)

	var tasks = task.NewGroup(context.Background())
	cl.QueueTasks(tasks)
	srv.QueueTasks(tasks, st)
	tasks.GoRun()

	var _, callErr = cl.Call(tasks.Context(), []byte("anything"))

	var appErr *AppError
	require.ErrorAs(t, callErr, &appErr)
	require.Equal(t, "nope", appErr.Description)
	require.Equal(t, "nope", appErr.Error())

	tasks.Cancel()
	require.NoError(t, tasks.Wait())
}

func TestTransportFailureResolvesPendingCalls(t *testing.T) {
	var cl, peer, doneCh, cancel = startClient(t, Config{})
	defer cancel()

	var errCh = make(chan error, 2)
	for i := 0; i != 2; i++ {
		go func() {
			var _, err = cl.Call(context.Background(), []byte("pending"))
			errCh <- err
		}()
	}
	// Both calls are on the wire before the transport fails.
	for i := 0; i != 2; i++ {
		var _, err = peer.Recv()
		require.NoError(t, err)
	}
	peer.Fail(errors.New("wire seared"))

	require.ErrorIs(t, <-errCh, ErrDisconnected)
	require.ErrorIs(t, <-errCh, ErrDisconnected)

	var serveErr = <-doneCh
	require.Error(t, serveErr)
	require.Contains(t, serveErr.Error(), "wire seared")

	// Calls attempted after disconnection fail immediately.
	var _, err = cl.Call(context.Background(), []byte("late"))
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestPeerEOFIsACleanShutdown(t *testing.T) {
	var cl, peer, doneCh, cancel = startClient(t, Config{})
	defer cancel()

	require.NoError(t, peer.Close())
	require.NoError(t, <-doneCh)

	var _, err = cl.Call(context.Background(), []byte("late"))
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestOversizedPayloadFailsLocally(t *testing.T) {
	var ct, peer = transport.NewPipe(4)
	var cl, err = NewClient(Config{MaxPayloadSize: 8}, ct)
	require.NoError(t, err)

	// No driver is running: the failure is local and immediate.
	_, err = cl.Call(context.Background(), []byte("far too large a payload"))
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	// Nothing reached the wire.
	require.NoError(t, ct.Close())
	_, err = peer.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestExpiredDeadlineAtCallTime(t *testing.T) {
	var ct, _ = transport.NewPipe(4)
	var cl, err = NewClient(Config{}, ct)
	require.NoError(t, err)

	var ctx, cancel = context.WithDeadline(context.Background(),
		time.Now().Add(-time.Second))
	defer cancel()

	_, err = cl.Call(ctx, []byte("too late"))
	require.ErrorIs(t, err, ErrDeadlineExceeded)
}

func TestStrictModeRejectsUnknownResponse(t *testing.T) {
	var _, peer, doneCh, cancel = startClient(t, Config{Strict: true})
	defer cancel()

	require.NoError(t, peer.Send(context.Background(),
		&protocol.Response{ID: 99, Payload: []byte("from nowhere")}))

	require.ErrorIs(t, <-doneCh, protocol.ErrProtocolViolation)
}

func TestLenientModeDropsUnknownResponse(t *testing.T) {
	var cl, peer, doneCh, cancel = startClient(t, Config{})

	require.NoError(t, peer.Send(context.Background(),
		&protocol.Response{ID: 99, Payload: []byte("from nowhere")}))

	// The dispatcher carries on: a subsequent call round-trips.
	go func() {
		for {
			var f, err = peer.Recv()
			if err != nil {
				return
			}
			if r, ok := f.(*protocol.Request); ok {
				_ = peer.Send(context.Background(),
					&protocol.Response{ID: r.ID, Payload: r.Payload})
			}
		}
	}()

	var b, err = cl.Call(context.Background(), []byte("still here"))
	require.NoError(t, err)
	require.Equal(t, []byte("still here"), b)

	cancel()
	require.NoError(t, <-doneCh)
}

func TestConfigValidationCases(t *testing.T) {
	require.NoError(t, Config{}.Validate())
	require.Error(t, Config{MaxInFlight: -1}.Validate())
	require.Error(t, Config{DefaultTimeout: -time.Second}.Validate())
	require.Error(t, Config{OutboundBuffer: -1}.Validate())
	require.Error(t, Config{MaxPayloadSize: -1}.Validate())
}

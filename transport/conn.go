package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/estuary/wirecall/protocol"
)

// Conn frames protocol messages over a net.Conn. Backpressure is that of
// the underlying socket: Send blocks once socket and kernel buffers fill.
type Conn struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

// NewConn returns a Conn transport over the given net.Conn, which it takes
// ownership of.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}
}

// Recv reads the next frame. It returns io.EOF when the peer shuts down
// the connection at a frame boundary.
func (c *Conn) Recv() (protocol.Frame, error) {
	return protocol.ReadFrame(c.br)
}

// Send writes and flushes a frame. A context deadline bounds the write.
func (c *Conn) Send(ctx context.Context, f protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(d); err != nil {
			return err
		}
	}
	if err := protocol.WriteFrame(c.bw, f); err != nil {
		return err
	}
	return c.bw.Flush()
}

// closeFlushTimeout bounds the final flush of Close. It also unsticks a
// concurrent Send blocked on a peer which stopped reading, since setting
// the write deadline applies to writes already in flight.
const closeFlushTimeout = 5 * time.Second

// Close flushes buffered output and closes the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
		c.closeErr = c.bw.Flush()
		if err := c.conn.Close(); c.closeErr == nil {
			c.closeErr = err
		}
	})
	return c.closeErr
}

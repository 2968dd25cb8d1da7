package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// Wire format: each frame is a big-endian u32 length, followed by that many
// bytes of body. A body is a one-byte kind tag and the frame's fields:
//
//	Request:  u64 id | i64 expires (unix nanos; 0 for none) | str trace | bytes payload
//	Cancel:   u64 id | str trace
//	Response: u64 id | u8 hasErr [ u8 code | str description ] | bytes payload
//
// where str is a u16 length prefix and bytes is a u32 length prefix.

const (
	kindRequest  = 0x01
	kindCancel   = 0x02
	kindResponse = 0x03

	// MaxFrameSize bounds any single frame the decoder will accept.
	// It protects the decoder from a corrupt or hostile length prefix;
	// per-request payload limits are the dispatchers' concern.
	MaxFrameSize = 1 << 26 // 64MB.
)

// WriteFrame appends the framed encoding of f to w.
func WriteFrame(w io.Writer, f Frame) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("validating frame: %w", err)
	}
	var body = appendFrame(make([]byte, 4), f)
	if len(body)-4 > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds maximum %d", len(body)-4, MaxFrameSize)
	}
	binary.BigEndian.PutUint32(body[:4], uint32(len(body)-4))

	var _, err = w.Write(body)
	return err
}

// ReadFrame reads and decodes the next frame from r. It returns io.EOF if r
// is cleanly positioned at stream end, and io.ErrUnexpectedEOF if it ends
// mid-frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	var n = binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds maximum %d",
			ErrProtocolViolation, n, MaxFrameSize)
	}
	var body = make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return parseFrame(body)
}

func appendFrame(b []byte, f Frame) []byte {
	switch f := f.(type) {
	case *Request:
		b = append(b, kindRequest)
		b = binary.BigEndian.AppendUint64(b, f.ID)

		var nanos int64
		if !f.Expires.IsZero() {
			nanos = f.Expires.UnixNano()
		}
		b = binary.BigEndian.AppendUint64(b, uint64(nanos))
		b = appendStr(b, f.TraceID)
		b = appendBytes(b, f.Payload)
	case *Cancel:
		b = append(b, kindCancel)
		b = binary.BigEndian.AppendUint64(b, f.ID)
		b = appendStr(b, f.TraceID)
	case *Response:
		b = append(b, kindResponse)
		b = binary.BigEndian.AppendUint64(b, f.ID)
		if f.Err != nil {
			b = append(b, 1, byte(f.Err.Code))
			b = appendStr(b, f.Err.Description)
		} else {
			b = append(b, 0)
		}
		b = appendBytes(b, f.Payload)
	default:
		panic(fmt.Sprintf("invalid frame type %T", f))
	}
	return b
}

func parseFrame(b []byte) (Frame, error) {
	var d = decoder{b: b}
	var kind = d.u8()

	switch kind {
	case kindRequest:
		var r = new(Request)
		r.ID = d.u64()
		if nanos := int64(d.u64()); nanos != 0 {
			r.Expires = time.Unix(0, nanos)
		}
		r.TraceID = d.str()
		r.Payload = d.bytes()
		return r, d.finish(r)
	case kindCancel:
		var c = new(Cancel)
		c.ID = d.u64()
		c.TraceID = d.str()
		return c, d.finish(c)
	case kindResponse:
		var r = new(Response)
		r.ID = d.u64()
		if d.u8() != 0 {
			r.Err = &WireError{Code: Code(d.u8())}
			r.Err.Description = d.str()
		}
		r.Payload = d.bytes()
		return r, d.finish(r)
	default:
		return nil, fmt.Errorf("%w: unknown frame kind 0x%02x", ErrProtocolViolation, kind)
	}
}

// decoder walks a frame body, latching the first error it encounters so
// field reads can be written straight-line.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	} else if len(d.b) < n {
		d.err = fmt.Errorf("%w: truncated frame", ErrProtocolViolation)
		return nil
	}
	var out = d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) str() string {
	if b := d.take(2); b != nil {
		return string(d.take(int(binary.BigEndian.Uint16(b))))
	}
	return ""
}

func (d *decoder) bytes() []byte {
	var b = d.take(4)
	if b == nil {
		return nil
	}
	var n = int(binary.BigEndian.Uint32(b))
	if n == 0 {
		return nil
	}
	return d.take(n)
}

func (d *decoder) finish(f Frame) error {
	if d.err != nil {
		return d.err
	} else if len(d.b) != 0 {
		return fmt.Errorf("%w: %d trailing bytes after frame", ErrProtocolViolation, len(d.b))
	} else if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}
	return nil
}

func appendStr(b []byte, s string) []byte {
	if len(s) > math.MaxUint16 {
		panic("string field exceeds u16 length prefix")
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func appendBytes(b, p []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(p)))
	return append(b, p...)
}

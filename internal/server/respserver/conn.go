package respserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/yndnr/keymesh-go/internal/resp"
)

// readChunk is the size of one socket read while accumulating a frame.
const readChunk = 4 * 1024

// Conn represents a single client connection. Incoming bytes accumulate
// in buf until they hold at least one complete frame; leftover bytes
// stay buffered for the next ReadFrame call, so pipelined commands are
// decoded without touching the socket again.
type Conn struct {
	netConn net.Conn
	buf     []byte
	bw      *bufio.Writer
	scratch [readChunk]byte

	closed atomic.Bool
}

func newConn(c net.Conn) *Conn {
	return &Conn{
		netConn: c,
		bw:      bufio.NewWriter(c),
	}
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.netConn.Close()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// ReadFrame reads one frame, blocking until a complete frame arrives.
//
// A clean peer close between frames returns io.EOF. A close mid-frame is
// a protocol error: the stream ended where more bytes were promised.
func (c *Conn) ReadFrame() (resp.Frame, error) {
	for {
		if len(c.buf) > 0 {
			f, n, err := resp.Decode(c.buf)
			if err == nil {
				c.buf = c.buf[:copy(c.buf, c.buf[n:])]
				return f, nil
			}
			if !errors.Is(err, resp.ErrIncomplete) {
				return resp.Frame{}, err
			}
		}

		n, err := c.netConn.Read(c.scratch[:])
		if n > 0 {
			c.buf = append(c.buf, c.scratch[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// The final Read may carry bytes that complete a frame.
				if n > 0 {
					if f, used, derr := resp.Decode(c.buf); derr == nil {
						c.buf = c.buf[:copy(c.buf, c.buf[used:])]
						return f, nil
					} else if !errors.Is(derr, resp.ErrIncomplete) {
						return resp.Frame{}, derr
					}
				}
				if len(c.buf) > 0 {
					return resp.Frame{}, fmt.Errorf("%w: stream ended mid-frame", resp.ErrProtocol)
				}
				return resp.Frame{}, io.EOF
			}
			return resp.Frame{}, err
		}
	}
}

// WriteFrame encodes f into the write buffer. The caller flushes when
// the reply (or reply batch) is complete.
func (c *Conn) WriteFrame(f resp.Frame) error {
	_, err := c.bw.Write(resp.Encode(f))
	return err
}

// Flush writes any buffered reply bytes to the socket.
func (c *Conn) Flush() error {
	return c.bw.Flush()
}

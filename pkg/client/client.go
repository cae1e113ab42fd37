// Package client provides a synchronous KeyMesh client.
//
// A Client owns one connection and issues one command at a time; it is
// not safe for concurrent use. For pub/sub, Subscribe converts the
// connection into a Subscription that only receives messages and
// adjusts its channel set.
package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/yndnr/keymesh-go/internal/resp"
)

// ErrNil reports that the server answered with a null frame, e.g. a GET
// on a missing key.
var ErrNil = errors.New("keymesh: nil reply")

// ServerError is an error frame returned by the server.
type ServerError string

func (e ServerError) Error() string {
	return string(e)
}

// Client is a synchronous KeyMesh connection.
type Client struct {
	conn net.Conn
	buf  []byte

	// Timeout bounds each read and write on the socket. Zero means no
	// timeout.
	Timeout time.Duration
}

// Dial connects to a KeyMesh server.
func Dial(addr string) (*Client, error) {
	return DialTimeout(addr, 5*time.Second)
}

// DialTimeout connects with an explicit dial timeout, which also
// becomes the per-operation timeout.
func DialTimeout(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, Timeout: timeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping checks connection liveness. With a non-empty message the server
// echoes it back.
func (c *Client) Ping(message string) (string, error) {
	var cmd resp.Frame
	if message == "" {
		cmd = resp.Command("PING")
	} else {
		cmd = resp.Command("PING", []byte(message))
	}
	reply, err := c.roundTrip(cmd)
	if err != nil {
		return "", err
	}
	switch reply.Kind {
	case resp.KindSimple:
		return reply.Str, nil
	case resp.KindBulk:
		return string(reply.Bulk), nil
	default:
		return "", fmt.Errorf("unexpected PING reply: %v", reply)
	}
}

// Get retrieves the scalar value of a key. Returns ErrNil when the key
// is absent or holds a field map.
func (c *Client) Get(key string) ([]byte, error) {
	reply, err := c.roundTrip(resp.Command("GET", []byte(key)))
	if err != nil {
		return nil, err
	}
	return bulkReply(reply)
}

// Set stores a scalar value with no expiration.
func (c *Client) Set(key string, value []byte) error {
	reply, err := c.roundTrip(resp.Command("SET", []byte(key), value))
	if err != nil {
		return err
	}
	return okReply(reply)
}

// SetEx stores a scalar value that expires after ttl.
func (c *Client) SetEx(key string, value []byte, ttl time.Duration) error {
	ms := fmt.Sprintf("%d", ttl.Milliseconds())
	reply, err := c.roundTrip(resp.Command("SET", []byte(key), value, []byte(ms)))
	if err != nil {
		return err
	}
	return okReply(reply)
}

// Del removes keys, returning the number actually removed.
func (c *Client) Del(keys ...string) (int64, error) {
	reply, err := c.roundTrip(resp.Command("DEL", stringArgs(keys)...))
	if err != nil {
		return 0, err
	}
	return intReply(reply)
}

// Exists reports how many of the named keys exist.
func (c *Client) Exists(keys ...string) (int64, error) {
	reply, err := c.roundTrip(resp.Command("EXISTS", stringArgs(keys)...))
	if err != nil {
		return 0, err
	}
	return intReply(reply)
}

// TTL returns the remaining lifetime of a key in whole seconds: -2 when
// the key does not exist, -1 when it has no deadline.
func (c *Client) TTL(key string) (int64, error) {
	reply, err := c.roundTrip(resp.Command("TTL", []byte(key)))
	if err != nil {
		return 0, err
	}
	return intReply(reply)
}

// HSet stores one field of a key's field map.
func (c *Client) HSet(key, field string, value []byte) error {
	reply, err := c.roundTrip(resp.Command("HSET", []byte(key), []byte(field), value))
	if err != nil {
		return err
	}
	return okReply(reply)
}

// HGet retrieves one field of a key's field map. Returns ErrNil when
// the key or field is absent.
func (c *Client) HGet(key, field string) ([]byte, error) {
	reply, err := c.roundTrip(resp.Command("HGET", []byte(key), []byte(field)))
	if err != nil {
		return nil, err
	}
	return bulkReply(reply)
}

// HGetAll retrieves every field of a key's field map. Returns ErrNil
// when the key is absent.
func (c *Client) HGetAll(key string) (map[string][]byte, error) {
	reply, err := c.roundTrip(resp.Command("HGETALL", []byte(key)))
	if err != nil {
		return nil, err
	}
	if reply.IsNull() {
		return nil, ErrNil
	}
	if reply.Kind != resp.KindArray || len(reply.Array)%2 != 0 {
		return nil, fmt.Errorf("unexpected HGETALL reply: %v", reply)
	}

	fields := make(map[string][]byte, len(reply.Array)/2)
	for i := 0; i < len(reply.Array); i += 2 {
		fields[string(reply.Array[i].Bulk)] = reply.Array[i+1].Bulk
	}
	return fields, nil
}

// Publish posts a message to a channel and returns the number of
// subscribers that received it.
func (c *Client) Publish(channel string, payload []byte) (int64, error) {
	reply, err := c.roundTrip(resp.Command("PUBLISH", []byte(channel), payload))
	if err != nil {
		return 0, err
	}
	return intReply(reply)
}

// roundTrip sends one command and reads one reply frame. An error frame
// is returned as a ServerError.
func (c *Client) roundTrip(cmd resp.Frame) (resp.Frame, error) {
	if err := c.writeFrame(cmd); err != nil {
		return resp.Frame{}, err
	}
	reply, err := c.readFrame()
	if err != nil {
		return resp.Frame{}, err
	}
	if reply.Kind == resp.KindError {
		return resp.Frame{}, ServerError(reply.Str)
	}
	return reply, nil
}

func (c *Client) writeFrame(f resp.Frame) error {
	if c.Timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.Timeout))
	}
	_, err := c.conn.Write(resp.Encode(f))
	return err
}

func (c *Client) readFrame() (resp.Frame, error) {
	if c.Timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.Timeout))
	}

	scratch := make([]byte, 4096)
	for {
		if len(c.buf) > 0 {
			f, n, err := resp.Decode(c.buf)
			if err == nil {
				c.buf = c.buf[n:]
				return f, nil
			}
			if !errors.Is(err, resp.ErrIncomplete) {
				return resp.Frame{}, err
			}
		}

		n, err := c.conn.Read(scratch)
		if n > 0 {
			c.buf = append(c.buf, scratch[:n]...)
		}
		if err != nil {
			return resp.Frame{}, err
		}
	}
}

func stringArgs(args []string) [][]byte {
	out := make([][]byte, len(args))
	for i, a := range args {
		out[i] = []byte(a)
	}
	return out
}

func bulkReply(f resp.Frame) ([]byte, error) {
	if f.IsNull() {
		return nil, ErrNil
	}
	if f.Kind != resp.KindBulk {
		return nil, fmt.Errorf("unexpected reply: %v", f)
	}
	return f.Bulk, nil
}

func intReply(f resp.Frame) (int64, error) {
	if f.Kind != resp.KindInteger {
		return 0, fmt.Errorf("unexpected reply: %v", f)
	}
	return f.Int, nil
}

func okReply(f resp.Frame) error {
	if f.Kind != resp.KindSimple || f.Str != "OK" {
		return fmt.Errorf("unexpected reply: %v", f)
	}
	return nil
}

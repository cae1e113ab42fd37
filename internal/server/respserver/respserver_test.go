package respserver

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/yndnr/keymesh-go/internal/engine"
	"github.com/yndnr/keymesh-go/internal/resp"
)

// ============================================================
// Test helpers
// ============================================================

// newTestServer starts a server on an ephemeral port and returns it
// with its address. The server and engine are torn down with the test.
func newTestServer(t *testing.T, cfg *Config) (*Server, string) {
	t.Helper()

	eng := engine.New()
	t.Cleanup(func() { _ = eng.Close() })

	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Address = "127.0.0.1:0"

	srv := New(cfg, eng, nil, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return srv, srv.Addr().String()
}

// testClient is a raw RESP client for exercising the wire protocol.
type testClient struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
}

func dialTest(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(args ...string) {
	c.t.Helper()
	byteArgs := make([][]byte, len(args)-1)
	for i, a := range args[1:] {
		byteArgs[i] = []byte(a)
	}
	if _, err := c.conn.Write(resp.Encode(resp.Command(args[0], byteArgs...))); err != nil {
		c.t.Fatalf("write command %v: %v", args, err)
	}
}

// sendRaw writes raw bytes, for malformed-input tests.
func (c *testClient) sendRaw(b []byte) {
	c.t.Helper()
	if _, err := c.conn.Write(b); err != nil {
		c.t.Fatalf("write raw: %v", err)
	}
}

func (c *testClient) readFrame() resp.Frame {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	_ = c.conn.SetReadDeadline(deadline)

	scratch := make([]byte, 4096)
	for {
		if len(c.buf) > 0 {
			f, n, err := resp.Decode(c.buf)
			if err == nil {
				c.buf = c.buf[n:]
				return f
			}
			if !errors.Is(err, resp.ErrIncomplete) {
				c.t.Fatalf("decode reply: %v", err)
			}
		}
		n, err := c.conn.Read(scratch)
		if n > 0 {
			c.buf = append(c.buf, scratch[:n]...)
		}
		if err != nil {
			c.t.Fatalf("read reply: %v", err)
		}
	}
}

func (c *testClient) expectFrame(want resp.Frame) {
	c.t.Helper()
	got := c.readFrame()
	if !got.Equal(want) {
		c.t.Fatalf("reply = %v, want %v", got, want)
	}
}

func (c *testClient) expectError(contains string) {
	c.t.Helper()
	got := c.readFrame()
	if got.Kind != resp.KindError {
		c.t.Fatalf("reply = %v, want error frame", got)
	}
	if contains != "" && !containsStr(got.Str, contains) {
		c.t.Fatalf("error %q does not contain %q", got.Str, contains)
	}
}

func containsStr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func messageFrame(channel, payload string) resp.Frame {
	return resp.Array(
		resp.BulkString("message"),
		resp.BulkString(channel),
		resp.BulkString(payload),
	)
}

func subscribeAck(channel string, count int) resp.Frame {
	return resp.Array(
		resp.BulkString("subscribe"),
		resp.BulkString(channel),
		resp.Integer(int64(count)),
	)
}

func unsubscribeAck(channel string, count int) resp.Frame {
	return resp.Array(
		resp.BulkString("unsubscribe"),
		resp.BulkString(channel),
		resp.Integer(int64(count)),
	)
}

// ============================================================
// Server lifecycle
// ============================================================

func TestServer_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Address != "127.0.0.1:6379" {
		t.Errorf("Address = %q, want %q", cfg.Address, "127.0.0.1:6379")
	}
	if cfg.WriteTimeout != 30*time.Second {
		t.Errorf("WriteTimeout = %v, want %v", cfg.WriteTimeout, 30*time.Second)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want %v", cfg.IdleTimeout, 5*time.Minute)
	}
	if cfg.RateLimit != 0 {
		t.Errorf("RateLimit = %d, want 0", cfg.RateLimit)
	}
}

func TestServer_ShutdownWithoutStart(t *testing.T) {
	eng := engine.New()
	defer eng.Close()

	srv := New(nil, eng, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v, want nil", err)
	}
}

func TestServer_ShutdownClosesListener(t *testing.T) {
	_, addr := newTestServer(t, nil)

	c := dialTest(t, addr)
	c.send("PING")
	c.expectFrame(resp.SimpleString("PONG"))
}

// Shutdown must reach connections that are sitting idle or parked in
// subscribe mode, not just wait for them to hang up on their own.
func TestServer_ShutdownClosesConnections(t *testing.T) {
	eng := engine.New()
	t.Cleanup(func() { _ = eng.Close() })

	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	srv := New(cfg, eng, nil, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := srv.Addr().String()

	idle := dialTest(t, addr)
	idle.send("PING")
	idle.expectFrame(resp.SimpleString("PONG"))

	subbed := dialTest(t, addr)
	subbed.send("SUBSCRIBE", "ch")
	subbed.expectFrame(subscribeAck("ch", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Shutdown() took %v with connected clients", elapsed)
	}

	expectClosed(t, idle)
	expectClosed(t, subbed)
}

// expectClosed reads until the server closes the connection.
func expectClosed(t *testing.T, c *testClient) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scratch := make([]byte, 64)
	for {
		if _, err := c.conn.Read(scratch); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			t.Fatalf("expected connection close, got %v", err)
		}
	}
}

// ============================================================
// Basic commands
// ============================================================

func TestServer_Ping(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dialTest(t, addr)

	c.send("PING")
	c.expectFrame(resp.SimpleString("PONG"))

	c.send("PING", "hello")
	c.expectFrame(resp.BulkString("hello"))

	// Verb matching is case-insensitive.
	c.send("ping")
	c.expectFrame(resp.SimpleString("PONG"))
}

func TestServer_SetGet(t *testing.T) {
	_, addr := newTestServer(t, nil)

	a := dialTest(t, addr)
	b := dialTest(t, addr)

	a.send("SET", "foo", "bar")
	a.expectFrame(resp.SimpleString("OK"))

	// Another connection sees the write.
	b.send("GET", "foo")
	b.expectFrame(resp.BulkString("bar"))

	b.send("GET", "missing")
	b.expectFrame(resp.Null())
}

func TestServer_SetWithExpiry(t *testing.T) {
	_, addr := newTestServer(t, nil)

	a := dialTest(t, addr)
	b := dialTest(t, addr)

	a.send("SET", "foo", "bar", "0")
	a.expectFrame(resp.SimpleString("OK"))

	time.Sleep(10 * time.Millisecond)

	b.send("GET", "foo")
	b.expectFrame(resp.Null())
}

func TestServer_SetExpiryNotAnInteger(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dialTest(t, addr)

	c.send("SET", "foo", "bar", "soon")
	c.expectError("not an integer")
}

func TestServer_DelExists(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dialTest(t, addr)

	c.send("SET", "a", "1")
	c.expectFrame(resp.SimpleString("OK"))
	c.send("SET", "b", "2")
	c.expectFrame(resp.SimpleString("OK"))

	c.send("EXISTS", "a", "b", "missing")
	c.expectFrame(resp.Integer(2))

	c.send("DEL", "a", "missing")
	c.expectFrame(resp.Integer(1))

	c.send("EXISTS", "a")
	c.expectFrame(resp.Integer(0))
}

func TestServer_TTL(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dialTest(t, addr)

	c.send("TTL", "missing")
	c.expectFrame(resp.Integer(-2))

	c.send("SET", "eternal", "v")
	c.expectFrame(resp.SimpleString("OK"))
	c.send("TTL", "eternal")
	c.expectFrame(resp.Integer(-1))

	c.send("SET", "brief", "v", "30000")
	c.expectFrame(resp.SimpleString("OK"))
	c.send("TTL", "brief")
	got := c.readFrame()
	if got.Kind != resp.KindInteger || got.Int < 25 || got.Int > 30 {
		t.Fatalf("TTL reply = %v, want integer in [25, 30]", got)
	}
}

// ============================================================
// Hash commands
// ============================================================

func TestServer_HashCommands(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dialTest(t, addr)

	c.send("HSET", "h", "f1", "a")
	c.expectFrame(resp.SimpleString("OK"))
	c.send("HSET", "h", "f2", "b")
	c.expectFrame(resp.SimpleString("OK"))

	c.send("HGET", "h", "f1")
	c.expectFrame(resp.BulkString("a"))
	c.send("HGET", "h", "f3")
	c.expectFrame(resp.Null())

	c.send("HGETALL", "h")
	got := c.readFrame()
	if got.Kind != resp.KindArray || len(got.Array) != 4 {
		t.Fatalf("HGETALL reply = %v, want 4-element array", got)
	}
	fields := map[string]string{}
	for i := 0; i < len(got.Array); i += 2 {
		fields[string(got.Array[i].Bulk)] = string(got.Array[i+1].Bulk)
	}
	if fields["f1"] != "a" || fields["f2"] != "b" {
		t.Fatalf("HGETALL fields = %v, want f1=a f2=b", fields)
	}

	c.send("HGETALL", "missing")
	c.expectFrame(resp.Null())
}

func TestServer_TypeReplacement(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dialTest(t, addr)

	c.send("SET", "k", "v1")
	c.expectFrame(resp.SimpleString("OK"))

	c.send("HSET", "k", "f", "v2")
	c.expectFrame(resp.SimpleString("OK"))

	// The key now holds a field map, not a scalar.
	c.send("GET", "k")
	c.expectFrame(resp.Null())
	c.send("HGET", "k", "f")
	c.expectFrame(resp.BulkString("v2"))
}

// ============================================================
// Errors
// ============================================================

func TestServer_UnknownCommand(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dialTest(t, addr)

	c.send("XADD", "stream", "*", "f", "v")
	c.expectError("unknown command")

	// Connection stays usable after a semantic error.
	c.send("PING")
	c.expectFrame(resp.SimpleString("PONG"))
}

func TestServer_WrongArity(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dialTest(t, addr)

	tests := [][]string{
		{"GET"},
		{"GET", "k", "extra"},
		{"SET", "k"},
		{"HSET", "k", "f"},
		{"HGET", "k"},
		{"PUBLISH", "ch"},
		{"DEL"},
		{"SUBSCRIBE"},
	}
	for _, cmd := range tests {
		c.send(cmd...)
		c.expectError("wrong number of arguments")
	}

	c.send("PING")
	c.expectFrame(resp.SimpleString("PONG"))
}

func TestServer_MalformedFrameClosesConnection(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dialTest(t, addr)

	c.sendRaw([]byte("@bogus\r\n"))
	c.expectError("")

	// The stream position cannot be trusted; the server closes.
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	one := make([]byte, 1)
	if _, err := c.conn.Read(one); !errors.Is(err, io.EOF) {
		t.Fatalf("read after malformed frame = %v, want EOF", err)
	}
}

func TestServer_Quit(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dialTest(t, addr)

	c.send("QUIT")
	c.expectFrame(resp.SimpleString("OK"))

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	one := make([]byte, 1)
	if _, err := c.conn.Read(one); !errors.Is(err, io.EOF) {
		t.Fatalf("read after QUIT = %v, want EOF", err)
	}
}

// ============================================================
// Pipelining
// ============================================================

func TestServer_PipelinedCommands(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dialTest(t, addr)

	var batch []byte
	batch = append(batch, resp.Encode(resp.Command("SET", []byte("p"), []byte("1")))...)
	batch = append(batch, resp.Encode(resp.Command("GET", []byte("p")))...)
	batch = append(batch, resp.Encode(resp.Command("PING"))...)
	c.sendRaw(batch)

	c.expectFrame(resp.SimpleString("OK"))
	c.expectFrame(resp.BulkString("1"))
	c.expectFrame(resp.SimpleString("PONG"))
}

// ============================================================
// Pub/sub
// ============================================================

func TestServer_PubSubFanOut(t *testing.T) {
	_, addr := newTestServer(t, nil)

	sub1 := dialTest(t, addr)
	sub2 := dialTest(t, addr)
	pub := dialTest(t, addr)

	sub1.send("SUBSCRIBE", "ch")
	sub1.expectFrame(subscribeAck("ch", 1))
	sub2.send("SUBSCRIBE", "ch")
	sub2.expectFrame(subscribeAck("ch", 1))

	pub.send("PUBLISH", "ch", "msg")
	pub.expectFrame(resp.Integer(2))

	sub1.expectFrame(messageFrame("ch", "msg"))
	sub2.expectFrame(messageFrame("ch", "msg"))
}

func TestServer_PublishNoSubscribers(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dialTest(t, addr)

	c.send("PUBLISH", "empty", "msg")
	c.expectFrame(resp.Integer(0))
}

func TestServer_PublishOrderPerChannel(t *testing.T) {
	_, addr := newTestServer(t, nil)

	sub := dialTest(t, addr)
	pub := dialTest(t, addr)

	sub.send("SUBSCRIBE", "ch")
	sub.expectFrame(subscribeAck("ch", 1))

	for _, msg := range []string{"one", "two", "three"} {
		pub.send("PUBLISH", "ch", msg)
		pub.expectFrame(resp.Integer(1))
	}

	sub.expectFrame(messageFrame("ch", "one"))
	sub.expectFrame(messageFrame("ch", "two"))
	sub.expectFrame(messageFrame("ch", "three"))
}

func TestServer_SubscribeMultipleChannels(t *testing.T) {
	_, addr := newTestServer(t, nil)

	sub := dialTest(t, addr)
	pub := dialTest(t, addr)

	sub.send("SUBSCRIBE", "a", "b")
	sub.expectFrame(subscribeAck("a", 1))
	sub.expectFrame(subscribeAck("b", 2))

	pub.send("PUBLISH", "b", "for-b")
	pub.expectFrame(resp.Integer(1))
	pub.send("PUBLISH", "a", "for-a")
	pub.expectFrame(resp.Integer(1))

	sub.expectFrame(messageFrame("b", "for-b"))
	sub.expectFrame(messageFrame("a", "for-a"))
}

func TestServer_UnsubscribeAll(t *testing.T) {
	_, addr := newTestServer(t, nil)

	sub := dialTest(t, addr)
	pub := dialTest(t, addr)

	sub.send("SUBSCRIBE", "a", "b")
	sub.expectFrame(subscribeAck("a", 1))
	sub.expectFrame(subscribeAck("b", 2))

	sub.send("UNSUBSCRIBE")
	first := sub.readFrame()
	second := sub.readFrame()
	if first.Kind != resp.KindArray || second.Kind != resp.KindArray {
		t.Fatalf("unsubscribe acks = %v, %v, want arrays", first, second)
	}
	if second.Array[2].Int != 0 {
		t.Fatalf("final unsubscribe count = %d, want 0", second.Array[2].Int)
	}

	// The connection is back in the idle state: normal commands work
	// and publishes no longer reach it.
	pub.send("PUBLISH", "a", "lost")
	pub.expectFrame(resp.Integer(0))

	sub.send("PING")
	sub.expectFrame(resp.SimpleString("PONG"))
}

func TestServer_UnsubscribeOneOfTwo(t *testing.T) {
	_, addr := newTestServer(t, nil)

	sub := dialTest(t, addr)
	pub := dialTest(t, addr)

	sub.send("SUBSCRIBE", "a", "b")
	sub.expectFrame(subscribeAck("a", 1))
	sub.expectFrame(subscribeAck("b", 2))

	sub.send("UNSUBSCRIBE", "a")
	sub.expectFrame(unsubscribeAck("a", 1))

	pub.send("PUBLISH", "a", "lost")
	pub.expectFrame(resp.Integer(0))
	pub.send("PUBLISH", "b", "kept")
	pub.expectFrame(resp.Integer(1))

	sub.expectFrame(messageFrame("b", "kept"))
}

func TestServer_CommandWhileSubscribed(t *testing.T) {
	_, addr := newTestServer(t, nil)

	sub := dialTest(t, addr)
	pub := dialTest(t, addr)

	sub.send("SUBSCRIBE", "ch")
	sub.expectFrame(subscribeAck("ch", 1))

	sub.send("GET", "k")
	sub.expectError("subscribe mode")

	// Still subscribed after the rejected command.
	pub.send("PUBLISH", "ch", "still-here")
	pub.expectFrame(resp.Integer(1))
	sub.expectFrame(messageFrame("ch", "still-here"))
}

func TestServer_UnsubscribeWhileIdle(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dialTest(t, addr)

	c.send("UNSUBSCRIBE")
	got := c.readFrame()
	want := resp.Array(resp.BulkString("unsubscribe"), resp.Null(), resp.Integer(0))
	if !got.Equal(want) {
		t.Fatalf("idle unsubscribe ack = %v, want %v", got, want)
	}

	c.send("UNSUBSCRIBE", "never")
	c.expectFrame(unsubscribeAck("never", 0))
}

func TestServer_SubscriberDisconnectReleasesChannel(t *testing.T) {
	_, addr := newTestServer(t, nil)

	sub := dialTest(t, addr)
	pub := dialTest(t, addr)

	sub.send("SUBSCRIBE", "ch")
	sub.expectFrame(subscribeAck("ch", 1))

	_ = sub.conn.Close()

	// The subscription is released when the connection ends; the
	// publisher eventually sees zero subscribers.
	deadline := time.Now().Add(2 * time.Second)
	for {
		pub.send("PUBLISH", "ch", "gone")
		got := pub.readFrame()
		if got.Kind == resp.KindInteger && got.Int == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("channel still has subscribers after disconnect: %v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ============================================================
// Rate limiting
// ============================================================

func TestServer_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 2
	_, addr := newTestServer(t, cfg)
	c := dialTest(t, addr)

	limited := false
	for i := 0; i < 20; i++ {
		c.send("PING")
		got := c.readFrame()
		if got.Kind == resp.KindError {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("no command was rate limited after 20 rapid commands at limit 2/s")
	}
}

// ============================================================
// Idle timeout
// ============================================================

func TestServer_IdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	_, addr := newTestServer(t, cfg)
	c := dialTest(t, addr)

	c.send("PING")
	c.expectFrame(resp.SimpleString("PONG"))

	// Stay idle past the timeout; the server closes the connection.
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	one := make([]byte, 1)
	if _, err := c.conn.Read(one); !errors.Is(err, io.EOF) {
		t.Fatalf("read after idle timeout = %v, want EOF", err)
	}
}

func TestServer_SubscribedConnectionOutlivesIdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	_, addr := newTestServer(t, cfg)

	sub := dialTest(t, addr)
	pub := dialTest(t, addr)

	sub.send("SUBSCRIBE", "ch")
	sub.expectFrame(subscribeAck("ch", 1))

	time.Sleep(150 * time.Millisecond)

	pub.send("PUBLISH", "ch", "late")
	pub.expectFrame(resp.Integer(1))
	sub.expectFrame(messageFrame("ch", "late"))
}

package command

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/keymesh-go/internal/engine"
	"github.com/yndnr/keymesh-go/internal/server/respserver"
)

// newTestServer starts a RESP server and returns its address.
func newTestServer(t *testing.T) string {
	t.Helper()

	eng := engine.New()
	t.Cleanup(func() { _ = eng.Close() })

	cfg := respserver.DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	srv := respserver.New(cfg, eng, nil, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return srv.Addr().String()
}

// runCLI executes the app with the given arguments and returns stdout.
func runCLI(t *testing.T, addr string, args ...string) string {
	t.Helper()

	var out bytes.Buffer
	app := App()
	app.Writer = &out

	full := append([]string{"keymesh-cli", "--server", addr}, args...)
	if err := app.Run(full); err != nil {
		t.Fatalf("run %v: %v", args, err)
	}
	return out.String()
}

// ============================================================
// Commands
// ============================================================

func TestCLI_Ping(t *testing.T) {
	addr := newTestServer(t)

	if got := runCLI(t, addr, "ping"); strings.TrimSpace(got) != "PONG" {
		t.Fatalf("ping output = %q, want PONG", got)
	}
	if got := runCLI(t, addr, "ping", "hello"); strings.TrimSpace(got) != "hello" {
		t.Fatalf("ping hello output = %q, want hello", got)
	}
}

func TestCLI_KVRoundTrip(t *testing.T) {
	addr := newTestServer(t)

	if got := runCLI(t, addr, "kv", "set", "k", "v"); strings.TrimSpace(got) != "OK" {
		t.Fatalf("kv set output = %q, want OK", got)
	}
	if got := runCLI(t, addr, "kv", "get", "k"); strings.TrimSpace(got) != "v" {
		t.Fatalf("kv get output = %q, want v", got)
	}
	if got := runCLI(t, addr, "kv", "get", "missing"); strings.TrimSpace(got) != "(nil)" {
		t.Fatalf("kv get missing output = %q, want (nil)", got)
	}
	if got := runCLI(t, addr, "kv", "del", "k"); strings.TrimSpace(got) != "1" {
		t.Fatalf("kv del output = %q, want 1", got)
	}
	if got := runCLI(t, addr, "kv", "exists", "k"); strings.TrimSpace(got) != "0" {
		t.Fatalf("kv exists output = %q, want 0", got)
	}
}

func TestCLI_KVSetExpire(t *testing.T) {
	addr := newTestServer(t)

	runCLI(t, addr, "kv", "set", "brief", "v", "--expire", "30s")
	got := runCLI(t, addr, "kv", "ttl", "brief")
	if !strings.Contains(got, "s") {
		t.Fatalf("kv ttl output = %q, want a duration", got)
	}

	if got := runCLI(t, addr, "kv", "ttl", "missing"); strings.TrimSpace(got) != "(no such key)" {
		t.Fatalf("kv ttl missing output = %q, want (no such key)", got)
	}
}

func TestCLI_Hash(t *testing.T) {
	addr := newTestServer(t)

	runCLI(t, addr, "hash", "set", "h", "f1", "a")
	runCLI(t, addr, "hash", "set", "h", "f2", "b")

	if got := runCLI(t, addr, "hash", "get", "h", "f1"); strings.TrimSpace(got) != "a" {
		t.Fatalf("hash get output = %q, want a", got)
	}

	got := runCLI(t, addr, "hash", "getall", "h")
	if !strings.Contains(got, "f1: a") || !strings.Contains(got, "f2: b") {
		t.Fatalf("hash getall output = %q, want f1: a and f2: b", got)
	}
}

func TestCLI_Publish(t *testing.T) {
	addr := newTestServer(t)

	// No subscribers yet.
	if got := runCLI(t, addr, "pubsub", "publish", "ch", "msg"); strings.TrimSpace(got) != "0" {
		t.Fatalf("publish output = %q, want 0", got)
	}
}

func TestCLI_UsageErrors(t *testing.T) {
	addr := newTestServer(t)

	tests := [][]string{
		{"kv", "get"},
		{"kv", "set", "k"},
		{"hash", "set", "k", "f"},
		{"pubsub", "publish", "ch"},
	}
	for _, args := range tests {
		app := App()
		app.Writer = &bytes.Buffer{}
		full := append([]string{"keymesh-cli", "--server", addr}, args...)
		if err := app.Run(full); err == nil {
			t.Fatalf("run %v succeeded, want usage error", args)
		}
	}
}

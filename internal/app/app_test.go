package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/i-melnichenko/walcache/internal/transport"
	kvstream "github.com/i-melnichenko/walcache/internal/transport/stream/kv"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	// Unix socket paths are length-limited, so stay out of the long t.TempDir.
	dir, err := os.MkdirTemp("", "wca")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := DefaultConfig()
	cfg.NodeID = "test-node"
	cfg.ListenAddr = "unix://" + filepath.Join(dir, "kv.sock")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.WALSync = false
	cfg.AdminGRPCAddr = ""
	return cfg
}

type runningApp struct {
	cancel context.CancelFunc
	done   chan error
}

func startApp(t *testing.T, cfg Config) (*runningApp, *kvstream.Client) {
	t.Helper()

	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &runningApp{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- a.Run(ctx) }()

	ep, err := cfg.Endpoint()
	if err != nil {
		t.Fatalf("Endpoint() error = %v", err)
	}
	c := kvstream.NewClient(ep, kvstream.ClientOptions{Timeout: time.Second})
	waitReady(t, c, r)
	return r, c
}

func waitReady(t *testing.T, c *kvstream.Client, r *runningApp) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := c.Len(context.Background()); err == nil {
			return
		}
		select {
		case err := <-r.done:
			t.Fatalf("Run() exited early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("server at %s not ready", c.Endpoint())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (r *runningApp) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}
}

func TestApp_ScenarioAndRestartRecovery(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	r, c := startApp(t, cfg)
	if err := c.Set(ctx, "x", []byte{1, 2, 3}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if v, ok, err := c.Pop(ctx, "x"); err != nil || !ok || !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Fatalf("Pop(x) = %v, %v, %v", v, ok, err)
	}
	if err := c.Set(ctx, "kept", []byte("v")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	r.stop(t)

	if _, err := os.Stat(cfg.WALPath()); err != nil {
		t.Fatalf("wal file missing after shutdown: %v", err)
	}

	r, c = startApp(t, cfg)
	defer r.stop(t)

	if n, err := c.Len(ctx); err != nil || n != 1 {
		t.Fatalf("Len() after restart = %d, %v; want 1", n, err)
	}
	if _, ok, err := c.Get(ctx, "x"); err != nil || ok {
		t.Fatalf("Get(x) after restart = %v, %v; want absent", ok, err)
	}
	if v, ok, err := c.Get(ctx, "kept"); err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get(kept) after restart = %q, %v, %v", v, ok, err)
	}
}

func TestApp_MemoryModeForgetsOnRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.WALEnabled = false
	ctx := context.Background()

	r, c := startApp(t, cfg)
	if err := c.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	r.stop(t)

	if _, err := os.Stat(cfg.WALPath()); !os.IsNotExist(err) {
		t.Fatalf("memory mode created a wal file: %v", err)
	}

	r, c = startApp(t, cfg)
	defer r.stop(t)
	if n, err := c.Len(ctx); err != nil || n != 0 {
		t.Fatalf("Len() after restart = %d, %v; want 0", n, err)
	}
}

func TestApp_RunFailsOnCorruptWAL(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	// A length prefix with no record behind it.
	if err := os.WriteFile(cfg.WALPath(), []byte{9, 0, 0, 0, 1}, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := a.Run(context.Background()); err == nil {
		t.Fatalf("Run() with torn wal succeeded")
	}

	ep, _ := cfg.Endpoint()
	if ep.Network == transport.NetworkUnix {
		if _, err := os.Stat(ep.Address); !os.IsNotExist(err) {
			t.Fatalf("socket bound despite failed replay: %v", err)
		}
	}
}

func TestNew_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if _, err := New(cfg, nil); err == nil {
		t.Fatalf("New() accepted nil logger")
	}
	cfg.NodeID = ""
	if _, err := New(cfg, slog.Default()); err == nil {
		t.Fatalf("New() accepted invalid config")
	}
}

func TestInitTracing(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	shutdown, err := a.initTracing(context.Background())
	if err != nil {
		t.Fatalf("initTracing() disabled error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("disabled shutdown error = %v", err)
	}

	a.config.TracingEnabled = true
	a.config.TracingEndpoint = "127.0.0.1:4317"
	a.config.TracingSampleRatio = 0.5
	shutdown, err = a.initTracing(context.Background())
	if err != nil {
		t.Fatalf("initTracing() enabled error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Nothing was exported, so shutdown has nothing to flush; only its
	// completion matters here.
	_ = shutdown(ctx)
}

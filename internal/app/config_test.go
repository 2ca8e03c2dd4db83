package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/i-melnichenko/walcache/internal/transport"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}
	n, err := cfg.MaxFrameBytes()
	if err != nil {
		t.Fatalf("MaxFrameBytes() error = %v", err)
	}
	if n != 1_000_000 {
		t.Fatalf("default frame ceiling = %d, want 1000000", n)
	}
	if got, want := cfg.WALPath(), filepath.Join("var", "walcache", "walcache.wal"); got != want {
		t.Fatalf("WALPath() = %q, want %q", got, want)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walcache.toml")
	data := strings.Join([]string{
		`node_id = "from-file"`,
		`listen_addr = "unix:///tmp/walcache.sock"`,
		`max_frame_size = "512KB"`,
		`idle_timeout = "30s"`,
		`wal_truncate_torn_tail = true`,
		`wal_file = "/srv/walcache/main.wal"`,
	}, "\n")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("APP_NODE_ID", "from-env")
	t.Setenv("APP_WAL_SYNC", "false")
	t.Setenv("APP_LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.NodeID != "from-env" {
		t.Fatalf("NodeID = %q, want env override", cfg.NodeID)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.WALSync {
		t.Fatalf("WALSync = true, want env override to false")
	}
	if !cfg.WALTruncateTornTail {
		t.Fatalf("WALTruncateTornTail not read from file")
	}
	if cfg.IdleTimeout != 30*time.Second {
		t.Fatalf("IdleTimeout = %v, want 30s", cfg.IdleTimeout)
	}
	if n, err := cfg.MaxFrameBytes(); err != nil || n != 512_000 {
		t.Fatalf("MaxFrameBytes() = %d, %v; want 512000", n, err)
	}
	if got := cfg.WALPath(); got != "/srv/walcache/main.wal" {
		t.Fatalf("WALPath() = %q, want absolute wal_file unchanged", got)
	}
	ep, err := cfg.Endpoint()
	if err != nil {
		t.Fatalf("Endpoint() error = %v", err)
	}
	if ep.Network != transport.NetworkUnix || ep.Address != "/tmp/walcache.sock" {
		t.Fatalf("Endpoint() = %+v", ep)
	}
}

func TestLoadConfig_RejectsUnknownFileKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walcache.toml")
	if err := os.WriteFile(path, []byte("node_id = \"n\"\nsnapshot_every = 10\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)

	_, err := LoadConfig()
	if err == nil || !strings.Contains(err.Error(), "snapshot_every") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadConfig_InvalidEnv(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "bool", key: "APP_WAL_SYNC", value: "sometimes"},
		{name: "int", key: "APP_LOG_MAX_BACKUPS", value: "three"},
		{name: "duration", key: "APP_IDLE_TIMEOUT", value: "soon"},
		{name: "frame size", key: "APP_MAX_FRAME_SIZE", value: "lots"},
		{name: "scheme", key: "APP_LISTEN_ADDR", value: "http://localhost:7070"},
		{name: "sample ratio", key: "APP_TRACING_SAMPLE_RATIO", value: "half"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("LoadConfig() with %s=%q succeeded", tt.key, tt.value)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty node id", mutate: func(c *Config) { c.NodeID = " " }},
		{name: "log level", mutate: func(c *Config) { c.LogLevel = "loud" }},
		{name: "empty listen addr", mutate: func(c *Config) { c.ListenAddr = "" }},
		{name: "zero frame size", mutate: func(c *Config) { c.MaxFrameSize = "0" }},
		{name: "frame size over record limit", mutate: func(c *Config) { c.MaxFrameSize = "1GB" }},
		{name: "negative idle timeout", mutate: func(c *Config) { c.IdleTimeout = -time.Second }},
		{name: "empty data dir", mutate: func(c *Config) { c.DataDir = "" }},
		{name: "empty wal file", mutate: func(c *Config) { c.WALFile = "" }},
		{name: "negative log backups", mutate: func(c *Config) { c.LogMaxBackups = -1 }},
		{name: "sample ratio above one", mutate: func(c *Config) { c.TracingSampleRatio = 1.5 }},
		{name: "tracing without endpoint", mutate: func(c *Config) {
			c.TracingEnabled = true
			c.TracingEndpoint = ""
		}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() accepted %s", tt.name)
			}
		})
	}
}

func TestConfig_MemoryModeNeedsNoDataDir(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.WALEnabled = false
	cfg.DataDir = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

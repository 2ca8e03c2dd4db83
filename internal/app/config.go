package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"

	"github.com/i-melnichenko/walcache/internal/transport"
	"github.com/i-melnichenko/walcache/internal/wal"
)

// Config contains runtime settings for a node process.
type Config struct {
	NodeID   string `toml:"node_id"`
	LogLevel string `toml:"log_level"`

	// LogFile enables rotated file output instead of stdout.
	LogFile       string `toml:"log_file"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`

	ListenAddr string `toml:"listen_addr"`

	WALEnabled          bool   `toml:"wal_enabled"`
	DataDir             string `toml:"data_dir"`
	WALFile             string `toml:"wal_file"`
	WALSync             bool   `toml:"wal_sync"`
	WALTruncateTornTail bool   `toml:"wal_truncate_torn_tail"`

	// MaxFrameSize is a human size such as "1MB" or "512KB".
	MaxFrameSize string `toml:"max_frame_size"`
	// IdleTimeout closes connections idle for longer. Zero disables it.
	IdleTimeout time.Duration `toml:"idle_timeout"`

	AdminGRPCAddr string `toml:"admin_grpc_addr"`
	MetricsAddr   string `toml:"metrics_addr"`
	PprofAddr     string `toml:"pprof_addr"`

	TracingEnabled     bool   `toml:"tracing_enabled"`
	TracingEndpoint    string `toml:"tracing_endpoint"`
	TracingServiceName string `toml:"tracing_service_name"`
	// TracingSampleRatio is the fraction of root spans kept, in [0, 1].
	TracingSampleRatio float64 `toml:"tracing_sample_ratio"`
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	return Config{
		NodeID:             "walcache-1",
		LogLevel:           "info",
		LogMaxSizeMB:       100,
		LogMaxBackups:      3,
		ListenAddr:         "tcp://127.0.0.1:7070",
		WALEnabled:         true,
		DataDir:            "./var/walcache",
		WALFile:            "walcache.wal",
		WALSync:            true,
		MaxFrameSize:       "1MB",
		AdminGRPCAddr:      "127.0.0.1:7071",
		TracingEndpoint:    "localhost:4317",
		TracingServiceName: "walcache",
		TracingSampleRatio: 1,
	}
}

// LoadConfig builds the configuration from defaults, an optional TOML file
// named by APP_CONFIG_FILE, and environment overrides, in that order.
//
// Supported vars:
// - APP_CONFIG_FILE
// - APP_NODE_ID
// - APP_LOG_LEVEL (debug|info|warn|error)
// - APP_LOG_FILE, APP_LOG_MAX_SIZE_MB, APP_LOG_MAX_BACKUPS
// - APP_LISTEN_ADDR (tcp://host:port, unix:///path.sock or host:port)
// - APP_WAL_ENABLED (bool)
// - APP_DATA_DIR
// - APP_WAL_FILE
// - APP_WAL_SYNC (bool)
// - APP_WAL_TRUNCATE_TORN_TAIL (bool)
// - APP_MAX_FRAME_SIZE (e.g. 1MB)
// - APP_IDLE_TIMEOUT (duration, 0 = disabled)
// - APP_ADMIN_GRPC_ADDR, APP_METRICS_ADDR, APP_PPROF_ADDR (empty = disabled)
// - APP_TRACING_ENABLED, APP_TRACING_ENDPOINT, APP_TRACING_SERVICE_NAME
// - APP_TRACING_SAMPLE_RATIO (0..1)
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("app: read config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("app: unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("APP_NODE_ID", &c.NodeID)
	setString("APP_LOG_FILE", &c.LogFile)
	setString("APP_LISTEN_ADDR", &c.ListenAddr)
	setString("APP_DATA_DIR", &c.DataDir)
	setString("APP_WAL_FILE", &c.WALFile)
	setString("APP_MAX_FRAME_SIZE", &c.MaxFrameSize)
	setString("APP_ADMIN_GRPC_ADDR", &c.AdminGRPCAddr)
	setString("APP_METRICS_ADDR", &c.MetricsAddr)
	setString("APP_PPROF_ADDR", &c.PprofAddr)
	setString("APP_TRACING_ENDPOINT", &c.TracingEndpoint)
	setString("APP_TRACING_SERVICE_NAME", &c.TracingServiceName)
	if v := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); v != "" {
		c.LogLevel = strings.ToLower(v)
	}

	for name, dst := range map[string]*bool{
		"APP_WAL_ENABLED":            &c.WALEnabled,
		"APP_WAL_SYNC":               &c.WALSync,
		"APP_WAL_TRUNCATE_TORN_TAIL": &c.WALTruncateTornTail,
		"APP_TRACING_ENABLED":        &c.TracingEnabled,
	} {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("app: invalid %s %q: %w", name, v, err)
		}
		*dst = b
	}

	for name, dst := range map[string]*int{
		"APP_LOG_MAX_SIZE_MB": &c.LogMaxSizeMB,
		"APP_LOG_MAX_BACKUPS": &c.LogMaxBackups,
	} {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("app: invalid %s %q: %w", name, v, err)
		}
		*dst = n
	}

	if v := strings.TrimSpace(os.Getenv("APP_TRACING_SAMPLE_RATIO")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("app: invalid APP_TRACING_SAMPLE_RATIO %q: %w", v, err)
		}
		c.TracingSampleRatio = f
	}
	if v := strings.TrimSpace(os.Getenv("APP_IDLE_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("app: invalid APP_IDLE_TIMEOUT %q: %w", v, err)
		}
		c.IdleTimeout = d
	}
	return nil
}

// Validate checks that required settings are present and supported.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("app: node id is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if c.LogMaxSizeMB < 0 || c.LogMaxBackups < 0 {
		return fmt.Errorf("app: log rotation limits must not be negative")
	}
	if _, err := c.Endpoint(); err != nil {
		return fmt.Errorf("app: listen addr: %w", err)
	}
	if c.WALEnabled {
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("app: data dir is required")
		}
		if strings.TrimSpace(c.WALFile) == "" {
			return fmt.Errorf("app: wal file is required")
		}
	}
	if _, err := c.MaxFrameBytes(); err != nil {
		return err
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("app: idle timeout must not be negative")
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		return fmt.Errorf("app: tracing endpoint is required when tracing is enabled")
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return fmt.Errorf("app: tracing sample ratio %v outside [0, 1]", c.TracingSampleRatio)
	}
	return nil
}

// Endpoint parses ListenAddr.
func (c Config) Endpoint() (transport.Endpoint, error) {
	return transport.ParseEndpoint(c.ListenAddr)
}

// WALPath is the WAL location: WALFile resolved against DataDir unless it is
// already absolute.
func (c Config) WALPath() string {
	if filepath.IsAbs(c.WALFile) {
		return c.WALFile
	}
	return filepath.Join(c.DataDir, c.WALFile)
}

// MaxFrameBytes parses MaxFrameSize. "1MB" is 1,000,000 bytes.
func (c Config) MaxFrameBytes() (int, error) {
	n, err := units.FromHumanSize(strings.TrimSpace(c.MaxFrameSize))
	if err != nil {
		return 0, fmt.Errorf("app: invalid max frame size %q: %w", c.MaxFrameSize, err)
	}
	if n <= 0 || n > wal.MaxRecordSize {
		return 0, fmt.Errorf("app: max frame size %q out of range", c.MaxFrameSize)
	}
	return int(n), nil
}

// Package service contains application services exposed via transports.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/i-melnichenko/walcache/internal/kv"
	"github.com/i-melnichenko/walcache/internal/kverr"
	"github.com/i-melnichenko/walcache/internal/wal"
)

const keyStripes = 256

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Metrics captures service-level metric sinks used by KV.
type Metrics interface {
	ObserveWALAppendDuration(nodeID, op string, d time.Duration, ok bool)
	ObserveWALReplay(nodeID string, records int, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveWALAppendDuration(string, string, time.Duration, bool) {}
func (noopMetrics) ObserveWALReplay(string, int, time.Duration)                  {}

// KV is the persistent store: every mutation is appended to the Log before it
// is applied to the in-memory Store, and the Store is rebuilt from the Log when
// KV is constructed.
type KV struct {
	store   *kv.Store
	log     Log
	logger  Logger
	tracer  oteltrace.Tracer
	metrics Metrics
	nodeID  string

	// stripes serialize append+apply per key so that, for any key, Log order
	// equals Store apply order.
	stripes [keyStripes]sync.Mutex
}

// OpenKV creates the parent directory of path if needed, opens the WAL there
// and replays it into a fresh store.
func OpenKV(
	path string,
	opts wal.Options,
	logger Logger,
	tracer oteltrace.Tracer,
	metrics Metrics,
	nodeID string,
) (*KV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, kverr.InternalError("kv open", fmt.Errorf("create data dir: %w", err))
	}
	if opts.Logger == nil && logger != nil {
		opts.Logger = logger
	}
	log, err := wal.Open(path, opts)
	if err != nil {
		return nil, err
	}
	svc, err := NewKV(kv.NewStore(), log, logger, tracer, metrics, nodeID)
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return svc, nil
}

// NewMemoryKV returns a KV without durability. Mutations apply straight to
// the store and are lost on restart.
func NewMemoryKV(logger Logger, tracer oteltrace.Tracer, metrics Metrics, nodeID string) *KV {
	svc, _ := NewKV(kv.NewStore(), nil, logger, tracer, metrics, nodeID)
	return svc
}

// NewKV composes store and log and replays log into store. A nil log disables
// durability.
func NewKV(
	store *kv.Store,
	log Log,
	logger Logger,
	tracer oteltrace.Tracer,
	metrics Metrics,
	nodeID string,
) (*KV, error) {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("walcache/service")
	}
	if logger == nil {
		logger = nopLogger{}
	}
	svc := &KV{
		store:   store,
		log:     log,
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
		nodeID:  nodeID,
	}
	if log == nil {
		logger.Info("durability disabled, wal not in use")
		return svc, nil
	}
	if err := svc.replay(context.Background()); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *KV) replay(ctx context.Context) error {
	_, span := s.startSpan(ctx, "kv.service.replay")
	defer span.End()

	start := time.Now()
	n, err := s.log.Replay(s.store)
	took := time.Since(start)
	span.SetAttributes(attribute.Int("wal.records", n))
	if err != nil {
		kvSpanRecordError(span, err)
		return err
	}
	s.metrics.ObserveWALReplay(s.nodeID, n, took)
	s.logger.Info("wal replayed",
		"records", n,
		"keys", s.store.Len(),
		"duration", took,
	)
	return nil
}

func (s *KV) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := s.tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func kvSpanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

// Set durably stores value under key.
func (s *KV) Set(ctx context.Context, key string, value []byte) error {
	ctx, span := s.startSpan(
		ctx,
		"kv.service.Set",
		attribute.Int("kv.key.bytes", len(key)),
		attribute.Int("kv.value.bytes", len(value)),
	)
	defer span.End()

	if _, err := s.mutate(ctx, kv.Command{Type: kv.SetCmd, Key: key, Value: value}); err != nil {
		kvSpanRecordError(span, err)
		return err
	}
	return nil
}

// Get returns the current value of key. It never touches the log.
func (s *KV) Get(ctx context.Context, key string) ([]byte, bool) {
	_, span := s.startSpan(ctx, "kv.service.Get", attribute.Int("kv.key.bytes", len(key)))
	defer span.End()

	v, ok := s.store.Get(key)
	span.SetAttributes(attribute.Bool("kv.found", ok))
	return v, ok
}

// Pop durably removes key and returns the value it held.
func (s *KV) Pop(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := s.startSpan(ctx, "kv.service.Pop", attribute.Int("kv.key.bytes", len(key)))
	defer span.End()

	res, err := s.mutate(ctx, kv.Command{Type: kv.PopCmd, Key: key})
	if err != nil {
		kvSpanRecordError(span, err)
		return nil, false, err
	}
	span.SetAttributes(attribute.Bool("kv.found", res.Found))
	return res.Value, res.Found, nil
}

// Delete durably removes key and returns how many keys were removed (0 or 1).
func (s *KV) Delete(ctx context.Context, key string) (int64, error) {
	ctx, span := s.startSpan(ctx, "kv.service.Delete", attribute.Int("kv.key.bytes", len(key)))
	defer span.End()

	res, err := s.mutate(ctx, kv.Command{Type: kv.DeleteCmd, Key: key})
	if err != nil {
		kvSpanRecordError(span, err)
		return 0, err
	}
	return res.Count, nil
}

// KeysWithPrefix lists keys starting with prefix in ascending byte order.
func (s *KV) KeysWithPrefix(ctx context.Context, prefix string) []string {
	_, span := s.startSpan(ctx, "kv.service.KeysWithPrefix", attribute.Int("kv.prefix.bytes", len(prefix)))
	defer span.End()

	keys := s.store.KeysWithPrefix(prefix)
	span.SetAttributes(attribute.Int("kv.keys", len(keys)))
	return keys
}

// Len returns the number of stored keys.
func (s *KV) Len(ctx context.Context) int64 {
	_, span := s.startSpan(ctx, "kv.service.Len")
	defer span.End()
	return s.store.Len()
}

// Durable reports whether mutations are written to a log.
func (s *KV) Durable() bool { return s.log != nil }

// Close closes the underlying log. Mutations fail afterwards; reads keep
// working against the in-memory state.
func (s *KV) Close() error {
	if s.log == nil {
		return nil
	}
	return s.log.Close()
}

func (s *KV) mutate(ctx context.Context, cmd kv.Command) (kv.Result, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return kv.Result{}, kverr.InternalError("kv "+cmd.Type.String(), err)
		}
	}

	mu := &s.stripes[kv.KeyHash(cmd.Key)%keyStripes]
	mu.Lock()
	defer mu.Unlock()

	if s.log == nil {
		return s.store.Apply(cmd), nil
	}

	start := time.Now()
	if err := s.log.Append(cmd); err != nil {
		s.metrics.ObserveWALAppendDuration(s.nodeID, cmd.Type.String(), time.Since(start), false)
		s.logger.Warn("wal append failed, mutation not applied",
			"op", cmd.Type.String(),
			"err", err,
		)
		return kv.Result{}, kverr.New(kverr.KindOf(err), "kv "+cmd.Type.String(), err)
	}
	s.metrics.ObserveWALAppendDuration(s.nodeID, cmd.Type.String(), time.Since(start), true)

	res := s.store.Apply(cmd)
	s.logger.Debug("mutation applied", "op", cmd.Type.String(), "found", res.Found)
	return res, nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}

// Package app wires the persistent store, the stream server and the admin
// surfaces together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/i-melnichenko/walcache/internal/service"
	admingrpc "github.com/i-melnichenko/walcache/internal/transport/grpc/admin"
	kvstream "github.com/i-melnichenko/walcache/internal/transport/stream/kv"
	"github.com/i-melnichenko/walcache/internal/wal"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// App owns the node's KV service and every listener in front of it.
type App struct {
	config Config
	logger Logger

	admin *admingrpc.Server
}

// New validates dependencies and constructs a runnable application.
func New(cfg Config, logger Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	return &App{config: cfg, logger: logger}, nil
}

// Run replays the WAL, serves clients and blocks until ctx is canceled or a
// fatal error occurs. Connections are closed before the WAL on the way out.
func (a *App) Run(ctx context.Context) error {
	// Sized for the stream, admin, metrics and pprof servers.
	errCh := make(chan error, 4)

	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	prom, metricsSrv, metricsLis, err := a.initMetrics()
	if err != nil {
		return err
	}
	a.startHTTP("metrics", metricsSrv, metricsLis, errCh)
	defer shutdownHTTPServer(metricsSrv, a.logger, "metrics")

	pprofSrv, pprofLis, err := a.pprofServer()
	if err != nil {
		return err
	}
	a.startHTTP("pprof", pprofSrv, pprofLis, errCh)
	defer shutdownHTTPServer(pprofSrv, a.logger, "pprof")

	if err := a.startAdmin(errCh); err != nil {
		return err
	}
	defer a.stopAdmin()

	var (
		svcMetrics    service.Metrics
		streamMetrics kvstream.Metrics
	)
	if prom != nil {
		svcMetrics, streamMetrics = prom, prom
	}

	kvSvc, err := a.openKV(svcMetrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := kvSvc.Close(); err != nil {
			a.logger.Warn("wal close failed", "error", err)
		}
	}()
	if prom != nil {
		if err := prom.RegisterStoreKeys(a.config.NodeID, func() int64 {
			return kvSvc.Len(context.Background())
		}); err != nil {
			return err
		}
	}

	ep, err := a.config.Endpoint()
	if err != nil {
		return err
	}
	lis, err := ep.Listen(ctx)
	if err != nil {
		return err
	}

	frameSize, err := a.config.MaxFrameBytes()
	if err != nil {
		_ = lis.Close()
		return err
	}
	srv := kvstream.NewServer(
		kvSvc,
		a.logger,
		otel.Tracer("walcache/kvstream"),
		streamMetrics,
		kvstream.Options{
			NodeID:       a.config.NodeID,
			MaxFrameSize: frameSize,
			IdleTimeout:  a.config.IdleTimeout,
		},
	)

	a.logger.Info(
		"node started",
		"node_id", a.config.NodeID,
		"listen", ep.String(),
		"durable", kvSvc.Durable(),
		"wal_path", a.walPathForLog(),
		"max_frame_size", frameSize,
	)

	return a.serve(ctx, srv, lis, errCh)
}

// serve runs the stream server and blocks until ctx is canceled or one of the
// servers reports a fatal error.
func (a *App) serve(ctx context.Context, srv *kvstream.Server, lis net.Listener, errCh chan error) error {
	go func() {
		if err := srv.Serve(ctx, lis); err != nil {
			errCh <- fmt.Errorf("kv serve: %w", err)
			return
		}
		if ctx.Err() == nil {
			errCh <- errors.New("kv serve: listener stopped")
		}
	}()
	a.setServing(true)

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down", "node_id", a.config.NodeID)
		a.setServing(false)
		srv.Shutdown()
		return nil
	case err := <-errCh:
		a.setServing(false)
		srv.Shutdown()
		return err
	}
}

func (a *App) openKV(m service.Metrics) (*service.KV, error) {
	tracer := otel.Tracer("walcache/service")
	if !a.config.WALEnabled {
		a.logger.Warn("wal disabled, state will not survive a restart")
		return service.NewMemoryKV(a.logger, tracer, m, a.config.NodeID), nil
	}

	opts := wal.DefaultOptions()
	opts.SyncWrites = a.config.WALSync
	opts.TruncateTornTail = a.config.WALTruncateTornTail
	return service.OpenKV(a.config.WALPath(), opts, a.logger, tracer, m, a.config.NodeID)
}

func (a *App) walPathForLog() string {
	if !a.config.WALEnabled {
		return ""
	}
	return a.config.WALPath()
}

func (a *App) startAdmin(errCh chan<- error) error {
	if a.config.AdminGRPCAddr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", a.config.AdminGRPCAddr)
	if err != nil {
		return fmt.Errorf("listen admin grpc %s: %w", a.config.AdminGRPCAddr, err)
	}
	a.admin = admingrpc.NewServer()
	a.logger.Info("admin grpc listening", "addr", lis.Addr().String())
	go func() {
		if err := a.admin.GRPC().Serve(lis); err != nil {
			errCh <- fmt.Errorf("admin grpc serve: %w", err)
		}
	}()
	return nil
}

func (a *App) stopAdmin() {
	if a.admin != nil {
		a.admin.Stop()
	}
}

func (a *App) setServing(serving bool) {
	if a.admin != nil {
		a.admin.SetServing(serving)
	}
}

func (a *App) startHTTP(name string, srv *http.Server, lis net.Listener, errCh chan<- error) {
	if srv == nil {
		return
	}
	a.logger.Info(name+" listening", "addr", lis.Addr().String())
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s serve: %w", name, err)
		}
	}()
}

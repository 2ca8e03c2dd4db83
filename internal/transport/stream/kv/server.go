// Package kvstream serves the cache protocol over stream connections (TCP or
// Unix sockets) and provides the matching client.
package kvstream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/i-melnichenko/walcache/internal/protocol"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Metrics captures connection and request metric sinks used by Server.
type Metrics interface {
	IncConnectionsAccepted(nodeID string)
	AddActiveConnections(nodeID string, delta int)
	ObserveRequestDuration(nodeID, op, result string, d time.Duration)
	IncRejectedFrames(nodeID, reason string)
}

type noopMetrics struct{}

func (noopMetrics) IncConnectionsAccepted(string)                                {}
func (noopMetrics) AddActiveConnections(string, int)                             {}
func (noopMetrics) ObserveRequestDuration(string, string, string, time.Duration) {}
func (noopMetrics) IncRejectedFrames(string, string)                             {}

// Options tunes a Server.
type Options struct {
	NodeID string
	// MaxFrameSize caps request payloads. Zero means protocol.DefaultMaxFrameSize.
	MaxFrameSize int
	// IdleTimeout closes a connection that sends nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
}

// Server accepts connections and serves one goroutine per connection, all
// sharing one Handler.
type Server struct {
	handler Handler
	logger  Logger
	tracer  oteltrace.Tracer
	metrics Metrics
	opts    Options

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	shutdown  bool
	wg        sync.WaitGroup
}

// NewServer creates a stream server for handler.
func NewServer(handler Handler, logger Logger, tracer oteltrace.Tracer, metrics Metrics, opts Options) *Server {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("walcache/kvstream")
	}
	if logger == nil {
		logger = nopLogger{}
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	return &Server{
		handler:   handler,
		logger:    logger,
		tracer:    tracer,
		metrics:   metrics,
		opts:      opts,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on lis until lis is closed, ctx is canceled or
// Shutdown is called. Transient accept errors are retried with backoff. The
// listener is closed when Serve returns.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	if !s.trackListener(lis, true) {
		_ = lis.Close()
		return nil
	}
	defer s.trackListener(lis, false)
	defer func() { _ = lis.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = lis.Close() })
	defer stop()

	s.logger.Info("kv stream server listening", "addr", lis.Addr().String())

	var delay time.Duration
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isShutdown() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = minAcceptBackoff
			} else {
				delay *= 2
			}
			if delay > maxAcceptBackoff {
				delay = maxAcceptBackoff
			}
			s.logger.Warn("accept failed, retrying", "err", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0
		s.startConn(ctx, conn)
	}
}

// Shutdown closes every listener and live connection, then waits for the
// connection goroutines to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	for lis := range s.listeners {
		_ = lis.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) trackListener(lis net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shutdown {
			return false
		}
		s.listeners[lis] = struct{}{}
		return true
	}
	delete(s.listeners, lis)
	return true
}

func (s *Server) startConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.IncConnectionsAccepted(s.opts.NodeID)
	s.metrics.AddActiveConnections(s.opts.NodeID, 1)
	go s.handleConn(ctx, conn)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := remoteAddr(conn)
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.metrics.AddActiveConnections(s.opts.NodeID, -1)
		s.wg.Done()
	}()

	s.logger.Debug("connection accepted", "remote", remote)
	r := bufio.NewReader(conn)
	for {
		if s.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}

		payload, err := protocol.ReadFrame(r, s.opts.MaxFrameSize)
		if err != nil {
			s.logReadError(remote, err)
			return
		}

		cmd, err := protocol.UnmarshalCommand(payload)
		if err != nil {
			s.metrics.IncRejectedFrames(s.opts.NodeID, "decode")
			s.logger.Warn("closing connection: undecodable command", "remote", remote, "err", err)
			return
		}

		resp := s.dispatch(ctx, cmd)

		if s.opts.IdleTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		if err := protocol.WriteResponse(conn, resp); err != nil {
			s.logger.Warn("closing connection: write response failed", "remote", remote, "err", err)
			return
		}
	}
}

func (s *Server) logReadError(remote string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, protocol.ErrShortHeader):
		s.logger.Debug("connection closed by peer", "remote", remote)
	case errors.Is(err, net.ErrClosed):
		s.logger.Debug("connection closed", "remote", remote)
	case errors.Is(err, protocol.ErrFrameTooLarge):
		s.metrics.IncRejectedFrames(s.opts.NodeID, "too_large")
		s.logger.Warn("closing connection: frame too large", "remote", remote, "err", err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.metrics.IncRejectedFrames(s.opts.NodeID, "truncated")
		s.logger.Warn("closing connection: truncated frame", "remote", remote)
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			s.logger.Debug("closing idle connection", "remote", remote)
			return
		}
		s.logger.Warn("closing connection: read failed", "remote", remote, "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, cmd protocol.Command) protocol.Response {
	ctx, span := s.tracer.Start(ctx, "kvstream.server."+cmd.Op.String(),
		oteltrace.WithAttributes(attribute.Int("kv.key.bytes", len(cmd.Key))))
	defer span.End()

	start := time.Now()
	resp, err := s.execute(ctx, cmd)
	result := "ok"
	if err != nil {
		result = "error"
		recordSpanError(span, err)
		s.logger.Warn("command failed", "op", cmd.Op.String(), "err", err)
	}
	span.SetAttributes(attribute.String("kv.response", resp.Kind.String()))
	s.metrics.ObserveRequestDuration(s.opts.NodeID, cmd.Op.String(), result, time.Since(start))
	return resp
}

func (s *Server) execute(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	switch cmd.Op {
	case protocol.OpSet:
		if err := s.handler.Set(ctx, cmd.Key, cmd.Value); err != nil {
			return protocol.Error(err.Error()), err
		}
		return protocol.Ack(), nil
	case protocol.OpGet:
		v, ok := s.handler.Get(ctx, cmd.Key)
		if !ok {
			return protocol.Absent(), nil
		}
		return protocol.Value(v), nil
	case protocol.OpPop:
		v, ok, err := s.handler.Pop(ctx, cmd.Key)
		if err != nil {
			return protocol.Error(err.Error()), err
		}
		if !ok {
			return protocol.Absent(), nil
		}
		return protocol.Value(v), nil
	case protocol.OpDel:
		n, err := s.handler.Delete(ctx, cmd.Key)
		if err != nil {
			return protocol.Error(err.Error()), err
		}
		return protocol.Count(n), nil
	case protocol.OpKeys:
		prefix, ok := strings.CutSuffix(cmd.Key, "*")
		if !ok {
			return protocol.KeyList([]string{}), nil
		}
		return protocol.KeyList(s.handler.KeysWithPrefix(ctx, prefix)), nil
	case protocol.OpLen:
		return protocol.Count(s.handler.Len(ctx)), nil
	default:
		err := errors.New("kvstream: unsupported op " + cmd.Op.String())
		return protocol.Error(err.Error()), err
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

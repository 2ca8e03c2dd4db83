// Package main implements the walcache node process: it replays the WAL and
// serves the KV stream protocol.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	apppkg "github.com/i-melnichenko/walcache/internal/app"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := apppkg.LoadConfig()
	if err != nil {
		return err
	}

	out, closeOut := logOutput(cfg)
	defer closeOut()
	slog.SetDefault(newLogger(cfg.LogLevel, out))
	logger := slog.Default()

	app, err := apppkg.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

func logOutput(cfg apppkg.Config) (io.Writer, func()) {
	if cfg.LogFile == "" {
		return os.Stdout, func() {}
	}
	w := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   true,
	}
	return w, func() { _ = w.Close() }
}

func newLogger(level string, out io.Writer) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: l}))
}

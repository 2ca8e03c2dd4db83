package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i-melnichenko/walcache/internal/observability/metrics"
)

var registerRuntimeCollectorsOnce sync.Once

// initMetrics builds the Prometheus sinks and the /metrics server. Everything
// is nil when MetricsAddr is empty.
func (a *App) initMetrics() (*metrics.Prometheus, *http.Server, net.Listener, error) {
	if a.config.MetricsAddr == "" {
		return nil, nil, nil, nil
	}

	var regErr error
	registerRuntimeCollectorsOnce.Do(func() {
		for _, c := range []prometheus.Collector{
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		} {
			if err := prometheus.DefaultRegisterer.Register(c); err != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(err, &already) {
					regErr = fmt.Errorf("metrics register runtime collector: %w", err)
					return
				}
			}
		}
	})
	if regErr != nil {
		return nil, nil, nil, regErr
	}

	prom, err := metrics.NewPrometheus(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	lis, err := net.Listen("tcp", a.config.MetricsAddr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listen metrics %s: %w", a.config.MetricsAddr, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return prom, srv, lis, nil
}

func shutdownHTTPServer(srv *http.Server, logger Logger, name string) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn(name+" shutdown failed", "error", err)
	}
}

package app

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

var pprofProfiles = []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"}

func (a *App) pprofServer() (*http.Server, net.Listener, error) {
	if a.config.PprofAddr == "" {
		return nil, nil, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, name := range pprofProfiles {
		mux.Handle("/debug/pprof/"+name, pprof.Handler(name))
	}

	lis, err := net.Listen("tcp", a.config.PprofAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen pprof %s: %w", a.config.PprofAddr, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv, lis, nil
}

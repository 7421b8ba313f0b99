// Package metrics exposes the Prometheus scrape endpoint and pprof on a
// dedicated listener, separate from client traffic.
package metrics

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout = 5 * time.Second
	startupTime     = 500 * time.Millisecond
)

// ServeMetrics runs the metrics HTTP server on l until ctx is cancelled.
func ServeMetrics(ctx context.Context, l net.Listener, log *zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // profiles can take a while to stream
		Handler:      mux,
	}

	errC := make(chan error, 1)
	go func() {
		errC <- server.Serve(l)
	}()

	// Give the server a beat to fail fast on a bad listener before logging
	// the address as live.
	select {
	case err := <-errC:
		return err
	case <-time.After(startupTime):
	}
	log.Info().Str("address", l.Addr().String()).Msg("Metrics server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errC:
		return err
	}
}

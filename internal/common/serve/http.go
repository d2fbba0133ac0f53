// Package serve runs HTTP servers for the lifetime of a context.
package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// ListenAndServe serves handler on port until ctx is cancelled, then shuts the server down gracefully.
// It returns nil after a clean shutdown.
func ListenAndServe(ctx context.Context, port uint16, handler http.Handler) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.WithStack(err)
	}
	return Serve(ctx, listener, handler)
}

// Serve is ListenAndServe on an existing listener.
func Serve(ctx context.Context, listener net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Starting http server listening on %s", listener.Addr())
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WithStack(err)
	case <-ctx.Done():
	}

	log.Infof("Stopping http server listening on %s", listener.Addr())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// ServeMetrics exposes the default prometheus registry at /metrics on port until ctx is cancelled.
func ServeMetrics(ctx context.Context, port uint16) error {
	return ServeMetricsFor(ctx, port, prometheus.DefaultGatherer)
}

func ServeMetricsFor(ctx context.Context, port uint16, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return ListenAndServe(ctx, port, mux)
}

package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zentarim/rtftp/internal/logger"
)

// ServeHTTP exposes reg on addr's "/metrics" endpoint until ctx is
// cancelled, then shuts the HTTP server down gracefully. Intended to run in
// its own goroutine; returns nil on graceful shutdown.
func ServeHTTP(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics: serving", logger.KeyClientAddr, addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

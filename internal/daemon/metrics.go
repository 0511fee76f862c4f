package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/revertd/revertd/telemetry"
)

// runMetricsServer serves Prometheus metrics and liveness endpoints
// until ctx is cancelled. The OTel metric provider registers its
// exporter with telemetry.PrometheusRegistry during InitOTEL; when
// that has not run (tests, metrics disabled) the default handler
// still serves Go runtime metrics.
func runMetricsServer(ctx context.Context, listen string, logger *telemetry.Logger) error {
	mux := http.NewServeMux()

	if telemetry.PrometheusRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(telemetry.PrometheusRegistry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	healthy := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}
	mux.HandleFunc("/health", healthy)
	mux.HandleFunc("/-/healthy", healthy)
	mux.HandleFunc("/-/ready", healthy)

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", listen).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters exported by the courier runtime.
var (
	Passes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_passes_total",
		Help: "Completed polling passes.",
	})
	SourceTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_source_ticks_total",
		Help: "Per-source polling ticks by outcome.",
	}, []string{"outcome"})
	ItemsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_items_delivered_total",
		Help: "Items confirmed delivered to destinations.",
	})
	FetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_fetch_failures_total",
		Help: "Item fetches that failed and rolled back their reservation.",
	})
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_delivery_failures_total",
		Help: "Delivery batches that failed after retries.",
	})
	ExportFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_export_failures_total",
		Help: "Delivery events that failed to export to at least one sink.",
	})
)

// Serve exposes /metrics on addr until the context is cancelled. An empty
// addr disables the endpoint.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

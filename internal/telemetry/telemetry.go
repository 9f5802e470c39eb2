// Package telemetry owns the process metrics registry and tracing helpers.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "ipa"

var registry = prometheus.NewRegistry()

var factory = promauto.With(registry)

var (
	RepetitionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "repetitions_total",
		Help:      "Experiment repetitions by result.",
	}, []string{"result"})

	RepetitionDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "repetition_duration_seconds",
		Help:      "Wall time of one experiment repetition.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})

	GridFitsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "grid_fits_total",
		Help:      "Pipeline fits performed during grid search by result.",
	}, []string{"result"})

	ImagesObservedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "images_observed_total",
		Help:      "Images passed through the classifier.",
	})

	TestCacheTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "test_cache_total",
		Help:      "Held-out test observation lookups by result.",
	}, []string{"result"})

	LedgerRowsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_rows_appended_total",
		Help:      "Result rows appended to ledgers.",
	})
)

func init() {
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func Registry() *prometheus.Registry {
	return registry
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Result labels an outcome for the *_total counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Tracer returns the named tracer of the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("ipalab/" + name)
}

// End records err on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

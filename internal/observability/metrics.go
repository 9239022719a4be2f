// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// stageDurationBuckets cover stage attempts from quick failures up to the default 300s timeout.
var stageDurationBuckets = []float64{1, 5, 15, 30, 60, 120, 180, 300, 600}

// InitMetrics installs the global meter provider backed by a Prometheus exporter.
// Metrics are gathered into a private registry together with Go runtime and process collectors.
// It returns the handler for /metrics and a shutdown function for application exit.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	registry := prom.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithView(metric.NewView(
			metric.Instrument{Name: "deckplane.stage.duration"},
			metric.Stream{Aggregation: metric.AggregationExplicitBucketHistogram{Boundaries: stageDurationBuckets}},
		)),
	)
	otel.SetMeterProvider(provider)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	return handler, provider.Shutdown, nil
}

package common

import (
	"fmt"
	"net/http"
	"time"

	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/sdk/metric/aggregator/histogram"
	controller "go.opentelemetry.io/otel/sdk/metric/controller/basic"
	"go.opentelemetry.io/otel/sdk/metric/export/aggregation"
	processor "go.opentelemetry.io/otel/sdk/metric/processor/basic"
	selector "go.opentelemetry.io/otel/sdk/metric/selector/simple"
)

var log = golog.Logger("common")

// HistogramBoundaries are shared by every histogram. Buy latencies are
// recorded in millis.
var HistogramBoundaries = []float64{1, 5, 10, 50, 100, 500, 1000, 5000}

// NewExporter creates a prometheus exporter and installs its meter provider
// as the global one.
func NewExporter() (*prometheus.Exporter, error) {
	config := prometheus.Config{
		DefaultHistogramBoundaries: HistogramBoundaries,
	}
	c := controller.New(
		processor.NewFactory(
			selector.NewWithHistogramDistribution(
				histogram.WithExplicitBoundaries(config.DefaultHistogramBoundaries),
			),
			aggregation.CumulativeTemporalitySelector(),
			processor.WithMemory(true),
		),
	)
	exporter, err := prometheus.New(config, c)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize prometheus exporter %v", err)
	}
	global.SetMeterProvider(exporter.MeterProvider())
	return exporter, nil
}

// SetupInstrumentation starts a metrics endpoint at prometheusAddr. The
// default mux is served too, so pprof handlers are reachable when imported.
func SetupInstrumentation(prometheusAddr string) error {
	exporter, err := NewExporter()
	if err != nil {
		return err
	}
	http.HandleFunc("/metrics", exporter.ServeHTTP)
	go func() {
		srv := &http.Server{Addr: prometheusAddr, ReadHeaderTimeout: time.Second * 5}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics endpoint stopped: %s", err)
		}
	}()

	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
		return fmt.Errorf("starting Go runtime metrics: %s", err)
	}

	return nil
}

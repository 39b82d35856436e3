package gpubsub

import (
	"context"
	"time"

	"github.com/textileio/dutch-auction/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metricsCollector interface {
	onPublish(context.Context, string, error)
	onHandle(context.Context, string, time.Duration, error)
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) onPublish(context.Context, string, error)               {}
func (noopMetricsCollector) onHandle(context.Context, string, time.Duration, error) {}

type otelMetricsCollector struct {
	published      metric.Int64Counter
	handled        metric.Int64Counter
	handleDuration metric.Int64Histogram
}

func (c *otelMetricsCollector) onPublish(ctx context.Context, topicName string, err error) {
	metrics.MetricIncrCounter(ctx, err, c.published, attribute.String("topic", topicName))
}

func (c *otelMetricsCollector) onHandle(ctx context.Context, topicName string, took time.Duration, err error) {
	label := attribute.String("topic", topicName)
	metrics.MetricIncrCounter(ctx, err, c.handled, label)
	c.handleDuration.Record(ctx, took.Milliseconds(), label)
}

func (p *PubsubMsgBroker) initMetrics(meter metric.MeterMust) {
	p.metrics = &otelMetricsCollector{
		published:      meter.NewInt64Counter("gpubsub.published_messages_total"),
		handled:        meter.NewInt64Counter("gpubsub.handled_messages_total"),
		handleDuration: meter.NewInt64Histogram("gpubsub.handle_message_duration_millis"),
	}
}

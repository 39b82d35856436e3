package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// AttrOK tags a successful operation.
	AttrOK = attribute.Key("status").String("ok")
	// AttrError tags a failed operation.
	AttrError = attribute.Key("status").String("error")
)

// StatusAttr returns AttrOK for a nil err and AttrError otherwise.
func StatusAttr(err error) attribute.KeyValue {
	if err != nil {
		return AttrError
	}
	return AttrOK
}

// MetricIncrCounter adds 1 to m, tagged with labels and the StatusAttr of err.
// Meant to be deferred.
func MetricIncrCounter(ctx context.Context, err error, m metric.Int64Counter, labels ...attribute.KeyValue) {
	m.Add(ctx, 1, append(labels, StatusAttr(err))...)
}

// MetricRecordSince records the millis elapsed since start in h, tagged with
// labels and the StatusAttr of err.
func MetricRecordSince(ctx context.Context, err error, h metric.Int64Histogram, start time.Time, labels ...attribute.KeyValue) {
	h.Record(ctx, time.Since(start).Milliseconds(), append(labels, StatusAttr(err))...)
}

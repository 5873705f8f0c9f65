package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Nil-safe recording helpers. Instruments are nil until InitOTEL runs,
// which tests and library consumers may never do.

func AddCounter(ctx context.Context, counter metric.Int64Counter, value int64, opts ...metric.AddOption) {
	if counter != nil {
		counter.Add(ctx, value, opts...)
	}
}

func RecordHistogram(ctx context.Context, histogram metric.Float64Histogram, value float64, opts ...metric.RecordOption) {
	if histogram != nil {
		histogram.Record(ctx, value, opts...)
	}
}

func RecordGauge(ctx context.Context, gauge metric.Int64Gauge, value int64, opts ...metric.RecordOption) {
	if gauge != nil {
		gauge.Record(ctx, value, opts...)
	}
}

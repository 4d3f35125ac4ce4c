package payload

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metrics instruments for payload loads.
type Metrics struct {
	loadsTotal   metric.Int64Counter
	loadDuration metric.Float64Histogram
	argsResolved metric.Int64Histogram
}

// PayloadMetrics is the global metrics instance for the payload package.
// Set this via SetMetrics() during application initialization.
var PayloadMetrics *Metrics

// SetMetrics sets the global metrics instance.
func SetMetrics(m *Metrics) {
	PayloadMetrics = m
}

// NewMetrics creates payload metrics instruments.
// If meter is nil, returns nil (metrics disabled).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	loadsTotal, err := meter.Int64Counter(
		"shim_payload_loads_total",
		metric.WithDescription("Total number of payload descriptor loads"),
	)
	if err != nil {
		return nil, err
	}

	loadDuration, err := meter.Float64Histogram(
		"shim_payload_load_duration_seconds",
		metric.WithDescription("Payload descriptor load duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	argsResolved, err := meter.Int64Histogram(
		"shim_payload_args_resolved",
		metric.WithDescription("Number of pre-supplied arguments per resolved payload"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		loadsTotal:   loadsTotal,
		loadDuration: loadDuration,
		argsResolved: argsResolved,
	}, nil
}

// RecordLoad records the outcome of a single load.
func (m *Metrics) RecordLoad(ctx context.Context, start time.Time, res *ResolvedExecution, err error) {
	if m == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("error", Kind(err)),
	)

	m.loadsTotal.Add(ctx, 1, attrs)
	m.loadDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if res != nil {
		m.argsResolved.Record(ctx, int64(len(res.Args)))
	}
}

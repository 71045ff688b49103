package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricWindowsTotal   = "reportmill.windows.total"
	metricWindowDuration = "reportmill.window.duration.seconds"
	metricRowsWritten    = "reportmill.rows.written.total"
	metricReportsSkipped = "reportmill.reports.skipped.total"

	attrReport = "report"
	attrStatus = "status"

	// StatusOK marks a successfully materialized window.
	StatusOK = "ok"

	// StatusError marks a window that failed to compute or persist.
	StatusError = "error"
)

// windowBucketBoundaries covers 10ms to 600s; a window ranges from a
// sub-second sqlite query to a multi-minute warehouse scan.
var windowBucketBoundaries = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// RunMetrics holds the OTel instruments recorded during a run.
type RunMetrics struct {
	windowsTotal   metric.Int64Counter
	windowDuration metric.Float64Histogram
	rowsWritten    metric.Int64Counter
	reportsSkipped metric.Int64Counter
}

// NewRunMetrics creates the run instruments from the given meter.
func NewRunMetrics(mt metric.Meter) (*RunMetrics, error) {
	b := newMetricBuilder(mt)

	rm := &RunMetrics{
		windowsTotal:   b.counter(metricWindowsTotal, "Total number of report windows processed", "{window}"),
		windowDuration: b.histogram(metricWindowDuration, "Window compute-and-persist duration in seconds", "s", windowBucketBoundaries...),
		rowsWritten:    b.counter(metricRowsWritten, "Total number of rows written to report files", "{row}"),
		reportsSkipped: b.counter(metricReportsSkipped, "Total number of reports skipped as misconfigured", "{report}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return rm, nil
}

// RecordWindow records one processed window with its report key, status,
// and wall-clock duration.
func (rm *RunMetrics) RecordWindow(ctx context.Context, reportKey, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(attrReport, reportKey),
		attribute.String(attrStatus, status),
	)

	rm.windowsTotal.Add(ctx, 1, attrs)
	rm.windowDuration.Record(ctx, duration.Seconds(), attrs)
}

// AddRowsWritten counts rows persisted for a report.
func (rm *RunMetrics) AddRowsWritten(ctx context.Context, reportKey string, rows int) {
	rm.rowsWritten.Add(ctx, int64(rows), metric.WithAttributes(
		attribute.String(attrReport, reportKey),
	))
}

// AddSkippedReport counts a report dropped before execution.
func (rm *RunMetrics) AddSkippedReport(ctx context.Context, reportKey string) {
	rm.reportsSkipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrReport, reportKey),
	))
}

// metricBuilder accumulates OTel instrument creation errors,
// enabling batch construction with a single error check.
type metricBuilder struct {
	meter metric.Meter
	err   error
}

// newMetricBuilder creates a builder for the given meter.
func newMetricBuilder(mt metric.Meter) *metricBuilder {
	return &metricBuilder{meter: mt}
}

// counter creates an Int64Counter instrument.
func (b *metricBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.setErr(name, err)

	return c
}

// histogram creates a Float64Histogram instrument with optional explicit bucket boundaries.
func (b *metricBuilder) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{
		metric.WithDescription(desc),
		metric.WithUnit(unit),
	}

	if len(bounds) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
	}

	h, err := b.meter.Float64Histogram(name, opts...)
	b.setErr(name, err)

	return h
}

// setErr records the first instrument creation error.
func (b *metricBuilder) setErr(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create %s: %w", name, err)
	}
}

// Package updater orchestrates one reportmill pass: resolve the
// configured reports, triage their due windows, run each producer, and
// merge the results into the persisted artifacts, strictly one window
// at a time.
package updater

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/reportmill/internal/artifact"
	"github.com/Sumatoshi-tech/reportmill/internal/executor"
	"github.com/Sumatoshi-tech/reportmill/internal/graphite"
	"github.com/Sumatoshi-tech/reportmill/internal/observability"
	"github.com/Sumatoshi-tech/reportmill/internal/reader"
	"github.com/Sumatoshi-tech/reportmill/internal/report"
	"github.com/Sumatoshi-tech/reportmill/internal/rerun"
	"github.com/Sumatoshi-tech/reportmill/internal/selector"
	"github.com/Sumatoshi-tech/reportmill/internal/writer"
)

// tracerName identifies the updater's spans.
const tracerName = "reportmill"

// Params carries the updater's dependencies. Config is required; the
// rest default to inert implementations.
type Params struct {
	Config  *reader.Config
	Logger  *slog.Logger
	Metrics *observability.RunMetrics

	// Timeout bounds one producer invocation. Zero leaves it unbounded.
	Timeout time.Duration

	// Now supplies the run's reference instant, fixed once per run so
	// every report triages against the same "current" time.
	Now func() time.Time
}

// Updater drives the full pipeline for one run.
type Updater struct {
	cfg     *reader.Config
	logger  *slog.Logger
	metrics *observability.RunMetrics
	timeout time.Duration
	now     func() time.Time
}

// New returns an updater over the given dependencies.
func New(p Params) *Updater {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	if p.Now == nil {
		p.Now = time.Now
	}

	return &Updater{
		cfg:     p.Config,
		logger:  p.Logger,
		metrics: p.Metrics,
		timeout: p.Timeout,
		now:     p.Now,
	}
}

// Run executes one full pass and returns its statistics. The pass is
// guarded by a pid file in the query folder; a second live instance
// fails with ErrInstanceRunning. Window failures are isolated and
// counted, never fatal.
func (u *Updater) Run(ctx context.Context) (*Stats, error) {
	lock, err := AcquireLock(u.cfg.QueryFolder, u.logger)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	now := u.now().UTC()
	started := time.Now()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "reportmill.run",
		trace.WithAttributes(attribute.Int("run.reports", len(u.cfg.Reports))))
	defer span.End()

	u.logger.InfoContext(ctx, "updater: starting run",
		"reports", len(u.cfg.Reports), "now", now.Format(time.RFC3339))

	pool := executor.NewDBPool(databases(u.cfg))

	defer func() {
		closeErr := pool.Close()
		if closeErr != nil {
			u.logger.WarnContext(ctx, "updater: closing databases", "error", closeErr)
		}
	}()

	rd := reader.New(u.cfg, u.logger)
	defs := rd.Definitions()

	stats := &Stats{
		ReportsConfigured: len(u.cfg.Reports),
		ReportsResolved:   len(defs),
	}

	u.countSkipped(ctx, defs, stats)

	sink, err := u.buildSink(rd)
	if err != nil {
		return nil, err
	}

	directives := rerun.Scan(filepath.Join(u.cfg.QueryFolder, rerun.Folder), u.logger)

	store := artifact.NewStore(u.cfg.OutputFolder)
	exec := executor.New(pool, u.timeout, u.logger)
	wr := writer.New(store, sink, u.logger)
	sel := selector.New(store, directives, u.logger)

	touched := make(map[string]struct{})

	for inst := range sel.Instances(ctx, defs, now) {
		u.processWindow(ctx, exec, wr, store, inst, stats, touched)
	}

	if ctx.Err() != nil {
		return stats, fmt.Errorf("run cancelled: %w", ctx.Err())
	}

	// Directives are retired once the pass has visited every window
	// they reopened; a cancelled run keeps them for the next pass.
	consumeErr := rerun.Consume(directives)
	if consumeErr != nil {
		u.logger.WarnContext(ctx, "updater: directives not consumed", "error", consumeErr)
	} else {
		stats.DirectivesConsumed = len(directives)
	}

	stats.ArtifactsUpdated = len(touched)
	stats.BytesWritten = artifactBytes(touched)
	stats.Elapsed = time.Since(started)

	u.logger.InfoContext(ctx, "updater: run complete",
		"windows", stats.WindowsComputed, "failed", stats.WindowsFailed, "elapsed", stats.Elapsed)

	return stats, nil
}

// processWindow materializes one triaged window. Failures are logged
// and counted; the prior artifact stays untouched on any error.
func (u *Updater) processWindow(
	ctx context.Context,
	exec *executor.Executor,
	wr *writer.Writer,
	store *artifact.Store,
	inst *report.Instance,
	stats *Stats,
	touched map[string]struct{},
) {
	attrs := []attribute.KeyValue{
		attribute.String("report", inst.Key),
		attribute.String("window.start", report.FormatDate(inst.Start)),
	}
	if inst.Group != "" {
		attrs = append(attrs, attribute.String("report.group", inst.Group))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "reportmill.window",
		trace.WithAttributes(attrs...))
	defer span.End()

	started := time.Now()

	fresh, err := exec.Execute(ctx, inst)
	if err != nil {
		u.failWindow(ctx, span, inst, stats, started, err)

		return
	}

	err = wr.UpdateAndPersist(ctx, inst, fresh)
	if err != nil {
		u.failWindow(ctx, span, inst, stats, started, err)

		return
	}

	stats.WindowsComputed++
	stats.RowsWritten += fresh.RowCount()
	touched[store.Path(inst)] = struct{}{}

	if u.metrics != nil {
		u.metrics.RecordWindow(ctx, inst.Key, observability.StatusOK, time.Since(started))
		u.metrics.AddRowsWritten(ctx, inst.Key, fresh.RowCount())
	}

	u.logger.InfoContext(ctx, "updater: window materialized",
		"report", inst.Key, "start", report.FormatDate(inst.Start), "rows", fresh.RowCount())
}

func (u *Updater) failWindow(
	ctx context.Context,
	span trace.Span,
	inst *report.Instance,
	stats *Stats,
	started time.Time,
	err error,
) {
	stats.WindowsFailed++

	span.RecordError(err)

	if u.metrics != nil {
		u.metrics.RecordWindow(ctx, inst.Key, observability.StatusError, time.Since(started))
	}

	u.logger.ErrorContext(ctx, "updater: window failed",
		"report", inst.Key, "start", report.FormatDate(inst.Start), "error", err)
}

// countSkipped accounts for configured reports that did not resolve
// into runnable definitions.
func (u *Updater) countSkipped(ctx context.Context, defs []*report.Definition, stats *Stats) {
	if u.metrics == nil || stats.ReportsResolved == stats.ReportsConfigured {
		return
	}

	resolved := make(map[string]bool, len(defs))
	for _, def := range defs {
		resolved[def.Key] = true
	}

	for key := range u.cfg.Reports {
		if !resolved[key] {
			u.metrics.AddSkippedReport(ctx, key)
		}
	}
}

// buildSink assembles the graphite sink when an endpoint is
// configured. A disabled sink is a nil interface, which the writer
// treats as "do not forward".
func (u *Updater) buildSink(rd *reader.Reader) (writer.MetricsSink, error) {
	if u.cfg.Graphite.Host == "" {
		return nil, nil
	}

	lookups, err := rd.Lookups()
	if err != nil {
		return nil, fmt.Errorf("load graphite lookups: %w", err)
	}

	return graphite.New(u.cfg.Graphite.Addr(), lookups, u.logger), nil
}

func databases(cfg *reader.Config) map[string]executor.Database {
	out := make(map[string]executor.Database, len(cfg.Databases))
	for key, db := range cfg.Databases {
		out[key] = executor.Database{Driver: db.Driver, DSN: db.DSN}
	}

	return out
}

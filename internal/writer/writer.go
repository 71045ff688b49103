// Package writer implements the merge and persistence engine: it
// reconciles freshly produced rows with the prior artifact, tolerating
// schema drift, evicting retired windows, overlaying rerun data, and
// replacing the artifact atomically before forwarding new rows to the
// metrics sink.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Sumatoshi-tech/reportmill/internal/artifact"
	"github.com/Sumatoshi-tech/reportmill/internal/report"
)

// Sentinel merge errors.
var (
	ErrSchemaMismatch  = errors.New("schema mismatch")
	ErrCorruptArtifact = errors.New("corrupt artifact")
)

// MetricsSink accepts one freshly written row. Implementations derive
// the metric names from the instance's sink configuration.
type MetricsSink interface {
	RecordRow(ctx context.Context, inst *report.Instance, header []string, date time.Time, row report.Row) error
}

// Writer merges fresh results into persisted artifacts. A nil sink
// disables metrics forwarding.
type Writer struct {
	store  *artifact.Store
	sink   MetricsSink
	logger *slog.Logger
}

// New returns a writer over the given artifact store.
func New(store *artifact.Store, sink MetricsSink, logger *slog.Logger) *Writer {
	return &Writer{
		store:  store,
		sink:   sink,
		logger: logger,
	}
}

// UpdateAndPersist merges fresh results for one instance into its prior
// artifact, atomically replaces the file, and forwards the genuinely new
// windows' rows to the sink. On any error the prior artifact is left
// untouched.
func (w *Writer) UpdateAndPersist(ctx context.Context, inst *report.Instance, fresh *report.ResultSet) error {
	prior, err := w.store.Load(inst)
	if err != nil {
		return fmt.Errorf("load prior artifact: %w", err)
	}

	merged, newDates, err := Merge(inst, fresh, prior)
	if err != nil {
		return err
	}

	err = w.store.Save(inst, merged)
	if err != nil {
		return err
	}

	w.forward(ctx, inst, merged, newDates)

	return nil
}

// forward records the rows of the newly computed windows. Rerun-
// overwritten windows are excluded upstream; a sink failure affects only
// the row being recorded.
func (w *Writer) forward(ctx context.Context, inst *report.Instance, merged *report.ResultSet, newDates []time.Time) {
	if w.sink == nil {
		return
	}

	for _, date := range newDates {
		for _, row := range merged.Rows(date) {
			err := w.sink.RecordRow(ctx, inst, merged.Header, date, row)
			if err != nil {
				w.logger.WarnContext(ctx, "writer: metrics forward failed",
					"report", inst.Key, "date", report.FormatDate(date), "error", err)
			}
		}
	}
}

// Merge reconciles fresh results with the prior artifact for one report
// instance. It returns the merged result set under the reconciled header
// and the window dates that are genuinely new this run (rerun overwrites
// excluded). Neither input is mutated.
func Merge(inst *report.Instance, fresh, prior *report.ResultSet) (*report.ResultSet, []time.Time, error) {
	if len(fresh.Header) == 0 {
		return nil, nil, fmt.Errorf("%w: report %s: fresh results have no header", ErrSchemaMismatch, inst.Key)
	}

	err := validateRowWidths(inst.Key, fresh)
	if err != nil {
		return nil, nil, err
	}

	if prior.Header == nil && prior.Len() > 0 {
		return nil, nil, fmt.Errorf("%w: report %s: prior data has no header", ErrCorruptArtifact, inst.Key)
	}

	var newDates []time.Time

	for _, date := range fresh.Dates() {
		if !prior.Has(date) {
			newDates = append(newDates, date)
		}
	}

	header, freshRows, priorRows, err := reconcileSchema(inst.Key, fresh, prior)
	if err != nil {
		return nil, nil, err
	}

	threshold, hasThreshold, err := evictionThreshold(inst, prior)
	if err != nil {
		return nil, nil, err
	}

	merged := report.NewResultSet(header)

	for date, rows := range priorRows {
		if hasThreshold && !date.After(threshold) {
			continue
		}

		merged.Replace(date, rows...)
	}

	// Fresh wins on collision; this is how a rerun's corrected data
	// replaces the old row for the same date.
	for date, rows := range freshRows {
		merged.Replace(date, rows...)
	}

	return merged, newDates, nil
}

// validateRowWidths checks every fresh row against the fresh header.
func validateRowWidths(key string, fresh *report.ResultSet) error {
	want := len(fresh.Header)

	for date, rows := range fresh.All() {
		for _, row := range rows {
			if len(row) != want {
				return fmt.Errorf("%w: report %s: row for %s has %d cells, header has %d",
					ErrSchemaMismatch, key, report.FormatDate(date), len(row), want)
			}
		}
	}

	return nil
}

// reconcileSchema builds the working header and rewrites both sides into
// it. Columns the producer no longer emits are preserved at the end of
// the header, fresh rows padded with nulls for them; prior rows are
// remapped by column name, with nulls for newly introduced columns.
func reconcileSchema(key string, fresh, prior *report.ResultSet) ([]string, map[time.Time][]report.Row, map[time.Time][]report.Row, error) {
	freshRows := collectRows(fresh)

	if prior.Header == nil || slices.Equal(fresh.Header, prior.Header) {
		return slices.Clone(fresh.Header), freshRows, collectRows(prior), nil
	}

	var removed []string

	for _, col := range prior.Header {
		if !slices.Contains(fresh.Header, col) {
			removed = append(removed, col)
		}
	}

	slices.Sort(removed)

	header := append(slices.Clone(fresh.Header), removed...)

	padding := make(report.Row, len(removed))
	for date, rows := range freshRows {
		for i, row := range rows {
			rows[i] = append(slices.Clone(row), padding...)
		}

		freshRows[date] = rows
	}

	priorIndex := make(map[string]int, len(prior.Header))
	for i, col := range prior.Header {
		priorIndex[col] = i
	}

	priorRows := make(map[time.Time][]report.Row, prior.Len())

	for date, rows := range prior.All() {
		rewritten := make([]report.Row, len(rows))

		for i, row := range rows {
			out := make(report.Row, len(header))

			for j, col := range header {
				idx, ok := priorIndex[col]
				if !ok {
					continue
				}

				if idx >= len(row) {
					return nil, nil, nil, fmt.Errorf("%w: report %s: prior row for %s is missing column %s",
						ErrSchemaMismatch, key, report.FormatDate(date), col)
				}

				out[j] = row[idx]
			}

			rewritten[i] = out
		}

		priorRows[date] = rewritten
	}

	return header, freshRows, priorRows, nil
}

// collectRows snapshots a result set's windows into a plain map with
// copied row slices, so merging never mutates the inputs.
func collectRows(results *report.ResultSet) map[time.Time][]report.Row {
	out := make(map[time.Time][]report.Row, results.Len())

	for date, rows := range results.All() {
		out[date] = slices.Clone(rows)
	}

	return out
}

// evictionThreshold computes the retention cutoff: the most recent known
// window start, stepped back by the retention limit. Prior windows at or
// before it are evicted. Reports without a limit never evict.
func evictionThreshold(inst *report.Instance, prior *report.ResultSet) (time.Time, bool, error) {
	if inst.MaxDataPoints <= 0 {
		return time.Time{}, false, nil
	}

	newest := inst.Start

	for _, date := range prior.Dates() {
		if date.After(newest) {
			newest = date
		}
	}

	threshold, err := inst.Granularity.Add(newest, -inst.MaxDataPoints)
	if err != nil {
		return time.Time{}, false, err
	}

	return threshold, true, nil
}

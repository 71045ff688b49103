package writer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/reportmill/internal/artifact"
	"github.com/Sumatoshi-tech/reportmill/internal/interval"
	"github.com/Sumatoshi-tech/reportmill/internal/report"
	"github.com/Sumatoshi-tech/reportmill/internal/writer"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dailyInstance(key string, start time.Time) *report.Instance {
	def := &report.Definition{
		Key:         key,
		Granularity: interval.Days,
		FirstDate:   date(2016, time.January, 1),
	}

	return report.NewInstance(def, nil).WithWindow(start, start.AddDate(0, 0, 1))
}

type sinkCall struct {
	date time.Time
	row  report.Row
}

type fakeSink struct {
	calls []sinkCall
	err   error
}

func (f *fakeSink) RecordRow(_ context.Context, _ *report.Instance, _ []string, d time.Time, row report.Row) error {
	f.calls = append(f.calls, sinkCall{date: d, row: row})

	return f.err
}

func TestMerge_HeaderDrift(t *testing.T) {
	t.Parallel()

	inst := dailyInstance("visits", date(2015, time.January, 2))

	prior := report.NewResultSet([]string{"date", "a", "b"})
	prior.Replace(date(2015, time.January, 1), report.Row{"2015-01-01", "1", "2"})

	fresh := report.NewResultSet([]string{"date", "a", "c"})
	fresh.Replace(date(2015, time.January, 2), report.Row{"2015-01-02", "3", "4"})

	merged, newDates, err := writer.Merge(inst, fresh, prior)
	require.NoError(t, err)

	assert.Equal(t, []string{"date", "a", "c", "b"}, merged.Header,
		"dropped prior columns are preserved at the end")

	assert.Equal(t, report.Row{"2015-01-01", "1", "", "2"},
		merged.Rows(date(2015, time.January, 1))[0],
		"prior rows gain a null for the newly introduced column")

	assert.Equal(t, report.Row{"2015-01-02", "3", "4", ""},
		merged.Rows(date(2015, time.January, 2))[0],
		"fresh rows gain a null for the preserved column")

	assert.Equal(t, []time.Time{date(2015, time.January, 2)}, newDates)
}

func TestMerge_EqualHeadersPassThrough(t *testing.T) {
	t.Parallel()

	inst := dailyInstance("visits", date(2016, time.January, 2))

	prior := report.NewResultSet([]string{"date", "visits"})
	prior.Replace(date(2016, time.January, 1), report.Row{"2016-01-01", "5"})

	fresh := report.NewResultSet([]string{"date", "visits"})
	fresh.Replace(date(2016, time.January, 2), report.Row{"2016-01-02", "7"})

	merged, newDates, err := writer.Merge(inst, fresh, prior)
	require.NoError(t, err)

	assert.Equal(t, []string{"date", "visits"}, merged.Header)
	assert.Equal(t, 2, merged.Len())
	assert.Equal(t, []time.Time{date(2016, time.January, 2)}, newDates)
}

func TestMerge_RerunOverwriteWins(t *testing.T) {
	t.Parallel()

	inst := dailyInstance("visits", date(2016, time.January, 2))

	prior := report.NewResultSet([]string{"date", "value"})
	prior.Replace(date(2016, time.January, 2), report.Row{"2016-01-02", "a"})

	fresh := report.NewResultSet([]string{"date", "value"})
	fresh.Replace(date(2016, time.January, 2), report.Row{"2016-01-02", "42"})

	merged, newDates, err := writer.Merge(inst, fresh, prior)
	require.NoError(t, err)

	rows := merged.Rows(date(2016, time.January, 2))
	require.Len(t, rows, 1)
	assert.Equal(t, "42", rows[0][1], "fresh data replaces the malformed prior row")

	assert.Empty(t, newDates, "an overwritten window is not reported as new")
}

func TestMerge_EvictionThreshold(t *testing.T) {
	t.Parallel()

	inst := dailyInstance("visits", date(2016, time.January, 4))
	inst.MaxDataPoints = 2

	prior := report.NewResultSet([]string{"date", "value"})
	prior.Replace(date(2016, time.January, 1), report.Row{"2016-01-01", "1"})
	prior.Replace(date(2016, time.January, 2), report.Row{"2016-01-02", "2"})
	prior.Replace(date(2016, time.January, 3), report.Row{"2016-01-03", "3"})

	fresh := report.NewResultSet([]string{"date", "value"})
	fresh.Replace(date(2016, time.January, 4), report.Row{"2016-01-04", "4"})

	merged, _, err := writer.Merge(inst, fresh, prior)
	require.NoError(t, err)

	assert.False(t, merged.Has(date(2016, time.January, 1)), "01-01 is at most threshold, evicted")
	assert.False(t, merged.Has(date(2016, time.January, 2)), "01-02 equals the threshold, evicted")
	assert.True(t, merged.Has(date(2016, time.January, 3)), "01-03 is past the threshold, kept")
	assert.True(t, merged.Has(date(2016, time.January, 4)))
}

func TestMerge_NoRetentionLimitKeepsEverything(t *testing.T) {
	t.Parallel()

	inst := dailyInstance("visits", date(2016, time.June, 1))

	prior := report.NewResultSet([]string{"date", "value"})
	prior.Replace(date(2015, time.January, 1), report.Row{"2015-01-01", "old"})

	fresh := report.NewResultSet([]string{"date", "value"})
	fresh.Replace(date(2016, time.June, 1), report.Row{"2016-06-01", "new"})

	merged, _, err := writer.Merge(inst, fresh, prior)
	require.NoError(t, err)
	assert.True(t, merged.Has(date(2015, time.January, 1)))
}

func TestMerge_FunnelWindowReplacedWholesale(t *testing.T) {
	t.Parallel()

	inst := dailyInstance("funnel", date(2016, time.January, 1))
	inst.Funnel = true

	d := date(2016, time.January, 1)

	prior := report.NewResultSet([]string{"date", "step"})
	prior.Append(d, report.Row{"2016-01-01", "old-a"})
	prior.Append(d, report.Row{"2016-01-01", "old-b"})
	prior.Append(d, report.Row{"2016-01-01", "old-c"})

	fresh := report.NewResultSet([]string{"date", "step"})
	fresh.Append(d, report.Row{"2016-01-01", "new-a"})
	fresh.Append(d, report.Row{"2016-01-01", "new-b"})

	merged, _, err := writer.Merge(inst, fresh, prior)
	require.NoError(t, err)

	rows := merged.Rows(d)
	require.Len(t, rows, 2, "the fresh window replaces all prior rows for the date")
	assert.Equal(t, "new-a", rows[0][1])
}

func TestMerge_RowWidthMismatch(t *testing.T) {
	t.Parallel()

	inst := dailyInstance("visits", date(2016, time.January, 1))

	fresh := report.NewResultSet([]string{"date", "a", "b"})
	fresh.Replace(date(2016, time.January, 1), report.Row{"2016-01-01", "1"})

	_, _, err := writer.Merge(inst, fresh, report.NewResultSet(nil))
	require.ErrorIs(t, err, writer.ErrSchemaMismatch)
}

func TestMerge_MissingFreshHeader(t *testing.T) {
	t.Parallel()

	inst := dailyInstance("visits", date(2016, time.January, 1))

	_, _, err := writer.Merge(inst, report.NewResultSet(nil), report.NewResultSet(nil))
	require.ErrorIs(t, err, writer.ErrSchemaMismatch)
}

func TestMerge_PriorDataWithoutHeader(t *testing.T) {
	t.Parallel()

	inst := dailyInstance("visits", date(2016, time.January, 2))

	prior := report.NewResultSet(nil)
	prior.Replace(date(2016, time.January, 1), report.Row{"2016-01-01", "1"})

	fresh := report.NewResultSet([]string{"date", "value"})
	fresh.Replace(date(2016, time.January, 2), report.Row{"2016-01-02", "2"})

	_, _, err := writer.Merge(inst, fresh, prior)
	require.ErrorIs(t, err, writer.ErrCorruptArtifact)
}

func TestMerge_ShortPriorRowDuringRewrite(t *testing.T) {
	t.Parallel()

	inst := dailyInstance("visits", date(2016, time.January, 2))

	prior := report.NewResultSet([]string{"date", "a", "b"})
	prior.Replace(date(2016, time.January, 1), report.Row{"2016-01-01", "1"})

	fresh := report.NewResultSet([]string{"date", "a", "c"})
	fresh.Replace(date(2016, time.January, 2), report.Row{"2016-01-02", "3", "4"})

	_, _, err := writer.Merge(inst, fresh, prior)
	require.ErrorIs(t, err, writer.ErrSchemaMismatch)
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	t.Parallel()

	inst := dailyInstance("visits", date(2016, time.January, 2))

	prior := report.NewResultSet([]string{"date", "a", "b"})
	prior.Replace(date(2016, time.January, 1), report.Row{"2016-01-01", "1", "2"})

	fresh := report.NewResultSet([]string{"date", "a", "c"})
	freshRow := report.Row{"2016-01-02", "3", "4"}
	fresh.Replace(date(2016, time.January, 2), freshRow)

	_, _, err := writer.Merge(inst, fresh, prior)
	require.NoError(t, err)

	assert.Equal(t, report.Row{"2016-01-02", "3", "4"}, fresh.Rows(date(2016, time.January, 2))[0])
	assert.Len(t, prior.Rows(date(2016, time.January, 1))[0], 3)
	assert.Equal(t, []string{"date", "a", "c"}, fresh.Header)
}

func TestUpdateAndPersist_RoundTrip(t *testing.T) {
	t.Parallel()

	store := artifact.NewStore(t.TempDir())
	w := writer.New(store, nil, discardLogger())

	inst := dailyInstance("visits", date(2016, time.January, 2))

	fresh := report.NewResultSet([]string{"date", "visits"})
	fresh.Replace(date(2016, time.January, 2), report.Row{"2016-01-02", "10"})

	require.NoError(t, w.UpdateAndPersist(context.Background(), inst, fresh))

	persisted, err := store.Load(inst)
	require.NoError(t, err)
	assert.Equal(t, []string{"date", "visits"}, persisted.Header)
	assert.True(t, persisted.Has(date(2016, time.January, 2)))
}

func TestUpdateAndPersist_ForwardsOnlyNewWindows(t *testing.T) {
	t.Parallel()

	store := artifact.NewStore(t.TempDir())
	inst := dailyInstance("visits", date(2016, time.January, 2))

	// Seed a prior artifact holding 01-01.
	seed := report.NewResultSet([]string{"date", "visits"})
	seed.Replace(date(2016, time.January, 1), report.Row{"2016-01-01", "5"})
	require.NoError(t, store.Save(inst, seed))

	sink := &fakeSink{}
	w := writer.New(store, sink, discardLogger())

	fresh := report.NewResultSet([]string{"date", "visits"})
	fresh.Replace(date(2016, time.January, 1), report.Row{"2016-01-01", "6"})
	fresh.Replace(date(2016, time.January, 2), report.Row{"2016-01-02", "10"})

	require.NoError(t, w.UpdateAndPersist(context.Background(), inst, fresh))

	require.Len(t, sink.calls, 1, "only genuinely new windows are forwarded")
	assert.Equal(t, date(2016, time.January, 2), sink.calls[0].date)
	assert.Equal(t, "10", sink.calls[0].row[1])
}

func TestUpdateAndPersist_SinkFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	store := artifact.NewStore(t.TempDir())
	sink := &fakeSink{err: errors.New("connection refused")}
	w := writer.New(store, sink, discardLogger())

	inst := dailyInstance("visits", date(2016, time.January, 2))

	fresh := report.NewResultSet([]string{"date", "visits"})
	fresh.Replace(date(2016, time.January, 2), report.Row{"2016-01-02", "10"})

	require.NoError(t, w.UpdateAndPersist(context.Background(), inst, fresh),
		"metrics delivery is best-effort")
}

func TestUpdateAndPersist_MergeFailureLeavesArtifactIntact(t *testing.T) {
	t.Parallel()

	store := artifact.NewStore(t.TempDir())
	w := writer.New(store, nil, discardLogger())

	inst := dailyInstance("visits", date(2016, time.January, 2))

	seed := report.NewResultSet([]string{"date", "visits"})
	seed.Replace(date(2016, time.January, 1), report.Row{"2016-01-01", "5"})
	require.NoError(t, store.Save(inst, seed))

	before, err := os.ReadFile(store.Path(inst))
	require.NoError(t, err)

	// A ragged fresh row fails the merge before any write happens.
	fresh := report.NewResultSet([]string{"date", "visits"})
	fresh.Replace(date(2016, time.January, 2), report.Row{"2016-01-02"})

	err = w.UpdateAndPersist(context.Background(), inst, fresh)
	require.ErrorIs(t, err, writer.ErrSchemaMismatch)

	after, err := os.ReadFile(store.Path(inst))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

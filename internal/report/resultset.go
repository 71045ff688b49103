package report

import (
	"iter"
	"slices"
	"time"
)

// Row is one flat artifact row. Cell 0 carries the canonical rendering of
// the row's window-start date; a null cell is the empty string and
// round-trips through the artifact unchanged.
type Row []string

// ResultSet maps window-start dates to the rows computed for that window.
// Non-funnel windows hold exactly one row; funnel windows hold the rows
// in producer order. Keys are normalized UTC instants and iteration is
// always in ascending date order.
type ResultSet struct {
	Header []string

	rows map[time.Time][]Row
}

// NewResultSet returns an empty result set with the given header. A nil
// header is the "artifact absent" state; the merge engine adopts the
// fresh header in that case.
func NewResultSet(header []string) *ResultSet {
	return &ResultSet{
		Header: header,
		rows:   make(map[time.Time][]Row),
	}
}

// dateKey normalizes a window-start instant for use as a map key: UTC
// location, monotonic reading stripped.
func dateKey(t time.Time) time.Time {
	return t.Round(0).UTC()
}

// Append adds rows to date's window, keeping any already present.
func (r *ResultSet) Append(date time.Time, rows ...Row) {
	key := dateKey(date)
	r.rows[key] = append(r.rows[key], rows...)
}

// Replace sets date's window to exactly the given rows.
func (r *ResultSet) Replace(date time.Time, rows ...Row) {
	r.rows[dateKey(date)] = rows
}

// Rows returns the rows held for date's window, nil when absent.
func (r *ResultSet) Rows(date time.Time) []Row {
	return r.rows[dateKey(date)]
}

// Has reports whether date's window holds any rows.
func (r *ResultSet) Has(date time.Time) bool {
	_, ok := r.rows[dateKey(date)]

	return ok
}

// Dates returns all window-start dates in ascending order.
func (r *ResultSet) Dates() []time.Time {
	out := make([]time.Time, 0, len(r.rows))
	for date := range r.rows {
		out = append(out, date)
	}

	slices.SortFunc(out, time.Time.Compare)

	return out
}

// All iterates windows in ascending date order.
func (r *ResultSet) All() iter.Seq2[time.Time, []Row] {
	return func(yield func(time.Time, []Row) bool) {
		for _, date := range r.Dates() {
			if !yield(date, r.rows[date]) {
				return
			}
		}
	}
}

// Len returns the number of windows held.
func (r *ResultSet) Len() int {
	return len(r.rows)
}

// RowCount returns the total number of rows across all windows.
func (r *ResultSet) RowCount() int {
	var n int
	for _, rows := range r.rows {
		n += len(rows)
	}

	return n
}

// Package executor runs report producers for one triaged window at a
// time: SQL templates against a configured database, or external
// scripts, both normalized to date-keyed result sets.
package executor

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/reportmill/internal/report"
)

// Sentinel producer errors.
var (
	ErrProducer           = errors.New("producer failure")
	ErrUnknownPlaceholder = errors.New("unknown placeholder")
	ErrUnsupportedType    = errors.New("unsupported report type")
)

// placeholderPattern matches a {token} left unsubstituted in a SQL
// template after instantiation.
var placeholderPattern = regexp.MustCompile(`\{[A-Za-z0-9_]+\}`)

// stderrExcerptLimit bounds how much captured stderr a script failure
// carries into its error message.
const stderrExcerptLimit = 512

// Executor invokes producers and normalizes their output.
type Executor struct {
	pool    *DBPool
	timeout time.Duration
	logger  *slog.Logger
}

// New returns an executor over the given database pool. A zero timeout
// leaves producer calls unbounded.
func New(pool *DBPool, timeout time.Duration, logger *slog.Logger) *Executor {
	return &Executor{
		pool:    pool,
		timeout: timeout,
		logger:  logger,
	}
}

// Execute runs the producer for one windowed instance and returns its
// normalized results. A producer that yields no rows produces a single
// all-null row at the window start, so the window is marked done and is
// not re-triaged forever.
func (e *Executor) Execute(ctx context.Context, inst *report.Instance) (*report.ResultSet, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	switch inst.Type {
	case report.TypeSQL:
		return e.executeSQL(ctx, inst)
	case report.TypeScript:
		return e.executeScript(ctx, inst)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, inst.Type)
	}
}

func (e *Executor) executeSQL(ctx context.Context, inst *report.Instance) (*report.ResultSet, error) {
	query, err := InstantiateSQL(inst)
	if err != nil {
		return nil, err
	}

	db, err := e.pool.Get(inst.DBKey)
	if err != nil {
		return nil, err
	}

	e.logger.DebugContext(ctx, "executor: running query", "report", inst.Key, "db", inst.DBKey)

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query for report %s: %w", ErrProducer, inst.Key, err)
	}
	defer rows.Close()

	header, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: columns for report %s: %w", ErrProducer, inst.Key, err)
	}

	var raw [][]string

	for rows.Next() {
		values := make([]sql.NullString, len(header))

		scanTargets := make([]any, len(header))
		for i := range values {
			scanTargets[i] = &values[i]
		}

		err = rows.Scan(scanTargets...)
		if err != nil {
			return nil, fmt.Errorf("%w: scan for report %s: %w", ErrProducer, inst.Key, err)
		}

		cells := make([]string, len(values))
		for i, value := range values {
			cells[i] = value.String
		}

		raw = append(raw, cells)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("%w: rows for report %s: %w", ErrProducer, inst.Key, err)
	}

	return normalize(inst, header, raw)
}

func (e *Executor) executeScript(ctx context.Context, inst *report.Instance) (*report.ResultSet, error) {
	args := []string{report.FormatDate(inst.Start), report.FormatDate(inst.End)}
	args = append(args, inst.DimensionValues()...)
	args = append(args, filepath.Dir(inst.Script))

	e.logger.DebugContext(ctx, "executor: running script",
		"report", inst.Key, "script", inst.Script, "args", args)

	cmd := exec.CommandContext(ctx, inst.Script, args...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return nil, fmt.Errorf("%w: script for report %s: %w: %s",
			ErrProducer, inst.Key, err, excerpt(stderr.String()))
	}

	header, raw := splitTSV(stdout.String())
	if header == nil {
		return nil, fmt.Errorf("%w: script for report %s produced no output", ErrProducer, inst.Key)
	}

	return normalize(inst, header, raw)
}

// InstantiateSQL substitutes the window bounds and dimension bindings
// into the instance's SQL template. Any placeholder left over fails with
// ErrUnknownPlaceholder rather than reaching the database.
func InstantiateSQL(inst *report.Instance) (string, error) {
	query := strings.ReplaceAll(inst.SQLTemplate, "{from_timestamp}", report.FormatTimestamp(inst.Start))
	query = strings.ReplaceAll(query, "{to_timestamp}", report.FormatTimestamp(inst.End))

	for name, value := range inst.Dimensions {
		query = strings.ReplaceAll(query, "{"+name+"}", value)
	}

	leftover := placeholderPattern.FindString(query)
	if leftover != "" {
		return "", fmt.Errorf("%w: %s in report %s", ErrUnknownPlaceholder, leftover, inst.Key)
	}

	return query, nil
}

// splitTSV parses producer stdout: first line the header, every further
// line one tab-separated row. Returns a nil header for empty output.
func splitTSV(out string) ([]string, [][]string) {
	var header []string

	var raw [][]string

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}

		cells := strings.Split(line, "\t")

		if header == nil {
			header = cells

			continue
		}

		raw = append(raw, cells)
	}

	return header, raw
}

// normalize keys producer rows by their granularity-truncated first
// column. Funnel reports accumulate rows per window; non-funnel reports
// keep the last row per window.
func normalize(inst *report.Instance, header []string, raw [][]string) (*report.ResultSet, error) {
	if len(header) == 0 {
		return nil, fmt.Errorf("%w: report %s returned no header", ErrProducer, inst.Key)
	}

	results := report.NewResultSet(slices.Clone(header))

	for _, cells := range raw {
		date, err := report.ParseDate(cells[0])
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", inst.Key, err)
		}

		truncated, err := inst.Granularity.Truncate(date)
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", inst.Key, err)
		}

		row := slices.Clone(report.Row(cells))
		row[0] = report.FormatDate(truncated)

		if inst.Funnel {
			results.Append(truncated, row)
		} else {
			results.Replace(truncated, row)
		}
	}

	if results.Len() == 0 {
		row := make(report.Row, len(header))
		row[0] = report.FormatDate(inst.Start)

		results.Replace(inst.Start, row)
	}

	return results, nil
}

// excerpt trims captured stderr for inclusion in an error message.
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrExcerptLimit {
		s = s[:stderrExcerptLimit] + "…"
	}

	if s == "" {
		return "(no stderr)"
	}

	return s
}

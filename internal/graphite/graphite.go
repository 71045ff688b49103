// Package graphite forwards freshly written report rows to a Graphite
// carbon endpoint over the plaintext protocol: one "name value
// timestamp" line per datapoint.
package graphite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/reportmill/internal/report"
)

// Sentinel sink errors.
var (
	ErrInvalidMetricName = errors.New("invalid metric name")
	ErrUnknownColumn     = errors.New("unknown metric column")
	ErrUnboundTemplate   = errors.New("unbound metric path placeholder")
)

// metricPlaceholder names the token substituted with the metric leaf
// name in a path template.
const metricPlaceholder = "{_metric}"

// defaultDialTimeout bounds one carbon connection attempt.
const defaultDialTimeout = 10 * time.Second

// leftoverPattern matches a {token} left unsubstituted in a metric path
// template.
var leftoverPattern = regexp.MustCompile(`\{[A-Za-z0-9_]+\}`)

// Lookups translate raw dimension values into friendly metric path
// tokens, keyed by placeholder name then raw value.
type Lookups map[string]map[string]string

// Sink sends datapoints to one carbon endpoint. Each datapoint uses its
// own short-lived connection, so one unreachable record does not wedge
// the remainder of a run.
type Sink struct {
	addr    string
	lookups Lookups
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a sink for the given host:port carbon address.
func New(addr string, lookups Lookups, logger *slog.Logger) *Sink {
	return &Sink{
		addr:    addr,
		lookups: lookups,
		timeout: defaultDialTimeout,
		logger:  logger,
	}
}

// Record sends one datapoint. Names containing spaces or quotes are
// rejected before anything is sent.
func (s *Sink) Record(ctx context.Context, name, value string, ts time.Time) error {
	if strings.ContainsAny(name, " '\"") {
		return fmt.Errorf("%w: %q", ErrInvalidMetricName, name)
	}

	dialer := net.Dialer{Timeout: s.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dial graphite %s: %w", s.addr, err)
	}
	defer conn.Close()

	line := name + " " + value + " " + strconv.FormatInt(ts.Unix(), 10) + "\n"

	_, err = conn.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("send datapoint %s: %w", name, err)
	}

	s.logger.DebugContext(ctx, "graphite: sent datapoint", "name", name, "value", value)

	return nil
}

// RecordRow emits one datapoint per configured metric of the instance,
// naming each by the report's path template. Null cells are skipped; a
// report without a graphite block records nothing.
func (s *Sink) RecordRow(ctx context.Context, inst *report.Instance, header []string, date time.Time, row report.Row) error {
	if inst.Graphite.Path == "" || len(inst.Graphite.Metrics) == 0 {
		return nil
	}

	metrics := slices.Collect(maps.Keys(inst.Graphite.Metrics))
	slices.Sort(metrics)

	var errs []error

	for _, metric := range metrics {
		column := inst.Graphite.Metrics[metric]

		idx := slices.Index(header, column)
		if idx < 0 || idx >= len(row) {
			errs = append(errs, fmt.Errorf("%w: %q for metric %s", ErrUnknownColumn, column, metric))

			continue
		}

		value := row[idx]
		if value == "" {
			continue
		}

		name, err := s.metricName(inst, metric, header, row)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		err = s.Record(ctx, name, value, date)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// metricName substitutes the path template: dimension bindings (after
// lookup translation), header-named row cells, and the metric leaf name.
func (s *Sink) metricName(inst *report.Instance, metric string, header []string, row report.Row) (string, error) {
	name := strings.ReplaceAll(inst.Graphite.Path, metricPlaceholder, metric)

	for dim, value := range inst.Dimensions {
		name = strings.ReplaceAll(name, "{"+dim+"}", s.translate(dim, value))
	}

	for i, column := range header {
		if i < len(row) {
			name = strings.ReplaceAll(name, "{"+column+"}", row[i])
		}
	}

	leftover := leftoverPattern.FindString(name)
	if leftover != "" {
		return "", fmt.Errorf("%w: %s in report %s", ErrUnboundTemplate, leftover, inst.Key)
	}

	return name, nil
}

// translate maps a raw dimension value through the configured lookup,
// falling back to the raw value.
func (s *Sink) translate(dim, value string) string {
	lookup, ok := s.lookups[dim]
	if !ok {
		return value
	}

	friendly, ok := lookup[value]
	if !ok {
		return value
	}

	return friendly
}

// Package artifact persists report result sets as tab-separated files:
// one file per (possibly dimension-bound) report, first line the header,
// one row per line with the window-start date in the first field, and
// atomic whole-file replacement on save.
package artifact

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Sumatoshi-tech/reportmill/internal/report"
)

// Extension is the artifact file extension.
const Extension = ".tsv"

// fieldSeparator joins row cells on one artifact line.
const fieldSeparator = "\t"

// maxLineBytes bounds a single artifact line during decode.
const maxLineBytes = 1 << 20

// ErrMissingHeader marks an attempt to encode a result set without a
// header.
var ErrMissingHeader = errors.New("missing header")

// Codec renders result sets to and from the tab-separated artifact
// format. Null cells are empty fields and round-trip unchanged.
type Codec struct{}

// Encode writes the header line followed by all rows, windows in
// ascending date order, funnel windows flattened to one line per row.
func (Codec) Encode(w io.Writer, results *report.ResultSet) error {
	if results.Header == nil {
		return ErrMissingHeader
	}

	buffered := bufio.NewWriter(w)

	_, err := buffered.WriteString(strings.Join(results.Header, fieldSeparator) + "\n")
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, rows := range results.All() {
		for _, row := range rows {
			_, err = buffered.WriteString(strings.Join(row, fieldSeparator) + "\n")
			if err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
	}

	err = buffered.Flush()
	if err != nil {
		return fmt.Errorf("flush artifact: %w", err)
	}

	return nil
}

// Decode reads an artifact back into a result set. Empty input yields an
// empty result set with a nil header. Consecutive lines sharing a date
// reassemble into one funnel window. Carriage returns left behind by
// older tooling are tolerated.
func (Codec) Decode(r io.Reader) (*report.ResultSet, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxLineBytes)

	results := report.NewResultSet(nil)

	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		cells := strings.Split(line, fieldSeparator)

		if results.Header == nil {
			results.Header = cells

			continue
		}

		date, err := report.ParseDate(cells[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		results.Append(date, report.Row(cells))
	}

	err := scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	return results, nil
}

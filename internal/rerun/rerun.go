// Package rerun handles operator-issued recompute directives: plain text
// files naming a date range and the reports whose windows inside it must
// be recomputed regardless of prior completion.
package rerun

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/reportmill/internal/report"
)

// Folder is the directive drop-box directory inside the query folder.
const Folder = ".reruns"

// fileMode is the permission for created directive files.
const fileMode = 0o644

// minLines is the smallest valid directive: start, end, one report key.
const minLines = 3

// ErrMalformedDirective marks a directive file that cannot be used.
var ErrMalformedDirective = errors.New("malformed rerun directive")

// Directive is one recompute request: every window starting inside
// [Start, End) of every named report is treated as not-done for the
// current run.
type Directive struct {
	Start time.Time
	End   time.Time
	Keys  []string
	Path  string
}

// Covers reports whether the directive forces recomputation of the given
// report's window start.
func (d *Directive) Covers(key string, date time.Time) bool {
	if !slices.Contains(d.Keys, key) {
		return false
	}

	return !date.Before(d.Start) && date.Before(d.End)
}

// Parse reads one directive: line 1 the range start, line 2 the
// exclusive range end, every further line one report key.
func Parse(r io.Reader) (*Directive, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read directive: %w", err)
	}

	var lines []string

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}

	if len(lines) < minLines {
		return nil, fmt.Errorf("%w: want start, end and at least one report key", ErrMalformedDirective)
	}

	start, err := report.ParseDate(lines[0])
	if err != nil {
		return nil, fmt.Errorf("%w: start: %w", ErrMalformedDirective, err)
	}

	end, err := report.ParseDate(lines[1])
	if err != nil {
		return nil, fmt.Errorf("%w: end: %w", ErrMalformedDirective, err)
	}

	if !start.Before(end) {
		return nil, fmt.Errorf("%w: start %s is not before end %s",
			ErrMalformedDirective, lines[0], lines[1])
	}

	return &Directive{Start: start, End: end, Keys: lines[2:]}, nil
}

// Load parses the directive file at path.
func Load(path string) (*Directive, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open directive: %w", err)
	}
	defer file.Close()

	directive, err := Parse(file)
	if err != nil {
		return nil, err
	}

	directive.Path = path

	return directive, nil
}

// Scan loads every directive file under dir in name order. Files that
// fail to parse are logged and skipped, never deleted, so an operator
// can fix them in place. A missing directory means no directives.
func Scan(dir string, logger *slog.Logger) []*Directive {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("rerun: cannot list directives", "dir", dir, "error", err)
		}

		return nil
	}

	var directives []*Directive

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())

		directive, err := Load(path)
		if err != nil {
			logger.Warn("rerun: skipping directive", "path", path, "error", err)

			continue
		}

		directives = append(directives, directive)
	}

	return directives
}

// Consume deletes the files behind applied directives. It runs only
// after a pass has visited every window they reopened, so a crashed or
// cancelled run retries its reruns.
func Consume(directives []*Directive) error {
	var errs []error

	for _, directive := range directives {
		if directive.Path == "" {
			continue
		}

		err := os.Remove(directive.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("remove directive %s: %w", directive.Path, err))
		}
	}

	return errors.Join(errs...)
}

// Write creates a new directive file under dir, named by the current
// time in milliseconds so concurrent operators cannot collide. Returns
// the created path.
func Write(dir string, directive *Directive) (string, error) {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return "", fmt.Errorf("create directive dir: %w", err)
	}

	var content strings.Builder

	content.WriteString(report.FormatDate(directive.Start) + "\n")
	content.WriteString(report.FormatDate(directive.End) + "\n")

	for _, key := range directive.Keys {
		content.WriteString(key + "\n")
	}

	path := filepath.Join(dir, strconv.FormatInt(time.Now().UnixMilli(), 10))

	err = os.WriteFile(path, []byte(content.String()), fileMode)
	if err != nil {
		return "", fmt.Errorf("write directive: %w", err)
	}

	return path, nil
}

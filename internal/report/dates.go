package report

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the canonical rendering of window-start dates in
// artifacts, rerun directives, and producer arguments.
const DateLayout = "2006-01-02"

// TimestampLayout is the rendering of window bounds substituted into SQL
// templates.
const TimestampLayout = "20060102150405"

// ErrDateParse marks a value that should have been a canonical date but
// was not.
var ErrDateParse = errors.New("unparseable date")

// ParseDate parses a canonical YYYY-MM-DD value into a UTC instant.
func ParseDate(value string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrDateParse, value)
	}

	return t, nil
}

// FormatDate renders t in the canonical date format.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// FormatTimestamp renders t in the SQL template timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

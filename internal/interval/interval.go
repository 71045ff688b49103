// Package interval implements the time-bucket arithmetic shared by the
// selector and writer stages: truncating instants to bucket starts and
// stepping bucket boundaries forwards or backwards by whole buckets.
package interval

import (
	"errors"
	"fmt"
	"iter"
	"time"
)

// Sentinel arithmetic errors.
var (
	ErrInvalidGranularity = errors.New("invalid granularity")
	ErrInvalidRange       = errors.New("invalid range")
)

// Granularity is the bucket size of a report.
type Granularity string

// Supported granularities. Weeks start on Sunday so that weekly results
// are complete on the following Monday.
const (
	Hours  Granularity = "hours"
	Days   Granularity = "days"
	Weeks  Granularity = "weeks"
	Months Granularity = "months"
)

// daysPerWeek is the number of days in a weekly bucket.
const daysPerWeek = 7

// Parse converts a config token into a Granularity.
func Parse(value string) (Granularity, error) {
	g := Granularity(value)

	switch g {
	case Hours, Days, Weeks, Months:
		return g, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidGranularity, value)
	}
}

// Truncate rounds t down to the start of its bucket, in UTC.
// Hours zero the sub-hour fields, days round to midnight, weeks round to
// midnight of the most recent Sunday, months to the first of the month.
// Truncation is idempotent.
func (g Granularity) Truncate(t time.Time) (time.Time, error) {
	t = t.UTC()

	switch g {
	case Hours:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC), nil
	case Days:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case Weeks:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

		return day.AddDate(0, 0, -int(day.Weekday())), nil
	case Months:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidGranularity, g)
	}
}

// Add steps t by times whole buckets. A negative times steps backwards.
// Months step by calendar months, not a fixed duration.
func (g Granularity) Add(t time.Time, times int) (time.Time, error) {
	t = t.UTC()

	switch g {
	case Hours:
		return t.Add(time.Duration(times) * time.Hour), nil
	case Days:
		return t.AddDate(0, 0, times), nil
	case Weeks:
		return t.AddDate(0, 0, daysPerWeek*times), nil
	case Months:
		return t.AddDate(0, times, 0), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidGranularity, g)
	}
}

// Starts enumerates bucket starts in [first, last] inclusive, stepping by
// step buckets at a time. A first after last yields an empty sequence;
// that is the legitimate "nothing due yet" case, not an error. A step
// that does not move time forwards fails with ErrInvalidRange.
func (g Granularity) Starts(first, last time.Time, step int) (iter.Seq[time.Time], error) {
	if step <= 0 {
		return nil, fmt.Errorf("%w: step %d must be positive", ErrInvalidRange, step)
	}

	if !g.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGranularity, g)
	}

	first = first.UTC()
	last = last.UTC()

	return func(yield func(time.Time) bool) {
		for cur := first; !cur.After(last); {
			if !yield(cur) {
				return
			}

			next, err := g.Add(cur, step)
			if err != nil {
				return
			}

			cur = next
		}
	}, nil
}

func (g Granularity) valid() bool {
	switch g {
	case Hours, Days, Weeks, Months:
		return true
	default:
		return false
	}
}

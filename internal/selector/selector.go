// Package selector implements interval triage: deciding which
// granularity-aligned windows of each report are due but not yet
// computed, expanding explosion dimensions into concrete instances along
// the way.
package selector

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/Sumatoshi-tech/reportmill/internal/artifact"
	"github.com/Sumatoshi-tech/reportmill/internal/report"
	"github.com/Sumatoshi-tech/reportmill/internal/rerun"
)

// Selector triages report definitions against the persisted artifacts
// and any pending rerun directives.
type Selector struct {
	store      *artifact.Store
	directives []*rerun.Directive
	logger     *slog.Logger
}

// New returns a selector over the given artifact store and rerun
// directives.
func New(store *artifact.Store, directives []*rerun.Directive, logger *slog.Logger) *Selector {
	return &Selector{
		store:      store,
		directives: directives,
		logger:     logger,
	}
}

// Instances lazily yields one windowed instance per due, not-yet-done
// window of every definition. A failure while triaging one definition is
// logged and ends that definition's stream only; other definitions are
// unaffected.
func (s *Selector) Instances(ctx context.Context, defs []*report.Definition, now time.Time) iter.Seq[*report.Instance] {
	return func(yield func(*report.Instance) bool) {
		for _, def := range defs {
			if ctx.Err() != nil {
				return
			}

			stopped, err := s.triageDefinition(ctx, def, now, yield)
			if err != nil {
				s.logger.WarnContext(ctx, "selector: skipping report", "report", def.Key, "error", err)

				continue
			}

			if stopped {
				return
			}
		}
	}
}

// triageDefinition explodes one definition and emits its due windows.
// The returned bool reports that the consumer stopped the stream.
func (s *Selector) triageDefinition(ctx context.Context, def *report.Definition, now time.Time, yield func(*report.Instance) bool) (bool, error) {
	first, err := def.Granularity.Truncate(def.FirstDate)
	if err != nil {
		return false, fmt.Errorf("first date: %w", err)
	}

	// One full bucket must have elapsed past the lag before a window is
	// eligible, so partial-period data is never computed. Truncate before
	// stepping back: the step is exact on bucket starts, while stepping an
	// arbitrary instant back a calendar month can normalize past the
	// boundary (March 31 minus one month lands in March again).
	latest, err := def.Granularity.Truncate(now.Add(-def.Lag))
	if err != nil {
		return false, err
	}

	last, err := def.Granularity.Add(latest, -1)
	if err != nil {
		return false, err
	}

	if def.MaxDataPoints > 0 {
		lower, err := def.Granularity.Add(last, -(def.MaxDataPoints - 1))
		if err != nil {
			return false, err
		}

		if first.Before(lower) {
			first = lower
		}
	}

	for _, inst := range Explode(def) {
		stopped, err := s.emitWindows(inst, first, last, yield)
		if err != nil {
			return false, err
		}

		if stopped {
			return true, nil
		}
	}

	return false, nil
}

// emitWindows yields one windowed copy of inst per enumerated start that
// is not already done.
func (s *Selector) emitWindows(inst *report.Instance, first, last time.Time, yield func(*report.Instance) bool) (bool, error) {
	done, err := s.doneDates(inst)
	if err != nil {
		return false, err
	}

	starts, err := inst.Granularity.Starts(first, last, 1)
	if err != nil {
		return false, err
	}

	for start := range starts {
		if done[start] {
			continue
		}

		end, err := inst.Granularity.Add(start, 1)
		if err != nil {
			return false, err
		}

		if !yield(inst.WithWindow(start, end)) {
			return true, nil
		}
	}

	return false, nil
}

// doneDates returns the window starts already present in the prior
// artifact, minus any date a rerun directive forces open again.
func (s *Selector) doneDates(inst *report.Instance) (map[time.Time]bool, error) {
	prior, err := s.store.Load(inst)
	if err != nil {
		return nil, err
	}

	done := make(map[time.Time]bool, prior.Len())

	for _, date := range prior.Dates() {
		if s.covered(inst.Key, date) {
			continue
		}

		done[date] = true
	}

	return done, nil
}

// covered reports whether any pending directive reopens the given window.
func (s *Selector) covered(key string, date time.Time) bool {
	for _, directive := range s.directives {
		if directive.Covers(key, date) {
			return true
		}
	}

	return false
}

// Explode expands a definition into one instance per full assignment of
// its explosion placeholders, iterating placeholders in lexicographic
// order so emission is deterministic. A definition without placeholders
// yields exactly one unexploded instance.
func Explode(def *report.Definition) []*report.Instance {
	if !def.Exploded() {
		return []*report.Instance{report.NewInstance(def, nil)}
	}

	names := slices.Collect(maps.Keys(def.ExplodeBy))
	slices.Sort(names)

	assignments := []map[string]string{{}}

	for _, name := range names {
		next := make([]map[string]string, 0, len(assignments)*len(def.ExplodeBy[name]))

		for _, partial := range assignments {
			for _, value := range def.ExplodeBy[name] {
				bound := maps.Clone(partial)
				bound[name] = value
				next = append(next, bound)
			}
		}

		assignments = next
	}

	instances := make([]*report.Instance, len(assignments))
	for i, dims := range assignments {
		instances[i] = report.NewInstance(def, dims)
	}

	return instances
}

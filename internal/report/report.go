// Package report defines the model shared by every pipeline stage: report
// definitions, their dimension-bound instances, and the date-keyed result
// sets they produce and persist.
package report

import (
	"maps"
	"slices"
	"time"

	"github.com/Sumatoshi-tech/reportmill/internal/interval"
)

// Type selects the producer kind for a report.
type Type string

// Supported producer kinds.
const (
	TypeSQL    Type = "sql"
	TypeScript Type = "script"
)

// Graphite is the per-report metrics sink configuration: a dot-separated
// path template with {placeholder} tokens, and a mapping from metric leaf
// name to the result column that carries its value.
type Graphite struct {
	Path    string
	Metrics map[string]string
}

// Definition is the immutable description of one report, as loaded from
// configuration. Instances are cloned from it; a Definition itself is
// never mutated after loading.
type Definition struct {
	Key           string
	Type          Type
	Granularity   interval.Granularity
	Lag           time.Duration
	FirstDate     time.Time
	MaxDataPoints int
	Funnel        bool
	Group         string
	DBKey         string
	SQLTemplate   string
	Script        string
	ExplodeBy     map[string][]string
	Graphite      Graphite
}

// Exploded reports whether the definition carries explosion dimensions.
func (d *Definition) Exploded() bool {
	return len(d.ExplodeBy) > 0
}

// clone deep-copies the definition so instances never alias its maps.
func (d *Definition) clone() Definition {
	out := *d

	out.ExplodeBy = make(map[string][]string, len(d.ExplodeBy))
	for name, values := range d.ExplodeBy {
		out.ExplodeBy[name] = slices.Clone(values)
	}

	out.Graphite.Metrics = maps.Clone(d.Graphite.Metrics)

	return out
}

// Instance is a Definition with every explosion placeholder bound to one
// concrete value and, once triaged, a concrete [Start, End) window. Each
// instance owns its own copies of all mutable sub-structures.
type Instance struct {
	Definition

	Dimensions map[string]string
	Start      time.Time
	End        time.Time
}

// NewInstance binds the given dimension values to a fresh copy of def.
// A nil dims produces an unexploded instance.
func NewInstance(def *Definition, dims map[string]string) *Instance {
	return &Instance{
		Definition: def.clone(),
		Dimensions: maps.Clone(dims),
	}
}

// WithWindow returns a copy of the instance bound to one concrete window.
func (i *Instance) WithWindow(start, end time.Time) *Instance {
	out := &Instance{
		Definition: i.Definition.clone(),
		Dimensions: maps.Clone(i.Dimensions),
		Start:      start,
		End:        end,
	}

	return out
}

// DimensionNames returns the bound placeholder names in lexicographic
// order. Path layout and producer argument order both rely on it.
func (i *Instance) DimensionNames() []string {
	names := slices.Collect(maps.Keys(i.Dimensions))
	slices.Sort(names)

	return names
}

// DimensionValues returns the bound values ordered by placeholder name.
func (i *Instance) DimensionValues() []string {
	names := i.DimensionNames()

	values := make([]string, len(names))
	for idx, name := range names {
		values[idx] = i.Dimensions[name]
	}

	return values
}

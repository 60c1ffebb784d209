package usersim

import (
	"fmt"
	"math"
	"sort"
)

// WildcardObserver is the fact-table key whose bindings apply to every
// observer on a path. Observer-specific bindings overlay it.
const WildcardObserver = "*"

// Binding is an immutable set of named facts for one (path, observer)
// pair. Values are bool or float64; nothing else survives construction.
type Binding struct {
	vals map[string]any
}

// NewBinding validates raw fact values and returns a binding. Integer and
// float32 kinds widen to float64. Empty names, NaN and infinities are
// rejected: a non-finite measurement is a producer bug, not a fact.
func NewBinding(raw map[string]any) (Binding, error) {
	vals := make(map[string]any, len(raw))
	for name, v := range raw {
		if name == "" {
			return Binding{}, fmt.Errorf("facts: empty fact name")
		}
		cv, err := coerceFact(v)
		if err != nil {
			return Binding{}, fmt.Errorf("facts: %s: %w", name, err)
		}
		vals[name] = cv
	}
	return Binding{vals: vals}, nil
}

func coerceFact(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("non-finite number %v", t)
		}
		return t, nil
	case float32:
		return coerceFact(float64(t))
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	default:
		return nil, fmt.Errorf("unsupported fact type %T", v)
	}
}

// Get returns the value bound to name.
func (b Binding) Get(name string) (any, bool) {
	v, ok := b.vals[name]
	return v, ok
}

// Names returns the sorted fact names in the binding.
func (b Binding) Names() []string {
	names := make([]string, 0, len(b.vals))
	for n := range b.vals {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of facts in the binding.
func (b Binding) Len() int { return len(b.vals) }

func (b Binding) overlay(over Binding) Binding {
	if len(over.vals) == 0 {
		return b
	}
	if len(b.vals) == 0 {
		return over
	}
	vals := make(map[string]any, len(b.vals)+len(over.vals))
	for n, v := range b.vals {
		vals[n] = v
	}
	for n, v := range over.vals {
		vals[n] = v
	}
	return Binding{vals: vals}
}

// FactTable holds fact bindings keyed by path, then by observer name. Build
// it up front with Add; lookups never mutate it and are safe to share
// across goroutines once loading is done.
type FactTable struct {
	paths map[string]map[string]Binding
	order []string
}

// NewFactTable returns an empty fact table.
func NewFactTable() *FactTable {
	return &FactTable{paths: make(map[string]map[string]Binding)}
}

// Add records facts for (path, observer). Use WildcardObserver for facts
// shared by every observer on the path. Adding to an existing pair overlays
// the new facts onto the old ones.
func (t *FactTable) Add(path, observer string, b Binding) {
	if observer == "" {
		observer = WildcardObserver
	}
	byObs, ok := t.paths[path]
	if !ok {
		byObs = make(map[string]Binding)
		t.paths[path] = byObs
		t.order = append(t.order, path)
	}
	byObs[observer] = byObs[observer].overlay(b)
}

// Resolve returns the effective binding for (path, observer): the path's
// wildcard facts overlaid with the observer-specific ones. An unknown path
// or observer yields an empty binding; requirements over it fail with
// unbound-variable errors rather than silent defaults.
func (t *FactTable) Resolve(path, observer string) Binding {
	byObs, ok := t.paths[path]
	if !ok {
		return Binding{}
	}
	return byObs[WildcardObserver].overlay(byObs[observer])
}

// Paths returns the paths in the order they were first added.
func (t *FactTable) Paths() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// FactNames returns the sorted union of every fact name in the table. The
// audit compares this set against the names requirements actually
// reference.
func (t *FactTable) FactNames() []string {
	seen := make(map[string]struct{})
	for _, byObs := range t.paths {
		for _, b := range byObs {
			for n := range b.vals {
				seen[n] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

package usersim

import (
	"errors"
	"fmt"
)

// Requirement pairs a labelled expression with its reporting group. Labels
// are unique within an observer; groups are free-text classification used
// by reports ("reliability", "latency", ...).
type Requirement struct {
	Label string
	Group string
	Expr  Expr
}

// Observer is a persona: a named point of view with the requirements it
// holds over application runs.
type Observer struct {
	Name         string
	Role         string
	Goal         string
	Requirements []Requirement
}

// Registry is an ordered collection of observers. Registration validates
// every requirement up front; a malformed requirement rejects its whole
// observer and leaves previously registered observers untouched.
type Registry struct {
	observers []Observer
	index     map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register validates and adds an observer. It returns a
// MalformedExpressionError (wrapped) when any requirement fails structural
// validation.
func (r *Registry) Register(o Observer) error {
	if o.Name == "" {
		return fmt.Errorf("observer: empty observer name")
	}
	if _, dup := r.index[o.Name]; dup {
		return fmt.Errorf("observer: duplicate observer %q", o.Name)
	}
	labels := make(map[string]struct{}, len(o.Requirements))
	for _, req := range o.Requirements {
		if req.Label == "" {
			return fmt.Errorf("observer %q: requirement with empty label", o.Name)
		}
		if _, dup := labels[req.Label]; dup {
			return fmt.Errorf("observer %q: duplicate label %q", o.Name, req.Label)
		}
		labels[req.Label] = struct{}{}
		if err := Validate(req.Expr); err != nil {
			var merr *MalformedExpressionError
			if errors.As(err, &merr) && merr.Label == "" {
				merr.Label = req.Label
			}
			return fmt.Errorf("observer %q: %w", o.Name, err)
		}
	}
	r.index[o.Name] = len(r.observers)
	r.observers = append(r.observers, o)
	return nil
}

// Observers returns the registered observers in registration order. The
// returned slice is a copy; the observers themselves are shared and must
// not be mutated.
func (r *Registry) Observers() []Observer {
	out := make([]Observer, len(r.observers))
	copy(out, r.observers)
	return out
}

// Get returns the observer with the given name.
func (r *Registry) Get(name string) (Observer, bool) {
	i, ok := r.index[name]
	if !ok {
		return Observer{}, false
	}
	return r.observers[i], true
}

// Len returns the number of registered observers.
func (r *Registry) Len() int { return len(r.observers) }

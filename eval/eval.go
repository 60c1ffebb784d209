// Package eval evaluates requirements against fact bindings. Two backends
// implement the same semantics: an engine backend that compiles expression
// trees to expr programs, and a tree-walking interpreter used as fallback
// and as the conformance oracle. Both must agree bit-for-bit on
// (passed, antecedent_fired) for every well-formed input.
package eval

import (
	"fmt"

	usersim "github.com/usersim/usersim-go"
)

// BackendKind selects the evaluation implementation.
type BackendKind string

const (
	// BackendAuto uses the engine when it initializes cleanly and falls
	// back to the walker otherwise.
	BackendAuto BackendKind = "auto"
	// BackendEngine compiles requirements to expr programs.
	BackendEngine BackendKind = "engine"
	// BackendWalker interprets expression trees directly.
	BackendWalker BackendKind = "walker"
)

// Backend evaluates one expression against one binding. The returned fired
// pointer is non-nil only when the root is an Implies and evaluation
// completed far enough to resolve the antecedent without error.
type Backend interface {
	Name() string
	Evaluate(e usersim.Expr, b usersim.Binding) (passed bool, fired *bool, err error)
}

// UnboundVariableError reports a requirement referencing a fact name the
// binding does not carry. The requirement fails with this diagnostic; the
// run continues. Absent facts are never defaulted, since a silent default
// could mask a gap in fact collection.
type UnboundVariableError struct {
	Name string
}

func (e *UnboundVariableError) Error() string {
	return fmt.Sprintf("unbound variable %q", e.Name)
}

// DomainError reports an arithmetic or typing fault met during evaluation:
// division by zero, or an operand of the wrong shape for its position.
// Recovery is local to the requirement, like UnboundVariableError.
type DomainError struct {
	Detail string
}

func (e *DomainError) Error() string {
	return "domain error: " + e.Detail
}

// DisagreementError reports the two backends returning different verdicts
// for the same (expr, binding). It aborts the whole run: a divergence means
// at least one evaluator has broken the semantics contract and neither
// answer can be preferred.
type DisagreementError struct {
	Label   string
	Primary string
	Shadow  string
	Detail  string
}

func (e *DisagreementError) Error() string {
	return fmt.Sprintf("backend disagreement on %q: %s (%s vs %s)", e.Label, e.Detail, e.Primary, e.Shadow)
}

// Options configure an Evaluator.
type Options struct {
	// Backend picks the primary implementation. Empty means BackendAuto.
	Backend BackendKind
	// CrossCheck evaluates every requirement on both backends and turns
	// any divergence into a DisagreementError.
	CrossCheck bool
}

// Evaluator turns requirements and bindings into Results. It is safe for
// concurrent use.
type Evaluator struct {
	primary Backend
	shadow  Backend
}

// New builds an Evaluator for the requested backend.
func New(opts Options) (*Evaluator, error) {
	kind := opts.Backend
	if kind == "" {
		kind = BackendAuto
	}

	walker := NewWalker()
	var primary Backend
	switch kind {
	case BackendWalker:
		primary = walker
	case BackendEngine:
		engine, err := NewEngine()
		if err != nil {
			return nil, err
		}
		primary = engine
	case BackendAuto:
		if engine, err := NewEngine(); err == nil {
			primary = engine
		} else {
			primary = walker
		}
	default:
		return nil, fmt.Errorf("eval: unknown backend %q", kind)
	}

	ev := &Evaluator{primary: primary}
	if opts.CrossCheck {
		if _, isEngine := primary.(*Engine); isEngine {
			ev.shadow = walker
		} else {
			engine, err := NewEngine()
			if err != nil {
				return nil, fmt.Errorf("eval: cross-check needs both backends: %w", err)
			}
			ev.shadow = engine
		}
	}
	return ev, nil
}

// BackendName reports the primary backend in use.
func (ev *Evaluator) BackendName() string { return ev.primary.Name() }

// CrossChecking reports whether a shadow backend verifies every verdict.
func (ev *Evaluator) CrossChecking() bool { return ev.shadow != nil }

// Evaluate runs one requirement against one binding. Requirement-local
// faults (unbound variables, domain errors) are folded into the Result with
// Passed=false and the diagnostic in Err; only a backend disagreement comes
// back as an error.
func (ev *Evaluator) Evaluate(req usersim.Requirement, b usersim.Binding) (usersim.Result, error) {
	res := usersim.Result{
		Label:    req.Label,
		ExprRepr: Render(req.Expr, b),
	}

	// Both backends share the unbound-variable check so their behavior on
	// missing facts is identical by construction.
	if name, missing := unboundVar(req.Expr, b); missing {
		res.Err = (&UnboundVariableError{Name: name}).Error()
		return res, nil
	}

	passed, fired, err := ev.primary.Evaluate(req.Expr, b)
	if ev.shadow != nil {
		sp, sf, serr := ev.shadow.Evaluate(req.Expr, b)
		if detail, diverged := diverges(passed, fired, err, sp, sf, serr); diverged {
			return usersim.Result{}, &DisagreementError{
				Label:   req.Label,
				Primary: ev.primary.Name(),
				Shadow:  ev.shadow.Name(),
				Detail:  detail,
			}
		}
	}
	if err != nil {
		res.Err = err.Error()
		return res, nil
	}
	res.Passed = passed
	res.AntecedentFired = fired
	return res, nil
}

func unboundVar(e usersim.Expr, b usersim.Binding) (string, bool) {
	for _, name := range usersim.FreeVars(e) {
		if _, ok := b.Get(name); !ok {
			return name, true
		}
	}
	return "", false
}

func diverges(p bool, f *bool, err error, sp bool, sf *bool, serr error) (string, bool) {
	if (err != nil) != (serr != nil) {
		return fmt.Sprintf("error presence mismatch: %v vs %v", err, serr), true
	}
	if err != nil {
		// Both failed; the taxonomy member may differ in wording but the
		// verdict agrees.
		return "", false
	}
	if p != sp {
		return fmt.Sprintf("passed=%t vs passed=%t", p, sp), true
	}
	if (f == nil) != (sf == nil) {
		return "antecedent_fired nil-ness mismatch", true
	}
	if f != nil && *f != *sf {
		return fmt.Sprintf("antecedent_fired=%t vs antecedent_fired=%t", *f, *sf), true
	}
	return "", false
}

package eval

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	usersim "github.com/usersim/usersim-go"
)

// Engine compiles requirement trees to expr source and runs the compiled
// programs against the fact environment. The judgement query is fully
// grounded, every variable has a concrete value, so one program run
// answers it. Facts live under the "f" key of the environment and are
// addressed with index syntax, which keeps fact names from ever shadowing
// the helper functions.
//
// The helpers pin down the few places expr's native semantics differ from
// the requirement model: asnum coerces booleans to 0/1 in numeric
// position, asbool rejects numbers in boolean position, and div/idiv turn
// zero divisors into domain errors instead of infinities. All logical and
// comparison operators run natively in the engine.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*enginePrograms
}

type enginePrograms struct {
	full       *exprvm.Program // non-conditional roots
	antecedent *exprvm.Program // root Implies only
	consequent *exprvm.Program // root Implies only
}

// NewEngine returns the expr-backed backend. A probe program is compiled
// up front so that an unusable engine surfaces at startup, where the
// caller can fall back to the walker.
func NewEngine() (*Engine, error) {
	if _, err := expr.Compile("1.0 < 2.0"); err != nil {
		return nil, fmt.Errorf("eval: engine probe failed: %w", err)
	}
	return &Engine{cache: make(map[string]*enginePrograms)}, nil
}

// Name implements Backend.
func (*Engine) Name() string { return "engine" }

// Evaluate implements Backend. Root conditionals compile the antecedent
// and consequent as separate programs: the antecedent verdict is both the
// firing record and the short-circuit guard, exactly as in the walker.
func (g *Engine) Evaluate(e usersim.Expr, b usersim.Binding) (bool, *bool, error) {
	progs, err := g.programs(e)
	if err != nil {
		return false, nil, err
	}
	env := engineEnv(b)

	if progs.antecedent != nil {
		p, err := runBool(progs.antecedent, env)
		if err != nil {
			return false, nil, err
		}
		fired := &p
		if !p {
			return true, fired, nil
		}
		q, err := runBool(progs.consequent, env)
		if err != nil {
			return false, nil, err
		}
		return q, fired, nil
	}

	v, err := runBool(progs.full, env)
	if err != nil {
		return false, nil, err
	}
	return v, nil, nil
}

func (g *Engine) programs(e usersim.Expr) (*enginePrograms, error) {
	key := usersim.Fingerprint(e)
	g.mu.RLock()
	progs, ok := g.cache[key]
	g.mu.RUnlock()
	if ok {
		return progs, nil
	}

	progs = &enginePrograms{}
	if root, isCond := e.(usersim.Implies); isCond {
		ante, err := compileBool(root.If)
		if err != nil {
			return nil, err
		}
		cons, err := compileBool(root.Then)
		if err != nil {
			return nil, err
		}
		progs.antecedent, progs.consequent = ante, cons
	} else {
		full, err := compileBool(e)
		if err != nil {
			return nil, err
		}
		progs.full = full
	}

	g.mu.Lock()
	g.cache[key] = progs
	g.mu.Unlock()
	return progs, nil
}

func compileBool(e usersim.Expr) (*exprvm.Program, error) {
	var sb strings.Builder
	writeEngineSource(&sb, e, true)
	src := sb.String()
	program, err := expr.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("eval: compiling %q: %w", src, err)
	}
	return program, nil
}

func runBool(p *exprvm.Program, env map[string]any) (bool, error) {
	out, err := expr.Run(p, env)
	if err != nil {
		return false, asTaxonomy(err)
	}
	v, ok := out.(bool)
	if !ok {
		return false, &DomainError{Detail: fmt.Sprintf("engine returned %T, boolean needed", out)}
	}
	return v, nil
}

// asTaxonomy maps engine runtime faults onto the shared error taxonomy so
// both backends report identically classed failures.
func asTaxonomy(err error) error {
	var derr *DomainError
	if errors.As(err, &derr) {
		return derr
	}
	var uerr *UnboundVariableError
	if errors.As(err, &uerr) {
		return uerr
	}
	return &DomainError{Detail: err.Error()}
}

func engineEnv(b usersim.Binding) map[string]any {
	facts := make(map[string]any, b.Len())
	for _, name := range b.Names() {
		v, _ := b.Get(name)
		facts[name] = v
	}
	return map[string]any{
		"f":      facts,
		"asnum":  engineAsNum,
		"asbool": engineAsBool,
		"div":    engineDiv,
		"idiv":   engineIDiv,
	}
}

func engineAsNum(v any) (float64, error) {
	switch t := v.(type) {
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case float64:
		return t, nil
	default:
		return 0, &DomainError{Detail: fmt.Sprintf("%T in numeric position", v)}
	}
}

func engineAsBool(v any) (bool, error) {
	if bv, ok := v.(bool); ok {
		return bv, nil
	}
	return false, &DomainError{Detail: fmt.Sprintf("%T in boolean position, boolean needed", v)}
}

func engineDiv(a, b float64) (float64, error) {
	if b == 0 {
		return 0, &DomainError{Detail: "division by zero"}
	}
	return a / b, nil
}

func engineIDiv(a, b float64) (float64, error) {
	if b == 0 {
		return 0, &DomainError{Detail: "integer division by zero"}
	}
	return math.Trunc(a / b), nil
}

func boolShaped(e usersim.Expr) bool {
	switch e.(type) {
	case usersim.Bool, usersim.Not, usersim.And, usersim.Or, usersim.Implies, usersim.Compare:
		return true
	}
	return false
}

func numShaped(e usersim.Expr) bool {
	switch e.(type) {
	case usersim.Num, usersim.Arith:
		return true
	}
	return false
}

// writeEngineSource renders e as expr source. boolPos tracks the expected
// type of the position being rendered; shape mismatches are wrapped in the
// coercion helpers so they resolve (or fail) at run time with the same
// short-circuit visibility the walker has.
func writeEngineSource(sb *strings.Builder, e usersim.Expr, boolPos bool) {
	if !boolPos && boolShaped(e) {
		sb.WriteString("asnum(")
		writeEngineSource(sb, e, true)
		sb.WriteByte(')')
		return
	}
	if boolPos && numShaped(e) {
		sb.WriteString("asbool(")
		writeEngineSource(sb, e, false)
		sb.WriteByte(')')
		return
	}

	switch n := e.(type) {
	case usersim.Bool:
		sb.WriteString(strconv.FormatBool(bool(n)))
	case usersim.Num:
		sb.WriteString(engineNum(float64(n)))
	case usersim.Var:
		if boolPos {
			fmt.Fprintf(sb, "asbool(f[%q])", string(n))
		} else {
			fmt.Fprintf(sb, "asnum(f[%q])", string(n))
		}
	case usersim.Not:
		sb.WriteString("!(")
		writeEngineSource(sb, n.X, true)
		sb.WriteByte(')')
	case usersim.And:
		sb.WriteByte('(')
		for i, x := range n {
			if i > 0 {
				sb.WriteString(" && ")
			}
			writeEngineSource(sb, x, true)
		}
		sb.WriteByte(')')
	case usersim.Or:
		sb.WriteByte('(')
		for i, x := range n {
			if i > 0 {
				sb.WriteString(" || ")
			}
			writeEngineSource(sb, x, true)
		}
		sb.WriteByte(')')
	case usersim.Implies:
		sb.WriteString("(!(")
		writeEngineSource(sb, n.If, true)
		sb.WriteString(") || (")
		writeEngineSource(sb, n.Then, true)
		sb.WriteString("))")
	case usersim.Compare:
		sb.WriteByte('(')
		writeEngineSource(sb, n.L, false)
		sb.WriteByte(' ')
		sb.WriteString(string(n.Op))
		sb.WriteByte(' ')
		writeEngineSource(sb, n.R, false)
		sb.WriteByte(')')
	case usersim.Arith:
		switch n.Op {
		case usersim.OpDiv, usersim.OpIntDiv:
			if n.Op == usersim.OpDiv {
				sb.WriteString("div(")
			} else {
				sb.WriteString("idiv(")
			}
			writeEngineSource(sb, n.L, false)
			sb.WriteString(", ")
			writeEngineSource(sb, n.R, false)
			sb.WriteByte(')')
		default:
			sb.WriteByte('(')
			writeEngineSource(sb, n.L, false)
			sb.WriteByte(' ')
			sb.WriteString(string(n.Op))
			sb.WriteByte(' ')
			writeEngineSource(sb, n.R, false)
			sb.WriteByte(')')
		}
	}
}

// engineNum renders a numeric literal with an explicit decimal component so
// the engine keeps all arithmetic in float64.
func engineNum(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

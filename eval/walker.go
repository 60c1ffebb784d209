package eval

import (
	"fmt"
	"math"

	usersim "github.com/usersim/usersim-go"
)

// Walker evaluates expression trees by direct interpretation. It has no
// compilation step and no dependencies, which makes it the fallback backend
// and the oracle the engine is checked against.
type Walker struct{}

// NewWalker returns the tree-walking backend.
func NewWalker() *Walker { return &Walker{} }

// Name implements Backend.
func (*Walker) Name() string { return "walker" }

// Evaluate implements Backend.
func (*Walker) Evaluate(e usersim.Expr, b usersim.Binding) (bool, *bool, error) {
	if root, ok := e.(usersim.Implies); ok {
		p, err := evalBool(root.If, b)
		if err != nil {
			return false, nil, err
		}
		fired := &p
		if !p {
			// Vacuous pass: the rule never applied on this path.
			return true, fired, nil
		}
		q, err := evalBool(root.Then, b)
		if err != nil {
			return false, nil, err
		}
		return q, fired, nil
	}
	v, err := evalBool(e, b)
	if err != nil {
		return false, nil, err
	}
	return v, nil, nil
}

// evalBool evaluates a subtree in boolean position. Numeric values are a
// type fault here; the reverse coercion (boolean in numeric position)
// is legal and handled by evalNum.
func evalBool(e usersim.Expr, b usersim.Binding) (bool, error) {
	switch n := e.(type) {
	case usersim.Bool:
		return bool(n), nil
	case usersim.Num:
		return false, &DomainError{Detail: "numeric literal in boolean position"}
	case usersim.Var:
		v, ok := b.Get(string(n))
		if !ok {
			return false, &UnboundVariableError{Name: string(n)}
		}
		bv, ok := v.(bool)
		if !ok {
			return false, &DomainError{Detail: fmt.Sprintf("fact %q is numeric, boolean needed", string(n))}
		}
		return bv, nil
	case usersim.Not:
		v, err := evalBool(n.X, b)
		if err != nil {
			return false, err
		}
		return !v, nil
	case usersim.And:
		for _, x := range n {
			v, err := evalBool(x, b)
			if err != nil {
				return false, err
			}
			if !v {
				return false, nil
			}
		}
		return true, nil
	case usersim.Or:
		for _, x := range n {
			v, err := evalBool(x, b)
			if err != nil {
				return false, err
			}
			if v {
				return true, nil
			}
		}
		return false, nil
	case usersim.Implies:
		p, err := evalBool(n.If, b)
		if err != nil {
			return false, err
		}
		if !p {
			return true, nil
		}
		return evalBool(n.Then, b)
	case usersim.Compare:
		l, err := evalNum(n.L, b)
		if err != nil {
			return false, err
		}
		r, err := evalNum(n.R, b)
		if err != nil {
			return false, err
		}
		switch n.Op {
		case usersim.OpEq:
			return l == r, nil
		case usersim.OpNe:
			return l != r, nil
		case usersim.OpLt:
			return l < r, nil
		case usersim.OpLe:
			return l <= r, nil
		case usersim.OpGt:
			return l > r, nil
		case usersim.OpGe:
			return l >= r, nil
		default:
			return false, &DomainError{Detail: fmt.Sprintf("unknown comparison operator %q", string(n.Op))}
		}
	case usersim.Arith:
		return false, &DomainError{Detail: "arithmetic expression in boolean position"}
	default:
		return false, &DomainError{Detail: fmt.Sprintf("unsupported node %T", e)}
	}
}

// evalNum evaluates a subtree in numeric position. Booleans coerce to 0/1,
// whether they are literals, facts or whole logical subtrees.
func evalNum(e usersim.Expr, b usersim.Binding) (float64, error) {
	switch n := e.(type) {
	case usersim.Num:
		return float64(n), nil
	case usersim.Bool:
		return boolToNum(bool(n)), nil
	case usersim.Var:
		v, ok := b.Get(string(n))
		if !ok {
			return 0, &UnboundVariableError{Name: string(n)}
		}
		switch t := v.(type) {
		case float64:
			return t, nil
		case bool:
			return boolToNum(t), nil
		default:
			return 0, &DomainError{Detail: fmt.Sprintf("fact %q has unsupported type %T", string(n), v)}
		}
	case usersim.Arith:
		l, err := evalNum(n.L, b)
		if err != nil {
			return 0, err
		}
		r, err := evalNum(n.R, b)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case usersim.OpAdd:
			return l + r, nil
		case usersim.OpSub:
			return l - r, nil
		case usersim.OpMul:
			return l * r, nil
		case usersim.OpDiv:
			if r == 0 {
				return 0, &DomainError{Detail: "division by zero"}
			}
			return l / r, nil
		case usersim.OpIntDiv:
			if r == 0 {
				return 0, &DomainError{Detail: "integer division by zero"}
			}
			return math.Trunc(l / r), nil
		default:
			return 0, &DomainError{Detail: fmt.Sprintf("unknown arithmetic operator %q", string(n.Op))}
		}
	default:
		v, err := evalBool(e, b)
		if err != nil {
			return 0, err
		}
		return boolToNum(v), nil
	}
}

func boolToNum(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

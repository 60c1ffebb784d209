package usersim

import (
	"fmt"
	"math"
	"sort"
)

// CmpOp is a comparison operator.
type CmpOp string

// Comparison operators.
const (
	OpEq CmpOp = "=="
	OpNe CmpOp = "!="
	OpLt CmpOp = "<"
	OpLe CmpOp = "<="
	OpGt CmpOp = ">"
	OpGe CmpOp = ">="
)

func (op CmpOp) valid() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// ArithOp is an arithmetic operator. OpIntDiv truncates toward zero.
type ArithOp string

// Arithmetic operators.
const (
	OpAdd    ArithOp = "+"
	OpSub    ArithOp = "-"
	OpMul    ArithOp = "*"
	OpDiv    ArithOp = "/"
	OpIntDiv ArithOp = "//"
)

func (op ArithOp) valid() bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpIntDiv:
		return true
	}
	return false
}

// Expr is a node in a requirement expression tree. Leaves are Bool, Num and
// Var; interior nodes combine subtrees with logical and arithmetic
// operators. Trees are plain values and must be treated as immutable once a
// requirement carrying them has been registered.
type Expr interface {
	expr()
}

// Bool is a boolean literal.
type Bool bool

// Num is a numeric literal. Requirements treat all numbers as float64.
type Num float64

// Var references a named fact in the binding the expression is evaluated
// against.
type Var string

// Not negates a boolean subtree.
type Not struct{ X Expr }

// And is a conjunction of two or more boolean subtrees, evaluated left to
// right with short-circuiting.
type And []Expr

// Or is a disjunction of two or more boolean subtrees, evaluated left to
// right with short-circuiting.
type Or []Expr

// Implies is material implication. When it is the root of a requirement it
// also drives vacuity accounting: a false antecedent passes the requirement
// without firing it.
type Implies struct {
	If   Expr
	Then Expr
}

// Compare relates two numeric subtrees. Boolean operands coerce to 0 or 1.
type Compare struct {
	Op   CmpOp
	L, R Expr
}

// Arith combines two numeric subtrees.
type Arith struct {
	Op   ArithOp
	L, R Expr
}

func (Bool) expr()    {}
func (Num) expr()     {}
func (Var) expr()     {}
func (Not) expr()     {}
func (And) expr()     {}
func (Or) expr()      {}
func (Implies) expr() {}
func (Compare) expr() {}
func (Arith) expr()   {}

// FreeVars returns the sorted, de-duplicated variable names referenced
// anywhere in e.
func FreeVars(e Expr) []string {
	seen := make(map[string]struct{})
	collectVars(e, seen)
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func collectVars(e Expr, seen map[string]struct{}) {
	switch n := e.(type) {
	case Var:
		seen[string(n)] = struct{}{}
	case Not:
		collectVars(n.X, seen)
	case And:
		for _, x := range n {
			collectVars(x, seen)
		}
	case Or:
		for _, x := range n {
			collectVars(x, seen)
		}
	case Implies:
		collectVars(n.If, seen)
		collectVars(n.Then, seen)
	case Compare:
		collectVars(n.L, seen)
		collectVars(n.R, seen)
	case Arith:
		collectVars(n.L, seen)
		collectVars(n.R, seen)
	}
}

// MalformedExpressionError reports a structurally invalid expression. It
// surfaces at observer registration time; a malformed requirement never
// reaches evaluation.
type MalformedExpressionError struct {
	Label  string
	Reason string
}

func (e *MalformedExpressionError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("malformed expression: %s", e.Reason)
	}
	return fmt.Sprintf("malformed expression in %q: %s", e.Label, e.Reason)
}

// Validate checks e for structural defects: nil children, And/Or with fewer
// than two operands, unknown operators, empty variable names and non-finite
// numeric literals. A nil error means e is safe to evaluate.
func Validate(e Expr) error {
	switch n := e.(type) {
	case nil:
		return &MalformedExpressionError{Reason: "nil expression"}
	case Bool:
		return nil
	case Num:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return &MalformedExpressionError{Reason: "non-finite numeric literal"}
		}
		return nil
	case Var:
		if n == "" {
			return &MalformedExpressionError{Reason: "empty variable name"}
		}
		return nil
	case Not:
		return Validate(n.X)
	case And:
		if len(n) < 2 {
			return &MalformedExpressionError{Reason: fmt.Sprintf("and requires at least 2 operands, got %d", len(n))}
		}
		for _, x := range n {
			if err := Validate(x); err != nil {
				return err
			}
		}
		return nil
	case Or:
		if len(n) < 2 {
			return &MalformedExpressionError{Reason: fmt.Sprintf("or requires at least 2 operands, got %d", len(n))}
		}
		for _, x := range n {
			if err := Validate(x); err != nil {
				return err
			}
		}
		return nil
	case Implies:
		if err := Validate(n.If); err != nil {
			return err
		}
		return Validate(n.Then)
	case Compare:
		if !n.Op.valid() {
			return &MalformedExpressionError{Reason: fmt.Sprintf("unknown comparison operator %q", string(n.Op))}
		}
		if err := Validate(n.L); err != nil {
			return err
		}
		return Validate(n.R)
	case Arith:
		if !n.Op.valid() {
			return &MalformedExpressionError{Reason: fmt.Sprintf("unknown arithmetic operator %q", string(n.Op))}
		}
		if err := Validate(n.L); err != nil {
			return err
		}
		return Validate(n.R)
	default:
		return &MalformedExpressionError{Reason: fmt.Sprintf("unknown expression node %T", e)}
	}
}

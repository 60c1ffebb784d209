package dsl

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"

	usersim "github.com/usersim/usersim-go"
)

var parser = participle.MustBuild[File](
	participle.Lexer(Lexer),
	participle.UseLookahead(2),
	participle.Elide("Whitespace", "Comment"),
)

// Parse parses observer definitions from src. filename appears only in
// error positions (file:line:col).
func Parse(filename string, src []byte) ([]usersim.Observer, error) {
	file, err := parser.ParseBytes(filename, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	return Lower(file), nil
}

// ParseFile reads and parses one observer definition file.
func ParseFile(path string) ([]usersim.Observer, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, src)
}

// Lower converts a parse tree to domain observers. Requirements declared
// inside a group carry the group name as a label prefix: group "latency"
// with require "p95-bounded" yields the label "latency/p95-bounded".
// Structural validation happens at registry time, not here.
func Lower(f *File) []usersim.Observer {
	observers := make([]usersim.Observer, 0, len(f.Observers))
	for _, decl := range f.Observers {
		o := usersim.Observer{Name: unquote(decl.Name)}
		if decl.Role != nil {
			o.Role = unquote(*decl.Role)
		}
		if decl.Goal != nil {
			o.Goal = unquote(*decl.Goal)
		}
		for _, item := range decl.Items {
			switch {
			case item.Group != nil:
				group := unquote(item.Group.Name)
				for _, req := range item.Group.Requires {
					o.Requirements = append(o.Requirements, lowerRequire(req, group))
				}
			case item.Require != nil:
				o.Requirements = append(o.Requirements, lowerRequire(item.Require, ""))
			}
		}
		observers = append(observers, o)
	}
	return observers
}

func lowerRequire(decl *RequireDecl, group string) usersim.Requirement {
	label := unquote(decl.Label)
	if group != "" {
		label = group + "/" + label
	}
	return usersim.Requirement{
		Label: label,
		Group: group,
		Expr:  lowerExpression(decl.Expr),
	}
}

func lowerExpression(e *Expression) usersim.Expr {
	if e.If != nil {
		return usersim.Implies{If: lowerOr(e.If), Then: lowerExpression(e.Then)}
	}
	return lowerOr(e.Plain)
}

func lowerOr(e *OrExpr) usersim.Expr {
	left := lowerAnd(e.Left)
	if len(e.Rest) == 0 {
		return left
	}
	terms := make(usersim.Or, 0, len(e.Rest)+1)
	terms = append(terms, left)
	for _, t := range e.Rest {
		terms = append(terms, lowerAnd(t))
	}
	return terms
}

func lowerAnd(e *AndExpr) usersim.Expr {
	left := lowerUnary(e.Left)
	if len(e.Rest) == 0 {
		return left
	}
	terms := make(usersim.And, 0, len(e.Rest)+1)
	terms = append(terms, left)
	for _, t := range e.Rest {
		terms = append(terms, lowerUnary(t))
	}
	return terms
}

func lowerUnary(e *Unary) usersim.Expr {
	if e.Not != nil {
		return usersim.Not{X: lowerUnary(e.Not)}
	}
	return lowerComparison(e.Cmp)
}

func lowerComparison(e *Comparison) usersim.Expr {
	left := lowerAdditive(e.Left)
	if e.Op == "" {
		return left
	}
	return usersim.Compare{Op: usersim.CmpOp(e.Op), L: left, R: lowerAdditive(e.Right)}
}

func lowerAdditive(e *Additive) usersim.Expr {
	expr := lowerMultiplicative(e.Left)
	for _, t := range e.Rest {
		expr = usersim.Arith{Op: usersim.ArithOp(t.Op), L: expr, R: lowerMultiplicative(t.Right)}
	}
	return expr
}

func lowerMultiplicative(e *Multiplicative) usersim.Expr {
	expr := lowerAtom(e.Left)
	for _, t := range e.Rest {
		expr = usersim.Arith{Op: usersim.ArithOp(t.Op), L: expr, R: lowerAtom(t.Right)}
	}
	return expr
}

func lowerAtom(a *Atom) usersim.Expr {
	switch {
	case a.Number != nil:
		return usersim.Num(a.Number.value())
	case a.Bool != nil:
		return usersim.Bool(bool(*a.Bool))
	case a.Fact != nil:
		return usersim.Var(*a.Fact)
	default:
		return lowerExpression(a.Sub)
	}
}

func (n *NumberLit) value() float64 {
	var v float64
	switch {
	case n.Float != nil:
		v = *n.Float
	case n.Int != nil:
		v = float64(*n.Int)
	}
	if n.Neg {
		v = -v
	}
	return v
}

// unquote strips the surrounding quotes from a String token. Both quote
// styles are accepted; escape sequences follow Go string rules.
func unquote(tok string) string {
	if len(tok) < 2 {
		return tok
	}
	if tok[0] == '\'' {
		tok = `"` + strings.ReplaceAll(tok[1:len(tok)-1], `\'`, "'") + `"`
	}
	if u, err := strconv.Unquote(tok); err == nil {
		return u
	}
	return strings.Trim(tok, `"'`)
}

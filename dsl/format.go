package dsl

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	usersim "github.com/usersim/usersim-go"
)

// Format renders observers in canonical form: double-quoted strings,
// two-space indent, one requirement per line, minimal parentheses.
// Formatting a parsed file and re-parsing the output yields structurally
// identical expressions.
func Format(observers []usersim.Observer) string {
	var b strings.Builder
	for i, o := range observers {
		if i > 0 {
			b.WriteByte('\n')
		}
		formatObserver(&b, o)
	}
	return b.String()
}

// FormatSource parses src and re-renders it canonically.
func FormatSource(filename string, src []byte) (string, error) {
	observers, err := Parse(filename, src)
	if err != nil {
		return "", err
	}
	return Format(observers), nil
}

func formatObserver(b *strings.Builder, o usersim.Observer) {
	fmt.Fprintf(b, "observer %s {\n", strconv.Quote(o.Name))
	if o.Role != "" {
		fmt.Fprintf(b, "  role %s\n", strconv.Quote(o.Role))
	}
	if o.Goal != "" {
		fmt.Fprintf(b, "  goal %s\n", strconv.Quote(o.Goal))
	}

	// Consecutive requirements sharing a group render inside one block.
	for i := 0; i < len(o.Requirements); {
		req := o.Requirements[i]
		if req.Group == "" {
			formatRequire(b, "  ", req.Label, req.Expr)
			i++
			continue
		}
		end := i
		for end < len(o.Requirements) && o.Requirements[end].Group == req.Group {
			end++
		}
		fmt.Fprintf(b, "  group %s {\n", strconv.Quote(req.Group))
		for _, grouped := range o.Requirements[i:end] {
			label := strings.TrimPrefix(grouped.Label, grouped.Group+"/")
			formatRequire(b, "    ", label, grouped.Expr)
		}
		b.WriteString("  }\n")
		i = end
	}
	b.WriteString("}\n")
}

func formatRequire(b *strings.Builder, indent, label string, e usersim.Expr) {
	fmt.Fprintf(b, "%srequire %s: ", indent, strconv.Quote(label))
	writeExpr(b, e, precImplies)
	b.WriteByte('\n')
}

// Precedence levels, loosest first. An operand prints parenthesized when
// its own level binds looser than the context demands.
const (
	precImplies = iota
	precOr
	precAnd
	precNot
	precCmp
	precAdd
	precMul
	precAtom
)

func exprPrec(e usersim.Expr) int {
	switch n := e.(type) {
	case usersim.Implies:
		return precImplies
	case usersim.Or:
		return precOr
	case usersim.And:
		return precAnd
	case usersim.Not:
		return precNot
	case usersim.Compare:
		return precCmp
	case usersim.Arith:
		if n.Op == usersim.OpMul || n.Op == usersim.OpDiv || n.Op == usersim.OpIntDiv {
			return precMul
		}
		return precAdd
	default:
		return precAtom
	}
}

func writeExpr(b *strings.Builder, e usersim.Expr, level int) {
	if exprPrec(e) < level {
		b.WriteByte('(')
		writeExpr(b, e, precImplies)
		b.WriteByte(')')
		return
	}
	switch n := e.(type) {
	case usersim.Bool:
		b.WriteString(strconv.FormatBool(bool(n)))
	case usersim.Num:
		b.WriteString(formatNum(float64(n)))
	case usersim.Var:
		b.WriteString(string(n))
	case usersim.Implies:
		b.WriteString("if ")
		writeExpr(b, n.If, precOr)
		b.WriteString(" then ")
		writeExpr(b, n.Then, precOr)
	case usersim.Or:
		for i, x := range n {
			if i > 0 {
				b.WriteString(" || ")
			}
			writeExpr(b, x, precAnd)
		}
	case usersim.And:
		for i, x := range n {
			if i > 0 {
				b.WriteString(" && ")
			}
			writeExpr(b, x, precNot)
		}
	case usersim.Not:
		b.WriteByte('!')
		switch n.X.(type) {
		case usersim.Var, usersim.Bool:
			writeExpr(b, n.X, precAtom)
		default:
			b.WriteByte('(')
			writeExpr(b, n.X, precImplies)
			b.WriteByte(')')
		}
	case usersim.Compare:
		writeExpr(b, n.L, precAdd)
		fmt.Fprintf(b, " %s ", n.Op)
		writeExpr(b, n.R, precAdd)
	case usersim.Arith:
		left, right := precAdd, precMul
		if n.Op == usersim.OpMul || n.Op == usersim.OpDiv || n.Op == usersim.OpIntDiv {
			left, right = precMul, precAtom
		}
		writeExpr(b, n.L, left)
		fmt.Fprintf(b, " %s ", n.Op)
		writeExpr(b, n.R, right)
	}
}

// formatNum prints floats in a form the lexer tokenizes back: plain
// decimal notation, integral values with a trailing ".0" so they stay on
// the Float token. Exponent forms never appear.
func formatNum(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

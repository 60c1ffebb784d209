package eval

import (
	"math"
	"strconv"
	"strings"

	usersim "github.com/usersim/usersim-go"
)

// Render produces the human-readable form of an expression as seen against
// a binding: the structural rule text, with every variable-bearing
// comparison annotated by the concrete values it evaluated, e.g.
//
//	If (wall_ms > 0.0 [actual: 3120.0]), then (wall_ms <= 4500.0 [actual: 3120.0])
//
// Rendering is deterministic (the same expr and binding always yield the
// same string) and it never fails: when a side of a comparison cannot be
// evaluated (unbound variable, domain fault) its annotation is omitted and
// the structural text stands alone.
func Render(e usersim.Expr, b usersim.Binding) string {
	var sb strings.Builder
	writeRender(&sb, e, b)
	return sb.String()
}

func writeRender(sb *strings.Builder, e usersim.Expr, b usersim.Binding) {
	switch n := e.(type) {
	case nil:
		sb.WriteString("<nil>")
	case usersim.Bool:
		sb.WriteString(strconv.FormatBool(bool(n)))
	case usersim.Num:
		sb.WriteString(displayNum(float64(n)))
	case usersim.Var:
		sb.WriteString(string(n))
	case usersim.Not:
		sb.WriteString("!(")
		writeRender(sb, n.X, b)
		sb.WriteByte(')')
	case usersim.And:
		for i, x := range n {
			if i > 0 {
				sb.WriteString(" && ")
			}
			sb.WriteByte('(')
			writeRender(sb, x, b)
			sb.WriteByte(')')
		}
	case usersim.Or:
		for i, x := range n {
			if i > 0 {
				sb.WriteString(" || ")
			}
			sb.WriteByte('(')
			writeRender(sb, x, b)
			sb.WriteByte(')')
		}
	case usersim.Implies:
		sb.WriteString("If (")
		writeRender(sb, n.If, b)
		sb.WriteString("), then (")
		writeRender(sb, n.Then, b)
		sb.WriteByte(')')
	case usersim.Compare:
		writeRender(sb, n.L, b)
		sb.WriteByte(' ')
		sb.WriteString(string(n.Op))
		sb.WriteByte(' ')
		writeRender(sb, n.R, b)
		writeActuals(sb, n, b)
	case usersim.Arith:
		sb.WriteByte('(')
		writeRender(sb, n.L, b)
		sb.WriteByte(' ')
		sb.WriteString(string(n.Op))
		sb.WriteByte(' ')
		writeRender(sb, n.R, b)
		sb.WriteByte(')')
	}
}

// writeActuals appends the evaluated values of the comparison sides that
// reference variables, so the rendered rule shows both the constraint and
// the numbers it judged.
func writeActuals(sb *strings.Builder, cmp usersim.Compare, b usersim.Binding) {
	var parts []string
	if containsVar(cmp.L) {
		if v, err := evalNum(cmp.L, b); err == nil {
			parts = append(parts, displayNum(v))
		}
	}
	if containsVar(cmp.R) {
		if v, err := evalNum(cmp.R, b); err == nil {
			parts = append(parts, displayNum(v))
		}
	}
	if len(parts) == 0 {
		return
	}
	sb.WriteString(" [actual: ")
	sb.WriteString(strings.Join(parts, " vs "))
	sb.WriteByte(']')
}

func containsVar(e usersim.Expr) bool {
	switch n := e.(type) {
	case usersim.Var:
		return true
	case usersim.Not:
		return containsVar(n.X)
	case usersim.And:
		for _, x := range n {
			if containsVar(x) {
				return true
			}
		}
	case usersim.Or:
		for _, x := range n {
			if containsVar(x) {
				return true
			}
		}
	case usersim.Implies:
		return containsVar(n.If) || containsVar(n.Then)
	case usersim.Compare:
		return containsVar(n.L) || containsVar(n.R)
	case usersim.Arith:
		return containsVar(n.L) || containsVar(n.R)
	}
	return false
}

// displayNum renders integral values with a single trailing decimal
// ("4500.0") and everything else in shortest form.
func displayNum(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

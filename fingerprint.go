package usersim

import (
	"strconv"
	"strings"
)

// Fingerprint returns a canonical structural encoding of e. Two expressions
// fingerprint equally exactly when they share operator shape and the same
// variable and constant leaves, independent of the labels that carry them.
// The audit uses fingerprints to flag duplicated requirements.
func Fingerprint(e Expr) string {
	var b strings.Builder
	writeFingerprint(&b, e)
	return b.String()
}

func writeFingerprint(b *strings.Builder, e Expr) {
	switch n := e.(type) {
	case nil:
		b.WriteString("(nil)")
	case Bool:
		b.WriteString(strconv.FormatBool(bool(n)))
	case Num:
		b.WriteString(strconv.FormatFloat(float64(n), 'g', -1, 64))
	case Var:
		b.WriteString("(var ")
		b.WriteString(string(n))
		b.WriteByte(')')
	case Not:
		b.WriteString("(not ")
		writeFingerprint(b, n.X)
		b.WriteByte(')')
	case And:
		b.WriteString("(and")
		for _, x := range n {
			b.WriteByte(' ')
			writeFingerprint(b, x)
		}
		b.WriteByte(')')
	case Or:
		b.WriteString("(or")
		for _, x := range n {
			b.WriteByte(' ')
			writeFingerprint(b, x)
		}
		b.WriteByte(')')
	case Implies:
		b.WriteString("(if ")
		writeFingerprint(b, n.If)
		b.WriteByte(' ')
		writeFingerprint(b, n.Then)
		b.WriteByte(')')
	case Compare:
		b.WriteByte('(')
		b.WriteString(string(n.Op))
		b.WriteByte(' ')
		writeFingerprint(b, n.L)
		b.WriteByte(' ')
		writeFingerprint(b, n.R)
		b.WriteByte(')')
	case Arith:
		b.WriteByte('(')
		b.WriteString(string(n.Op))
		b.WriteByte(' ')
		writeFingerprint(b, n.L)
		b.WriteByte(' ')
		writeFingerprint(b, n.R)
		b.WriteByte(')')
	default:
		b.WriteString("(unknown)")
	}
}

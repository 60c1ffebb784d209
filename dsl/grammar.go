package dsl

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// File represents a parsed observer definition file.
type File struct {
	Pos       lexer.Position
	Observers []*ObserverDecl `parser:"@@*"`
}

// ObserverDecl declares a persona: its name, optional role and goal
// annotations, and the requirement groups it holds.
type ObserverDecl struct {
	Pos   lexer.Position
	Name  string       `parser:"'observer' @String '{'"`
	Role  *string      `parser:"('role' @String)?"`
	Goal  *string      `parser:"('goal' @String)?"`
	Items []*BlockItem `parser:"@@* '}'"`
}

// BlockItem is either a requirement group or a bare requirement.
type BlockItem struct {
	Pos     lexer.Position
	Group   *GroupDecl   `parser:"  @@"`
	Require *RequireDecl `parser:"| @@"`
}

// GroupDecl groups requirements under a common label prefix.
type GroupDecl struct {
	Pos      lexer.Position
	Name     string         `parser:"'group' @String '{'"`
	Requires []*RequireDecl `parser:"@@* '}'"`
}

// RequireDecl is a labelled requirement expression.
type RequireDecl struct {
	Pos   lexer.Position
	Label string      `parser:"'require' @String ':'"`
	Expr  *Expression `parser:"@@"`
}

// Expression is the expression root. Implication binds loosest, so
// "if a then b || c" conditions the whole disjunction.
type Expression struct {
	Pos   lexer.Position
	If    *OrExpr     `parser:"( 'if' @@"`
	Then  *Expression `parser:"'then' @@ )"`
	Plain *OrExpr     `parser:"| @@"`
}

// OrExpr is a '||' chain.
type OrExpr struct {
	Pos  lexer.Position
	Left *AndExpr   `parser:"@@"`
	Rest []*AndExpr `parser:"('||' @@)*"`
}

// AndExpr is a '&&' chain.
type AndExpr struct {
	Pos  lexer.Position
	Left *Unary   `parser:"@@"`
	Rest []*Unary `parser:"('&&' @@)*"`
}

// Unary is negation. '!' scopes over a whole comparison: "!a < b"
// negates the comparison, not the operand.
type Unary struct {
	Pos lexer.Position
	Not *Unary      `parser:"  '!' @@"`
	Cmp *Comparison `parser:"| @@"`
}

// Comparison relates two arithmetic expressions, or passes a bare
// arithmetic expression through when no operator follows.
type Comparison struct {
	Pos   lexer.Position
	Left  *Additive `parser:"@@"`
	Op    string    `parser:"(@('==' | '!=' | '<=' | '>=' | '<' | '>')"`
	Right *Additive `parser:"@@)?"`
}

// Additive is a '+'/'-' chain, folded left-associatively.
type Additive struct {
	Pos  lexer.Position
	Left *Multiplicative `parser:"@@"`
	Rest []*AddedTerm    `parser:"@@*"`
}

// AddedTerm is one '+' or '-' step in an additive chain.
type AddedTerm struct {
	Pos   lexer.Position
	Op    string          `parser:"@('+' | '-')"`
	Right *Multiplicative `parser:"@@"`
}

// Multiplicative is a '*'/'/'/'//' chain, folded left-associatively.
type Multiplicative struct {
	Pos  lexer.Position
	Left *Atom         `parser:"@@"`
	Rest []*ScaledTerm `parser:"@@*"`
}

// ScaledTerm is one '*', '/' or '//' step in a multiplicative chain.
type ScaledTerm struct {
	Pos   lexer.Position
	Op    string `parser:"@('*' | '/' | '//')"`
	Right *Atom  `parser:"@@"`
}

// Boolean captures 'true'/'false' by token text. A plain bool field only
// records that a match occurred, which would read every literal as true.
type Boolean bool

// Capture implements participle's capture interface.
func (b *Boolean) Capture(values []string) error {
	*b = values[0] == "true"
	return nil
}

// Atom is a literal, a fact reference, or a parenthesized expression.
type Atom struct {
	Pos    lexer.Position
	Number *NumberLit  `parser:"  @@"`
	Bool   *Boolean    `parser:"| @('true' | 'false')"`
	Fact   *string     `parser:"| @Ident"`
	Sub    *Expression `parser:"| '(' @@ ')'"`
}

// NumberLit is a numeric literal with an optional leading minus.
type NumberLit struct {
	Pos   lexer.Position
	Neg   bool     `parser:"@'-'?"`
	Float *float64 `parser:"( @Float"`
	Int   *int64   `parser:"| @Int )"`
}

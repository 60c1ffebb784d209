package dsl

import "github.com/alecthomas/participle/v2/lexer"

// Lexer defines the token rules for observer definition files. Comments
// start with '#': the '//' digraph is the integer division operator.
var Lexer = lexer.MustStateful(lexer.Rules{
	"Root": {
		{Name: "Comment", Pattern: `#[^\n]*`, Action: nil},
		{Name: "Whitespace", Pattern: `\s+`, Action: nil},
		{Name: "Float", Pattern: `\d+\.\d+`, Action: nil},
		{Name: "Int", Pattern: `\d+`, Action: nil},
		{Name: "String", Pattern: `"(?:\\.|[^"])*"|'(?:\\.|[^'])*'`, Action: nil},
		{Name: "Operator", Pattern: `==|!=|>=|<=|>|<|\+|-|\*|//|/`, Action: nil},
		{Name: "LogicalOp", Pattern: `&&|\|\||!`, Action: nil},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`, Action: nil},
		{Name: "Punct", Pattern: `[{}():,]`, Action: nil},
	},
})

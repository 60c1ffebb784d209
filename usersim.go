// Package usersim models personas ("observers") that hold logical and
// arithmetic requirements, and judges those requirements against fact
// tables produced by instrumented application runs ("paths").
//
// The root package defines the expression model and the shared domain
// types. Evaluation lives in eval, matrix construction in judge, and
// health analysis in audit.
package usersim

// Version is the usersim-go release version, stamped into interchange
// documents and reported by the CLI.
const Version = "0.3.0"

//go:build property
// +build property

// Property-based conformance suite: the walker and the engine must return
// identical verdicts for every well-formed (expr, binding) pair. Run with
// -tags property.
package eval

import (
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	usersim "github.com/usersim/usersim-go"
)

var numVars = []string{"a", "b", "c"}
var boolVars = []string{"flag", "ok"}

// randomBinding binds every generator variable, since the equivalence
// contract is stated over fully bound expressions.
func randomBinding(rng *rand.Rand) usersim.Binding {
	raw := make(map[string]any, len(numVars)+len(boolVars))
	for _, n := range numVars {
		switch rng.Intn(4) {
		case 0:
			raw[n] = float64(rng.Intn(11) - 5) // small integers, zero included
		default:
			raw[n] = rng.Float64()*2000 - 1000
		}
	}
	for _, n := range boolVars {
		raw[n] = rng.Intn(2) == 0
	}
	b, err := usersim.NewBinding(raw)
	if err != nil {
		panic(err)
	}
	return b
}

func randomNumExpr(rng *rand.Rand, depth int) usersim.Expr {
	if depth <= 0 || rng.Intn(3) == 0 {
		if rng.Intn(2) == 0 {
			return usersim.Var(numVars[rng.Intn(len(numVars))])
		}
		return usersim.Num(float64(rng.Intn(21) - 10))
	}
	ops := []usersim.ArithOp{usersim.OpAdd, usersim.OpSub, usersim.OpMul, usersim.OpDiv, usersim.OpIntDiv}
	return usersim.Arith{
		Op: ops[rng.Intn(len(ops))],
		L:  randomNumExpr(rng, depth-1),
		R:  randomNumExpr(rng, depth-1),
	}
}

func randomBoolExpr(rng *rand.Rand, depth int) usersim.Expr {
	if depth <= 0 || rng.Intn(5) == 0 {
		switch rng.Intn(3) {
		case 0:
			return usersim.Bool(rng.Intn(2) == 0)
		default:
			return usersim.Var(boolVars[rng.Intn(len(boolVars))])
		}
	}
	switch rng.Intn(6) {
	case 0:
		return usersim.Not{X: randomBoolExpr(rng, depth-1)}
	case 1:
		n := 2 + rng.Intn(2)
		and := make(usersim.And, n)
		for i := range and {
			and[i] = randomBoolExpr(rng, depth-1)
		}
		return and
	case 2:
		n := 2 + rng.Intn(2)
		or := make(usersim.Or, n)
		for i := range or {
			or[i] = randomBoolExpr(rng, depth-1)
		}
		return or
	case 3:
		return usersim.Implies{
			If:   randomBoolExpr(rng, depth-1),
			Then: randomBoolExpr(rng, depth-1),
		}
	default:
		cmps := []usersim.CmpOp{usersim.OpEq, usersim.OpNe, usersim.OpLt, usersim.OpLe, usersim.OpGt, usersim.OpGe}
		return usersim.Compare{
			Op: cmps[rng.Intn(len(cmps))],
			L:  randomNumExpr(rng, depth-1),
			R:  randomNumExpr(rng, depth-1),
		}
	}
}

type verdict struct {
	passed  bool
	firedOK bool
	fired   bool
	errored bool
}

func run(b Backend, e usersim.Expr, bind usersim.Binding) verdict {
	passed, fired, err := b.Evaluate(e, bind)
	v := verdict{passed: passed, errored: err != nil}
	if fired != nil {
		v.firedOK = true
		v.fired = *fired
	}
	return v
}

// TestBackendEquivalence checks that the walker and the engine agree on
// passed, antecedent firing and error presence for random expression trees.
func TestBackendEquivalence(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatal(err)
	}
	walker := NewWalker()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("walker and engine verdicts are identical", prop.ForAll(
		func(seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			e := randomBoolExpr(rng, 4)
			bind := randomBinding(rng)
			if usersim.Validate(e) != nil {
				return true
			}
			return run(walker, e, bind) == run(engine, e, bind)
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// TestVacuousTruthProperty checks Implies(p, q) passes with a silent
// antecedent whenever p is false, independent of q.
func TestVacuousTruthProperty(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatal(err)
	}
	walker := NewWalker()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("false antecedent means vacuous pass", prop.ForAll(
		func(seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			p := randomBoolExpr(rng, 3)
			q := randomBoolExpr(rng, 3)
			bind := randomBinding(rng)

			pv, _, perr := walker.Evaluate(p, bind)
			if perr != nil || pv {
				return true // only false antecedents are interesting here
			}
			root := usersim.Implies{If: p, Then: q}
			for _, backend := range []Backend{walker, engine} {
				passed, fired, err := backend.Evaluate(root, bind)
				if err != nil || !passed || fired == nil || *fired {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// TestNonConditionalNeverFires checks antecedent_fired stays nil when the
// root is not an Implies.
func TestNonConditionalNeverFires(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatal(err)
	}
	walker := NewWalker()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("only root conditionals report firing", prop.ForAll(
		func(seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			e := randomBoolExpr(rng, 4)
			if _, isCond := e.(usersim.Implies); isCond {
				return true
			}
			bind := randomBinding(rng)
			for _, backend := range []Backend{walker, engine} {
				if _, fired, _ := backend.Evaluate(e, bind); fired != nil {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// TestRenderDeterminism checks re-rendering and re-fingerprinting the same
// tree yields identical strings.
func TestRenderDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("render and fingerprint are stable", prop.ForAll(
		func(seed int64) bool {
			rng := rand.New(rand.NewSource(seed))
			e := randomBoolExpr(rng, 4)
			bind := randomBinding(rng)
			if Render(e, bind) != Render(e, bind) {
				return false
			}
			return usersim.Fingerprint(e) == usersim.Fingerprint(e)
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

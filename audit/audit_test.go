package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/eval"
	"github.com/usersim/usersim-go/judge"
)

func runMatrix(t *testing.T, reg *usersim.Registry, table *usersim.FactTable) *usersim.Matrix {
	t.Helper()
	ev, err := eval.New(eval.Options{CrossCheck: true})
	require.NoError(t, err)
	m, err := judge.NewRunner(ev).Run(context.Background(), reg, table, judge.Options{})
	require.NoError(t, err)
	return m
}

func addFacts(t *testing.T, table *usersim.FactTable, path string, raw map[string]any) {
	t.Helper()
	b, err := usersim.NewBinding(raw)
	require.NoError(t, err)
	table.Add(path, usersim.WildcardObserver, b)
}

func gated(threshold float64) usersim.Expr {
	return usersim.Implies{
		If:   usersim.Compare{Op: usersim.OpGt, L: usersim.Var("wall_ms"), R: usersim.Num(threshold)},
		Then: usersim.Compare{Op: usersim.OpLe, L: usersim.Var("wall_ms"), R: usersim.Num(threshold * 10)},
	}
}

func TestVacuousDetection(t *testing.T) {
	reg := usersim.NewRegistry()
	require.NoError(t, reg.Register(usersim.Observer{
		Name: "senior_engineer",
		Requirements: []usersim.Requirement{
			// wall_ms never exceeds 5000 in the fixture: never fires.
			{Label: "latency/slow-path-guard", Expr: gated(5000)},
			// Fires on every path.
			{Label: "latency/any-work", Expr: gated(0)},
			// Not a conditional: can never be vacuous.
			{Label: "latency/non-negative", Expr: usersim.Compare{Op: usersim.OpGe, L: usersim.Var("wall_ms"), R: usersim.Num(0)}},
		},
	}))

	table := usersim.NewFactTable()
	addFacts(t, table, "checkout", map[string]any{"wall_ms": 300.0})
	addFacts(t, table, "search", map[string]any{"wall_ms": 900.0})

	report := Analyze(runMatrix(t, reg, table), reg, table)

	assert.Equal(t, []Entry{{Observer: "senior_engineer", Label: "latency/slow-path-guard"}}, report.Vacuous)
}

func TestVacuousAcrossAllObservers(t *testing.T) {
	reg := usersim.NewRegistry()
	for _, name := range []string{"alpha", "beta"} {
		require.NoError(t, reg.Register(usersim.Observer{
			Name: name,
			Requirements: []usersim.Requirement{
				{Label: "latency/slow-path-guard", Expr: gated(5000)},
			},
		}))
	}
	table := usersim.NewFactTable()
	addFacts(t, table, "checkout", map[string]any{"wall_ms": 100.0})
	addFacts(t, table, "search", map[string]any{"wall_ms": 200.0})
	addFacts(t, table, "onboarding", map[string]any{"wall_ms": 300.0})

	report := Analyze(runMatrix(t, reg, table), reg, table)

	require.Len(t, report.Vacuous, 2, "each observer's copy is reported")
	assert.Contains(t, report.Vacuous, Entry{Observer: "alpha", Label: "latency/slow-path-guard"})
	assert.Contains(t, report.Vacuous, Entry{Observer: "beta", Label: "latency/slow-path-guard"})
}

func TestVacuousIgnoresPartiallyFired(t *testing.T) {
	reg := usersim.NewRegistry()
	require.NoError(t, reg.Register(usersim.Observer{
		Name: "o",
		Requirements: []usersim.Requirement{
			{Label: "latency/guard", Expr: gated(500)},
		},
	}))
	table := usersim.NewFactTable()
	addFacts(t, table, "fast", map[string]any{"wall_ms": 100.0})
	addFacts(t, table, "slow", map[string]any{"wall_ms": 900.0}) // fires here

	report := Analyze(runMatrix(t, reg, table), reg, table)
	assert.Empty(t, report.Vacuous)
}

func TestTriviallyPassing(t *testing.T) {
	reg := usersim.NewRegistry()
	require.NoError(t, reg.Register(usersim.Observer{
		Name: "o",
		Requirements: []usersim.Requirement{
			// Passes on both paths.
			{Label: "always/green", Expr: usersim.Compare{Op: usersim.OpGe, L: usersim.Var("wall_ms"), R: usersim.Num(0)}},
			// Fails on one path.
			{Label: "sometimes/red", Expr: usersim.Compare{Op: usersim.OpLe, L: usersim.Var("wall_ms"), R: usersim.Num(500)}},
			// Vacuous: never exercised, so not trivially passing either.
			{Label: "never/fired", Expr: gated(5000)},
		},
	}))
	table := usersim.NewFactTable()
	addFacts(t, table, "fast", map[string]any{"wall_ms": 100.0})
	addFacts(t, table, "slow", map[string]any{"wall_ms": 900.0})

	report := Analyze(runMatrix(t, reg, table), reg, table)

	assert.Equal(t, []Entry{{Observer: "o", Label: "always/green"}}, report.TriviallyPassing)
}

func TestTriviallyPassingCountsFiredConditionals(t *testing.T) {
	reg := usersim.NewRegistry()
	require.NoError(t, reg.Register(usersim.Observer{
		Name: "o",
		Requirements: []usersim.Requirement{
			// Fires on the slow path and holds there; vacuous on the fast
			// path. Exercised once, passed once: trivially passing.
			{Label: "latency/guard", Expr: gated(500)},
		},
	}))
	table := usersim.NewFactTable()
	addFacts(t, table, "fast", map[string]any{"wall_ms": 100.0})
	addFacts(t, table, "slow", map[string]any{"wall_ms": 900.0})

	report := Analyze(runMatrix(t, reg, table), reg, table)
	assert.Equal(t, []Entry{{Observer: "o", Label: "latency/guard"}}, report.TriviallyPassing)
	assert.Empty(t, report.Vacuous)
}

func TestDuplicateDetection(t *testing.T) {
	errRate := func() usersim.Expr {
		return usersim.Compare{
			Op: usersim.OpLe,
			L:  usersim.Arith{Op: usersim.OpMul, L: usersim.Var("errors"), R: usersim.Num(1000)},
			R:  usersim.Arith{Op: usersim.OpMul, L: usersim.Var("total"), R: usersim.Num(1)},
		}
	}
	reg := usersim.NewRegistry()
	require.NoError(t, reg.Register(usersim.Observer{
		Name: "alpha",
		Requirements: []usersim.Requirement{
			{Label: "reliability/error-rate", Expr: errRate()},
			{Label: "reliability/error-rate-again", Expr: errRate()},
			{Label: "reliability/different", Expr: usersim.Compare{Op: usersim.OpEq, L: usersim.Var("errors"), R: usersim.Num(0)}},
		},
	}))
	require.NoError(t, reg.Register(usersim.Observer{
		Name: "beta",
		Requirements: []usersim.Requirement{
			{Label: "slo/error-budget", Expr: errRate()},
		},
	}))

	table := usersim.NewFactTable()
	addFacts(t, table, "p", map[string]any{"errors": 0, "total": 100})
	report := Analyze(runMatrix(t, reg, table), reg, table)

	require.Len(t, report.Duplicates, 3, "three pairs among the three copies")
	assert.Contains(t, report.Duplicates, DuplicatePair{
		ObserverA: "alpha", LabelA: "reliability/error-rate",
		ObserverB: "alpha", LabelB: "reliability/error-rate-again",
	})
	assert.Contains(t, report.Duplicates, DuplicatePair{
		ObserverA: "alpha", LabelA: "reliability/error-rate",
		ObserverB: "beta", LabelB: "slo/error-budget",
	})
	assert.Contains(t, report.Duplicates, DuplicatePair{
		ObserverA: "alpha", LabelA: "reliability/error-rate-again",
		ObserverB: "beta", LabelB: "slo/error-budget",
	})
}

func TestDeadFacts(t *testing.T) {
	reg := usersim.NewRegistry()
	require.NoError(t, reg.Register(usersim.Observer{
		Name: "o",
		Requirements: []usersim.Requirement{
			{Label: "latency/bounded", Expr: usersim.Compare{Op: usersim.OpLe, L: usersim.Var("wall_ms"), R: usersim.Num(500)}},
		},
	}))
	table := usersim.NewFactTable()
	addFacts(t, table, "p", map[string]any{
		"wall_ms":     100.0,
		"cpu_ms":      40.0,
		"peak_rss_mb": 128.0,
	})

	report := Analyze(runMatrix(t, reg, table), reg, table)
	assert.Equal(t, []string{"cpu_ms", "peak_rss_mb"}, report.DeadFacts)
}

func TestVariableDensity(t *testing.T) {
	reg := usersim.NewRegistry()
	require.NoError(t, reg.Register(usersim.Observer{
		Name: "o",
		Requirements: []usersim.Requirement{
			{Label: "const", Expr: usersim.Bool(true)},
			{Label: "single", Expr: usersim.Compare{Op: usersim.OpGt, L: usersim.Var("a"), R: usersim.Num(0)}},
			{Label: "pair", Expr: usersim.Compare{Op: usersim.OpLt, L: usersim.Var("a"), R: usersim.Var("b")}},
		},
	}))
	table := usersim.NewFactTable()
	addFacts(t, table, "p", map[string]any{"a": 1.0, "b": 2.0})

	report := Analyze(runMatrix(t, reg, table), reg, table)
	assert.Equal(t, map[string]int{"const": 0, "single": 1, "pair": 2}, report.VariableDensity)
}

func TestFindingsAndClean(t *testing.T) {
	reg := usersim.NewRegistry()
	require.NoError(t, reg.Register(usersim.Observer{
		Name: "o",
		Requirements: []usersim.Requirement{
			{Label: "latency/never", Expr: gated(5000)},
		},
	}))
	table := usersim.NewFactTable()
	addFacts(t, table, "p", map[string]any{"wall_ms": 10.0, "unused": 3.0})

	report := Analyze(runMatrix(t, reg, table), reg, table)
	assert.False(t, report.Clean())

	findings := report.Findings()
	require.NotEmpty(t, findings)
	codes := make(map[string]bool)
	for _, f := range findings {
		codes[f.Code] = true
	}
	assert.True(t, codes[CodeVacuous])
	assert.True(t, codes[CodeDeadFact])
}

package dsl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	usersim "github.com/usersim/usersim-go"
)

const sampleSource = `# Observers for the checkout simulation.
observer "senior_engineer" {
  role "Needs call-site impact quickly"
  goal "understand unfamiliar code fast"
  group "latency" {
    require "p95-bounded": if p95_ms > 0.0 then p95_ms <= 500.0
    require "non-negative": wall_ms >= 0.0
  }
  require "error-rate-bounded": errors * 1000.0 <= total * 1.0
}

observer "newcomer" {
  goal "first session succeeds"
  require "layout-clear": nav_clicks <= 3.0 && !lost
}
`

func TestParseSampleFile(t *testing.T) {
	observers, err := Parse("sample.osim", []byte(sampleSource))
	require.NoError(t, err)
	require.Len(t, observers, 2)

	senior := observers[0]
	assert.Equal(t, "senior_engineer", senior.Name)
	assert.Equal(t, "Needs call-site impact quickly", senior.Role)
	assert.Equal(t, "understand unfamiliar code fast", senior.Goal)
	require.Len(t, senior.Requirements, 3)

	assert.Equal(t, "latency/p95-bounded", senior.Requirements[0].Label)
	assert.Equal(t, "latency", senior.Requirements[0].Group)
	assert.Equal(t,
		"(if (> (var p95_ms) 0) (<= (var p95_ms) 500))",
		usersim.Fingerprint(senior.Requirements[0].Expr))

	assert.Equal(t, "latency/non-negative", senior.Requirements[1].Label)
	assert.Equal(t, "error-rate-bounded", senior.Requirements[2].Label)
	assert.Empty(t, senior.Requirements[2].Group)
	assert.Equal(t,
		"(<= (* (var errors) 1000) (* (var total) 1))",
		usersim.Fingerprint(senior.Requirements[2].Expr))

	newcomer := observers[1]
	assert.Equal(t, "newcomer", newcomer.Name)
	assert.Empty(t, newcomer.Role)
	require.Len(t, newcomer.Requirements, 1)
	assert.Equal(t,
		"(and (<= (var nav_clicks) 3) (not (var lost)))",
		usersim.Fingerprint(newcomer.Requirements[0].Expr))
}

func TestParsedObserversRegister(t *testing.T) {
	observers, err := Parse("sample.osim", []byte(sampleSource))
	require.NoError(t, err)

	reg := usersim.NewRegistry()
	for _, o := range observers {
		require.NoError(t, reg.Register(o))
	}
	assert.Equal(t, 2, reg.Len())
}

func TestOperatorPrecedence(t *testing.T) {
	cases := []struct {
		name   string
		source string
		want   string
	}{
		{
			name:   "and binds tighter than or",
			source: `require "r": a || b && c`,
			want:   "(or (var a) (and (var b) (var c)))",
		},
		{
			name:   "implication conditions the whole disjunction",
			source: `require "r": if flag then a || b`,
			want:   "(if (var flag) (or (var a) (var b)))",
		},
		{
			name:   "multiplication binds tighter than addition",
			source: `require "r": a + b * c >= 10.0`,
			want:   "(>= (+ (var a) (* (var b) (var c))) 10)",
		},
		{
			name:   "division folds left",
			source: `require "r": a / b / c < 1.0`,
			want:   "(< (/ (/ (var a) (var b)) (var c)) 1)",
		},
		{
			name:   "integer division",
			source: `require "r": total // batch >= 2.0`,
			want:   "(>= (// (var total) (var batch)) 2)",
		},
		{
			name:   "negation scopes over the comparison",
			source: `require "r": !wall_ms < 10.0`,
			want:   "(not (< (var wall_ms) 10))",
		},
		{
			name:   "parentheses override",
			source: `require "r": (a + b) * c == 0.0`,
			want:   "(== (* (+ (var a) (var b)) (var c)) 0)",
		},
		{
			name:   "negative literal",
			source: `require "r": delta >= -0.5`,
			want:   "(>= (var delta) -0.5)",
		},
		{
			name:   "boolean literals",
			source: `require "r": flag == true || false`,
			want:   "(or (== (var flag) true) false)",
		},
		{
			name:   "nested conditional",
			source: `require "r": if a then (if b then c)`,
			want:   "(if (var a) (if (var b) (var c)))",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := "observer \"o\" {\n  " + tc.source + "\n}\n"
			observers, err := Parse("t.osim", []byte(src))
			require.NoError(t, err)
			require.Len(t, observers, 1)
			require.Len(t, observers[0].Requirements, 1)
			assert.Equal(t, tc.want, usersim.Fingerprint(observers[0].Requirements[0].Expr))
		})
	}
}

func TestHashCommentsElided(t *testing.T) {
	src := `# leading comment
observer "o" {
  # groups hold related requirements
  require "r": errors // batch >= 0.0  # trailing comment
}
`
	observers, err := Parse("t.osim", []byte(src))
	require.NoError(t, err)
	require.Len(t, observers[0].Requirements, 1)
	assert.Equal(t,
		"(>= (// (var errors) (var batch)) 0)",
		usersim.Fingerprint(observers[0].Requirements[0].Expr))
}

func TestParseErrorCarriesPosition(t *testing.T) {
	src := "observer \"o\" {\n  require \"r\" wall_ms >= 0.0\n}\n"
	_, err := Parse("broken.osim", []byte(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.osim:2:")
}

func TestParseRejectsDanglingOperator(t *testing.T) {
	src := "observer \"o\" {\n  require \"r\": wall_ms <=\n}\n"
	_, err := Parse("broken.osim", []byte(src))
	require.Error(t, err)
}

func TestFormatCanonical(t *testing.T) {
	observers, err := Parse("sample.osim", []byte(sampleSource))
	require.NoError(t, err)

	got := Format(observers)
	want := `observer "senior_engineer" {
  role "Needs call-site impact quickly"
  goal "understand unfamiliar code fast"
  group "latency" {
    require "p95-bounded": if p95_ms > 0.0 then p95_ms <= 500.0
    require "non-negative": wall_ms >= 0.0
  }
  require "error-rate-bounded": errors * 1000.0 <= total * 1.0
}

observer "newcomer" {
  goal "first session succeeds"
  require "layout-clear": nav_clicks <= 3.0 && !lost
}
`
	assert.Equal(t, want, got)
}

func TestFormatRoundTrip(t *testing.T) {
	observers, err := Parse("sample.osim", []byte(sampleSource))
	require.NoError(t, err)

	formatted := Format(observers)
	reparsed, err := Parse("formatted.osim", []byte(formatted))
	require.NoError(t, err)
	require.Len(t, reparsed, len(observers))

	for i := range observers {
		assert.Equal(t, observers[i].Name, reparsed[i].Name)
		require.Len(t, reparsed[i].Requirements, len(observers[i].Requirements))
		for j := range observers[i].Requirements {
			assert.Equal(t,
				usersim.Fingerprint(observers[i].Requirements[j].Expr),
				usersim.Fingerprint(reparsed[i].Requirements[j].Expr),
				"%s/%s", observers[i].Name, observers[i].Requirements[j].Label)
		}
	}

	// Formatting is a fixed point.
	assert.Equal(t, formatted, Format(reparsed))
}

func TestFormatParenthesizesNestedImplication(t *testing.T) {
	e := usersim.Implies{
		If: usersim.Var("a"),
		Then: usersim.Implies{
			If:   usersim.Var("b"),
			Then: usersim.Var("c"),
		},
	}
	o := usersim.Observer{
		Name:         "o",
		Requirements: []usersim.Requirement{{Label: "r", Expr: e}},
	}
	out := Format([]usersim.Observer{o})
	assert.True(t, strings.Contains(out, "if a then (if b then c)"), out)

	reparsed, err := Parse("t.osim", []byte(out))
	require.NoError(t, err)
	assert.Equal(t, usersim.Fingerprint(e), usersim.Fingerprint(reparsed[0].Requirements[0].Expr))
}

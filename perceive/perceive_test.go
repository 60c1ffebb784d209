package perceive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usersim/usersim-go/interchange"
)

func metricsDoc() *interchange.MetricsDoc {
	return &interchange.MetricsDoc{
		Schema: interchange.MetricsSchema,
		Path:   "checkout",
		Metrics: map[string]any{
			"wall_ms":    310.5,
			"errors":     float64(2),
			"total":      float64(100),
			"bundle_kb":  180.0,
			"service_up": true,
			"mode":       "ok",
		},
	}
}

func TestApplyPathRules(t *testing.T) {
	p, err := New(Mapping{
		"*": {
			{Fact: "wall_ms", Path: "metrics.wall_ms"},
			{Fact: "service_up", Path: "metrics.service_up"},
			{Fact: "missing", Path: "metrics.not_there"},
		},
	})
	require.NoError(t, err)

	facts, err := p.Apply(metricsDoc())
	require.NoError(t, err)
	shared := facts["*"]
	assert.Equal(t, 310.5, shared["wall_ms"])
	assert.Equal(t, true, shared["service_up"])
	_, ok := shared["missing"]
	assert.False(t, ok, "absent metrics produce no fact")
}

func TestApplyExprRules(t *testing.T) {
	p, err := New(Mapping{
		"*": {
			{Fact: "error_permille", Expr: `metrics.errors * 1000.0 / metrics.total`},
			{Fact: "fast_and_up", Expr: `metrics.wall_ms < 500.0 && metrics.service_up`},
		},
	})
	require.NoError(t, err)

	facts, err := p.Apply(metricsDoc())
	require.NoError(t, err)
	assert.InDelta(t, 20.0, facts["*"]["error_permille"], 1e-9)
	assert.Equal(t, true, facts["*"]["fast_and_up"])
}

func TestApplyHelperRules(t *testing.T) {
	p, err := New(Mapping{
		"*": {
			{Fact: "loads_fast", Threshold: &ThresholdRule{Path: "metrics.wall_ms", Op: "<=", Value: 500}},
			{Fact: "too_slow", Threshold: &ThresholdRule{Path: "metrics.wall_ms", Op: ">", Value: 500}},
			{Fact: "error_rate", Ratio: &RatioRule{Num: "metrics.errors", Den: "metrics.total"}},
			{Fact: "zero_den", Ratio: &RatioRule{Num: "metrics.errors", Den: "metrics.not_there"}},
			{Fact: "size_ok", InRange: &InRangeRule{Path: "metrics.bundle_kb", Min: 0, Max: 250}},
			{Fact: "up", Flag: &FlagRule{Path: "metrics.service_up"}},
			{Fact: "mode_truthy", Flag: &FlagRule{Path: "metrics.mode"}},
			{Fact: "missing_flag", Flag: &FlagRule{Path: "metrics.not_there"}},
			{Fact: "missing_threshold", Threshold: &ThresholdRule{Path: "metrics.not_there", Op: "<", Value: 1}},
		},
	})
	require.NoError(t, err)

	facts, err := p.Apply(metricsDoc())
	require.NoError(t, err)
	shared := facts["*"]
	assert.Equal(t, true, shared["loads_fast"])
	assert.Equal(t, false, shared["too_slow"])
	assert.InDelta(t, 0.02, shared["error_rate"], 1e-9)
	assert.Equal(t, 0.0, shared["zero_den"])
	assert.Equal(t, true, shared["size_ok"])
	assert.Equal(t, true, shared["up"])
	assert.Equal(t, false, shared["mode_truthy"], `"ok" is not a truthy string`)
	assert.Equal(t, false, shared["missing_flag"])
	assert.Equal(t, false, shared["missing_threshold"])
}

func TestPerObserverRules(t *testing.T) {
	p, err := New(Mapping{
		"*": {
			{Fact: "wall_ms", Path: "metrics.wall_ms"},
		},
		"privacy_auditor": {
			{Fact: "consent_recorded", Flag: &FlagRule{Path: "metrics.service_up"}},
		},
	})
	require.NoError(t, err)

	facts, err := p.Apply(metricsDoc())
	require.NoError(t, err)
	assert.Contains(t, facts, "*")
	assert.Contains(t, facts, "privacy_auditor")
	assert.Equal(t, true, facts["privacy_auditor"]["consent_recorded"])
	_, ok := facts["privacy_auditor"]["wall_ms"]
	assert.False(t, ok)
}

func TestRejectsAmbiguousRule(t *testing.T) {
	_, err := New(Mapping{
		"*": {{
			Fact: "x",
			Path: "metrics.a",
			Expr: "metrics.b",
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one source")
}

func TestRejectsEmptyFactName(t *testing.T) {
	_, err := New(Mapping{"*": {{Path: "metrics.a"}}})
	require.Error(t, err)
}

func TestRejectsBadThresholdOp(t *testing.T) {
	_, err := New(Mapping{
		"*": {{Fact: "x", Threshold: &ThresholdRule{Path: "metrics.a", Op: "~=", Value: 1}}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "~=")
}

func TestRejectsBadExpression(t *testing.T) {
	_, err := New(Mapping{"*": {{Fact: "x", Expr: "metrics.a +"}}})
	require.Error(t, err)
}

func TestRejectsNonFiniteExprResult(t *testing.T) {
	p, err := New(Mapping{"*": {{Fact: "x", Expr: "metrics.wall_ms / 0.0"}}})
	require.NoError(t, err)
	_, err = p.Apply(metricsDoc())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-finite")
}

func TestRejectsStringPathValue(t *testing.T) {
	p, err := New(Mapping{"*": {{Fact: "x", Path: "metrics.mode"}}})
	require.NoError(t, err)
	_, err = p.Apply(metricsDoc())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither boolean nor numeric")
}

func TestParseMappingYAML(t *testing.T) {
	m, err := ParseMapping([]byte(`
"*":
  - fact: wall_ms
    path: metrics.wall_ms
  - fact: error_rate
    ratio: {num: metrics.errors, den: metrics.total}
senior_engineer:
  - fact: p95_ok
    threshold: {path: metrics.p95_ms, op: "<=", value: 500}
`))
	require.NoError(t, err)
	require.Len(t, m["*"], 2)
	require.Len(t, m["senior_engineer"], 1)
	require.NotNil(t, m["senior_engineer"][0].Threshold)
	assert.Equal(t, "<=", m["senior_engineer"][0].Threshold.Op)
	assert.Equal(t, 500.0, m["senior_engineer"][0].Threshold.Value)

	p, err := New(m)
	require.NoError(t, err)
	facts, err := p.Apply(metricsDoc())
	require.NoError(t, err)
	assert.Equal(t, 310.5, facts["*"]["wall_ms"])
}

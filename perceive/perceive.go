// Package perceive turns raw metrics documents into judgement-ready facts.
// A mapping file declares, per observer (or "*" for facts every observer
// shares), how each fact derives from the metrics document: a direct JSON
// path lookup, an expression over the metrics, or one of the named
// transform helpers. The mapping file is the perception layer's whole
// contract; observers never see raw metrics.
package perceive

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/usersim/usersim-go/interchange"
)

// Rule derives one fact from a metrics document. Exactly one of Path,
// Expr, Threshold, Ratio, InRange or Flag must be set.
type Rule struct {
	Fact      string         `yaml:"fact"`
	Path      string         `yaml:"path,omitempty"`
	Expr      string         `yaml:"expr,omitempty"`
	Threshold *ThresholdRule `yaml:"threshold,omitempty"`
	Ratio     *RatioRule     `yaml:"ratio,omitempty"`
	InRange   *InRangeRule   `yaml:"in_range,omitempty"`
	Flag      *FlagRule      `yaml:"flag,omitempty"`
}

// ThresholdRule compares the value at Path against Value: true when
// "value Op bound" holds. A missing value yields false.
type ThresholdRule struct {
	Path  string  `yaml:"path"`
	Op    string  `yaml:"op"`
	Value float64 `yaml:"value"`
}

// RatioRule divides the value at Num by the value at Den. A missing
// numerator counts as zero; a missing or zero denominator yields 0.0
// rather than an error, so rate facts degrade instead of aborting the run.
type RatioRule struct {
	Num string `yaml:"num"`
	Den string `yaml:"den"`
}

// InRangeRule is true when Min <= value <= Max. Missing yields false.
type InRangeRule struct {
	Path string  `yaml:"path"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
}

// FlagRule reads a truthy value: booleans pass through, numbers are true
// when non-zero, and the strings "true", "yes" and "1" are true. Missing
// yields false.
type FlagRule struct {
	Path string `yaml:"path"`
}

// Mapping is a full perception rule set keyed by observer name.
type Mapping map[string][]Rule

// ParseMapping decodes a YAML mapping file.
func ParseMapping(data []byte) (Mapping, error) {
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("perceive: parse mapping: %w", err)
	}
	return m, nil
}

// LoadMapping reads and decodes a mapping file from disk.
func LoadMapping(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("perceive: %w", err)
	}
	return ParseMapping(data)
}

// Perceiver is a validated, compiled rule set ready to apply to metrics
// documents. Expression rules compile once at construction; a rule that
// cannot compile rejects the whole mapping up front.
type Perceiver struct {
	rules map[string][]compiledRule
}

type compiledRule struct {
	Rule
	program *exprvm.Program
}

var cmpOps = map[string]struct{}{
	"<": {}, "<=": {}, ">": {}, ">=": {}, "==": {}, "!=": {},
}

// New validates and compiles a mapping.
func New(m Mapping) (*Perceiver, error) {
	p := &Perceiver{rules: make(map[string][]compiledRule, len(m))}
	for observer, rules := range m {
		compiled := make([]compiledRule, 0, len(rules))
		for _, r := range rules {
			if r.Fact == "" {
				return nil, fmt.Errorf("perceive: observer %q: rule with empty fact name", observer)
			}
			if n := countSources(r); n != 1 {
				return nil, fmt.Errorf("perceive: %s/%s: exactly one source required, got %d",
					observer, r.Fact, n)
			}
			cr := compiledRule{Rule: r}
			if r.Expr != "" {
				program, err := expr.Compile(r.Expr)
				if err != nil {
					return nil, fmt.Errorf("perceive: %s/%s: compiling %q: %w",
						observer, r.Fact, r.Expr, err)
				}
				cr.program = program
			}
			if r.Threshold != nil {
				if _, ok := cmpOps[r.Threshold.Op]; !ok {
					return nil, fmt.Errorf("perceive: %s/%s: unknown threshold op %q",
						observer, r.Fact, r.Threshold.Op)
				}
			}
			compiled = append(compiled, cr)
		}
		p.rules[observer] = compiled
	}
	return p, nil
}

// Load reads, validates and compiles a mapping file.
func Load(path string) (*Perceiver, error) {
	m, err := LoadMapping(path)
	if err != nil {
		return nil, err
	}
	return New(m)
}

func countSources(r Rule) int {
	n := 0
	if r.Path != "" {
		n++
	}
	if r.Expr != "" {
		n++
	}
	if r.Threshold != nil {
		n++
	}
	if r.Ratio != nil {
		n++
	}
	if r.InRange != nil {
		n++
	}
	if r.Flag != nil {
		n++
	}
	return n
}

// Apply evaluates every rule against one metrics document and returns the
// produced facts grouped by observer name. A plain path rule whose target
// is absent from the document produces no fact: the gap surfaces later as
// an unbound-variable error on exactly the requirements that need it.
func (p *Perceiver) Apply(doc *interchange.MetricsDoc) (map[string]map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("perceive: encode metrics: %w", err)
	}
	env := map[string]any{
		"metrics": doc.Metrics,
		"path":    doc.Path,
	}

	out := make(map[string]map[string]any, len(p.rules))
	for observer, rules := range p.rules {
		facts := make(map[string]any, len(rules))
		for _, r := range rules {
			v, ok, err := r.eval(raw, env)
			if err != nil {
				return nil, fmt.Errorf("perceive: %s/%s: %w", observer, r.Fact, err)
			}
			if ok {
				facts[r.Fact] = v
			}
		}
		if len(facts) > 0 {
			out[observer] = facts
		}
	}
	return out, nil
}

func (r compiledRule) eval(raw []byte, env map[string]any) (any, bool, error) {
	switch {
	case r.Path != "":
		res := gjson.GetBytes(raw, r.Path)
		if !res.Exists() {
			return nil, false, nil
		}
		return resultValue(res)

	case r.program != nil:
		out, err := expr.Run(r.program, env)
		if err != nil {
			return nil, false, err
		}
		return exprValue(out)

	case r.Threshold != nil:
		v, ok, err := numberAt(raw, r.Threshold.Path)
		if err != nil || !ok {
			return false, true, err
		}
		return compare(v, r.Threshold.Op, r.Threshold.Value), true, nil

	case r.Ratio != nil:
		num, _, err := numberAt(raw, r.Ratio.Num)
		if err != nil {
			return nil, false, err
		}
		den, ok, err := numberAt(raw, r.Ratio.Den)
		if err != nil {
			return nil, false, err
		}
		if !ok || den == 0 {
			return 0.0, true, nil
		}
		return num / den, true, nil

	case r.InRange != nil:
		v, ok, err := numberAt(raw, r.InRange.Path)
		if err != nil || !ok {
			return false, true, err
		}
		return r.InRange.Min <= v && v <= r.InRange.Max, true, nil

	case r.Flag != nil:
		res := gjson.GetBytes(raw, r.Flag.Path)
		if !res.Exists() {
			return false, true, nil
		}
		switch res.Type {
		case gjson.True:
			return true, true, nil
		case gjson.False:
			return false, true, nil
		case gjson.Number:
			return res.Float() != 0, true, nil
		case gjson.String:
			s := strings.ToLower(res.String())
			return s == "true" || s == "yes" || s == "1", true, nil
		default:
			return false, true, nil
		}
	}
	return nil, false, fmt.Errorf("rule has no source")
}

func resultValue(res gjson.Result) (any, bool, error) {
	switch res.Type {
	case gjson.True:
		return true, true, nil
	case gjson.False:
		return false, true, nil
	case gjson.Number:
		v := res.Float()
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false, fmt.Errorf("non-finite value %v", v)
		}
		return v, true, nil
	default:
		return nil, false, fmt.Errorf("value %q is neither boolean nor numeric", res.Raw)
	}
}

func exprValue(out any) (any, bool, error) {
	switch t := out.(type) {
	case bool:
		return t, true, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, false, fmt.Errorf("expression produced non-finite %v", t)
		}
		return t, true, nil
	case int:
		return float64(t), true, nil
	case int64:
		return float64(t), true, nil
	case float32:
		return exprValue(float64(t))
	default:
		return nil, false, fmt.Errorf("expression produced %T, boolean or number needed", out)
	}
}

func numberAt(raw []byte, path string) (float64, bool, error) {
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return 0, false, nil
	}
	if res.Type != gjson.Number {
		return 0, false, fmt.Errorf("value at %q is not numeric", path)
	}
	v := res.Float()
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, fmt.Errorf("non-finite value at %q", path)
	}
	return v, true, nil
}

func compare(v float64, op string, bound float64) bool {
	switch op {
	case "<":
		return v < bound
	case "<=":
		return v <= bound
	case ">":
		return v > bound
	case ">=":
		return v >= bound
	case "==":
		return v == bound
	case "!=":
		return v != bound
	}
	return false
}

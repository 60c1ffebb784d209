// Package audit computes health signals over a completed judgement matrix:
// requirements that never fired, requirements that cannot fail, duplicated
// expressions, facts nothing reads, and how many variables each requirement
// actually exercises.
package audit

import (
	"fmt"
	"sort"

	usersim "github.com/usersim/usersim-go"
)

const (
	SeverityWarning = "warning"
	SeverityInfo    = "info"

	CodeVacuous          = "vacuous-requirement"
	CodeTriviallyPassing = "trivially-passing"
	CodeDuplicate        = "duplicate-requirement"
	CodeDeadFact         = "dead-fact"
)

// Entry identifies one requirement of one observer.
type Entry struct {
	Observer string `json:"observer"`
	Label    string `json:"label"`
}

// DuplicatePair identifies two requirements whose expressions are
// structurally identical: same operator shape, same variable and constant
// leaves, labels notwithstanding.
type DuplicatePair struct {
	ObserverA string `json:"observer_a"`
	LabelA    string `json:"label_a"`
	ObserverB string `json:"observer_b"`
	LabelB    string `json:"label_b"`
}

// Report is the health audit over a judgement matrix.
type Report struct {
	// Vacuous lists conditional requirements whose antecedent never fired
	// on any path: the rule was never actually exercised.
	Vacuous []Entry `json:"vacuous"`
	// TriviallyPassing lists requirements that passed every time they were
	// genuinely exercised, candidates for tightening.
	TriviallyPassing []Entry `json:"trivially_passing"`
	// Duplicates lists structurally identical requirement pairs.
	Duplicates []DuplicatePair `json:"duplicates"`
	// DeadFacts lists fact names present in the table that no requirement
	// references.
	DeadFacts []string `json:"dead_facts"`
	// VariableDensity maps each label to its free-variable count.
	VariableDensity map[string]int `json:"variable_density"`
}

// Clean reports whether the audit found nothing to flag.
func (r *Report) Clean() bool {
	return len(r.Vacuous) == 0 && len(r.TriviallyPassing) == 0 &&
		len(r.Duplicates) == 0 && len(r.DeadFacts) == 0
}

// Analyze runs every health check. The matrix supplies the observed
// verdicts; the registry and fact table supply the structural side
// (expressions and available fact names).
func Analyze(m *usersim.Matrix, reg *usersim.Registry, table *usersim.FactTable) *Report {
	return &Report{
		Vacuous:          vacuous(m),
		TriviallyPassing: triviallyPassing(m),
		Duplicates:       duplicates(reg),
		DeadFacts:        deadFacts(reg, table),
		VariableDensity:  variableDensity(reg),
	}
}

type tally struct {
	conditional bool // saw at least one non-nil antecedent record
	fired       bool // antecedent fired at least once
	exercised   int  // occurrences with antecedent_fired != false
	passed      int  // passes among exercised occurrences
}

// observedTallies walks the matrix in cell order and accumulates one tally
// per (observer, label), keeping first-seen order for stable reports.
func observedTallies(m *usersim.Matrix) ([]Entry, map[Entry]*tally) {
	var order []Entry
	tallies := make(map[Entry]*tally)
	for i := range m.Cells {
		cell := &m.Cells[i]
		for _, res := range cell.Results {
			key := Entry{Observer: cell.Observer, Label: res.Label}
			tl, ok := tallies[key]
			if !ok {
				tl = &tally{}
				tallies[key] = tl
				order = append(order, key)
			}
			if res.AntecedentFired != nil {
				tl.conditional = true
				if *res.AntecedentFired {
					tl.fired = true
				}
			}
			if res.AntecedentFired == nil || *res.AntecedentFired {
				tl.exercised++
				if res.Passed {
					tl.passed++
				}
			}
		}
	}
	return order, tallies
}

func vacuous(m *usersim.Matrix) []Entry {
	order, tallies := observedTallies(m)
	out := []Entry{}
	for _, key := range order {
		tl := tallies[key]
		if tl.conditional && !tl.fired {
			out = append(out, key)
		}
	}
	return out
}

func triviallyPassing(m *usersim.Matrix) []Entry {
	order, tallies := observedTallies(m)
	out := []Entry{}
	for _, key := range order {
		tl := tallies[key]
		if tl.exercised > 0 && tl.passed == tl.exercised {
			out = append(out, key)
		}
	}
	return out
}

func duplicates(reg *usersim.Registry) []DuplicatePair {
	type slot struct {
		Entry
		fp string
	}
	var slots []slot
	for _, obs := range reg.Observers() {
		for _, req := range obs.Requirements {
			slots = append(slots, slot{
				Entry: Entry{Observer: obs.Name, Label: req.Label},
				fp:    usersim.Fingerprint(req.Expr),
			})
		}
	}

	out := []DuplicatePair{}
	byFP := make(map[string][]int)
	for i, s := range slots {
		for _, j := range byFP[s.fp] {
			out = append(out, DuplicatePair{
				ObserverA: slots[j].Observer,
				LabelA:    slots[j].Label,
				ObserverB: s.Observer,
				LabelB:    s.Label,
			})
		}
		byFP[s.fp] = append(byFP[s.fp], i)
	}
	return out
}

func deadFacts(reg *usersim.Registry, table *usersim.FactTable) []string {
	if table == nil {
		return []string{}
	}
	referenced := make(map[string]struct{})
	for _, obs := range reg.Observers() {
		for _, req := range obs.Requirements {
			for _, name := range usersim.FreeVars(req.Expr) {
				referenced[name] = struct{}{}
			}
		}
	}
	dead := []string{}
	for _, name := range table.FactNames() {
		if _, ok := referenced[name]; !ok {
			dead = append(dead, name)
		}
	}
	sort.Strings(dead)
	return dead
}

func variableDensity(reg *usersim.Registry) map[string]int {
	density := make(map[string]int)
	for _, obs := range reg.Observers() {
		for _, req := range obs.Requirements {
			density[req.Label] = len(usersim.FreeVars(req.Expr))
		}
	}
	return density
}

// Finding is one audit signal in display form, for CLI and report output.
type Finding struct {
	Code     string
	Severity string
	Message  string
}

// Findings flattens the report into displayable findings, in report order.
func (r *Report) Findings() []Finding {
	var out []Finding
	for _, e := range r.Vacuous {
		out = append(out, Finding{
			Code:     CodeVacuous,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%s: %q never fired its antecedent on any path", e.Observer, e.Label),
		})
	}
	for _, e := range r.TriviallyPassing {
		out = append(out, Finding{
			Code:     CodeTriviallyPassing,
			Severity: SeverityInfo,
			Message:  fmt.Sprintf("%s: %q passed every time it was exercised", e.Observer, e.Label),
		})
	}
	for _, d := range r.Duplicates {
		out = append(out, Finding{
			Code:     CodeDuplicate,
			Severity: SeverityWarning,
			Message: fmt.Sprintf("%s:%q and %s:%q share an identical expression",
				d.ObserverA, d.LabelA, d.ObserverB, d.LabelB),
		})
	}
	for _, f := range r.DeadFacts {
		out = append(out, Finding{
			Code:     CodeDeadFact,
			Severity: SeverityInfo,
			Message:  fmt.Sprintf("fact %q is produced but never referenced", f),
		})
	}
	return out
}

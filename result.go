package usersim

// Result is the outcome of evaluating one requirement against one fact
// binding. AntecedentFired is nil unless the requirement's root is an
// Implies; false there means the requirement passed vacuously.
type Result struct {
	Label           string `json:"label"`
	ExprRepr        string `json:"expr_repr"`
	Passed          bool   `json:"passed"`
	AntecedentFired *bool  `json:"antecedent_fired"`
	Err             string `json:"error,omitempty"`
}

// Vacuous reports whether the result is a conditional that passed only
// because its antecedent never fired.
func (r Result) Vacuous() bool {
	return r.Passed && r.AntecedentFired != nil && !*r.AntecedentFired
}

// PathResult is one cell of the judgement matrix: every requirement of one
// observer evaluated against one path's facts. Satisfied means all
// requirements passed; Score is the fraction that passed, rounded to four
// decimals.
type PathResult struct {
	Observer  string   `json:"observer"`
	Path      string   `json:"path"`
	Results   []Result `json:"results"`
	Satisfied bool     `json:"satisfied"`
	Score     float64  `json:"score"`
}

// Summary aggregates a judgement matrix. EffectiveTests is the coverage
// weight of the requirement set: the sum over requirements of 4^k where k
// is the requirement's free-variable count.
type Summary struct {
	SatisfiedCount int   `json:"satisfied_count"`
	TotalCount     int   `json:"total_count"`
	EffectiveTests int64 `json:"effective_tests"`
}

// Matrix is the full observer × path judgement result. Cells are ordered
// observers-outer (registration order), paths-inner (input order).
type Matrix struct {
	Cells   []PathResult `json:"cells"`
	Summary Summary      `json:"summary"`
}

// AllSatisfied reports whether every (observer, path) cell was satisfied.
func (m *Matrix) AllSatisfied() bool {
	return m.Summary.SatisfiedCount == m.Summary.TotalCount
}

// Cell returns the result cell for (observer, path).
func (m *Matrix) Cell(observer, path string) (*PathResult, bool) {
	for i := range m.Cells {
		if m.Cells[i].Observer == observer && m.Cells[i].Path == path {
			return &m.Cells[i], true
		}
	}
	return nil, false
}

// Observers returns the distinct observer names in cell order.
func (m *Matrix) Observers() []string {
	var out []string
	seen := make(map[string]struct{})
	for i := range m.Cells {
		name := m.Cells[i].Observer
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// Paths returns the distinct path names in cell order.
func (m *Matrix) Paths() []string {
	var out []string
	seen := make(map[string]struct{})
	for i := range m.Cells {
		p := m.Cells[i].Path
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

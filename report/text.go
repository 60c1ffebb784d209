// Package report renders judgement outcomes for humans and downstream
// tooling: a terminal summary, a self-contained HTML page, Parquet cell
// export and optional artifact upload to S3.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/audit"
)

// WriteSummary renders the human-readable run summary. Multi-path runs get
// an observer × path grid; single-path runs get one line per observer with
// the first violated requirement.
func WriteSummary(w io.Writer, m *usersim.Matrix) {
	observers := m.Observers()
	paths := m.Paths()

	if len(paths) > 1 {
		fmt.Fprintf(w, "\n%20s", "")
		for _, p := range paths {
			fmt.Fprintf(w, "  %-12s", trunc(p, 12))
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Repeat("─", 20+14*len(paths)))
		for _, o := range observers {
			fmt.Fprintf(w, "  %-18s", trunc(o, 18))
			for _, p := range paths {
				sym := "─"
				if cell, ok := m.Cell(o, p); ok {
					if cell.Satisfied {
						sym = "✓"
					} else {
						sym = "✗"
					}
				}
				fmt.Fprintf(w, "  %12s", sym)
			}
			fmt.Fprintln(w)
		}
	} else {
		for _, o := range observers {
			for _, p := range paths {
				cell, ok := m.Cell(o, p)
				if !ok {
					continue
				}
				sym, viol := "✓", ""
				if !cell.Satisfied {
					sym = "✗"
					if label := firstViolation(cell); label != "" {
						viol = " - " + label
					}
				}
				fmt.Fprintf(w, "  %s %-20s score=%.3f%s\n", sym, o, cell.Score, viol)
			}
		}
	}

	fmt.Fprintf(w, "\n  %d/%d satisfied  (score %.1f%%)\n\n",
		m.Summary.SatisfiedCount, m.Summary.TotalCount, scorePct(m))
}

func firstViolation(cell *usersim.PathResult) string {
	for _, res := range cell.Results {
		if !res.Passed {
			return res.Label
		}
	}
	return ""
}

func scorePct(m *usersim.Matrix) float64 {
	if m.Summary.TotalCount == 0 {
		return 0
	}
	return 100 * float64(m.Summary.SatisfiedCount) / float64(m.Summary.TotalCount)
}

// WriteAudit renders the requirement health audit.
func WriteAudit(w io.Writer, m *usersim.Matrix, rep *audit.Report) {
	fmt.Fprintf(w, "\n=== usersim requirement audit ===\n")
	fmt.Fprintf(w, "Observers: %d  Paths: %d\n", len(m.Observers()), len(m.Paths()))
	fmt.Fprintf(w, "Effective tests: %d\n", m.Summary.EffectiveTests)
	fmt.Fprintf(w, "Pass rate:       %d/%d\n", m.Summary.SatisfiedCount, m.Summary.TotalCount)

	fmt.Fprintf(w, "\n--- Vacuous requirements (%d) ---\n", len(rep.Vacuous))
	if len(rep.Vacuous) == 0 {
		fmt.Fprintln(w, "  none ✓")
	}
	for _, e := range rep.Vacuous {
		fmt.Fprintf(w, "  %s: %s\n", e.Observer, e.Label)
	}

	fmt.Fprintf(w, "\n--- Trivially passing requirements (%d) ---\n", len(rep.TriviallyPassing))
	fmt.Fprintln(w, "    (passed every time exercised; verify they can fail)")
	if len(rep.TriviallyPassing) == 0 {
		fmt.Fprintln(w, "  none (every requirement has at least one failing path)")
	}
	for i, e := range rep.TriviallyPassing {
		if i == 20 {
			fmt.Fprintf(w, "  ... and %d more\n", len(rep.TriviallyPassing)-20)
			break
		}
		fmt.Fprintf(w, "  %s: %s\n", e.Observer, e.Label)
	}

	fmt.Fprintf(w, "\n--- Duplicate requirements (%d) ---\n", len(rep.Duplicates))
	if len(rep.Duplicates) == 0 {
		fmt.Fprintln(w, "  none ✓")
	}
	for _, d := range rep.Duplicates {
		fmt.Fprintf(w, "  %s:%s and %s:%s\n", d.ObserverA, d.LabelA, d.ObserverB, d.LabelB)
	}

	fmt.Fprintf(w, "\n--- Dead facts (%d) ---\n", len(rep.DeadFacts))
	if len(rep.DeadFacts) == 0 {
		fmt.Fprintln(w, "  none ✓")
	}
	for _, name := range rep.DeadFacts {
		fmt.Fprintf(w, "  %s\n", name)
	}

	top, bottom := densityExtremes(rep.VariableDensity, 10)
	fmt.Fprintf(w, "\n--- Most variable coverage (top %d) ---\n", len(top))
	for _, d := range top {
		fmt.Fprintf(w, "  %d vars  %s\n", d.vars, d.label)
	}
	fmt.Fprintf(w, "\n--- Least variable coverage (bottom %d) ---\n", len(bottom))
	for _, d := range bottom {
		fmt.Fprintf(w, "  %d vars  %s\n", d.vars, d.label)
	}
	fmt.Fprintln(w)
}

type densityRow struct {
	label string
	vars  int
}

// densityExtremes returns the n densest and n sparsest labels, labels
// breaking count ties alphabetically.
func densityExtremes(density map[string]int, n int) (top, bottom []densityRow) {
	rows := make([]densityRow, 0, len(density))
	for label, vars := range density {
		rows = append(rows, densityRow{label: label, vars: vars})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].vars != rows[j].vars {
			return rows[i].vars > rows[j].vars
		}
		return rows[i].label < rows[j].label
	})
	if len(rows) < n {
		n = len(rows)
	}
	top = rows[:n]
	bottom = make([]densityRow, n)
	copy(bottom, rows[len(rows)-n:])
	sort.Slice(bottom, func(i, j int) bool {
		if bottom[i].vars != bottom[j].vars {
			return bottom[i].vars < bottom[j].vars
		}
		return bottom[i].label < bottom[j].label
	})
	return top, bottom
}

func trunc(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

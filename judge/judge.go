// Package judge assembles the observer × path judgement matrix: every
// registered observer's requirements evaluated against every path's facts.
package judge

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/eval"
)

// Options tune a judgement run.
type Options struct {
	// Paths fixes the evaluation order. Empty means the fact table's
	// insertion order.
	Paths []string
	// Parallelism bounds concurrent cell evaluation. Zero or negative
	// means 4. Cells are independent, so the output never depends on
	// scheduling.
	Parallelism int
}

// Runner evaluates observers against paths and assembles the matrix.
type Runner struct {
	ev *eval.Evaluator
}

// NewRunner returns a Runner on the given evaluator.
func NewRunner(ev *eval.Evaluator) *Runner { return &Runner{ev: ev} }

// Run evaluates the full observer × path cross product. Requirement-local
// failures (unbound variables, domain faults) land in the matrix as failed
// requirements and the run carries on; a backend disagreement aborts the
// whole run.
//
// Cell order is observers-outer in registration order, paths-inner in
// input order, regardless of parallelism.
func (r *Runner) Run(ctx context.Context, reg *usersim.Registry, table *usersim.FactTable, opts Options) (*usersim.Matrix, error) {
	paths := opts.Paths
	if len(paths) == 0 {
		paths = table.Paths()
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}

	observers := reg.Observers()
	cells := make([]usersim.PathResult, len(observers)*len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for oi := range observers {
		for pi := range paths {
			oi, pi := oi, pi
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				obs, path := observers[oi], paths[pi]
				cell, err := r.judgePair(obs, path, table.Resolve(path, obs.Name))
				if err != nil {
					return fmt.Errorf("judging %s on %s: %w", obs.Name, path, err)
				}
				cells[oi*len(paths)+pi] = cell
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := usersim.Summary{
		TotalCount:     len(cells),
		EffectiveTests: EffectiveTests(observers),
	}
	for i := range cells {
		if cells[i].Satisfied {
			summary.SatisfiedCount++
		}
	}
	return &usersim.Matrix{Cells: cells, Summary: summary}, nil
}

func (r *Runner) judgePair(obs usersim.Observer, path string, b usersim.Binding) (usersim.PathResult, error) {
	cell := usersim.PathResult{
		Observer:  obs.Name,
		Path:      path,
		Satisfied: true,
		Score:     1,
	}
	if len(obs.Requirements) == 0 {
		return cell, nil
	}

	cell.Results = make([]usersim.Result, 0, len(obs.Requirements))
	passed := 0
	for _, req := range obs.Requirements {
		res, err := r.ev.Evaluate(req, b)
		if err != nil {
			return usersim.PathResult{}, err
		}
		if res.Passed {
			passed++
		} else {
			cell.Satisfied = false
		}
		cell.Results = append(cell.Results, res)
	}
	cell.Score = roundScore(float64(passed) / float64(len(obs.Requirements)))
	return cell, nil
}

// roundScore pins scores to four decimals so serialized matrices are
// stable across platforms.
func roundScore(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// EffectiveTests returns the coverage weight of a requirement set: each
// requirement with k free variables contributes 4^k.
func EffectiveTests(observers []usersim.Observer) int64 {
	var total int64
	for _, obs := range observers {
		for _, req := range obs.Requirements {
			total += pow4(len(usersim.FreeVars(req.Expr)))
		}
	}
	return total
}

func pow4(k int) int64 {
	var v int64 = 1
	for i := 0; i < k; i++ {
		if v > math.MaxInt64/4 {
			return math.MaxInt64
		}
		v *= 4
	}
	return v
}

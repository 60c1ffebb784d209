package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/usersim/usersim-go/audit"
	"github.com/usersim/usersim-go/config"
	"github.com/usersim/usersim-go/eval"
	"github.com/usersim/usersim-go/interchange"
	"github.com/usersim/usersim-go/judge"
	"github.com/usersim/usersim-go/report"
	"github.com/usersim/usersim-go/runner"
)

func newJudgeCommand() *Command {
	judgeCmd := &Command{
		Name:        "judge",
		Description: "Judge observers against an existing perceptions document",
		FlagSet:     flag.NewFlagSet("judge", flag.ExitOnError),
	}

	cfgPath := judgeCmd.FlagSet.String("config", config.DefaultFile, "Project file")
	factsPath := judgeCmd.FlagSet.String("facts", "", "Perceptions document to judge ('-' reads stdin)")
	backend := judgeCmd.FlagSet.String("backend", "", "Override the judgement backend (auto, engine or walker)")
	crossCheck := judgeCmd.FlagSet.Bool("cross-check", false, "Evaluate on both backends and abort on disagreement")
	observer := judgeCmd.FlagSet.String("observer", "", "Judge a single observer")
	path := judgeCmd.FlagSet.String("path", "", "Judge a single path")
	results := judgeCmd.FlagSet.String("results", "", "Write the results document to this file")
	verbose := judgeCmd.FlagSet.Bool("verbose", false, "Show detailed output")

	judgeCmd.Run = func() error {
		if *factsPath == "" {
			return fmt.Errorf("a perceptions document is required (-facts)")
		}
		data, err := readInput(*factsPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", *factsPath, err)
		}
		perc, err := interchange.DecodePerceptions(data)
		if err != nil {
			return err
		}
		table, err := perc.FactTable()
		if err != nil {
			return err
		}

		cfg, err := config.Load(*cfgPath)
		if err != nil {
			return err
		}
		if *backend != "" {
			cfg.Judgement.Backend = *backend
		}
		if *crossCheck {
			cfg.Judgement.CrossCheck = true
		}
		if *observer != "" {
			cfg.Observer = *observer
		}

		reg, err := runner.New(cfg, newLogger(*verbose)).LoadObservers()
		if err != nil {
			return err
		}

		ev, err := eval.New(eval.Options{
			Backend:    eval.BackendKind(cfg.Judgement.Backend),
			CrossCheck: cfg.Judgement.CrossCheck,
		})
		if err != nil {
			return err
		}
		var opts judge.Options
		if *path != "" {
			opts.Paths = []string{*path}
		}
		matrix, err := judge.NewRunner(ev).Run(context.Background(), reg, table, opts)
		if err != nil {
			return err
		}
		rep := audit.Analyze(matrix, reg, table)

		report.WriteSummary(os.Stdout, matrix)
		report.WriteAudit(os.Stdout, matrix, rep)

		if *results != "" {
			out, err := interchange.Marshal(interchange.EncodeMatrix(matrix))
			if err != nil {
				return err
			}
			if err := writeFile(*results, out); err != nil {
				return err
			}
			fmt.Printf("Results written to %s\n", *results)
		}

		if !matrix.AllSatisfied() {
			failed := matrix.Summary.TotalCount - matrix.Summary.SatisfiedCount
			return fmt.Errorf("%d of %d observer/path pairs unsatisfied", failed, matrix.Summary.TotalCount)
		}
		return nil
	}

	return judgeCmd
}

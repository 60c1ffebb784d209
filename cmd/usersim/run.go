package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/usersim/usersim-go/config"
	"github.com/usersim/usersim-go/interchange"
	"github.com/usersim/usersim-go/report"
	"github.com/usersim/usersim-go/runner"
	"github.com/usersim/usersim-go/store"
)

func newRunCommand() *Command {
	runCmd := &Command{
		Name:        "run",
		Description: "Instrument every path, judge all observers and write artifacts",
		FlagSet:     flag.NewFlagSet("run", flag.ExitOnError),
	}

	cfgPath := runCmd.FlagSet.String("config", config.DefaultFile, "Project file")
	backend := runCmd.FlagSet.String("backend", "", "Override the judgement backend (auto, engine or walker)")
	crossCheck := runCmd.FlagSet.Bool("cross-check", false, "Evaluate on both backends and abort on disagreement")
	observer := runCmd.FlagSet.String("observer", "", "Judge a single observer")
	path := runCmd.FlagSet.String("path", "", "Exercise a single path")
	noHistory := runCmd.FlagSet.Bool("no-history", false, "Skip recording the run in the history store")
	verbose := runCmd.FlagSet.Bool("verbose", false, "Show detailed output")

	runCmd.Run = func() error {
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
		if *path != "" {
			cfg.Paths = []string{*path}
		}

		ctx := context.Background()
		outcome, err := runner.New(cfg, newLogger(*verbose)).Run(ctx)
		if err != nil {
			return err
		}

		report.WriteSummary(os.Stdout, outcome.Matrix)
		report.WriteAudit(os.Stdout, outcome.Matrix, outcome.Audit)

		if err := writeArtifacts(cfg, outcome); err != nil {
			return err
		}
		if !*noHistory && cfg.History.DSN != "" {
			if err := recordRun(ctx, cfg, *cfgPath, outcome); err != nil {
				return err
			}
		}

		if !outcome.Satisfied() {
			failed := outcome.Matrix.Summary.TotalCount - outcome.Matrix.Summary.SatisfiedCount
			return fmt.Errorf("%d of %d observer/path pairs unsatisfied", failed, outcome.Matrix.Summary.TotalCount)
		}
		return nil
	}

	return runCmd
}

// writeArtifacts writes the results document and the HTML report to the
// locations the project file names. Empty locations write nothing.
func writeArtifacts(cfg *config.Config, outcome *runner.Outcome) error {
	if cfg.Output.Results != "" {
		data, err := interchange.Marshal(interchange.EncodeMatrix(outcome.Matrix))
		if err != nil {
			return err
		}
		dest := cfg.Resolve(cfg.Output.Results)
		if err := writeFile(dest, data); err != nil {
			return err
		}
		fmt.Printf("Results written to %s\n", dest)
	}

	if cfg.Output.Report != "" {
		var buf bytes.Buffer
		err := report.WriteHTML(&buf, report.Data{
			Matrix:      outcome.Matrix,
			Audit:       outcome.Audit,
			Registry:    outcome.Registry,
			Backend:     outcome.Backend,
			GeneratedAt: time.Now(),
		})
		if err != nil {
			return err
		}
		dest := cfg.Resolve(cfg.Output.Report)
		if err := writeFile(dest, buf.Bytes()); err != nil {
			return err
		}
		fmt.Printf("Report written to %s\n", dest)
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// recordRun persists the outcome in the history store, stamped with the
// working copy's git state and the project file's hash.
func recordRun(ctx context.Context, cfg *config.Config, cfgPath string, outcome *runner.Outcome) error {
	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		return fmt.Errorf("hashing config: %w", err)
	}
	prov, err := store.Describe(cfg.BaseDir())
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, store.Options{DSN: cfg.History.DSN, AutoMigrate: true})
	if err != nil {
		return err
	}
	defer st.Close()

	meta := store.RunMeta{
		ID:         outcome.RunID,
		Backend:    outcome.Backend,
		ConfigHash: store.ConfigHash(raw),
		Provenance: prov,
	}
	if err := st.Record(ctx, meta, outcome.Matrix, outcome.Audit); err != nil {
		return err
	}
	fmt.Printf("Run %s recorded\n", outcome.RunID)
	return nil
}

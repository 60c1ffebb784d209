package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/audit"
	"github.com/usersim/usersim-go/config"
	"github.com/usersim/usersim-go/interchange"
	"github.com/usersim/usersim-go/report"
	"github.com/usersim/usersim-go/runner"
)

func newAuditCommand() *Command {
	auditCmd := &Command{
		Name:        "audit",
		Description: "Run the health audit over a recorded results document",
		FlagSet:     flag.NewFlagSet("audit", flag.ExitOnError),
	}

	cfgPath := auditCmd.FlagSet.String("config", config.DefaultFile, "Project file (supplies observer definitions)")
	resultsPath := auditCmd.FlagSet.String("results", "", "Results document to audit ('-' reads stdin)")
	factsPath := auditCmd.FlagSet.String("facts", "", "Perceptions document for dead-fact analysis (optional)")
	asJSON := auditCmd.FlagSet.Bool("json", false, "Emit the audit report as JSON")
	strict := auditCmd.FlagSet.Bool("strict", false, "Exit non-zero when the audit finds warnings")

	auditCmd.Run = func() error {
		if *resultsPath == "" {
			return fmt.Errorf("a results document is required (-results)")
		}
		data, err := readInput(*resultsPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", *resultsPath, err)
		}
		doc, err := interchange.DecodeResults(data)
		if err != nil {
			return err
		}
		matrix := doc.Matrix()

		cfg, err := config.Load(*cfgPath)
		if err != nil {
			return err
		}
		reg, err := runner.New(cfg, newLogger(false)).LoadObservers()
		if err != nil {
			return err
		}

		var table *usersim.FactTable
		if *factsPath != "" {
			fdata, err := readInput(*factsPath)
			if err != nil {
				return fmt.Errorf("reading %s: %w", *factsPath, err)
			}
			perc, err := interchange.DecodePerceptions(fdata)
			if err != nil {
				return err
			}
			if table, err = perc.FactTable(); err != nil {
				return err
			}
		}

		rep := audit.Analyze(matrix, reg, table)

		if *asJSON {
			out, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				return err
			}
			os.Stdout.Write(append(out, '\n'))
		} else {
			report.WriteAudit(os.Stdout, matrix, rep)
		}

		if *strict {
			warnings := 0
			for _, f := range rep.Findings() {
				if f.Severity == audit.SeverityWarning {
					warnings++
				}
			}
			if warnings > 0 {
				return fmt.Errorf("%d audit warning(s)", warnings)
			}
		}
		return nil
	}

	return auditCmd
}

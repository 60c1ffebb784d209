package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/usersim/usersim-go/dsl"
)

func newFmtCommand() *Command {
	fmtCmd := &Command{
		Name:        "fmt",
		Description: "Rewrite observer files in canonical form",
		FlagSet:     flag.NewFlagSet("fmt", flag.ExitOnError),
	}

	write := fmtCmd.FlagSet.Bool("write", true, "Write formatted output back to files")
	stdout := fmtCmd.FlagSet.Bool("stdout", false, "Print formatted output to stdout instead")
	check := fmtCmd.FlagSet.Bool("check", false, "Exit non-zero when files need formatting, without writing")

	fmtCmd.Run = func() error {
		files := fmtCmd.FlagSet.Args()
		if len(files) < 1 {
			return fmt.Errorf("no input files specified")
		}

		needsChanges := false
		for _, filename := range files {
			src, err := os.ReadFile(filename)
			if err != nil {
				return fmt.Errorf("reading %s: %w", filename, err)
			}
			formatted, err := dsl.FormatSource(filename, src)
			if err != nil {
				return err
			}

			if string(src) != formatted {
				needsChanges = true
				if *check {
					fmt.Printf("%s needs formatting\n", filename)
				}
			}

			if *stdout {
				fmt.Print(formatted)
				continue
			}
			if *write && !*check {
				if err := os.WriteFile(filename, []byte(formatted), 0o644); err != nil {
					return fmt.Errorf("writing %s: %w", filename, err)
				}
			}
		}

		if *check && needsChanges {
			return fmt.Errorf("formatting required")
		}
		return nil
	}

	return fmtCmd
}

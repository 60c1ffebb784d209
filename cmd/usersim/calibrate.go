package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/usersim/usersim-go/config"
	"github.com/usersim/usersim-go/runner"
)

func newCalibrateCommand() *Command {
	calibrateCmd := &Command{
		Name:        "calibrate",
		Description: "Sample the pipeline repeatedly and report observed facts and flaky requirements",
		FlagSet:     flag.NewFlagSet("calibrate", flag.ExitOnError),
	}

	cfgPath := calibrateCmd.FlagSet.String("config", config.DefaultFile, "Project file")
	samples := calibrateCmd.FlagSet.Int("samples", 3, "Number of pipeline samples")
	verbose := calibrateCmd.FlagSet.Bool("verbose", false, "Show detailed output")

	calibrateCmd.Run = func() error {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			return err
		}

		cal, err := runner.New(cfg, newLogger(*verbose)).Calibrate(context.Background(), *samples)
		if err != nil {
			return err
		}

		printCalibration(os.Stdout, cal)

		if len(cal.Flaky) > 0 {
			return fmt.Errorf("%d requirement(s) changed verdict across %d samples", len(cal.Flaky), cal.Samples)
		}
		return nil
	}

	return calibrateCmd
}

func printCalibration(w io.Writer, cal *runner.Calibration) {
	fmt.Fprintf(w, "Calibration over %d sample(s)\n", cal.Samples)

	paths := make([]string, 0, len(cal.Facts))
	for p := range cal.Facts {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fmt.Fprintf(w, "\n%s:\n", path)
		byObserver := cal.Facts[path]
		observers := make([]string, 0, len(byObserver))
		for o := range byObserver {
			observers = append(observers, o)
		}
		sort.Strings(observers)
		for _, obs := range observers {
			facts := byObserver[obs]
			names := make([]string, 0, len(facts))
			for n := range facts {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "  [%s] %s = %v\n", obs, name, facts[name])
			}
		}
	}

	if len(cal.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, e := range cal.Errors {
			fmt.Fprintf(w, "  sample %d, %s: %s\n", e.Sample, e.Path, e.Err)
		}
	}
	if len(cal.Flaky) > 0 {
		fmt.Fprintln(w, "\nFlaky requirements:")
		for _, f := range cal.Flaky {
			fmt.Fprintf(w, "  %s / %s %q passed %.0f%% of samples\n",
				f.Observer, f.Path, f.Label, f.PassRate*100)
		}
	}
}

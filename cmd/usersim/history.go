package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/usersim/usersim-go/config"
	"github.com/usersim/usersim-go/store"
)

func newHistoryCommand() *Command {
	historyCmd := &Command{
		Name:        "history",
		Description: "List or purge recorded runs",
		FlagSet:     flag.NewFlagSet("history", flag.ExitOnError),
	}

	cfgPath := historyCmd.FlagSet.String("config", config.DefaultFile, "Project file (supplies the history DSN)")
	dsn := historyCmd.FlagSet.String("dsn", "", "Postgres DSN (overrides the project file)")
	limit := historyCmd.FlagSet.Int("limit", 20, "Number of runs to list")
	purgeBefore := historyCmd.FlagSet.Duration("purge-before", 0, "Delete runs older than this (e.g. 720h) instead of listing")

	historyCmd.Run = func() error {
		target := *dsn
		if target == "" {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			target = cfg.History.DSN
		}
		if target == "" {
			return fmt.Errorf("no history DSN configured (set history.dsn or pass -dsn)")
		}

		ctx := context.Background()
		st, err := store.Open(ctx, store.Options{DSN: target})
		if err != nil {
			return err
		}
		defer st.Close()

		if *purgeBefore > 0 {
			n, err := st.Purge(ctx, time.Now().Add(-*purgeBefore))
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d run(s)\n", n)
			return nil
		}

		runs, err := st.List(ctx, *limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No recorded runs")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tCREATED\tBACKEND\tCOMMIT\tSATISFIED")
		for _, r := range runs {
			commit := r.GitCommit
			if len(commit) > 8 {
				commit = commit[:8]
			}
			if commit == "" {
				commit = "-"
			} else if r.GitDirty {
				commit += "*"
			}
			verdict := fmt.Sprintf("%d/%d", r.SatisfiedCount, r.TotalCount)
			if !r.Satisfied() {
				verdict += " FAIL"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				r.ID.String()[:8],
				r.CreatedAt.Local().Format("2006-01-02 15:04"),
				r.Backend, commit, verdict)
		}
		return tw.Flush()
	}

	return historyCmd
}

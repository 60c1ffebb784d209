// usersim drives the judgement pipeline from the command line: scaffold a
// project, instrument and judge its paths, audit and render the results,
// and move observer packs around.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	usersim "github.com/usersim/usersim-go"
)

// Command represents a sub-command of usersim.
type Command struct {
	Name        string
	Description string
	FlagSet     *flag.FlagSet
	Run         func() error
}

var commands = make(map[string]*Command)

func main() {
	defineCommands()

	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	cmd.FlagSet.Parse(args[1:])

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: usersim <command> [options]")
	fmt.Fprintln(os.Stderr, "Available commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", name, commands[name].Description)
	}
}

func defineCommands() {
	commands["run"] = newRunCommand()
	commands["judge"] = newJudgeCommand()
	commands["audit"] = newAuditCommand()
	commands["report"] = newReportCommand()
	commands["init"] = newInitCommand()
	commands["calibrate"] = newCalibrateCommand()
	commands["history"] = newHistoryCommand()
	commands["bundle"] = newBundleCommand()
	commands["fmt"] = newFmtCommand()
	commands["version"] = newVersionCommand()
}

func newVersionCommand() *Command {
	versionCmd := &Command{
		Name:        "version",
		Description: "Print the usersim version",
		FlagSet:     flag.NewFlagSet("version", flag.ExitOnError),
	}
	versionCmd.Run = func() error {
		fmt.Println("usersim " + usersim.Version)
		return nil
	}
	return versionCmd
}

// newLogger builds the stderr logger. Stdout stays reserved for matrices
// and reports so output can be piped.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// readInput reads a document argument, with "-" meaning stdin.
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/usersim/usersim-go/observers/std"
)

const projectTemplate = `version: 1

instrumentation:
  command: ["./sim.sh"]
  timeout: 120s

perceptions:
  mappings: perceptions.yaml

observers:
  include: ["observers/*.osim"]

paths: [default]

judgement:
  backend: auto
  cross_check: false

output:
  results: out/results.json
  report: out/report.html

history:
  dsn: ""
`

// simTemplate is a stand-in instrumentation script. It emits fixed
// numbers; a real one would exercise the application on $USERSIM_PATH
// and measure it.
const simTemplate = `#!/bin/sh
cat <<EOF
{
  "schema": "usersim.metrics.v1",
  "path": "${USERSIM_PATH:-default}",
  "metrics": {
    "requests": 120,
    "errors": 0,
    "timeouts": 0,
    "crashes": 0,
    "latency": {"p95_ms": 180.0}
  }
}
EOF
`

const mappingTemplate = `# Derive judgement facts from the metrics document. Rules under "*"
# feed every observer; add observer-named sections to give a persona
# its own view of the same run.
"*":
  - fact: requests
    path: metrics.requests
  - fact: errors
    path: metrics.errors
  - fact: timeouts
    path: metrics.timeouts
  - fact: crashes
    path: metrics.crashes
  - fact: p95_ms
    path: metrics.latency.p95_ms
  - fact: error_rate
    ratio:
      num: metrics.errors
      den: metrics.requests
`

const observerTemplate = `# Example observer. Tighten the bounds once real runs flow.
observer "first_user" {
  role "skeptical first-time user"
  goal "the app feels fast and never errors"
  group "experience" {
    require "no-errors": errors == 0.0
    require "latency-bounded": if p95_ms > 0.0 then p95_ms <= 500.0
    require "error-rate-low": error_rate <= 0.05
  }
}
`

func newInitCommand() *Command {
	initCmd := &Command{
		Name:        "init",
		Description: "Scaffold a usersim project",
		FlagSet:     flag.NewFlagSet("init", flag.ExitOnError),
	}

	dir := initCmd.FlagSet.String("dir", ".", "Target directory")
	packs := initCmd.FlagSet.String("packs", "", "Comma-separated stock observer packs to include instead of the example observer")
	force := initCmd.FlagSet.Bool("force", false, "Overwrite files that already exist")

	initCmd.Run = func() error {
		files := map[string][]byte{
			"usersim.yaml":     []byte(projectTemplate),
			"sim.sh":           []byte(simTemplate),
			"perceptions.yaml": []byte(mappingTemplate),
		}
		if *packs == "" {
			files[filepath.Join("observers", "example.osim")] = []byte(observerTemplate)
		} else {
			for _, name := range strings.Split(*packs, ",") {
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				src, err := std.Source(name)
				if err != nil {
					return err
				}
				files[filepath.Join("observers", name+".osim")] = src
			}
		}

		names := make([]string, 0, len(files))
		for name := range files {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			dest := filepath.Join(*dir, name)
			if !*force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use -force to overwrite)", dest)
				}
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
			}
			mode := os.FileMode(0o644)
			if strings.HasSuffix(name, ".sh") {
				mode = 0o755
			}
			if err := os.WriteFile(dest, files[name], mode); err != nil {
				return fmt.Errorf("writing %s: %w", dest, err)
			}
			fmt.Printf("Created %s\n", dest)
		}

		fmt.Println("Run `usersim run` to judge the scaffolded pipeline.")
		return nil
	}

	return initCmd
}

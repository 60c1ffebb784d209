// Package config loads the project file (usersim.yaml) that wires the
// pipeline together: the instrumentation command, the perception layer,
// observer definition files, the paths to exercise and where results go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the config filename looked up in the working directory
// when no explicit path is given.
const DefaultFile = "usersim.yaml"

// Environment override names. USERSIM_PATH and USERSIM_OBSERVER narrow a
// run to one path or observer; USERSIM_BACKEND forces the evaluation
// backend. The same USERSIM_PATH name is what the runner exports to
// instrumentation subprocesses.
const (
	EnvPath     = "USERSIM_PATH"
	EnvObserver = "USERSIM_OBSERVER"
	EnvBackend  = "USERSIM_BACKEND"
)

// Config is the parsed project file.
type Config struct {
	Version         int                   `yaml:"version"`
	Instrumentation InstrumentationConfig `yaml:"instrumentation"`
	Perceptions     PerceptionsConfig     `yaml:"perceptions"`
	Observers       ObserversConfig       `yaml:"observers"`
	Paths           []string              `yaml:"paths"`
	Observer        string                `yaml:"observer,omitempty"`
	Judgement       JudgementConfig       `yaml:"judgement"`
	Output          OutputConfig          `yaml:"output"`
	History         HistoryConfig         `yaml:"history"`

	baseDir string
}

// InstrumentationConfig names the command that measures the application.
// The command runs once per path with USERSIM_PATH set and must write a
// usersim.metrics.v1 document to stdout.
type InstrumentationConfig struct {
	Command []string `yaml:"command"`
	Timeout string   `yaml:"timeout"`
}

// PerceptionsConfig selects the perception layer: either an external
// command (metrics doc on stdin, perceptions doc on stdout) or a
// declarative mapping file. Command wins when both are set.
type PerceptionsConfig struct {
	Command  []string `yaml:"command,omitempty"`
	Mappings string   `yaml:"mappings,omitempty"`
}

// ObserversConfig lists observer definition file globs, resolved relative
// to the config file's directory.
type ObserversConfig struct {
	Include []string `yaml:"include"`
}

// JudgementConfig tunes evaluation.
type JudgementConfig struct {
	Backend    string `yaml:"backend"`
	CrossCheck bool   `yaml:"cross_check"`
}

// OutputConfig names where the run writes its artifacts. Empty fields
// write nothing.
type OutputConfig struct {
	Results string `yaml:"results,omitempty"`
	Report  string `yaml:"report,omitempty"`
}

// HistoryConfig holds the optional Postgres DSN for run history.
type HistoryConfig struct {
	DSN string `yaml:"dsn,omitempty"`
}

const defaultTimeout = 120 * time.Second

// Load reads and validates a project file. Environment overrides are
// applied after parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.baseDir = filepath.Dir(abs)
	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

// Parse decodes and validates config YAML without touching the
// filesystem or the environment.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if cfg.Version > 1 {
		return nil, fmt.Errorf("unsupported config version %d", cfg.Version)
	}
	if cfg.Instrumentation.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Instrumentation.Timeout); err != nil {
			return nil, fmt.Errorf("instrumentation.timeout: %w", err)
		}
	}
	if len(cfg.Paths) == 0 {
		cfg.Paths = []string{"default"}
	}
	if cfg.Judgement.Backend == "" {
		cfg.Judgement.Backend = "auto"
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvPath); ok && v != "" {
		c.Paths = []string{v}
	}
	if v, ok := lookup(EnvObserver); ok && v != "" {
		c.Observer = v
	}
	if v, ok := lookup(EnvBackend); ok && v != "" {
		c.Judgement.Backend = v
	}
}

// BaseDir returns the directory the config file lives in. Relative paths
// inside the file resolve against it.
func (c *Config) BaseDir() string {
	if c.baseDir == "" {
		return "."
	}
	return c.baseDir
}

// Resolve turns a config-relative path into an absolute one.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.BaseDir(), path)
}

// InstrumentTimeout returns the parsed instrumentation timeout, defaulting
// to two minutes. Load already rejected unparseable values.
func (c *Config) InstrumentTimeout() time.Duration {
	if c.Instrumentation.Timeout == "" {
		return defaultTimeout
	}
	d, err := time.ParseDuration(c.Instrumentation.Timeout)
	if err != nil {
		return defaultTimeout
	}
	return d
}

// ObserverFiles expands the observer include globs into a sorted,
// de-duplicated file list.
func (c *Config) ObserverFiles() ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range c.Observers.Include {
		matches, err := filepath.Glob(c.Resolve(pattern))
		if err != nil {
			return nil, fmt.Errorf("config: observers.include %q: %w", pattern, err)
		}
		for _, m := range matches {
			if _, dup := seen[m]; !dup {
				seen[m] = struct{}{}
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

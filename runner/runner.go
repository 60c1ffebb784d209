// Package runner drives the configured pipeline end to end: instrument
// every path, turn the metrics into facts, judge the observer matrix and
// audit it. Each stage boundary is a JSON document, so instrumentation
// and perception layers can be written in any language.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/google/uuid"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/audit"
	"github.com/usersim/usersim-go/config"
	"github.com/usersim/usersim-go/dsl"
	"github.com/usersim/usersim-go/eval"
	"github.com/usersim/usersim-go/interchange"
	"github.com/usersim/usersim-go/judge"
	"github.com/usersim/usersim-go/perceive"
)

// Runner executes pipelines for one project config.
type Runner struct {
	cfg *config.Config
	log *slog.Logger
}

// New returns a Runner. A nil logger falls back to slog.Default.
func New(cfg *config.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, log: logger}
}

// Outcome is everything a completed run produced.
type Outcome struct {
	RunID       uuid.UUID
	Backend     string
	Registry    *usersim.Registry
	Perceptions *interchange.PerceptionsDoc
	Table       *usersim.FactTable
	Matrix      *usersim.Matrix
	Audit       *audit.Report
}

// Satisfied reports whether every observer accepted every path.
func (o *Outcome) Satisfied() bool { return o.Matrix.AllSatisfied() }

// Run executes the full pipeline.
func (r *Runner) Run(ctx context.Context) (*Outcome, error) {
	reg, err := r.LoadObservers()
	if err != nil {
		return nil, err
	}
	docs, err := r.Instrument(ctx)
	if err != nil {
		return nil, err
	}
	perc, err := r.Perceive(ctx, docs)
	if err != nil {
		return nil, err
	}
	table, err := perc.FactTable()
	if err != nil {
		return nil, err
	}
	matrix, backend, err := r.judgeWith(ctx, reg, table, r.cfg.Paths)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{
		RunID:       uuid.New(),
		Backend:     backend,
		Registry:    reg,
		Perceptions: perc,
		Table:       table,
		Matrix:      matrix,
		Audit:       audit.Analyze(matrix, reg, table),
	}
	r.log.Info("run complete",
		"run_id", outcome.RunID.String(),
		"backend", backend,
		"satisfied", matrix.Summary.SatisfiedCount,
		"total", matrix.Summary.TotalCount)
	return outcome, nil
}

// LoadObservers parses every file matched by observers.include and
// registers the declared observers. When the config narrows the run to a
// single observer, everything else is skipped.
func (r *Runner) LoadObservers() (*usersim.Registry, error) {
	files, err := r.cfg.ObserverFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("runner: no observer files matched %v", r.cfg.Observers.Include)
	}
	reg := usersim.NewRegistry()
	for _, file := range files {
		observers, err := dsl.ParseFile(file)
		if err != nil {
			return nil, err
		}
		for _, obs := range observers {
			if r.cfg.Observer != "" && obs.Name != r.cfg.Observer {
				continue
			}
			if err := reg.Register(obs); err != nil {
				return nil, fmt.Errorf("runner: %s: %w", file, err)
			}
		}
	}
	if reg.Len() == 0 {
		if r.cfg.Observer != "" {
			return nil, fmt.Errorf("runner: observer %q not defined in %v", r.cfg.Observer, files)
		}
		return nil, fmt.Errorf("runner: no observers defined in %v", files)
	}
	return reg, nil
}

// Instrument runs the instrumentation command once per configured path and
// collects the metrics documents. The command sees USERSIM_PATH in its
// environment and must write usersim.metrics.v1 JSON to stdout.
func (r *Runner) Instrument(ctx context.Context) ([]*interchange.MetricsDoc, error) {
	if len(r.cfg.Instrumentation.Command) == 0 {
		return nil, fmt.Errorf("runner: no instrumentation command configured")
	}
	docs := make([]*interchange.MetricsDoc, 0, len(r.cfg.Paths))
	for _, path := range r.cfg.Paths {
		doc, err := r.instrumentPath(ctx, path)
		if err != nil {
			return nil, err
		}
		r.log.Debug("instrumented path", "path", path, "metrics", len(doc.Metrics))
		docs = append(docs, doc)
	}
	return docs, nil
}

func (r *Runner) instrumentPath(ctx context.Context, path string) (*interchange.MetricsDoc, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.InstrumentTimeout())
	defer cancel()

	argv := r.cfg.Instrumentation.Command
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.cfg.BaseDir()
	cmd.Env = append(os.Environ(), config.EnvPath+"="+path)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("instrumenting %s: %w%s", path, err, stderrTail(&stderr))
	}

	doc, err := interchange.DecodeMetrics(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("instrumenting %s: %w", path, err)
	}
	if doc.Path == "" {
		doc.Path = path
	} else if doc.Path != path {
		return nil, fmt.Errorf("instrumenting %s: document labeled for path %q", path, doc.Path)
	}
	return doc, nil
}

// Perceive turns metrics documents into one merged perceptions document,
// through either the configured subprocess or the declarative mapping file.
func (r *Runner) Perceive(ctx context.Context, docs []*interchange.MetricsDoc) (*interchange.PerceptionsDoc, error) {
	mapper, err := r.mapper()
	if err != nil {
		return nil, err
	}
	merged := interchange.NewPerceptionsDoc()
	for _, doc := range docs {
		if err := r.perceiveDoc(ctx, mapper, doc, merged); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// mapper loads the declarative perception mapping, or returns nil when the
// config names a subprocess instead.
func (r *Runner) mapper() (*perceive.Perceiver, error) {
	if len(r.cfg.Perceptions.Command) > 0 {
		return nil, nil
	}
	if r.cfg.Perceptions.Mappings == "" {
		return nil, fmt.Errorf("runner: perceptions need a command or a mappings file")
	}
	mapper, err := perceive.Load(r.cfg.Resolve(r.cfg.Perceptions.Mappings))
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	return mapper, nil
}

func (r *Runner) perceiveDoc(ctx context.Context, mapper *perceive.Perceiver, doc *interchange.MetricsDoc, merged *interchange.PerceptionsDoc) error {
	if mapper == nil {
		return r.perceiveSubprocess(ctx, doc, merged)
	}
	byObserver, err := mapper.Apply(doc)
	if err != nil {
		return fmt.Errorf("perceiving %s: %w", doc.Path, err)
	}
	for obs, facts := range byObserver {
		merged.SetFacts(doc.Path, obs, facts)
	}
	return nil
}

// perceiveSubprocess feeds one metrics document to the perception command
// on stdin and merges its perceptions document. A bare facts object is
// accepted and treated as wildcard facts for the document's path.
func (r *Runner) perceiveSubprocess(ctx context.Context, doc *interchange.MetricsDoc, merged *interchange.PerceptionsDoc) error {
	input, err := interchange.Marshal(doc)
	if err != nil {
		return fmt.Errorf("perceiving %s: %w", doc.Path, err)
	}

	argv := r.cfg.Perceptions.Command
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.cfg.BaseDir()
	env := append(os.Environ(), config.EnvPath+"="+doc.Path)
	if r.cfg.Observer != "" {
		env = append(env, config.EnvObserver+"="+r.cfg.Observer)
	}
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("perceiving %s: %w%s", doc.Path, err, stderrTail(&stderr))
	}

	out := stdout.Bytes()
	perc, err := interchange.DecodePerceptions(out)
	if err != nil {
		facts, ok := bareFacts(out)
		if !ok {
			return fmt.Errorf("perceiving %s: %w", doc.Path, err)
		}
		merged.SetFacts(doc.Path, "", facts)
		return nil
	}
	for path, observers := range perc.Paths {
		for obs, facts := range observers {
			merged.SetFacts(path, obs, facts)
		}
	}
	return nil
}

// bareFacts recognizes a plain {"fact": value, …} object with no schema
// field, the shorthand simple perception scripts emit.
func bareFacts(data []byte) (map[string]any, bool) {
	var facts map[string]any
	if err := json.Unmarshal(data, &facts); err != nil || facts == nil {
		return nil, false
	}
	if _, reserved := facts["schema"]; reserved {
		return nil, false
	}
	return facts, true
}

// Judge evaluates the registry against the fact table with the configured
// backend, returning the matrix and the backend actually used.
func (r *Runner) Judge(ctx context.Context, reg *usersim.Registry, table *usersim.FactTable) (*usersim.Matrix, string, error) {
	return r.judgeWith(ctx, reg, table, r.cfg.Paths)
}

func (r *Runner) judgeWith(ctx context.Context, reg *usersim.Registry, table *usersim.FactTable, paths []string) (*usersim.Matrix, string, error) {
	ev, err := eval.New(eval.Options{
		Backend:    eval.BackendKind(r.cfg.Judgement.Backend),
		CrossCheck: r.cfg.Judgement.CrossCheck,
	})
	if err != nil {
		return nil, "", fmt.Errorf("runner: %w", err)
	}
	matrix, err := judge.NewRunner(ev).Run(ctx, reg, table, judge.Options{Paths: paths})
	if err != nil {
		return nil, "", err
	}
	return matrix, ev.BackendName(), nil
}

// Calibration is the outcome of repeated pipeline runs: the observed facts,
// per-path failures, and, when sampled more than once, the requirements
// whose verdict was not stable across samples.
type Calibration struct {
	Samples int
	// Facts is path → observer → fact → value, from the first sample that
	// reached perception for that path.
	Facts  map[string]map[string]map[string]any
	Errors []PathError
	Flaky  []FlakyRequirement
}

// PathError records one path failing instrumentation or perception in one
// sample. The other paths of that sample carry on.
type PathError struct {
	Path   string
	Sample int
	Err    string
}

// FlakyRequirement identifies a requirement that both passed and failed
// across the samples that evaluated it.
type FlakyRequirement struct {
	Observer string
	Path     string
	Label    string
	PassRate float64
}

// Calibrate runs instrumentation and perception the given number of times.
// One sample reports fact values only; more samples also judge each one and
// report requirements whose verdicts disagree between samples.
func (r *Runner) Calibrate(ctx context.Context, samples int) (*Calibration, error) {
	if samples < 1 {
		samples = 1
	}
	if len(r.cfg.Instrumentation.Command) == 0 {
		return nil, fmt.Errorf("runner: no instrumentation command configured")
	}
	mapper, err := r.mapper()
	if err != nil {
		return nil, err
	}

	cal := &Calibration{
		Samples: samples,
		Facts:   make(map[string]map[string]map[string]any),
	}
	var reg *usersim.Registry
	if samples > 1 {
		if reg, err = r.LoadObservers(); err != nil {
			return nil, err
		}
	}

	type key struct{ observer, path, label string }
	passes := make(map[key]int)
	evaluated := make(map[key]int)

	for i := 0; i < samples; i++ {
		perc := interchange.NewPerceptionsDoc()
		var reached []string
		for _, path := range r.cfg.Paths {
			doc, err := r.instrumentPath(ctx, path)
			if err == nil {
				err = r.perceiveDoc(ctx, mapper, doc, perc)
			}
			if err != nil {
				cal.Errors = append(cal.Errors, PathError{Path: path, Sample: i + 1, Err: err.Error()})
				continue
			}
			reached = append(reached, path)
		}
		for path, observers := range perc.Paths {
			if _, seen := cal.Facts[path]; !seen {
				cal.Facts[path] = observers
			}
		}
		if reg == nil || len(reached) == 0 {
			continue
		}
		table, err := perc.FactTable()
		if err != nil {
			return nil, err
		}
		matrix, _, err := r.judgeWith(ctx, reg, table, reached)
		if err != nil {
			return nil, err
		}
		for _, cell := range matrix.Cells {
			for _, res := range cell.Results {
				k := key{cell.Observer, cell.Path, res.Label}
				evaluated[k]++
				if res.Passed {
					passes[k]++
				}
			}
		}
	}

	for k, n := range evaluated {
		if p := passes[k]; p > 0 && p < n {
			cal.Flaky = append(cal.Flaky, FlakyRequirement{
				Observer: k.observer,
				Path:     k.path,
				Label:    k.label,
				PassRate: float64(p) / float64(n),
			})
		}
	}
	sort.Slice(cal.Flaky, func(i, j int) bool {
		a, b := cal.Flaky[i], cal.Flaky[j]
		if a.Observer != b.Observer {
			return a.Observer < b.Observer
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Label < b.Label
	})
	return cal, nil
}

// stderrTail trims a subprocess stderr capture for inclusion in an error.
func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return ""
	}
	if len(s) > 400 {
		s = s[:400]
	}
	return ": " + s
}

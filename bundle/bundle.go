// Package bundle packages observer packs for distribution. A bundle is a
// directory of .osim files plus a manifest summarizing the observers
// inside; push and pull move bundles through any OCI registry.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/dsl"
)

// Bundle is the manifest of one packaged observer pack.
type Bundle struct {
	Name          string            `json:"name"`
	Version       string            `json:"version"`
	Description   string            `json:"description,omitempty"`
	PackHash      string            `json:"pack_hash"`
	CreatedAt     time.Time         `json:"created_at"`
	ObserverFiles []string          `json:"observer_files"`
	Observers     []ObserverSummary `json:"observers,omitempty"`
	Metrics       []string          `json:"metrics,omitempty"`
}

// ObserverSummary captures one observer for status output without
// shipping its parsed expressions.
type ObserverSummary struct {
	Name         string   `json:"name"`
	Role         string   `json:"role,omitempty"`
	Goal         string   `json:"goal,omitempty"`
	Requirements int      `json:"requirements"`
	Labels       []string `json:"labels,omitempty"`
	Metrics      []string `json:"metrics,omitempty"`
}

// Builder assembles a bundle from a directory of observer files.
type Builder struct {
	bundle      *Bundle
	observerDir string
}

// NewBuilder starts a bundle with the given name and version.
func NewBuilder(name, version string) *Builder {
	return &Builder{
		bundle: &Bundle{
			Name:      name,
			Version:   version,
			CreatedAt: time.Now().UTC(),
		},
	}
}

// WithObserverDir sets the directory holding .osim files.
func (b *Builder) WithObserverDir(dir string) *Builder {
	b.observerDir = dir
	return b
}

// WithDescription sets the bundle description.
func (b *Builder) WithDescription(desc string) *Builder {
	b.bundle.Description = desc
	return b
}

// Build walks the observer directory, parses every pack file, and fills
// in the manifest. Parse failures and duplicate observer names abort the
// build; a bundle that built is a bundle that loads.
func (b *Builder) Build() (*Bundle, error) {
	if b.observerDir == "" {
		return nil, fmt.Errorf("bundle: observer dir is required")
	}

	files, err := collectObserverFiles(b.observerDir)
	if err != nil {
		return nil, fmt.Errorf("bundle: walk %s: %w", b.observerDir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("bundle: no .osim files under %s", b.observerDir)
	}

	reg := usersim.NewRegistry()
	hash := sha256.New()
	metricSet := make(map[string]struct{})

	for _, rel := range files {
		src, err := os.ReadFile(filepath.Join(b.observerDir, rel))
		if err != nil {
			return nil, fmt.Errorf("bundle: read %s: %w", rel, err)
		}

		observers, err := dsl.Parse(rel, src)
		if err != nil {
			return nil, fmt.Errorf("bundle: %w", err)
		}

		hash.Write([]byte(rel))
		hash.Write([]byte{0})
		hash.Write(src)
		hash.Write([]byte{0})

		for _, o := range observers {
			if err := reg.Register(o); err != nil {
				return nil, fmt.Errorf("bundle: %s: %w", rel, err)
			}
			b.bundle.Observers = append(b.bundle.Observers, summarize(o, metricSet))
		}
		b.bundle.ObserverFiles = append(b.bundle.ObserverFiles, rel)
	}

	b.bundle.PackHash = hex.EncodeToString(hash.Sum(nil))
	b.bundle.Metrics = sortedKeys(metricSet)
	return b.bundle, nil
}

// collectObserverFiles returns .osim paths relative to dir, sorted so the
// pack hash does not depend on walk order.
func collectObserverFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".osim" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func summarize(o usersim.Observer, metricSet map[string]struct{}) ObserverSummary {
	labels := make([]string, 0, len(o.Requirements))
	observerMetrics := make(map[string]struct{})
	for _, req := range o.Requirements {
		labels = append(labels, req.Label)
		for _, name := range usersim.FreeVars(req.Expr) {
			observerMetrics[name] = struct{}{}
			metricSet[name] = struct{}{}
		}
	}
	return ObserverSummary{
		Name:         o.Name,
		Role:         o.Role,
		Goal:         o.Goal,
		Requirements: len(o.Requirements),
		Labels:       labels,
		Metrics:      sortedKeys(observerMetrics),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Save writes the manifest to disk.
func Save(bundle *Bundle, path string) error {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("bundle: write %s: %w", path, err)
	}
	return nil
}

// Load reads a manifest from disk.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: read %s: %w", path, err)
	}
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("bundle: unmarshal %s: %w", path, err)
	}
	return &bundle, nil
}

// Package interchange defines the versioned JSON documents that cross the
// pipeline's process boundaries: metrics produced by instrumentation,
// perception fact tables, and judgement results. Every document carries a
// "schema" field; loaders reject values they do not recognize so a stale
// producer fails loudly instead of feeding garbage downstream.
package interchange

import (
	"encoding/json"
	"fmt"
	"sort"

	usersim "github.com/usersim/usersim-go"
)

// Schema identifiers. The version suffix changes only on incompatible
// layout changes.
const (
	MetricsSchema     = "usersim.metrics.v1"
	PerceptionsSchema = "usersim.perceptions.v1"
	ResultsSchema     = "usersim.results.v1"
	MatrixSchema      = "usersim.matrix.v1"
)

// MetricsDoc is raw instrumentation output for one path.
type MetricsDoc struct {
	Schema  string         `json:"schema"`
	Path    string         `json:"path,omitempty"`
	Metrics map[string]any `json:"metrics"`
}

// PerceptionsDoc is a serialized fact table: path name to observer name
// (or "*" for facts shared by all observers) to fact values.
type PerceptionsDoc struct {
	Schema string                               `json:"schema"`
	Paths  map[string]map[string]map[string]any `json:"paths"`
}

// ResultsDoc wraps a judgement matrix for transport. Schema is
// usersim.results.v1 for single-path runs and usersim.matrix.v1 when the
// matrix spans several paths.
type ResultsDoc struct {
	Schema  string               `json:"schema"`
	Results []usersim.PathResult `json:"results"`
	Summary usersim.Summary      `json:"summary"`
}

// DecodeMetrics parses and validates a metrics document.
func DecodeMetrics(data []byte) (*MetricsDoc, error) {
	var doc MetricsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("interchange: decode metrics: %w", err)
	}
	if doc.Schema != MetricsSchema {
		return nil, fmt.Errorf("interchange: expected schema %q, got %q", MetricsSchema, doc.Schema)
	}
	if doc.Metrics == nil {
		return nil, fmt.Errorf("interchange: metrics document has no metrics object")
	}
	return &doc, nil
}

// DecodePerceptions parses and validates a perceptions document.
func DecodePerceptions(data []byte) (*PerceptionsDoc, error) {
	var doc PerceptionsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("interchange: decode perceptions: %w", err)
	}
	if doc.Schema != PerceptionsSchema {
		return nil, fmt.Errorf("interchange: expected schema %q, got %q", PerceptionsSchema, doc.Schema)
	}
	if doc.Paths == nil {
		return nil, fmt.Errorf("interchange: perceptions document has no paths object")
	}
	return &doc, nil
}

// DecodeResults parses a results document. Both the single-path and the
// matrix schema are accepted.
func DecodeResults(data []byte) (*ResultsDoc, error) {
	var doc ResultsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("interchange: decode results: %w", err)
	}
	if doc.Schema != ResultsSchema && doc.Schema != MatrixSchema {
		return nil, fmt.Errorf("interchange: expected schema %q or %q, got %q",
			ResultsSchema, MatrixSchema, doc.Schema)
	}
	return &doc, nil
}

// FactTable converts the document into an evaluation-ready fact table.
// Paths load in sorted name order so downstream cell order is stable no
// matter which producer wrote the document.
func (d *PerceptionsDoc) FactTable() (*usersim.FactTable, error) {
	table := usersim.NewFactTable()
	paths := make([]string, 0, len(d.Paths))
	for p := range d.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, path := range paths {
		byObserver := d.Paths[path]
		observers := make([]string, 0, len(byObserver))
		for o := range byObserver {
			observers = append(observers, o)
		}
		sort.Strings(observers)
		for _, observer := range observers {
			b, err := usersim.NewBinding(byObserver[observer])
			if err != nil {
				return nil, fmt.Errorf("interchange: path %q observer %q: %w", path, observer, err)
			}
			table.Add(path, observer, b)
		}
	}
	return table, nil
}

// NewPerceptionsDoc builds an empty perceptions document.
func NewPerceptionsDoc() *PerceptionsDoc {
	return &PerceptionsDoc{
		Schema: PerceptionsSchema,
		Paths:  make(map[string]map[string]map[string]any),
	}
}

// SetFacts records facts for (path, observer), merging over any facts
// already present for the pair.
func (d *PerceptionsDoc) SetFacts(path, observer string, facts map[string]any) {
	if observer == "" {
		observer = usersim.WildcardObserver
	}
	byObserver, ok := d.Paths[path]
	if !ok {
		byObserver = make(map[string]map[string]any)
		d.Paths[path] = byObserver
	}
	existing, ok := byObserver[observer]
	if !ok {
		existing = make(map[string]any, len(facts))
		byObserver[observer] = existing
	}
	for k, v := range facts {
		existing[k] = v
	}
}

// EncodeMatrix wraps a judgement matrix in a results document. The matrix
// schema is used when cells span more than one path.
func EncodeMatrix(m *usersim.Matrix) *ResultsDoc {
	schema := ResultsSchema
	if len(m.Paths()) > 1 {
		schema = MatrixSchema
	}
	return &ResultsDoc{
		Schema:  schema,
		Results: m.Cells,
		Summary: m.Summary,
	}
}

// Matrix reassembles the judgement matrix carried by the document.
func (d *ResultsDoc) Matrix() *usersim.Matrix {
	return &usersim.Matrix{Cells: d.Results, Summary: d.Summary}
}

// Marshal renders the document as indented JSON with a trailing newline,
// the layout every stage writes to files and stdout.
func Marshal(doc any) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("interchange: encode: %w", err)
	}
	return append(data, '\n'), nil
}

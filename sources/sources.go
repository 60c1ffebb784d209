// Package sources streams metrics documents into the judgement daemon.
// Each subpackage adapts one transport (drop directory, Kafka, AMQP,
// Redis Streams, S3, SQL) to a common channel of TypedDocs. Factories
// register themselves in init, so importing a subpackage makes its type
// available through New.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// TypedDoc is one metrics document drawn from a source. Raw carries the
// original document bytes; Payload is the same body decoded to a
// protobuf Struct so gRPC surfaces can forward it without re-encoding.
type TypedDoc struct {
	Schema    string            `json:"schema"`
	Path      string            `json:"path"`
	Raw       []byte            `json:"-"`
	Payload   *structpb.Struct  `json:"-"`
	Timestamp time.Time         `json:"timestamp"`
	SourceID  string            `json:"source_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewDoc decodes one message body into a TypedDoc. The body must be a
// JSON object; schema and path are lifted from the document when present
// so the daemon can route without a second decode.
func NewDoc(sourceID string, raw []byte, metadata map[string]string) (*TypedDoc, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("sources: decode document: %w", err)
	}
	payload, err := structpb.NewStruct(body)
	if err != nil {
		return nil, fmt.Errorf("sources: struct payload: %w", err)
	}
	doc := &TypedDoc{
		Raw:       raw,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		SourceID:  sourceID,
		Metadata:  metadata,
	}
	if v, ok := body["schema"].(string); ok {
		doc.Schema = v
	}
	if v, ok := body["path"].(string); ok {
		doc.Path = v
	}
	return doc, nil
}

// FromRecord builds a TypedDoc from an already-decoded record, for
// sources whose transport hands out structured rows rather than raw JSON
// (SQL rows, Parquet records).
func FromRecord(sourceID string, record map[string]any, metadata map[string]string) (*TypedDoc, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("sources: encode record: %w", err)
	}
	payload, err := structpb.NewStruct(record)
	if err != nil {
		return nil, fmt.Errorf("sources: struct payload: %w", err)
	}
	doc := &TypedDoc{
		Raw:       raw,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		SourceID:  sourceID,
		Metadata:  metadata,
	}
	if v, ok := record["schema"].(string); ok {
		doc.Schema = v
	}
	if v, ok := record["path"].(string); ok {
		doc.Path = v
	}
	return doc, nil
}

// Metadata describes a running source.
type Metadata struct {
	SourceID     string            `json:"source_id"`
	Type         string            `json:"type"`
	Capabilities []string          `json:"capabilities"`
	Config       map[string]string `json:"config,omitempty"`
}

// Source is one transport adapter feeding metrics documents to the
// daemon. Start establishes the connection, Subscribe hands out the
// document channel, Stop shuts down and closes it.
type Source interface {
	Start(ctx context.Context) error
	Subscribe(ctx context.Context) (<-chan *TypedDoc, error)
	Stop(ctx context.Context) error
	HealthCheck() error
	Metadata() Metadata
}

// Config declares one source instance in the daemon configuration.
type Config struct {
	SourceID string         `json:"source_id" yaml:"source_id"`
	Type     string         `json:"type" yaml:"type"`
	Options  map[string]any `json:"options" yaml:"options"`
}

// Factory builds sources of one type from generic configuration.
type Factory interface {
	Create(cfg Config) (Source, error)
	Validate(cfg Config) error
}

// Registry maps source type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a type name.
func (r *Registry) Register(sourceType string, f Factory) error {
	if sourceType == "" {
		return fmt.Errorf("sources: source type is required")
	}
	if f == nil {
		return fmt.Errorf("sources: factory is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[sourceType]; exists {
		return fmt.Errorf("sources: type %q already registered", sourceType)
	}
	r.factories[sourceType] = f
	return nil
}

// New validates cfg and builds a source of the configured type.
func (r *Registry) New(cfg Config) (Source, error) {
	if cfg.SourceID == "" {
		return nil, fmt.Errorf("sources: source_id is required")
	}
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sources: unknown source type %q (have %v)", cfg.Type, r.Types())
	}
	if err := f.Validate(cfg); err != nil {
		return nil, fmt.Errorf("sources: %s: %w", cfg.SourceID, err)
	}
	return f.Create(cfg)
}

// Types lists registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

var defaultRegistry = NewRegistry()

// Register adds a factory to the package registry. Subpackages call this
// from init.
func Register(sourceType string, f Factory) error {
	return defaultRegistry.Register(sourceType, f)
}

// New builds a source from the package registry.
func New(cfg Config) (Source, error) {
	return defaultRegistry.New(cfg)
}

// Types lists the source types available in the package registry.
func Types() []string {
	return defaultRegistry.Types()
}

// Option accessors tolerate both decodings of the options map: JSON
// hands numbers out as float64, YAML as int.

// StringOption reads a string option.
func StringOption(opts map[string]any, key string) (string, bool) {
	v, ok := opts[key].(string)
	return v, ok
}

// IntOption reads an integer option.
func IntOption(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// BoolOption reads a boolean option.
func BoolOption(opts map[string]any, key string) (bool, bool) {
	v, ok := opts[key].(bool)
	return v, ok
}

// DurationOption reads a duration option given as a string like "5s".
func DurationOption(opts map[string]any, key string) (time.Duration, bool) {
	s, ok := opts[key].(string)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

// StringsOption reads a string list option.
func StringsOption(opts map[string]any, key string) ([]string, bool) {
	raw, ok := opts[key].([]any)
	if !ok {
		if direct, ok := opts[key].([]string); ok {
			return direct, true
		}
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// StringMapOption reads a string map option.
func StringMapOption(opts map[string]any, key string) (map[string]string, bool) {
	raw, ok := opts[key].(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out[k] = s
	}
	return out, true
}

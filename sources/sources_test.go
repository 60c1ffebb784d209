package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct{ id string }

func (s *stubSource) Start(context.Context) error                         { return nil }
func (s *stubSource) Subscribe(context.Context) (<-chan *TypedDoc, error) { return nil, nil }
func (s *stubSource) Stop(context.Context) error                          { return nil }
func (s *stubSource) HealthCheck() error                                  { return nil }
func (s *stubSource) Metadata() Metadata                                  { return Metadata{SourceID: s.id, Type: "stub"} }

type stubFactory struct{ validateErr error }

func (f *stubFactory) Create(cfg Config) (Source, error) { return &stubSource{id: cfg.SourceID}, nil }
func (f *stubFactory) Validate(cfg Config) error         { return f.validateErr }

func TestRegistryNew(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("stub", &stubFactory{}))

	src, err := reg.New(Config{SourceID: "checkout-feed", Type: "stub"})
	require.NoError(t, err)
	assert.Equal(t, "checkout-feed", src.Metadata().SourceID)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("stub", &stubFactory{}))
	assert.Error(t, reg.Register("stub", &stubFactory{}))
}

func TestRegistryUnknownTypeNamesAlternatives(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("stub", &stubFactory{}))

	_, err := reg.New(Config{SourceID: "x", Type: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
	assert.Contains(t, err.Error(), "stub")
}

func TestRegistryRequiresSourceID(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("stub", &stubFactory{}))

	_, err := reg.New(Config{Type: "stub"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_id")
}

func TestRegistryRunsValidate(t *testing.T) {
	reg := NewRegistry()
	bad := &stubFactory{validateErr: errors.New("url is required")}
	require.NoError(t, reg.Register("stub", bad))

	_, err := reg.New(Config{SourceID: "orders", Type: "stub"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orders")
	assert.Contains(t, err.Error(), "url is required")
}

func TestRegistryTypesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"s3", "amqp", "kafka"} {
		require.NoError(t, reg.Register(name, &stubFactory{}))
	}
	assert.Equal(t, []string{"amqp", "kafka", "s3"}, reg.Types())
}

func TestNewDocLiftsEnvelope(t *testing.T) {
	raw := []byte(`{"schema":"usersim.metrics.v1","path":"checkout","metrics":{"latency_p99":412}}`)
	doc, err := NewDoc("drop-dir", raw, map[string]string{"file.name": "checkout.json"})
	require.NoError(t, err)

	assert.Equal(t, "usersim.metrics.v1", doc.Schema)
	assert.Equal(t, "checkout", doc.Path)
	assert.Equal(t, "drop-dir", doc.SourceID)
	assert.Equal(t, raw, doc.Raw)
	assert.Equal(t, "checkout.json", doc.Metadata["file.name"])
	assert.False(t, doc.Timestamp.IsZero())

	require.NotNil(t, doc.Payload)
	metrics := doc.Payload.Fields["metrics"].GetStructValue()
	require.NotNil(t, metrics)
	assert.Equal(t, float64(412), metrics.Fields["latency_p99"].GetNumberValue())
}

func TestNewDocRejectsNonObject(t *testing.T) {
	for _, raw := range []string{`[1,2,3]`, `"text"`, `not json`} {
		_, err := NewDoc("s", []byte(raw), nil)
		assert.Error(t, err, "payload %s", raw)
	}
}

func TestFromRecordEncodesRaw(t *testing.T) {
	doc, err := FromRecord("warehouse", map[string]any{
		"path":        "search",
		"latency_p50": 31.5,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "search", doc.Path)
	assert.Empty(t, doc.Schema)
	assert.JSONEq(t, `{"path":"search","latency_p50":31.5}`, string(doc.Raw))
}

func TestOptionAccessors(t *testing.T) {
	opts := map[string]any{
		"name":   "orders",
		"count":  float64(7),
		"limit":  42,
		"big":    int64(9),
		"flag":   true,
		"wait":   "1500ms",
		"hosts":  []any{"a:9092", "b:9092"},
		"labels": map[string]any{"tier": "gold"},
	}

	v, ok := StringOption(opts, "name")
	require.True(t, ok)
	assert.Equal(t, "orders", v)
	_, ok = StringOption(opts, "missing")
	assert.False(t, ok)

	for key, want := range map[string]int{"count": 7, "limit": 42, "big": 9} {
		n, ok := IntOption(opts, key)
		require.True(t, ok, key)
		assert.Equal(t, want, n, key)
	}
	_, ok = IntOption(opts, "name")
	assert.False(t, ok)

	b, ok := BoolOption(opts, "flag")
	require.True(t, ok)
	assert.True(t, b)

	d, ok := DurationOption(opts, "wait")
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)
	_, ok = DurationOption(opts, "name")
	assert.False(t, ok)

	hosts, ok := StringsOption(opts, "hosts")
	require.True(t, ok)
	assert.Equal(t, []string{"a:9092", "b:9092"}, hosts)

	labels, ok := StringMapOption(opts, "labels")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"tier": "gold"}, labels)
}

func TestStringsOptionDirectSlice(t *testing.T) {
	opts := map[string]any{"brokers": []string{"kafka-1:9092"}}
	hosts, ok := StringsOption(opts, "brokers")
	require.True(t, ok)
	assert.Equal(t, []string{"kafka-1:9092"}, hosts)
}

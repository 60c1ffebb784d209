package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usersim/usersim-go/sources"
)

const checkoutDoc = `{"schema":"usersim.metrics.v1","path":"checkout","metrics":{"error_rate":0.002}}`

func startSource(t *testing.T, config *Config) (*Source, <-chan *sources.TypedDoc) {
	t.Helper()
	src, err := NewSource(config)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, src.Start(ctx))
	t.Cleanup(func() { src.Stop(context.Background()) })

	ch, err := src.Subscribe(ctx)
	require.NoError(t, err)
	return src, ch
}

func waitDoc(t *testing.T, ch <-chan *sources.TypedDoc) *sources.TypedDoc {
	t.Helper()
	select {
	case doc := <-ch:
		require.NotNil(t, doc)
		return doc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for document")
		return nil
	}
}

func TestNewSourceValidation(t *testing.T) {
	_, err := NewSource(&Config{SourceID: "drop"})
	assert.Error(t, err)

	notDir := filepath.Join(t.TempDir(), "plain.json")
	require.NoError(t, os.WriteFile(notDir, []byte("{}"), 0o644))
	_, err = NewSource(&Config{SourceID: "drop", Dir: notDir})
	assert.Error(t, err)
}

func TestWatchEmitsDroppedDocument(t *testing.T) {
	dir := t.TempDir()
	_, ch := startSource(t, &Config{SourceID: "drop-dir", Dir: dir})

	path := filepath.Join(dir, "checkout.json")
	require.NoError(t, os.WriteFile(path, []byte(checkoutDoc), 0o644))

	doc := waitDoc(t, ch)
	assert.Equal(t, "usersim.metrics.v1", doc.Schema)
	assert.Equal(t, "checkout", doc.Path)
	assert.Equal(t, "drop-dir", doc.SourceID)
	assert.Equal(t, "checkout.json", doc.Metadata["file.name"])
}

func TestReplayEmitsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "search.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema":"usersim.metrics.v1","path":"search","metrics":{}}`), 0o644))

	_, ch := startSource(t, &Config{SourceID: "drop-dir", Dir: dir, Replay: true})

	doc := waitDoc(t, ch)
	assert.Equal(t, "search", doc.Path)
}

func TestPatternFiltersFiles(t *testing.T) {
	dir := t.TempDir()
	_, ch := startSource(t, &Config{SourceID: "drop-dir", Dir: dir, Pattern: "*.json"})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not metrics"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkout.json"), []byte(checkoutDoc), 0o644))

	doc := waitDoc(t, ch)
	assert.Equal(t, "checkout.json", doc.Metadata["file.name"])
}

func TestRemoveDeletesAfterEmit(t *testing.T) {
	dir := t.TempDir()
	_, ch := startSource(t, &Config{SourceID: "drop-dir", Dir: dir, Remove: true})

	path := filepath.Join(dir, "checkout.json")
	require.NoError(t, os.WriteFile(path, []byte(checkoutDoc), 0o644))

	waitDoc(t, ch)
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 5*time.Second, 50*time.Millisecond, "file should be removed after emit")
}

func TestHealthCheckRequiresStart(t *testing.T) {
	src, err := NewSource(&Config{SourceID: "drop", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Error(t, src.HealthCheck())

	require.NoError(t, src.Start(context.Background()))
	defer src.Stop(context.Background())
	assert.NoError(t, src.HealthCheck())
}

func TestFactory(t *testing.T) {
	f := &Factory{}

	err := f.Validate(sources.Config{SourceID: "drop", Type: "file", Options: map[string]any{}})
	assert.Error(t, err)

	dir := t.TempDir()
	src, err := f.Create(sources.Config{
		SourceID: "drop",
		Type:     "file",
		Options: map[string]any{
			"dir":     dir,
			"pattern": "*.ndjson",
			"replay":  true,
			"buffer":  float64(5),
		},
	})
	require.NoError(t, err)

	meta := src.Metadata()
	assert.Equal(t, "file", meta.Type)
	assert.Equal(t, dir, meta.Config["dir"])
	assert.Equal(t, "*.ndjson", meta.Config["pattern"])
}

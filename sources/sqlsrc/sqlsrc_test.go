package sqlsrc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usersim/usersim-go/sources"
)

func TestValidateConfigDefaults(t *testing.T) {
	config := &Config{
		SourceID: "warehouse",
		Driver:   "postgres",
		DSN:      "postgres://localhost/metrics",
		Table:    "run_metrics",
	}
	require.NoError(t, validateConfig(config))

	assert.Equal(t, "batch", config.Mode)
	assert.Equal(t, 60*time.Second, config.PollInterval)
	assert.Equal(t, 10*time.Second, config.Timeout)
	assert.Equal(t, 1000, config.MaxRows)
}

func TestValidateConfigModes(t *testing.T) {
	assert.Error(t, validateConfig(nil))
	assert.Error(t, validateConfig(&Config{SourceID: "w", DSN: "x", Table: "t"}))
	assert.Error(t, validateConfig(&Config{SourceID: "w", Driver: "mysql", Table: "t"}))

	err := validateConfig(&Config{SourceID: "w", Driver: "mysql", DSN: "x", Mode: "batch"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query or table")

	err = validateConfig(&Config{SourceID: "w", Driver: "mysql", DSN: "x", Mode: "stream", Table: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watermark_column")

	assert.NoError(t, validateConfig(&Config{
		SourceID: "w", Driver: "mysql", DSN: "x",
		Mode: "stream", Table: "t", WatermarkColumn: "recorded_at",
	}))
}

func TestBuildStreamingQueryPlaceholders(t *testing.T) {
	pg, err := NewSource(&Config{
		SourceID: "w", Driver: "postgres", DSN: "x",
		Mode: "stream", Table: "run_metrics", WatermarkColumn: "id",
		StartWatermark: "7", WatermarkType: "int", MaxRows: 500,
	})
	require.NoError(t, err)

	query, args := pg.buildStreamingQuery()
	assert.Equal(t, "SELECT * FROM run_metrics WHERE id > $1 ORDER BY id ASC LIMIT 500", query)
	require.Len(t, args, 1)
	assert.Equal(t, int64(7), args[0])

	my, err := NewSource(&Config{
		SourceID: "w", Driver: "mysql", DSN: "x",
		Mode: "stream", Table: "run_metrics", WatermarkColumn: "id",
	})
	require.NoError(t, err)
	query, _ = my.buildStreamingQuery()
	assert.Contains(t, query, "WHERE id > ?")
}

func TestBuildStreamingQueryCustom(t *testing.T) {
	src, err := NewSource(&Config{
		SourceID: "w", Driver: "postgres", DSN: "x", Mode: "stream",
		StreamingQuery: "SELECT path, p99 FROM rollup WHERE recorded_at > $1",
		StartWatermark: "2026-08-01T00:00:00Z", WatermarkType: "time",
	})
	require.NoError(t, err)

	query, args := src.buildStreamingQuery()
	assert.Equal(t, "SELECT path, p99 FROM rollup WHERE recorded_at > $1", query)
	require.Len(t, args, 1)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), args[0])
}

func TestWatermarkAdvances(t *testing.T) {
	src, err := NewSource(&Config{
		SourceID: "w", Driver: "mysql", DSN: "x",
		Mode: "stream", Table: "t", WatermarkColumn: "id",
		StartWatermark: "10", WatermarkType: "int",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), src.currentWatermark())

	src.updateWatermark(map[string]interface{}{"id": int64(42), "path": "checkout"})
	assert.Equal(t, int64(42), src.currentWatermark())

	src.updateWatermark(map[string]interface{}{"path": "no-watermark-column"})
	assert.Equal(t, int64(42), src.currentWatermark())
}

func TestParseWatermark(t *testing.T) {
	v, err := parseWatermark("17", "int")
	require.NoError(t, err)
	assert.Equal(t, int64(17), v)

	v, err = parseWatermark("3.5", "float")
	require.NoError(t, err)
	assert.Equal(t, 3.5, v)

	v, err = parseWatermark("2026-08-01T00:00:00Z", "time")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), v)

	v, err = parseWatermark("abc", "string")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	_, err = parseWatermark("abc", "int")
	assert.Error(t, err)
	_, err = parseWatermark("not-a-time", "time")
	assert.Error(t, err)
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, "texty", normalizeValue([]byte("texty")))

	stamp := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-08-01T12:00:00Z", normalizeValue(stamp))

	assert.Equal(t, int64(5), normalizeValue(int64(5)))
	assert.Nil(t, normalizeValue(nil))
}

func TestFactoryValidate(t *testing.T) {
	f := &Factory{}

	err := f.Validate(sources.Config{SourceID: "w", Options: map[string]any{
		"dsn": "x", "table": "t",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver")

	err = f.Validate(sources.Config{SourceID: "w", Options: map[string]any{
		"driver": "mysql", "dsn": "x",
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table")

	err = f.Validate(sources.Config{SourceID: "w", Options: map[string]any{
		"driver": "mysql", "dsn": "x", "query": "SELECT 1",
	}})
	assert.NoError(t, err)
}

func TestFactoryCreate(t *testing.T) {
	f := &Factory{}
	src, err := f.Create(sources.Config{
		SourceID: "warehouse",
		Type:     "sql",
		Options: map[string]any{
			"driver":           "postgres",
			"dsn":              "postgres://localhost/metrics",
			"mode":             "stream",
			"table":            "run_metrics",
			"watermark_column": "recorded_at",
			"watermark_type":   "time",
			"poll_interval":    "30s",
			"max_rows":         float64(250),
			"column_mapping":   map[string]any{"p99_ms": "latency_p99"},
		},
	})
	require.NoError(t, err)

	meta := src.Metadata()
	assert.Equal(t, "sql", meta.Type)
	assert.Equal(t, "postgres", meta.Config["driver"])
	assert.Equal(t, "run_metrics", meta.Config["table"])
	assert.Equal(t, "30s", meta.Config["poll_interval"])
}

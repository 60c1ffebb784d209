// Package sqlsrc streams metrics documents from a SQL table or query.
// Rows are flat metric records; stream mode keeps a watermark column cursor
// so each poll emits only rows past the last one seen.
package sqlsrc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/usersim/usersim-go/sources"
)

// Config holds SQL source configuration.
type Config struct {
	SourceID        string            `json:"source_id" yaml:"source_id"`
	Driver          string            `json:"driver" yaml:"driver"`
	DSN             string            `json:"dsn" yaml:"dsn"`
	Mode            string            `json:"mode" yaml:"mode"` // "batch" or "stream"
	Query           string            `json:"query" yaml:"query"`
	StreamingQuery  string            `json:"stream_query" yaml:"stream_query"`
	Table           string            `json:"table" yaml:"table"`
	WatermarkColumn string            `json:"watermark_column" yaml:"watermark_column"`
	StartWatermark  string            `json:"start_watermark" yaml:"start_watermark"`
	WatermarkType   string            `json:"watermark_type" yaml:"watermark_type"` // "string", "int", "float", "time"
	DefaultPath     string            `json:"default_path" yaml:"default_path"`
	PollInterval    time.Duration     `json:"poll_interval" yaml:"poll_interval"`
	MaxRows         int               `json:"max_rows" yaml:"max_rows"`
	Timeout         time.Duration     `json:"timeout" yaml:"timeout"`
	Buffer          int               `json:"buffer" yaml:"buffer"`
	ColumnMapping   map[string]string `json:"column_mapping" yaml:"column_mapping"`
}

// Source polls a database and emits metrics documents.
type Source struct {
	config        *Config
	log           *slog.Logger
	db            *sql.DB
	docChan       chan *sources.TypedDoc
	lastWatermark interface{}
	ctx           context.Context
	cancel        context.CancelFunc
	running       bool
	mu            sync.Mutex
}

// NewSource creates a SQL source.
func NewSource(config *Config) (*Source, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	source := &Source{
		config: config,
		log:    slog.With("source_id", config.SourceID),
		ctx:    ctx,
		cancel: cancel,
	}

	if config.StartWatermark != "" {
		if parsed, err := parseWatermark(config.StartWatermark, config.WatermarkType); err == nil {
			source.lastWatermark = parsed
		} else {
			source.lastWatermark = config.StartWatermark
		}
	}

	return source, nil
}

func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}
	if config.Driver == "" {
		return fmt.Errorf("driver is required")
	}
	if config.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if config.Mode == "" {
		config.Mode = "batch"
	}
	if config.Mode != "batch" && config.Mode != "stream" {
		return fmt.Errorf("mode must be batch or stream")
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRows == 0 {
		config.MaxRows = 1000
	}
	if config.Buffer <= 0 {
		config.Buffer = 200
	}
	if config.PollInterval == 0 {
		if config.Mode == "stream" {
			config.PollInterval = 5 * time.Second
		} else {
			config.PollInterval = 60 * time.Second
		}
	}

	switch config.Mode {
	case "batch":
		if config.Query == "" && config.Table == "" {
			return fmt.Errorf("batch mode requires query or table")
		}
	case "stream":
		if config.StreamingQuery == "" && config.Table == "" {
			return fmt.Errorf("stream mode requires stream_query or table")
		}
		if config.StreamingQuery == "" && config.WatermarkColumn == "" {
			return fmt.Errorf("stream mode requires watermark_column when using table")
		}
	}
	return nil
}

// Start opens the database connection.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("source already running")
	}

	db, err := sql.Open(s.config.Driver, s.config.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctxPing); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	s.db = db
	s.running = true
	s.log.Info("sql source started",
		"driver", s.config.Driver, "mode", s.config.Mode)
	return nil
}

// Subscribe returns the document channel and launches the poll loop.
func (s *Source) Subscribe(ctx context.Context) (<-chan *sources.TypedDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, fmt.Errorf("source not started")
	}
	if s.docChan != nil {
		return s.docChan, nil
	}
	s.docChan = make(chan *sources.TypedDoc, s.config.Buffer)
	go s.pollLoop(ctx)
	return s.docChan, nil
}

// Stop cancels the poll loop and closes the connection.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	s.running = false
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return err
		}
	}
	s.log.Info("sql source stopped")
	return nil
}

// HealthCheck pings the database.
func (s *Source) HealthCheck() error {
	if s.db == nil {
		return fmt.Errorf("database connection not initialized")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Metadata describes this source.
func (s *Source) Metadata() sources.Metadata {
	return sources.Metadata{
		SourceID:     s.config.SourceID,
		Type:         "sql",
		Capabilities: []string{s.config.Mode},
		Config: map[string]string{
			"driver":        s.config.Driver,
			"mode":          s.config.Mode,
			"table":         s.config.Table,
			"poll_interval": s.config.PollInterval.String(),
		},
	}
}

func (s *Source) pollLoop(ctx context.Context) {
	defer close(s.docChan)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	if err := s.pollOnce(); err != nil {
		s.log.Warn("poll failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.pollOnce(); err != nil {
				s.log.Warn("poll failed", "err", err)
			}
		}
	}
}

func (s *Source) pollOnce() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.Timeout)
	defer cancel()

	var query string
	var args []interface{}
	if s.config.Mode == "stream" {
		query, args = s.buildStreamingQuery()
	} else {
		query = s.buildBatchQuery()
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("columns: %w", err)
	}

	for rows.Next() {
		record, err := scanRow(columns, rows, s.config.ColumnMapping)
		if err != nil {
			return err
		}
		if s.config.Mode == "stream" {
			s.updateWatermark(record)
		}

		doc, err := sources.FromRecord(s.config.SourceID, record, map[string]string{
			"sql.driver": s.config.Driver,
			"sql.mode":   s.config.Mode,
		})
		if err != nil {
			s.log.Warn("convert row failed", "err", err)
			continue
		}
		if doc.Path == "" {
			doc.Path = s.config.DefaultPath
		}

		select {
		case s.docChan <- doc:
		default:
			s.log.Warn("document channel full, dropping row")
		}
	}
	return rows.Err()
}

func (s *Source) buildBatchQuery() string {
	if s.config.Query != "" {
		return s.config.Query
	}
	return fmt.Sprintf("SELECT * FROM %s", s.config.Table)
}

func (s *Source) buildStreamingQuery() (string, []interface{}) {
	if s.config.StreamingQuery != "" {
		return s.config.StreamingQuery, []interface{}{s.currentWatermark()}
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > %s ORDER BY %s ASC LIMIT %d",
		s.config.Table, s.config.WatermarkColumn, placeholder(s.config.Driver),
		s.config.WatermarkColumn, s.config.MaxRows)
	return query, []interface{}{s.currentWatermark()}
}

// placeholder returns the bind marker for the driver's dialect.
func placeholder(driver string) string {
	switch driver {
	case "postgres", "pgx":
		return "$1"
	default:
		return "?"
	}
}

func (s *Source) currentWatermark() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastWatermark == nil {
		return s.config.StartWatermark
	}
	return s.lastWatermark
}

func (s *Source) updateWatermark(row map[string]interface{}) {
	if s.config.WatermarkColumn == "" {
		return
	}
	value, ok := row[s.config.WatermarkColumn]
	if !ok {
		return
	}
	value = normalizeValue(value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastWatermark = value
}

func scanRow(columns []string, rows *sql.Rows, mapping map[string]string) (map[string]interface{}, error) {
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		key := col
		if mapping != nil {
			if mapped, ok := mapping[col]; ok {
				key = mapped
			}
		}
		row[key] = normalizeValue(values[i])
	}
	return row, nil
}

// normalizeValue keeps rows structpb-compatible. Drivers hand text columns
// back as []byte and timestamps as time.Time; neither survives NewStruct.
func normalizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return v
	}
}

func parseWatermark(raw string, kind string) (interface{}, error) {
	switch strings.ToLower(kind) {
	case "int":
		var v int64
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v, nil
		}
		return nil, fmt.Errorf("invalid int watermark")
	case "float":
		var v float64
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v, nil
		}
		return nil, fmt.Errorf("invalid float watermark")
	case "time":
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, err
		}
		return parsed, nil
	default:
		return raw, nil
	}
}

// Factory creates SQL sources from generic config.
type Factory struct{}

// Create builds a Source from the options map.
func (f *Factory) Create(cfg sources.Config) (sources.Source, error) {
	config := &Config{SourceID: cfg.SourceID}
	if v, ok := sources.StringOption(cfg.Options, "driver"); ok {
		config.Driver = v
	}
	if v, ok := sources.StringOption(cfg.Options, "dsn"); ok {
		config.DSN = v
	}
	if v, ok := sources.StringOption(cfg.Options, "mode"); ok {
		config.Mode = v
	}
	if v, ok := sources.StringOption(cfg.Options, "query"); ok {
		config.Query = v
	}
	if v, ok := sources.StringOption(cfg.Options, "stream_query"); ok {
		config.StreamingQuery = v
	}
	if v, ok := sources.StringOption(cfg.Options, "table"); ok {
		config.Table = v
	}
	if v, ok := sources.StringOption(cfg.Options, "watermark_column"); ok {
		config.WatermarkColumn = v
	}
	if v, ok := sources.StringOption(cfg.Options, "start_watermark"); ok {
		config.StartWatermark = v
	}
	if v, ok := sources.StringOption(cfg.Options, "watermark_type"); ok {
		config.WatermarkType = v
	}
	if v, ok := sources.StringOption(cfg.Options, "default_path"); ok {
		config.DefaultPath = v
	}
	if v, ok := sources.DurationOption(cfg.Options, "poll_interval"); ok {
		config.PollInterval = v
	}
	if v, ok := sources.DurationOption(cfg.Options, "timeout"); ok {
		config.Timeout = v
	}
	if v, ok := sources.IntOption(cfg.Options, "max_rows"); ok {
		config.MaxRows = v
	}
	if v, ok := sources.IntOption(cfg.Options, "buffer"); ok {
		config.Buffer = v
	}
	if v, ok := sources.StringMapOption(cfg.Options, "column_mapping"); ok {
		config.ColumnMapping = v
	}
	return NewSource(config)
}

// Validate checks required options without side effects.
func (f *Factory) Validate(cfg sources.Config) error {
	if _, ok := sources.StringOption(cfg.Options, "driver"); !ok {
		return fmt.Errorf("driver is required for sql source")
	}
	if _, ok := sources.StringOption(cfg.Options, "dsn"); !ok {
		return fmt.Errorf("dsn is required for sql source")
	}
	if _, ok := sources.StringOption(cfg.Options, "query"); ok {
		return nil
	}
	if _, ok := sources.StringOption(cfg.Options, "stream_query"); ok {
		return nil
	}
	if _, ok := sources.StringOption(cfg.Options, "table"); ok {
		return nil
	}
	return fmt.Errorf("query, stream_query, or table is required for sql source")
}

func init() {
	sources.Register("sql", &Factory{})
}

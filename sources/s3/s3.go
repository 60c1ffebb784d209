// Package s3 streams metrics documents from an S3 bucket. Objects are
// decoded as single JSON documents, NDJSON batches, or Parquet row groups;
// stream mode keeps a (last modified, key) cursor so each poll emits only
// unseen objects.
package s3

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/parquet-go/parquet-go"

	"github.com/usersim/usersim-go/sources"
)

// Config holds S3 source configuration.
type Config struct {
	SourceID       string        `json:"source_id" yaml:"source_id"`
	Region         string        `json:"region" yaml:"region"`
	Bucket         string        `json:"bucket" yaml:"bucket"`
	Prefix         string        `json:"prefix" yaml:"prefix"`
	Mode           string        `json:"mode" yaml:"mode"`     // "batch" or "stream"
	Format         string        `json:"format" yaml:"format"` // "json", "ndjson", or "parquet"
	DefaultPath    string        `json:"default_path" yaml:"default_path"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxObjects     int           `json:"max_objects" yaml:"max_objects"`
	MaxObjectBytes int64         `json:"max_object_bytes" yaml:"max_object_bytes"`
	Endpoint       string        `json:"endpoint" yaml:"endpoint"`
	ForcePathStyle bool          `json:"force_path_style" yaml:"force_path_style"`
	AccessKey      string        `json:"access_key" yaml:"access_key"`
	SecretKey      string        `json:"secret_key" yaml:"secret_key"`
	SessionToken   string        `json:"session_token" yaml:"session_token"`
	StartAfter     string        `json:"start_after" yaml:"start_after"`
	StartTime      string        `json:"start_time" yaml:"start_time"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	Buffer         int           `json:"buffer" yaml:"buffer"`
}

// Source polls a bucket and emits metrics documents.
type Source struct {
	config       *Config
	log          *slog.Logger
	client       *s3.Client
	docChan      chan *sources.TypedDoc
	lastSeenTime time.Time
	lastSeenKey  string
	ctx          context.Context
	cancel       context.CancelFunc
	running      bool
	mu           sync.Mutex
}

// NewSource creates an S3 source.
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

	if config.StartTime != "" {
		if parsed, err := time.Parse(time.RFC3339, config.StartTime); err == nil {
			source.lastSeenTime = parsed
		}
	}
	if config.StartAfter != "" {
		source.lastSeenKey = config.StartAfter
	}

	return source, nil
}

func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}
	if config.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	if config.Mode == "" {
		config.Mode = "batch"
	}
	if config.Mode != "batch" && config.Mode != "stream" {
		return fmt.Errorf("mode must be batch or stream")
	}
	if config.Format == "" {
		config.Format = "json"
	}
	if config.PollInterval == 0 {
		if config.Mode == "stream" {
			config.PollInterval = 5 * time.Second
		} else {
			config.PollInterval = 5 * time.Minute
		}
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxObjectBytes == 0 {
		config.MaxObjectBytes = 10 * 1024 * 1024 // 10MB
	}
	if config.Buffer <= 0 {
		config.Buffer = 200
	}
	return nil
}

// Start initializes the S3 client.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("source already running")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.config.Region),
	}
	if s.config.AccessKey != "" && s.config.SecretKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			s.config.AccessKey, s.config.SecretKey, s.config.SessionToken,
		)
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}
	if s.config.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{URL: s.config.Endpoint, HostnameImmutable: true}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	s.client = s3.NewFromConfig(cfg, func(options *s3.Options) {
		options.UsePathStyle = s.config.ForcePathStyle
	})

	s.running = true
	s.log.Info("s3 source started",
		"bucket", s.config.Bucket, "mode", s.config.Mode)
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

// Stop cancels the poll loop.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	s.running = false
	s.log.Info("s3 source stopped")
	return nil
}

// HealthCheck checks bucket access.
func (s *Source) HealthCheck() error {
	if s.client == nil {
		return fmt.Errorf("s3 client not initialized")
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	return err
}

// Metadata describes this source.
func (s *Source) Metadata() sources.Metadata {
	return sources.Metadata{
		SourceID:     s.config.SourceID,
		Type:         "s3",
		Capabilities: []string{s.config.Mode, "object_store"},
		Config: map[string]string{
			"bucket":        s.config.Bucket,
			"prefix":        s.config.Prefix,
			"format":        s.config.Format,
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

	objects, err := s.listObjects(ctx)
	if err != nil {
		return err
	}
	if s.config.Mode == "stream" {
		objects = s.filterNewObjects(objects)
	}

	for _, object := range objects {
		if err := s.emitObject(ctx, object); err != nil {
			s.log.Warn("emit object failed",
				"key", aws.ToString(object.Key), "err", err)
		}
	}

	if s.config.Mode == "stream" && len(objects) > 0 {
		s.updateCursor(objects)
	}
	return nil
}

func (s *Source) listObjects(ctx context.Context) ([]types.Object, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
	}
	if s.config.Prefix != "" {
		input.Prefix = aws.String(s.config.Prefix)
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	var objects []types.Object
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Contents...)
		if s.config.MaxObjects > 0 && len(objects) >= s.config.MaxObjects {
			objects = objects[:s.config.MaxObjects]
			break
		}
	}
	return objects, nil
}

func (s *Source) filterNewObjects(objects []types.Object) []types.Object {
	s.mu.Lock()
	lastTime := s.lastSeenTime
	lastKey := s.lastSeenKey
	s.mu.Unlock()

	filtered := make([]types.Object, 0, len(objects))
	for _, object := range objects {
		key := aws.ToString(object.Key)
		modified := time.Time{}
		if object.LastModified != nil {
			modified = *object.LastModified
		}
		if modified.After(lastTime) || (modified.Equal(lastTime) && key > lastKey) {
			filtered = append(filtered, object)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		left, right := filtered[i], filtered[j]
		leftTime, rightTime := time.Time{}, time.Time{}
		if left.LastModified != nil {
			leftTime = *left.LastModified
		}
		if right.LastModified != nil {
			rightTime = *right.LastModified
		}
		if leftTime.Equal(rightTime) {
			return aws.ToString(left.Key) < aws.ToString(right.Key)
		}
		return leftTime.Before(rightTime)
	})
	return filtered
}

func (s *Source) updateCursor(objects []types.Object) {
	last := objects[len(objects)-1]
	lastTime := time.Time{}
	if last.LastModified != nil {
		lastTime = *last.LastModified
	}
	s.mu.Lock()
	s.lastSeenTime = lastTime
	s.lastSeenKey = aws.ToString(last.Key)
	s.mu.Unlock()
}

func (s *Source) emitObject(ctx context.Context, object types.Object) error {
	key := aws.ToString(object.Key)
	if key == "" || strings.HasSuffix(key, "/") {
		return nil
	}
	if object.Size != nil && s.config.MaxObjectBytes > 0 && *object.Size > s.config.MaxObjectBytes {
		s.log.Warn("skipping oversize object",
			"key", key, "size", *object.Size, "limit", s.config.MaxObjectBytes)
		return nil
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := readAll(resp.Body, s.config.MaxObjectBytes)
	if err != nil {
		return err
	}

	metadata := map[string]string{
		"s3.bucket": s.config.Bucket,
		"s3.key":    key,
	}
	if object.ETag != nil {
		metadata["s3.etag"] = strings.Trim(*object.ETag, "\"")
	}
	if object.LastModified != nil {
		metadata["s3.last_modified"] = object.LastModified.Format(time.RFC3339Nano)
	}

	docs, err := s.decodeObject(payload, metadata)
	if err != nil {
		return err
	}

	for _, doc := range docs {
		if doc.Path == "" {
			doc.Path = s.config.DefaultPath
		}
		if object.LastModified != nil {
			doc.Timestamp = *object.LastModified
		}
		select {
		case s.docChan <- doc:
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
			s.log.Warn("document channel full, dropping", "key", key)
		}
	}
	return nil
}

// decodeObject turns one object body into documents. JSON objects are
// treated as self-describing document envelopes; JSON arrays, NDJSON lines,
// and Parquet rows are treated as flat metric records.
func (s *Source) decodeObject(payload []byte, metadata map[string]string) ([]*sources.TypedDoc, error) {
	var records []map[string]interface{}
	var err error

	switch strings.ToLower(s.config.Format) {
	case "ndjson", "jsonl":
		records, err = decodeNDJSON(payload)
	case "parquet":
		records, err = decodeParquet(payload)
	default:
		if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 && trimmed[0] != '[' {
			doc, derr := sources.NewDoc(s.config.SourceID, payload, metadata)
			if derr != nil {
				return nil, derr
			}
			return []*sources.TypedDoc{doc}, nil
		}
		records, err = decodeJSONArray(payload)
	}
	if err != nil {
		return nil, err
	}

	docs := make([]*sources.TypedDoc, 0, len(records))
	for _, record := range records {
		doc, derr := sources.FromRecord(s.config.SourceID, record, metadata)
		if derr != nil {
			return nil, derr
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func decodeJSONArray(payload []byte) ([]map[string]interface{}, error) {
	var items []interface{}
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, err
	}
	records := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		records = append(records, normalizeRecord(item))
	}
	return records, nil
}

func decodeNDJSON(payload []byte) ([]map[string]interface{}, error) {
	reader := bufio.NewScanner(bytes.NewReader(payload))
	buf := make([]byte, 0, 64*1024)
	reader.Buffer(buf, 10*1024*1024)
	var records []map[string]interface{}
	for reader.Scan() {
		line := strings.TrimSpace(reader.Text())
		if line == "" {
			continue
		}
		var value interface{}
		if err := json.Unmarshal([]byte(line), &value); err != nil {
			return nil, err
		}
		records = append(records, normalizeRecord(value))
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func decodeParquet(payload []byte) ([]map[string]interface{}, error) {
	reader := parquet.NewGenericReader[map[string]interface{}](bytes.NewReader(payload))
	defer reader.Close()

	var records []map[string]interface{}
	batch := make([]map[string]interface{}, 256)
	for {
		n, err := reader.Read(batch)
		if n > 0 {
			for i := 0; i < n; i++ {
				records = append(records, normalizeRecord(batch[i]))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return records, nil
}

func normalizeRecord(value interface{}) map[string]interface{} {
	if value == nil {
		return map[string]interface{}{"value": nil}
	}
	if record, ok := value.(map[string]interface{}); ok {
		return record
	}
	return map[string]interface{}{"value": value}
}

func readAll(reader io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(reader)
	}
	limited := io.LimitReader(reader, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("object exceeds max_object_bytes")
	}
	return data, nil
}

// Factory creates S3 sources from generic config.
type Factory struct{}

// Create builds a Source from the options map.
func (f *Factory) Create(cfg sources.Config) (sources.Source, error) {
	config := &Config{SourceID: cfg.SourceID}
	if v, ok := sources.StringOption(cfg.Options, "region"); ok {
		config.Region = v
	}
	if v, ok := sources.StringOption(cfg.Options, "bucket"); ok {
		config.Bucket = v
	}
	if v, ok := sources.StringOption(cfg.Options, "prefix"); ok {
		config.Prefix = v
	}
	if v, ok := sources.StringOption(cfg.Options, "mode"); ok {
		config.Mode = v
	}
	if v, ok := sources.StringOption(cfg.Options, "format"); ok {
		config.Format = v
	}
	if v, ok := sources.StringOption(cfg.Options, "default_path"); ok {
		config.DefaultPath = v
	}
	if v, ok := sources.StringOption(cfg.Options, "endpoint"); ok {
		config.Endpoint = v
	}
	if v, ok := sources.BoolOption(cfg.Options, "force_path_style"); ok {
		config.ForcePathStyle = v
	}
	if v, ok := sources.StringOption(cfg.Options, "access_key"); ok {
		config.AccessKey = v
	}
	if v, ok := sources.StringOption(cfg.Options, "secret_key"); ok {
		config.SecretKey = v
	}
	if v, ok := sources.StringOption(cfg.Options, "session_token"); ok {
		config.SessionToken = v
	}
	if v, ok := sources.StringOption(cfg.Options, "start_after"); ok {
		config.StartAfter = v
	}
	if v, ok := sources.StringOption(cfg.Options, "start_time"); ok {
		config.StartTime = v
	}
	if v, ok := sources.DurationOption(cfg.Options, "poll_interval"); ok {
		config.PollInterval = v
	}
	if v, ok := sources.DurationOption(cfg.Options, "timeout"); ok {
		config.Timeout = v
	}
	if v, ok := sources.IntOption(cfg.Options, "max_objects"); ok {
		config.MaxObjects = v
	}
	if v, ok := sources.IntOption(cfg.Options, "max_object_bytes"); ok {
		config.MaxObjectBytes = int64(v)
	}
	if v, ok := sources.IntOption(cfg.Options, "buffer"); ok {
		config.Buffer = v
	}
	return NewSource(config)
}

// Validate checks required options without side effects.
func (f *Factory) Validate(cfg sources.Config) error {
	if _, ok := sources.StringOption(cfg.Options, "bucket"); !ok {
		return fmt.Errorf("bucket is required for s3 source")
	}
	if v, ok := sources.StringOption(cfg.Options, "mode"); ok {
		if v != "batch" && v != "stream" {
			return fmt.Errorf("mode must be batch or stream")
		}
	}
	if v, ok := sources.StringOption(cfg.Options, "format"); ok {
		switch strings.ToLower(v) {
		case "json", "ndjson", "jsonl", "parquet":
		default:
			return fmt.Errorf("format must be json, ndjson, or parquet")
		}
	}
	return nil
}

func init() {
	sources.Register("s3", &Factory{})
}

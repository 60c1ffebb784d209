// Package redisstream streams metrics documents from a Redis stream using
// a consumer group. Entries carry the document JSON in a payload field;
// entries without one are treated as flat metric records.
package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/usersim/usersim-go/sources"
)

// Config holds Redis stream source configuration.
type Config struct {
	SourceID     string        `json:"source_id" yaml:"source_id"`
	Addr         string        `json:"addr" yaml:"addr"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	Stream       string        `json:"stream" yaml:"stream"`
	Group        string        `json:"group" yaml:"group"`
	Consumer     string        `json:"consumer" yaml:"consumer"`
	PayloadField string        `json:"payload_field" yaml:"payload_field"`
	Batch        int64         `json:"batch" yaml:"batch"`
	Block        time.Duration `json:"block" yaml:"block"`
	Buffer       int           `json:"buffer" yaml:"buffer"`
}

// Source consumes metrics documents from a Redis stream.
type Source struct {
	config  *Config
	log     *slog.Logger
	client  *redis.Client
	docChan chan *sources.TypedDoc
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.Mutex
}

// NewSource creates a Redis stream source.
func NewSource(config *Config) (*Source, error) {
	if config == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if config.Addr == "" {
		return nil, fmt.Errorf("addr is required")
	}
	if config.Stream == "" {
		return nil, fmt.Errorf("stream is required")
	}
	if config.Group == "" {
		config.Group = fmt.Sprintf("usersim_%s", config.SourceID)
	}
	if config.Consumer == "" {
		config.Consumer = fmt.Sprintf("consumer_%s", config.SourceID)
	}
	if config.PayloadField == "" {
		config.PayloadField = "payload"
	}
	if config.Batch <= 0 {
		config.Batch = 100
	}
	if config.Block <= 0 {
		config.Block = time.Second
	}
	if config.Buffer <= 0 {
		config.Buffer = 200
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		config: config,
		log:    slog.With("source_id", config.SourceID),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start connects to Redis and ensures the consumer group exists.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("source already running")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     s.config.Addr,
		Password: s.config.Password,
		DB:       s.config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("ping: %w", err)
	}

	err := client.XGroupCreateMkStream(ctx, s.config.Stream, s.config.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		client.Close()
		return fmt.Errorf("create group: %w", err)
	}

	s.client = client
	s.running = true
	s.log.Info("redis stream source started",
		"stream", s.config.Stream, "group", s.config.Group)
	return nil
}

// Subscribe returns the document channel and launches the read loop.
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
	go s.readLoop(ctx)
	return s.docChan, nil
}

// Stop cancels the read loop and closes the client.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	s.running = false
	if s.client != nil {
		s.client.Close()
	}
	s.log.Info("redis stream source stopped")
	return nil
}

// HealthCheck pings the server.
func (s *Source) HealthCheck() error {
	if s.client == nil {
		return fmt.Errorf("client not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Metadata describes this source.
func (s *Source) Metadata() sources.Metadata {
	return sources.Metadata{
		SourceID:     s.config.SourceID,
		Type:         "redisstream",
		Capabilities: []string{"streaming", "acknowledged"},
		Config: map[string]string{
			"stream": s.config.Stream,
			"group":  s.config.Group,
		},
	}
}

func (s *Source) readLoop(ctx context.Context) {
	defer close(s.docChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		default:
		}

		streams, err := s.client.XReadGroup(s.ctx, &redis.XReadGroupArgs{
			Group:    s.config.Group,
			Consumer: s.config.Consumer,
			Streams:  []string{s.config.Stream, ">"},
			Count:    s.config.Batch,
			Block:    s.config.Block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if s.ctx.Err() != nil || ctx.Err() != nil {
				return
			}
			s.log.Warn("read group failed", "err", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if s.handleEntry(msg) {
					s.client.XAck(s.ctx, s.config.Stream, s.config.Group, msg.ID)
				}
			}
		}
	}
}

// handleEntry converts one stream entry to a document and reports whether
// it should be acknowledged.
func (s *Source) handleEntry(msg redis.XMessage) bool {
	metadata := map[string]string{
		"redis.stream":   s.config.Stream,
		"redis.entry_id": msg.ID,
	}

	var doc *sources.TypedDoc
	var err error
	if raw, ok := msg.Values[s.config.PayloadField].(string); ok {
		doc, err = sources.NewDoc(s.config.SourceID, []byte(raw), metadata)
	} else {
		doc, err = sources.FromRecord(s.config.SourceID, msg.Values, metadata)
	}
	if err != nil {
		// Ack anyway: a malformed entry never becomes decodable on redelivery.
		s.log.Warn("decode entry failed", "entry_id", msg.ID, "err", err)
		return true
	}

	select {
	case s.docChan <- doc:
		return true
	case <-s.ctx.Done():
		return false
	default:
		s.log.Warn("document channel full, leaving entry pending", "entry_id", msg.ID)
		return false
	}
}

// Factory creates Redis stream sources from generic config.
type Factory struct{}

// Create builds a Source from the options map.
func (f *Factory) Create(cfg sources.Config) (sources.Source, error) {
	config := &Config{SourceID: cfg.SourceID}
	if v, ok := sources.StringOption(cfg.Options, "addr"); ok {
		config.Addr = v
	}
	if v, ok := sources.StringOption(cfg.Options, "password"); ok {
		config.Password = v
	}
	if v, ok := sources.IntOption(cfg.Options, "db"); ok {
		config.DB = v
	}
	if v, ok := sources.StringOption(cfg.Options, "stream"); ok {
		config.Stream = v
	}
	if v, ok := sources.StringOption(cfg.Options, "group"); ok {
		config.Group = v
	}
	if v, ok := sources.StringOption(cfg.Options, "consumer"); ok {
		config.Consumer = v
	}
	if v, ok := sources.StringOption(cfg.Options, "payload_field"); ok {
		config.PayloadField = v
	}
	if v, ok := sources.IntOption(cfg.Options, "batch"); ok {
		config.Batch = int64(v)
	}
	if v, ok := sources.DurationOption(cfg.Options, "block"); ok {
		config.Block = v
	}
	if v, ok := sources.IntOption(cfg.Options, "buffer"); ok {
		config.Buffer = v
	}
	return NewSource(config)
}

// Validate checks required options without side effects.
func (f *Factory) Validate(cfg sources.Config) error {
	if _, ok := sources.StringOption(cfg.Options, "addr"); !ok {
		return fmt.Errorf("addr is required for redisstream source")
	}
	if _, ok := sources.StringOption(cfg.Options, "stream"); !ok {
		return fmt.Errorf("stream is required for redisstream source")
	}
	return nil
}

func init() {
	sources.Register("redisstream", &Factory{})
}

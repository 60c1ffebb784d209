// Package kafka streams metrics documents from a Kafka topic. Each
// message value is one usersim.metrics.v1 document.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/usersim/usersim-go/sources"
)

// Config holds Kafka source configuration.
type Config struct {
	SourceID    string   `json:"source_id" yaml:"source_id"`
	Brokers     []string `json:"brokers" yaml:"brokers"`
	Topic       string   `json:"topic" yaml:"topic"`
	GroupID     string   `json:"group_id" yaml:"group_id"`
	StartOffset string   `json:"start_offset" yaml:"start_offset"`
	Buffer      int      `json:"buffer" yaml:"buffer"`
}

// Source consumes metrics documents from a topic.
type Source struct {
	config  *Config
	log     *slog.Logger
	reader  *kafka.Reader
	docChan chan *sources.TypedDoc
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.Mutex
}

// NewSource creates a Kafka source.
func NewSource(config *Config) (*Source, error) {
	if config == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("brokers list is empty")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if config.GroupID == "" {
		config.GroupID = fmt.Sprintf("usersim-%s", config.SourceID)
	}
	if config.StartOffset == "" {
		config.StartOffset = "latest"
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

// Start opens the consumer group reader.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("source already running")
	}

	startOffset := kafka.LastOffset
	if s.config.StartOffset == "earliest" {
		startOffset = kafka.FirstOffset
	}
	s.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.config.Brokers,
		Topic:       s.config.Topic,
		GroupID:     s.config.GroupID,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: startOffset,
	})
	s.running = true
	s.log.Info("kafka source started", "topic", s.config.Topic, "group_id", s.config.GroupID)
	return nil
}

// Subscribe returns the document channel and launches the consume loop.
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
	go s.consumeMessages(ctx)
	return s.docChan, nil
}

// Stop closes the reader and the document channel.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	s.running = false
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			return fmt.Errorf("close reader: %w", err)
		}
	}
	s.log.Info("kafka source stopped")
	return nil
}

// HealthCheck dials the first broker and reads partition metadata.
func (s *Source) HealthCheck() error {
	conn, err := kafka.Dial("tcp", s.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("connect to kafka: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ReadPartitions(s.config.Topic); err != nil {
		return fmt.Errorf("read partitions: %w", err)
	}
	return nil
}

// Metadata describes this source.
func (s *Source) Metadata() sources.Metadata {
	return sources.Metadata{
		SourceID:     s.config.SourceID,
		Type:         "kafka",
		Capabilities: []string{"streaming", "backfill"},
		Config: map[string]string{
			"topic":    s.config.Topic,
			"group_id": s.config.GroupID,
			"brokers":  strings.Join(s.config.Brokers, ","),
		},
	}
}

func (s *Source) consumeMessages(ctx context.Context) {
	defer close(s.docChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		default:
		}

		msg, err := s.reader.ReadMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || ctx.Err() != nil {
				return
			}
			s.log.Warn("read message failed", "err", err)
			time.Sleep(time.Second)
			continue
		}

		metadata := map[string]string{
			"kafka.topic":     msg.Topic,
			"kafka.partition": fmt.Sprintf("%d", msg.Partition),
			"kafka.offset":    fmt.Sprintf("%d", msg.Offset),
		}
		if len(msg.Key) > 0 {
			metadata["kafka.key"] = string(msg.Key)
		}
		for _, header := range msg.Headers {
			metadata[string(header.Key)] = string(header.Value)
		}

		doc, err := sources.NewDoc(s.config.SourceID, msg.Value, metadata)
		if err != nil {
			s.log.Warn("decode message failed", "offset", msg.Offset, "err", err)
			continue
		}
		doc.Timestamp = msg.Time

		select {
		case s.docChan <- doc:
		case <-s.ctx.Done():
			return
		default:
			s.log.Warn("document channel full, dropping", "offset", msg.Offset)
		}
	}
}

// Factory creates Kafka sources from generic config.
type Factory struct{}

// Create builds a Source from the options map.
func (f *Factory) Create(cfg sources.Config) (sources.Source, error) {
	config := &Config{SourceID: cfg.SourceID}
	if v, ok := sources.StringsOption(cfg.Options, "brokers"); ok {
		config.Brokers = v
	}
	if v, ok := sources.StringOption(cfg.Options, "topic"); ok {
		config.Topic = v
	}
	if v, ok := sources.StringOption(cfg.Options, "group_id"); ok {
		config.GroupID = v
	}
	if v, ok := sources.StringOption(cfg.Options, "start_offset"); ok {
		config.StartOffset = v
	}
	if v, ok := sources.IntOption(cfg.Options, "buffer"); ok {
		config.Buffer = v
	}
	return NewSource(config)
}

// Validate checks required options without side effects.
func (f *Factory) Validate(cfg sources.Config) error {
	if brokers, ok := sources.StringsOption(cfg.Options, "brokers"); !ok || len(brokers) == 0 {
		return fmt.Errorf("brokers is required for kafka source")
	}
	if _, ok := sources.StringOption(cfg.Options, "topic"); !ok {
		return fmt.Errorf("topic is required for kafka source")
	}
	return nil
}

func init() {
	sources.Register("kafka", &Factory{})
}

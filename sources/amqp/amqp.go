// Package amqp streams metrics documents from a RabbitMQ queue. Each
// delivery body is one usersim.metrics.v1 document; decode failures are
// dead-lettered with a nack.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/usersim/usersim-go/sources"
)

// Config holds AMQP source configuration.
type Config struct {
	SourceID     string `json:"source_id" yaml:"source_id"`
	URL          string `json:"url" yaml:"url"`
	Queue        string `json:"queue" yaml:"queue"`
	Exchange     string `json:"exchange" yaml:"exchange"`
	ExchangeType string `json:"exchange_type" yaml:"exchange_type"`
	RoutingKey   string `json:"routing_key" yaml:"routing_key"`
	ConsumerTag  string `json:"consumer_tag" yaml:"consumer_tag"`
	Prefetch     int    `json:"prefetch" yaml:"prefetch"`
	Declare      bool   `json:"declare" yaml:"declare"`
	Durable      bool   `json:"durable" yaml:"durable"`
	Buffer       int    `json:"buffer" yaml:"buffer"`
}

// Source consumes metrics documents from a queue.
type Source struct {
	config  *Config
	log     *slog.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
	docChan chan *sources.TypedDoc
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.Mutex
}

// NewSource creates an AMQP source.
func NewSource(config *Config) (*Source, error) {
	if config == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if config.Queue == "" {
		return nil, fmt.Errorf("queue is required")
	}
	if config.ConsumerTag == "" {
		config.ConsumerTag = fmt.Sprintf("usersim-%s", config.SourceID)
	}
	if config.ExchangeType == "" {
		config.ExchangeType = "topic"
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

// Start connects, declares the topology when configured, and begins
// consumption.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("source already running")
	}

	conn, err := amqp.Dial(s.config.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("channel: %w", err)
	}

	if s.config.Prefetch > 0 {
		if err := channel.Qos(s.config.Prefetch, 0, false); err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("qos: %w", err)
		}
	}

	if s.config.Declare {
		if s.config.Exchange != "" {
			if err := channel.ExchangeDeclare(
				s.config.Exchange, s.config.ExchangeType,
				s.config.Durable, false, false, false, nil,
			); err != nil {
				channel.Close()
				conn.Close()
				return fmt.Errorf("declare exchange: %w", err)
			}
		}
		if _, err := channel.QueueDeclare(
			s.config.Queue, s.config.Durable, false, false, false, nil,
		); err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("declare queue: %w", err)
		}
		if s.config.Exchange != "" {
			if err := channel.QueueBind(
				s.config.Queue, s.config.RoutingKey, s.config.Exchange, false, nil,
			); err != nil {
				channel.Close()
				conn.Close()
				return fmt.Errorf("bind queue: %w", err)
			}
		}
	}

	s.conn = conn
	s.channel = channel
	s.running = true
	s.log.Info("amqp source started", "queue", s.config.Queue)
	return nil
}

// Subscribe returns the document channel and launches the delivery loop.
func (s *Source) Subscribe(ctx context.Context) (<-chan *sources.TypedDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, fmt.Errorf("source not started")
	}
	if s.docChan != nil {
		return s.docChan, nil
	}

	deliveries, err := s.channel.Consume(
		s.config.Queue, s.config.ConsumerTag,
		false, false, false, false, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	s.docChan = make(chan *sources.TypedDoc, s.config.Buffer)
	go s.processDeliveries(ctx, deliveries)
	return s.docChan, nil
}

// Stop cancels consumption and closes the connection.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	s.running = false
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.log.Info("amqp source stopped")
	return nil
}

// HealthCheck verifies the connection is open.
func (s *Source) HealthCheck() error {
	if s.conn == nil || s.conn.IsClosed() {
		return fmt.Errorf("connection not open")
	}
	return nil
}

// Metadata describes this source.
func (s *Source) Metadata() sources.Metadata {
	return sources.Metadata{
		SourceID:     s.config.SourceID,
		Type:         "amqp",
		Capabilities: []string{"streaming"},
		Config: map[string]string{
			"queue":       s.config.Queue,
			"exchange":    s.config.Exchange,
			"routing_key": s.config.RoutingKey,
		},
	}
}

func (s *Source) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(s.docChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				return
			}

			metadata := map[string]string{
				"amqp.queue":       s.config.Queue,
				"amqp.routing_key": msg.RoutingKey,
			}
			if msg.MessageId != "" {
				metadata["amqp.message_id"] = msg.MessageId
			}

			doc, err := sources.NewDoc(s.config.SourceID, msg.Body, metadata)
			if err != nil {
				s.log.Warn("decode delivery failed", "err", err)
				msg.Nack(false, false)
				continue
			}

			select {
			case s.docChan <- doc:
				msg.Ack(false)
			case <-s.ctx.Done():
				return
			default:
				s.log.Warn("document channel full, requeueing")
				msg.Nack(false, true)
			}
		}
	}
}

// Factory creates AMQP sources from generic config.
type Factory struct{}

// Create builds a Source from the options map.
func (f *Factory) Create(cfg sources.Config) (sources.Source, error) {
	config := &Config{SourceID: cfg.SourceID}
	if v, ok := sources.StringOption(cfg.Options, "url"); ok {
		config.URL = v
	}
	if v, ok := sources.StringOption(cfg.Options, "queue"); ok {
		config.Queue = v
	}
	if v, ok := sources.StringOption(cfg.Options, "exchange"); ok {
		config.Exchange = v
	}
	if v, ok := sources.StringOption(cfg.Options, "exchange_type"); ok {
		config.ExchangeType = v
	}
	if v, ok := sources.StringOption(cfg.Options, "routing_key"); ok {
		config.RoutingKey = v
	}
	if v, ok := sources.StringOption(cfg.Options, "consumer_tag"); ok {
		config.ConsumerTag = v
	}
	if v, ok := sources.IntOption(cfg.Options, "prefetch"); ok {
		config.Prefetch = v
	}
	if v, ok := sources.BoolOption(cfg.Options, "declare"); ok {
		config.Declare = v
	}
	if v, ok := sources.BoolOption(cfg.Options, "durable"); ok {
		config.Durable = v
	}
	if v, ok := sources.IntOption(cfg.Options, "buffer"); ok {
		config.Buffer = v
	}
	return NewSource(config)
}

// Validate checks required options without side effects.
func (f *Factory) Validate(cfg sources.Config) error {
	if _, ok := sources.StringOption(cfg.Options, "url"); !ok {
		return fmt.Errorf("url is required for amqp source")
	}
	if _, ok := sources.StringOption(cfg.Options, "queue"); !ok {
		return fmt.Errorf("queue is required for amqp source")
	}
	return nil
}

func init() {
	sources.Register("amqp", &Factory{})
}

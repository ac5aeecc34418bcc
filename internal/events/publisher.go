// Package events publishes broadcast and VoD lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"relaycast/internal/observability/logging"
)

// Lifecycle event types.
const (
	BroadcastCreated = "broadcast.created"
	BroadcastUpdated = "broadcast.updated"
	BroadcastStopped = "broadcast.stopped"
	BroadcastDeleted = "broadcast.deleted"
	VoDUploaded      = "vod.uploaded"
	VoDDeleted       = "vod.deleted"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string            `json:"type"`
	StreamID  string            `json:"streamId,omitempty"`
	VoDID     string            `json:"vodId,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// Key returns the partitioning key of the event.
func (e Event) Key() string {
	if e.StreamID != "" {
		return e.StreamID
	}
	return e.VoDID
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error { return nil }

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Source       string
	WriteTimeout time.Duration
	Logger       *slog.Logger
	// Transport overrides the kafka transport, mainly for tests.
	Transport kafka.RoundTripper
}

// KafkaPublisher writes events as JSON messages keyed by stream id.
type KafkaPublisher struct {
	writer *kafka.Writer
	source string
	logger *slog.Logger
}

// NewKafkaPublisher returns a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic is required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	source := cfg.Source
	if source == "" {
		source = "relaycast"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           timeout,
		ReadTimeout:            timeout,
		AllowAutoTopicCreation: true,
	}
	if cfg.Transport != nil {
		writer.Transport = cfg.Transport
	}
	return &KafkaPublisher{writer: writer, source: source, logger: logging.WithComponent(logger, "events")}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	message, err := encodeMessage(event, p.source)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, message); err != nil {
		p.logger.Warn("failed to publish event", "type", event.Type, "key", event.Key(), "error", err)
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func encodeMessage(event Event, source string) (kafka.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.Key()),
		Value: payload,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
			{Key: "source", Value: []byte(source)},
		},
	}, nil
}

// Package events publishes task lifecycle events through watermill, to
// Kafka when brokers are configured and to an in-process channel otherwise.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/JonMunkholm/erpimport/internal/task"
)

const (
	// DefaultTopic receives every task event.
	DefaultTopic = "erpimport.task-events"

	source  = "erpimport"
	version = "1"
)

// Config selects and configures the transport.
type Config struct {
	KafkaBrokers []string
	Topic        string
	Logger       *slog.Logger
}

// Publisher sends task events as JSON messages on a single topic.
// It implements task.EventPublisher.
type Publisher struct {
	pub    message.Publisher
	topic  string
	logger *slog.Logger

	// channel is set for the in-process transport so callers can subscribe.
	channel *gochannel.GoChannel
}

// New creates a Kafka publisher when cfg.KafkaBrokers is non-empty and an
// in-process gochannel publisher otherwise.
func New(cfg Config) (*Publisher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	wmLogger := watermill.NewSlogLogger(cfg.Logger)

	if len(cfg.KafkaBrokers) > 0 {
		pub, err := kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:   cfg.KafkaBrokers,
			Marshaler: kafka.DefaultMarshaler{},
		}, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("create kafka publisher: %w", err)
		}
		cfg.Logger.Info("task events go to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.Topic)
		return &Publisher{pub: pub, topic: cfg.Topic, logger: cfg.Logger}, nil
	}

	// Waiting for each ack keeps events of one Publish call in order.
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, wmLogger)
	return &Publisher{pub: ch, topic: cfg.Topic, logger: cfg.Logger, channel: ch}, nil
}

// Topic returns the topic events are published on.
func (p *Publisher) Topic() string {
	return p.topic
}

// Subscriber returns the in-process subscriber, or nil for Kafka.
func (p *Publisher) Subscriber() message.Subscriber {
	if p.channel == nil {
		return nil
	}
	return p.channel
}

// Publish implements task.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, events ...task.Event) error {
	msgs := make([]*message.Message, 0, len(events))
	for _, ev := range events {
		msg, err := encode(ev)
		if err != nil {
			return err
		}
		msg.SetContext(ctx)
		msgs = append(msgs, msg)
	}

	if err := p.pub.Publish(p.topic, msgs...); err != nil {
		return fmt.Errorf("publish %d task events: %w", len(msgs), err)
	}

	for _, ev := range events {
		p.logger.Debug("task event published",
			"event_type", string(ev.Type),
			"task_id", ev.TaskID,
			"task_code", ev.TaskCode,
			"topic", p.topic,
		)
	}
	return nil
}

// Close releases the transport.
func (p *Publisher) Close() error {
	return p.pub.Close()
}

func encode(ev task.Event) (*message.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal task event: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("event_type", string(ev.Type))
	msg.Metadata.Set("task_code", ev.TaskCode)
	msg.Metadata.Set("import_type", ev.ImportType)
	msg.Metadata.Set("source", source)
	msg.Metadata.Set("version", version)
	msg.Metadata.Set("timestamp", ev.OccurredAt.Format(time.RFC3339))
	return msg, nil
}

// Decode parses a message produced by Publish.
func Decode(msg *message.Message) (task.Event, error) {
	var ev task.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("decode task event %s: %w", msg.UUID, err)
	}
	return ev, nil
}

// Consume delivers every event on topic to fn until ctx is done. A message
// is acked when fn returns nil and nacked otherwise.
func Consume(ctx context.Context, sub message.Subscriber, topic string, fn func(context.Context, task.Event) error) error {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	for msg := range msgs {
		ev, err := Decode(msg)
		if err != nil {
			slog.Warn("dropping undecodable task event", "message_id", msg.UUID, "error", err)
			msg.Ack()
			continue
		}
		if err := fn(msg.Context(), ev); err != nil {
			msg.Nack()
			continue
		}
		msg.Ack()
	}
	return nil
}

// LogEvents is a Consume callback that writes each event to the log.
func LogEvents(ctx context.Context, ev task.Event) error {
	slog.Info("task event",
		"event_type", string(ev.Type),
		"task_id", ev.TaskID,
		"task_code", ev.TaskCode,
		"import_type", ev.ImportType,
		"status", string(ev.Status),
		"total", ev.TotalCount,
		"success", ev.SuccessCount,
		"failure", ev.FailureCount,
		"reason", ev.Reason,
	)
	return nil
}

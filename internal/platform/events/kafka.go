package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// KafkaPublisher writes events keyed by aggregate id so a partition sees every
// event for that aggregate in order.
type KafkaPublisher struct {
	writer MessageWriter
	logger zerolog.Logger
}

func NewKafkaPublisher(writer MessageWriter, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, logger: logger.With().Str("component", "events").Logger()}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.Type, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.AggregateID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(e.Type)},
				{Key: "tenant_id", Value: []byte(e.TenantID)},
			},
			Time: e.OccurredAt,
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	p.logger.Debug().Int("count", len(msgs)).Str("type", events[0].Type).Msg("events published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// PublishBestEffort publishes and logs failures instead of returning them.
// The write that produced the event has already committed.
func PublishBestEffort(ctx context.Context, pub Publisher, logger zerolog.Logger, e Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, e); err != nil {
		logger.Warn().Err(err).Str("event_type", e.Type).Str("aggregate_id", e.AggregateID).Msg("event publish failed")
	}
}

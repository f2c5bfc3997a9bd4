package notify

import (
	"context"
	"fmt"
	"time"

	"spot_venue/internal/event"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes envelopes to a topic keyed by user channel, so one user's events
// land on one partition in order.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a synchronous producer for topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		topic: topic,
	}
}

func (s *KafkaSink) Name() string { return "kafka:" + s.topic }

func (s *KafkaSink) Send(ctx context.Context, env event.Envelope) error {
	value, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.ID, err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   env.Key(),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(env.Name)},
			{Key: "event_id", Value: []byte(env.ID)},
		},
		Time: env.OccurredAt,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

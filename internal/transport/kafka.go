package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/headline-goat/abkit/internal/analytics"
)

// Kafka publishes each event as one message, keyed by session id so a
// session's events stay on one partition.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka creates a synchronous writer for topic. WriteMessages returns
// only after the brokers acknowledge, so failures reach the batcher.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Deliver implements analytics.Transport.
func (k *Kafka) Deliver(ctx context.Context, events []analytics.Event) error {
	msgs, err := Messages(events)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write %d messages: %w", len(msgs), err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Messages encodes events as Kafka messages in order.
func Messages(events []analytics.Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %s: %w", e.Action, err)
		}
		key := e.SessionID
		if key == "" {
			key = e.UserID
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: data,
			Time:  e.Timestamp,
			Headers: []kafka.Header{
				{Key: "category", Value: []byte(e.Category)},
			},
		})
	}
	return msgs, nil
}

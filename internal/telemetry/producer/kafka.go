// Package producer publishes telemetry events to Kafka for the shipping
// worker to consume.
package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"messenger-courier/internal/telemetry/domain"
)

// Kafka writes telemetry events to one topic using segmentio/kafka-go.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka returns a producer writing to topic on brokers. Returns nil when
// brokers or topic are unset; a nil Kafka is safe to use and emits nothing.
// Call Close when shutting down.
func NewKafka(brokers []string, topic string) *Kafka {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Emit serializes the event as JSON and writes it to the topic, keyed by
// session id so one session's events stay ordered within a partition. A
// short timeout keeps a slow broker from stalling the caller.
func (p *Kafka) Emit(ctx context.Context, event *domain.Event) error {
	if p == nil || p.writer == nil || event == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var key []byte
	if event.SessionID != "" {
		key = []byte(event.SessionID)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   key,
		Value: payload,
	})
}

// Close closes the Kafka writer. Safe on a nil producer and safe to call
// multiple times.
func (p *Kafka) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

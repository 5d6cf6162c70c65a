package notifier

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOrderWriter publishes payment outcomes keyed by order id so events for
// one order stay on one partition.
type KafkaOrderWriter struct {
	writer messageWriter
}

func NewKafkaOrderWriter(brokers []string, topic string) *KafkaOrderWriter {
	return &KafkaOrderWriter{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (w *KafkaOrderWriter) NotifyPaymentConfirmed(ctx context.Context, orderID, sessionID string) error {
	return w.publish(ctx, EventPaymentConfirmed, orderID, sessionID, StatusConfirmed, "")
}

func (w *KafkaOrderWriter) NotifyPaymentFailed(ctx context.Context, orderID, sessionID, reason string) error {
	return w.publish(ctx, EventPaymentFailed, orderID, sessionID, StatusFailed, reason)
}

func (w *KafkaOrderWriter) Close() error {
	return w.writer.Close()
}

func (w *KafkaOrderWriter) publish(ctx context.Context, eventType, orderID, sessionID, status, reason string) error {
	payload, err := newNotification(orderID, sessionID, status, reason)
	if err != nil {
		return err
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return w.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(orderID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "idempotency_key", Value: []byte(sessionID)},
		},
	})
}

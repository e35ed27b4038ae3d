// Package events publishes change events for committed writes. Events are
// best effort: a failed publish is logged, never surfaced to the client,
// and never rolls back the write it reports.
package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/colinhiggs/japi/core"
	"github.com/colinhiggs/japi/core/logger"
)

// KafkaNotifier implements core.Notifier on a kafka topic. One event is one
// message: the key is "<resource> <operation>", the value the resource
// document as committed.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier creates a notifier publishing to the given brokers and
// topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
	}
}

// Notify implements core.Notifier.
func (n *KafkaNotifier) Notify(resource string, operation core.Operation, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(resource + " " + string(operation)),
		Value: payload,
	})
	if err != nil {
		logger.Default().WithError(err).Errorf("cannot publish %s event for %s", operation, resource)
	}
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

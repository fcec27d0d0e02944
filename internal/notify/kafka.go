package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaNotifier.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes escalations keyed by patient id, so one patient's events stay ordered.
type KafkaNotifier struct {
	writer MessageWriter
}

// NewKafkaWriter creates a writer for the comma-separated broker list.
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaNotifier wraps w.
func NewKafkaNotifier(w MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: w}
}

func (k *KafkaNotifier) Notify(ctx context.Context, e models.Escalation) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode escalation: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.PatientID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "priority", Value: []byte(e.Priority)},
			{Key: "event_id", Value: []byte(e.ID)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish escalation %s: %w", e.ID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

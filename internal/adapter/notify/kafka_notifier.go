package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/port"
)

// Producer is the part of a Kafka writer the notifier needs.
type Producer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// Envelope is the message value published for every event.
type Envelope struct {
	Event      port.EventType `json:"event"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    any            `json:"payload"`
}

// KafkaNotifier publishes events to one topic, keyed by store so a
// store's events stay ordered on a partition.
type KafkaNotifier struct {
	producer Producer
	now      func() time.Time
}

func NewKafkaNotifier(producer Producer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, now: func() time.Time { return time.Now().UTC() }}
}

// NewKafkaProducer builds a traced writer for the given brokers and topic.
func NewKafkaProducer(brokers []string, topic, clientID string, tp trace.TracerProvider) (Producer, error) {
	base := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}

	writer, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				attribute.String("messaging.destination.name", topic),
				attribute.String("messaging.kafka.client_id", clientID),
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka writer: %w", err)
	}
	return writer, nil
}

func (n *KafkaNotifier) Notify(ctx context.Context, event port.EventType, payload any) error {
	value, err := json.Marshal(Envelope{Event: event, OccurredAt: n.now(), Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	msg := kafka.Message{
		Key:   []byte(keyOf(event, payload)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(event)},
		},
	}
	if err := n.producer.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}

func keyOf(event port.EventType, payload any) string {
	switch p := payload.(type) {
	case domain.QueuedDeduction:
		return p.StoreID
	case *domain.QueuedDeduction:
		return p.StoreID
	case domain.DeductionResult:
		return p.StoreID
	}
	return string(event)
}

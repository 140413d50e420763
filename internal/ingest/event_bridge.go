package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/fleet-dispatch/internal/events"
)

// EventBridge forwards domain events to a Kafka topic for analytics and
// other out-of-process consumers. It runs as an ordinary bus subscriber, so
// a broker outage never touches the booking path.
type EventBridge struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewEventBridge(brokers []string, topic string, logger *slog.Logger) *EventBridge {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &EventBridge{writer: w, logger: logger}
}

// Attach subscribes the bridge to every listed event type.
func (b *EventBridge) Attach(bus *events.Bus, types ...events.Type) {
	for _, t := range types {
		bus.Subscribe(t, b.handle)
	}
}

func (b *EventBridge) handle(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("event marshal failed", "type", string(ev.Type), "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Type), Value: payload}); err != nil {
		b.logger.Warn("event bridge write failed", "type", string(ev.Type), "error", err)
	}
}

func (b *EventBridge) Close() error {
	return b.writer.Close()
}

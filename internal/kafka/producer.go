package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/buildtall-systems/vendorder/internal/notify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// NewProducer connects a synchronous producer to the brokers.
func NewProducer(brokers []string, logger *zap.Logger) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	logger.Info("kafka producer initialized", zap.Strings("brokers", brokers))
	return producer, nil
}

// Notifier publishes command events keyed by machine id, so each machine's events land
// on one partition in enqueue order.
type Notifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewNotifier(producer sarama.SyncProducer, topic string, logger *zap.Logger) *Notifier {
	return &Notifier{producer: producer, topic: topic, logger: logger}
}

func (n *Notifier) NotifyCommand(ctx context.Context, ev notify.CommandEvent) error {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding command event: %w", err)
	}

	// Inject trace context into Kafka message headers
	carrier := make(saramaHeaderCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	msg := &sarama.ProducerMessage{
		Topic:   n.topic,
		Key:     sarama.StringEncoder(ev.MachineID),
		Value:   sarama.ByteEncoder(eventJSON),
		Headers: []sarama.RecordHeader(carrier),
	}

	partition, offset, err := n.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("sending command event: %w", err)
	}

	traceID := ""
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
	}

	n.logger.Debug("command event published",
		zap.String("trace_id", traceID),
		zap.String("topic", n.topic),
		zap.String("command_id", ev.CommandID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// saramaHeaderCarrier implements propagation.TextMapCarrier over Kafka headers.
type saramaHeaderCarrier []sarama.RecordHeader

func (c saramaHeaderCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *saramaHeaderCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{
		Key:   []byte(key),
		Value: []byte(value),
	})
}

func (c saramaHeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}

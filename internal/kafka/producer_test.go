package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/buildtall-systems/vendorder/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"
)

func TestNotifyCommand(t *testing.T) {
	config := mocks.NewTestConfig()
	config.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, config)
	t.Cleanup(func() { _ = producer.Close() })

	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "authorize")
	defer span.End()

	ev := notify.CommandEvent{CommandID: "c1", Type: "VEND_ORDER", OrderID: "o1", MachineID: "M1"}

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "machine_commands", msg.Topic)

		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "M1", string(key))

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var got notify.CommandEvent
		require.NoError(t, json.Unmarshal(value, &got))
		assert.Equal(t, "c1", got.CommandID)

		carrier := saramaHeaderCarrier(msg.Headers)
		assert.NotEmpty(t, carrier.Get("traceparent"))
		return nil
	})

	n := NewNotifier(producer, "machine_commands", zaptest.NewLogger(t))
	require.NoError(t, n.NotifyCommand(ctx, ev))
}

func TestNotifyCommandFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	t.Cleanup(func() { _ = producer.Close() })

	errBroker := errors.New("broker unavailable")
	producer.ExpectSendMessageAndFail(errBroker)

	n := NewNotifier(producer, "machine_commands", zaptest.NewLogger(t))
	err := n.NotifyCommand(context.Background(), notify.CommandEvent{CommandID: "c1", MachineID: "M1"})
	assert.ErrorIs(t, err, errBroker)
}

func TestHeaderCarrier(t *testing.T) {
	var c saramaHeaderCarrier
	c.Set("traceparent", "00-abc-def-01")
	c.Set("baggage", "k=v")

	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("missing"))
	assert.Equal(t, []string{"traceparent", "baggage"}, c.Keys())
}

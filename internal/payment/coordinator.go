package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/vendorder/internal/db"
	"github.com/buildtall-systems/vendorder/internal/fsm"
	"github.com/buildtall-systems/vendorder/internal/metrics"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderStore records the outcome of a payment start.
type OrderStore interface {
	MarkPaymentStarted(ctx context.Context, orderID, intentID string) (*db.Order, error)
}

// Config holds payment settings.
type Config struct {
	Currency   string
	Timeout    time.Duration
	MaxRetries uint64
	RetryBase  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	return c
}

// Result is the outcome of StartPayment. Reused is true when an intent recorded by an
// earlier start was sent to the reader again.
type Result struct {
	Order    *db.Order
	IntentID string
	Reused   bool
}

// Coordinator drives a payment start through the processor and records it on the order.
type Coordinator struct {
	processor Processor
	store     OrderStore
	breaker   *CircuitBreaker
	cfg       Config
	logger    *zap.Logger
}

func NewCoordinator(processor Processor, store OrderStore, breaker *CircuitBreaker, cfg Config, logger *zap.Logger) *Coordinator {
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 30*time.Second)
	}
	return &Coordinator{
		processor: processor,
		store:     store,
		breaker:   breaker,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// StartPayment creates a PaymentIntent for the order, sends it to the machine's reader,
// then records it and moves the order to PAYMENT_STARTED. If the order already has an
// intent, that intent is sent to the reader again and nothing else changes.
//
// A failure leaves the order untouched. If intent creation succeeded but dispatch did
// not, the next call gets the same intent back from the processor.
func (c *Coordinator) StartPayment(ctx context.Context, order *db.Order, machine *db.Machine) (*Result, error) {
	ctx, span := otel.Tracer("vendorder").Start(ctx, "StartPayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("machine.id", machine.ID),
	)

	if !machine.HasReader() {
		return nil, ErrNoReader
	}

	attempt := fsm.NewPaymentAttempt()
	attemptID := uuid.NewString()
	log := c.logger.With(
		zap.String("order_id", order.ID),
		zap.String("machine_id", machine.ID),
		zap.String("attempt_id", attemptID),
	)
	attempt.OnEnter(fsm.PaymentStateFailed, func(from string) {
		log.Warn("payment start failed", zap.String("stage", from))
	})

	fail := func(err error) (*Result, error) {
		_ = attempt.Event(ctx, fsm.PaymentEventFail)
		metrics.RecordPaymentAttempt("error", attempt.Stage())
		span.RecordError(err)
		return nil, err
	}

	reused := order.Status == fsm.OrderStatePaymentStarted && order.PaymentIntentID.Valid
	intentID := order.PaymentIntentID.String

	if reused {
		if err := attempt.Event(ctx, fsm.PaymentEventReuseIntent); err != nil {
			return fail(err)
		}
	} else {
		if err := attempt.Event(ctx, fsm.PaymentEventCreateIntent); err != nil {
			return fail(err)
		}
		req := IntentRequest{
			OrderID:        order.ID,
			MachineID:      machine.ID,
			AmountCents:    order.AmountCents,
			Currency:       c.cfg.Currency,
			IdempotencyKey: IntentIdempotencyKey(order.ID),
		}
		err := c.call(ctx, "create_intent", func(ctx context.Context) error {
			id, err := c.processor.CreateIntent(ctx, req)
			intentID = id
			return err
		})
		if err != nil {
			return fail(err)
		}
		if err := attempt.Event(ctx, fsm.PaymentEventIntentCreated); err != nil {
			return fail(err)
		}
	}

	readerKey := ReaderIdempotencyKey(order.ID, machine.ReaderID, attemptID)
	err := c.call(ctx, "process_on_reader", func(ctx context.Context) error {
		return c.processor.ProcessOnReader(ctx, machine.ReaderID, intentID, readerKey)
	})
	if err != nil {
		return fail(err)
	}
	if err := attempt.Event(ctx, fsm.PaymentEventDispatched); err != nil {
		return fail(err)
	}

	updated := order
	if !reused {
		updated, err = c.store.MarkPaymentStarted(ctx, order.ID, intentID)
		if err != nil {
			return fail(err)
		}
	}
	if err := attempt.Event(ctx, fsm.PaymentEventRecorded); err != nil {
		return fail(err)
	}

	metrics.RecordPaymentAttempt("ok", attempt.Current())
	log.Info("payment started", zap.String("payment_intent_id", intentID), zap.Bool("reused", reused))
	return &Result{Order: updated, IntentID: intentID, Reused: reused}, nil
}

// call runs one processor operation through the breaker, with a per-call timeout and
// bounded retries of retryable failures.
func (c *Coordinator) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.cfg.RetryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		start := time.Now()
		err := c.breaker.Execute(func() error { return fn(callCtx) })
		metrics.ObserveUpstream(op, start)
		metrics.SetBreakerState(int(c.breaker.GetState()))

		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrCircuitOpen):
			return fmt.Errorf("%w: %w", ErrUpstreamRetryable, err)
		case errors.Is(err, ErrUpstreamRetryable):
			c.logger.Debug("retrying payment processor call", zap.String("op", op), zap.Error(err))
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	if err != nil && !errors.Is(err, ErrUpstreamRetryable) && !errors.Is(err, ErrUpstreamRejected) {
		// context ended between attempts
		return fmt.Errorf("%w: %s: %w", ErrUpstreamRetryable, op, err)
	}
	return err
}

package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/buildtall-systems/vendorder/internal/db"
	"github.com/buildtall-systems/vendorder/internal/fsm"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	database := &db.DB{DB: sqlDB}
	if err := database.Migrate(); err != nil {
		_ = sqlDB.Close()
		t.Fatalf("migrating test db: %v", err)
	}

	t.Cleanup(func() { _ = database.Close() })

	return database
}

func newTestCoordinator(t *testing.T, p Processor, store OrderStore) *Coordinator {
	t.Helper()
	cfg := Config{Timeout: time.Second, MaxRetries: 2, RetryBase: time.Millisecond}
	return NewCoordinator(p, store, NewCircuitBreaker(10, time.Minute), cfg, zaptest.NewLogger(t))
}

func createOrder(t *testing.T, database *db.DB) *db.Order {
	t.Helper()
	order, err := database.CreateOrder(context.Background(), db.NewOrder{
		MachineID:   "M1",
		Items:       []db.Item{{SlotID: "A1", Qty: 1}},
		AmountCents: 250,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

var testMachine = &db.Machine{ID: "M1", ReaderID: "tmr_1"}

func TestStartPayment(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	order := createOrder(t, database)
	p := &fakeProcessor{nextIntent: "pi_1"}

	res, err := newTestCoordinator(t, p, database).StartPayment(ctx, order, testMachine)
	if err != nil {
		t.Fatalf("StartPayment: %v", err)
	}
	if res.IntentID != "pi_1" || res.Reused {
		t.Errorf("result = %+v", res)
	}
	if res.Order.Status != fsm.OrderStatePaymentStarted || res.Order.PaymentIntentID.String != "pi_1" {
		t.Errorf("order = %+v", res.Order)
	}

	if len(p.intentCalls) != 1 {
		t.Fatalf("intent calls = %d, want 1", len(p.intentCalls))
	}
	req := p.intentCalls[0]
	if req.AmountCents != 250 || req.Currency != "usd" || req.IdempotencyKey != IntentIdempotencyKey(order.ID) {
		t.Errorf("intent request = %+v", req)
	}
	if len(p.readerCalls) != 1 || p.readerCalls[0].readerID != "tmr_1" || p.readerCalls[0].intentID != "pi_1" {
		t.Errorf("reader calls = %+v", p.readerCalls)
	}
}

func TestStartPaymentReentry(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	order := createOrder(t, database)
	p := &fakeProcessor{nextIntent: "pi_1"}
	c := newTestCoordinator(t, p, database)

	first, err := c.StartPayment(ctx, order, testMachine)
	if err != nil {
		t.Fatalf("StartPayment: %v", err)
	}

	second, err := c.StartPayment(ctx, first.Order, testMachine)
	if err != nil {
		t.Fatalf("second StartPayment: %v", err)
	}
	if !second.Reused || second.IntentID != "pi_1" {
		t.Errorf("second result = %+v", second)
	}
	if len(p.intentCalls) != 1 {
		t.Errorf("intent calls = %d, want 1", len(p.intentCalls))
	}
	if len(p.readerCalls) != 2 {
		t.Fatalf("reader calls = %d, want 2", len(p.readerCalls))
	}
	if p.readerCalls[0].key == p.readerCalls[1].key {
		t.Error("re-dispatch reused the reader idempotency key")
	}
	if !second.Order.UpdatedAt.Equal(first.Order.UpdatedAt) {
		t.Error("re-entry modified the order")
	}
}

func TestStartPaymentRetriesRetryable(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	order := createOrder(t, database)
	p := &fakeProcessor{
		intentErrs: []error{fmt.Errorf("%w: 503", ErrUpstreamRetryable)},
		readerErrs: []error{fmt.Errorf("%w: 429", ErrUpstreamRetryable)},
	}

	res, err := newTestCoordinator(t, p, database).StartPayment(ctx, order, testMachine)
	if err != nil {
		t.Fatalf("StartPayment: %v", err)
	}
	if res.Order.Status != fsm.OrderStatePaymentStarted {
		t.Errorf("status = %s", res.Order.Status)
	}
	if len(p.intentCalls) != 2 || len(p.readerCalls) != 2 {
		t.Errorf("calls = %d intent, %d reader; want 2, 2", len(p.intentCalls), len(p.readerCalls))
	}
	// retries within one start share the reader key
	if p.readerCalls[0].key != p.readerCalls[1].key {
		t.Error("retry changed the reader idempotency key")
	}
}

func TestStartPaymentFailureLeavesOrder(t *testing.T) {
	retryable := fmt.Errorf("%w: 500", ErrUpstreamRetryable)
	rejected := fmt.Errorf("%w: card declined", ErrUpstreamRejected)

	tests := []struct {
		name       string
		intentErrs []error
		readerErrs []error
		wantErr    error
		wantIntent int
	}{
		{"intent rejected", []error{rejected}, nil, ErrUpstreamRejected, 1},
		{"intent retries exhausted", []error{retryable, retryable, retryable}, nil, ErrUpstreamRetryable, 3},
		{"reader rejected", nil, []error{rejected}, ErrUpstreamRejected, 1},
		{"reader retries exhausted", nil, []error{retryable, retryable, retryable}, ErrUpstreamRetryable, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			database := setupTestDB(t)
			order := createOrder(t, database)
			p := &fakeProcessor{intentErrs: tt.intentErrs, readerErrs: tt.readerErrs}

			_, err := newTestCoordinator(t, p, database).StartPayment(ctx, order, testMachine)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if len(p.intentCalls) != tt.wantIntent {
				t.Errorf("intent calls = %d, want %d", len(p.intentCalls), tt.wantIntent)
			}

			got, err := database.GetOrder(ctx, order.ID)
			if err != nil {
				t.Fatalf("GetOrder: %v", err)
			}
			if got.Status != fsm.OrderStateCreated || got.PaymentIntentID.Valid {
				t.Errorf("order mutated: %+v", got)
			}
		})
	}
}

func TestStartPaymentRepairsAfterDispatchFailure(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	order := createOrder(t, database)
	rejected := fmt.Errorf("%w: reader busy", ErrUpstreamRejected)
	p := &fakeProcessor{nextIntent: "pi_1", readerErrs: []error{rejected}}
	c := newTestCoordinator(t, p, database)

	if _, err := c.StartPayment(ctx, order, testMachine); !errors.Is(err, ErrUpstreamRejected) {
		t.Fatalf("expected ErrUpstreamRejected, got %v", err)
	}

	res, err := c.StartPayment(ctx, order, testMachine)
	if err != nil {
		t.Fatalf("retry StartPayment: %v", err)
	}
	if res.IntentID != "pi_1" {
		t.Errorf("intent = %s, want pi_1", res.IntentID)
	}
	if p.intentCalls[0].IdempotencyKey != p.intentCalls[1].IdempotencyKey {
		t.Error("intent idempotency key changed between attempts")
	}
}

func TestStartPaymentNoReader(t *testing.T) {
	database := setupTestDB(t)
	order := createOrder(t, database)
	p := &fakeProcessor{}

	_, err := newTestCoordinator(t, p, database).StartPayment(context.Background(), order, &db.Machine{ID: "M1"})
	if !errors.Is(err, ErrNoReader) {
		t.Fatalf("expected ErrNoReader, got %v", err)
	}
	if len(p.intentCalls) != 0 {
		t.Error("processor called without a reader")
	}
}

func TestStartPaymentCircuitOpen(t *testing.T) {
	database := setupTestDB(t)
	order := createOrder(t, database)
	p := &fakeProcessor{}
	breaker := NewCircuitBreaker(1, time.Hour)
	_ = breaker.Execute(func() error { return ErrUpstreamRetryable })

	c := NewCoordinator(p, database, breaker, Config{MaxRetries: 2, RetryBase: time.Millisecond}, zaptest.NewLogger(t))
	_, err := c.StartPayment(context.Background(), order, testMachine)
	if !errors.Is(err, ErrUpstreamRetryable) || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected retryable circuit-open error, got %v", err)
	}
	if len(p.intentCalls) != 0 {
		t.Error("processor called with open circuit")
	}
}

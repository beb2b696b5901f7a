package payment

import "context"

// IntentRequest describes a card-present payment intent for one order.
type IntentRequest struct {
	OrderID        string
	MachineID      string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}

// Processor is the external payment service. Implementations return errors wrapping
// ErrUpstreamRetryable or ErrUpstreamRejected.
type Processor interface {
	CreateIntent(ctx context.Context, req IntentRequest) (string, error)
	ProcessOnReader(ctx context.Context, readerID, intentID, idempotencyKey string) error
}

// IntentIdempotencyKey is stable per order, so a repeated start returns the intent
// created by an earlier one.
func IntentIdempotencyKey(orderID string) string {
	return "order:" + orderID + ":payment_intent"
}

// ReaderIdempotencyKey is stable per start attempt. Retries within an attempt are
// deduplicated while a new attempt prompts the reader again.
func ReaderIdempotencyKey(orderID, readerID, attemptID string) string {
	return "order:" + orderID + ":reader:" + readerID + ":" + attemptID
}

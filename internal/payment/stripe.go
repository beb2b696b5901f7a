package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeProcessor creates card-present PaymentIntents and hands them to Stripe
// Terminal readers.
type StripeProcessor struct {
	api *client.API
}

func NewStripeProcessor(secretKey string) *StripeProcessor {
	return NewStripeProcessorWithBackends(secretKey, nil)
}

// NewStripeProcessorWithBackends uses custom backends; nil selects Stripe's defaults.
func NewStripeProcessorWithBackends(secretKey string, backends *stripe.Backends) *StripeProcessor {
	return &StripeProcessor{api: client.New(secretKey, backends)}
}

func (p *StripeProcessor) CreateIntent(ctx context.Context, req IntentRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.AmountCents),
		Currency:           stripe.String(req.Currency),
		PaymentMethodTypes: stripe.StringSlice([]string{"card_present"}),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodAutomatic)),
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("machine_id", req.MachineID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return "", classify("creating payment intent", err)
	}
	return pi.ID, nil
}

func (p *StripeProcessor) ProcessOnReader(ctx context.Context, readerID, intentID, idempotencyKey string) error {
	params := &stripe.TerminalReaderProcessPaymentIntentParams{
		PaymentIntent: stripe.String(intentID),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	if _, err := p.api.TerminalReaders.ProcessPaymentIntent(readerID, params); err != nil {
		return classify("processing payment intent on reader", err)
	}
	return nil
}

// classify wraps a Stripe client error with ErrUpstreamRetryable or ErrUpstreamRejected.
func classify(op string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// transport failure or context timeout
		return fmt.Errorf("%w: %s: %w", ErrUpstreamRetryable, op, err)
	}

	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("%w: %s: %s", ErrUpstreamRetryable, op, stripeErr.Msg)
	default:
		return fmt.Errorf("%w: %s: %s", ErrUpstreamRejected, op, stripeErr.Msg)
	}
}

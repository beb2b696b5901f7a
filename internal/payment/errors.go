package payment

import "errors"

// ErrUpstreamRetryable indicates a processor failure worth retrying: network error,
// timeout, rate limit, server error or an open circuit.
var ErrUpstreamRetryable = errors.New("payment processor temporarily unavailable")

// ErrUpstreamRejected indicates the processor refused the request.
var ErrUpstreamRejected = errors.New("payment processor rejected request")

// ErrCircuitOpen indicates the breaker is refusing calls to the processor.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrNoReader indicates the machine has no payment reader attached.
var ErrNoReader = errors.New("machine has no payment reader")

package fsm

const (
	OrderStateCreated        = "CREATED"
	OrderStateAuthorized     = "AUTHORIZED"
	OrderStatePaymentStarted = "PAYMENT_STARTED"
)

const (
	OrderEventAuthorize    = "authorize"
	OrderEventStartPayment = "start_payment"
)

const (
	CommandStatePending = "PENDING"
	CommandStateClaimed = "CLAIMED"
)

const (
	CommandEventClaim = "claim"
)

const (
	PaymentStateIdle           = "idle"
	PaymentStateCreatingIntent = "creating_intent"
	PaymentStateDispatching    = "dispatching"
	PaymentStateRecording      = "recording"
	PaymentStateDone           = "done"
	PaymentStateFailed         = "failed"
)

const (
	PaymentEventCreateIntent  = "create_intent"
	PaymentEventReuseIntent   = "reuse_intent"
	PaymentEventIntentCreated = "intent_created"
	PaymentEventDispatched    = "dispatched"
	PaymentEventRecorded      = "recorded"
	PaymentEventFail          = "fail"
)

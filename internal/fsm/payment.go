package fsm

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// PaymentAttempt tracks one start-payment attempt through its external calls, so a
// failure can be attributed to the stage it happened in.
type PaymentAttempt struct {
	fsm     *fsm.FSM
	mu      sync.Mutex
	stage   string
	onEnter map[string]func(from string)
}

func NewPaymentAttempt() *PaymentAttempt {
	pa := &PaymentAttempt{
		stage:   PaymentStateIdle,
		onEnter: make(map[string]func(from string)),
	}
	pa.fsm = fsm.NewFSM(
		PaymentStateIdle,
		fsm.Events{
			{Name: PaymentEventCreateIntent, Src: []string{PaymentStateIdle}, Dst: PaymentStateCreatingIntent},
			{Name: PaymentEventReuseIntent, Src: []string{PaymentStateIdle}, Dst: PaymentStateDispatching},
			{Name: PaymentEventIntentCreated, Src: []string{PaymentStateCreatingIntent}, Dst: PaymentStateDispatching},
			{Name: PaymentEventDispatched, Src: []string{PaymentStateDispatching}, Dst: PaymentStateRecording},
			{Name: PaymentEventRecorded, Src: []string{PaymentStateRecording}, Dst: PaymentStateDone},
			{Name: PaymentEventFail, Src: []string{PaymentStateCreatingIntent, PaymentStateDispatching, PaymentStateRecording}, Dst: PaymentStateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if e.Dst != PaymentStateFailed {
					pa.stage = e.Dst
				}
				if fn, ok := pa.onEnter[e.Dst]; ok {
					fn(e.Src)
				}
			},
		},
	)
	return pa
}

func (pa *PaymentAttempt) Current() string {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.fsm.Current()
}

// Stage is the last working state entered; after a failure it names where the attempt stopped.
func (pa *PaymentAttempt) Stage() string {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.stage
}

func (pa *PaymentAttempt) Event(ctx context.Context, event string) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.fsm.Event(ctx, event)
}

// OnEnter registers fn to run when the attempt enters state. fn receives the state left.
func (pa *PaymentAttempt) OnEnter(state string, fn func(from string)) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	pa.onEnter[state] = fn
}

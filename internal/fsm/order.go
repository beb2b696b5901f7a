package fsm

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"
)

// OrderStateMachine validates order status transitions. It holds no order of its own:
// every call positions the machine at the caller's current status first.
type OrderStateMachine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func NewOrderStateMachine() *OrderStateMachine {
	osm := &OrderStateMachine{}
	osm.fsm = fsm.NewFSM(
		OrderStateCreated,
		fsm.Events{
			{Name: OrderEventAuthorize, Src: []string{OrderStateCreated, OrderStateAuthorized}, Dst: OrderStateAuthorized},
			{Name: OrderEventStartPayment, Src: []string{OrderStateCreated, OrderStatePaymentStarted}, Dst: OrderStatePaymentStarted},
		},
		fsm.Callbacks{},
	)
	return osm
}

func (osm *OrderStateMachine) CanTransition(currentState, event string) bool {
	osm.mu.Lock()
	defer osm.mu.Unlock()
	osm.fsm.SetState(currentState)
	return osm.fsm.Can(event)
}

// Transition returns the status an order moves to. Re-entering the current status
// is a legal transition and returns it unchanged.
func (osm *OrderStateMachine) Transition(ctx context.Context, currentState, event string) (string, error) {
	osm.mu.Lock()
	defer osm.mu.Unlock()
	osm.fsm.SetState(currentState)
	if err := osm.fsm.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return osm.fsm.Current(), nil
		}
		return "", err
	}
	return osm.fsm.Current(), nil
}

package fsm

import (
	"sync"

	"github.com/looplab/fsm"
)

// CommandStateMachine guards the machine command lifecycle. CLAIMED is terminal.
type CommandStateMachine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func NewCommandStateMachine() *CommandStateMachine {
	csm := &CommandStateMachine{}
	csm.fsm = fsm.NewFSM(
		CommandStatePending,
		fsm.Events{
			{Name: CommandEventClaim, Src: []string{CommandStatePending}, Dst: CommandStateClaimed},
		},
		fsm.Callbacks{},
	)
	return csm
}

func (csm *CommandStateMachine) CanClaim(currentState string) bool {
	csm.mu.Lock()
	defer csm.mu.Unlock()
	csm.fsm.SetState(currentState)
	return csm.fsm.Can(CommandEventClaim)
}

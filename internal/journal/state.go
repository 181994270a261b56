package journal

import (
	"fmt"
	"sync"
)

// State is a step in the journal's lifecycle state machine (spec §4.1):
// CLOSED -> INITIALIZING -> READY <-> CHECKPOINTING -> READY -> CLOSING -> CLOSED.
type State string

const (
	StateClosed        State = "CLOSED"
	StateInitializing  State = "INITIALIZING"
	StateReady         State = "READY"
	StateCheckpointing State = "CHECKPOINTING"
	StateClosing       State = "CLOSING"
)

var allowedTransitions = map[State][]State{
	StateClosed:        {StateInitializing},
	StateInitializing:  {StateReady},
	StateReady:         {StateCheckpointing, StateClosing},
	StateCheckpointing: {StateReady},
	StateClosing:       {StateClosed},
}

// stateMachine guards the journal's lifecycle with a mutex. Open enters
// StateReady only after recover (which runs IntegrityCheck) succeeds; the
// return to StateReady at the end of a checkpoint does not repeat the check.
type stateMachine struct {
	mu      sync.Mutex
	current State
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateClosed}
}

func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *stateMachine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range allowedTransitions[m.current] {
		if allowed == to {
			m.current = to
			return nil
		}
	}
	return fmt.Errorf("journal: invalid lifecycle transition %s -> %s", m.current, to)
}

package client

import (
	"fmt"
	"sync"
)

// State of a client connection.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateProcessing State = "processing"
	StateError      State = "error"
)

// Transition names a state change.
type Transition string

const (
	TransitionConnect    Transition = "connect"
	TransitionConnected  Transition = "connected"
	TransitionSend       Transition = "send"
	TransitionTurnDone   Transition = "turn_done"
	TransitionFail       Transition = "fail"
	TransitionDisconnect Transition = "disconnect"
)

var transitions = map[State]map[Transition]State{
	StateIdle: {
		TransitionConnect: StateConnecting,
	},
	StateConnecting: {
		TransitionConnected: StateConnected,
	},
	StateConnected: {
		TransitionSend: StateProcessing,
	},
	StateProcessing: {
		TransitionTurnDone: StateConnected,
	},
	StateError: {
		TransitionConnect: StateConnecting,
	},
}

// TransitionError rejects a transition that is not valid from the current state.
type TransitionError struct {
	From       State
	Transition Transition
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %q from state %q", e.Transition, e.From)
}

// machine is the connection state machine. fail and disconnect are accepted
// from every state.
type machine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

func newMachine(onChange func(from, to State)) *machine {
	return &machine{state: StateIdle, onChange: onChange}
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) fire(t Transition) error {
	m.mu.Lock()
	from := m.state
	var to State
	switch t {
	case TransitionFail:
		to = StateError
	case TransitionDisconnect:
		to = StateIdle
	default:
		next, ok := transitions[from][t]
		if !ok {
			m.mu.Unlock()
			return &TransitionError{From: from, Transition: t}
		}
		to = next
	}
	m.state = to
	m.mu.Unlock()

	if from != to && m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

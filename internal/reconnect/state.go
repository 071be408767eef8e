package reconnect

import (
	"fmt"
	"sync"
)

// State is a connection lifecycle state, shared by the upstream ingest client
// and by broadcast sessions.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Authenticating:
		return "AUTHENTICATING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrInvalidTransition is returned for a transition the machine does not allow.
type ErrInvalidTransition struct {
	From, To State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// allowed lists legal transitions. Any live state may fall to Reconnecting or
// Disconnected; Failed is left only through Reset.
var allowed = map[State][]State{
	Disconnected:   {Connecting},
	Connecting:     {Authenticating, Reconnecting, Disconnected},
	Authenticating: {Connected, Reconnecting, Disconnected},
	Connected:      {Reconnecting, Disconnected},
	Reconnecting:   {Connecting, Failed, Disconnected},
	Failed:         {},
}

// Observer is notified after every transition.
type Observer func(from, to State)

// Machine is a concurrency safe state holder enforcing the transition table.
type Machine struct {
	mu        sync.RWMutex
	state     State
	observers []Observer
}

// NewMachine returns a machine in Disconnected.
func NewMachine() *Machine {
	return &Machine{state: Disconnected}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Observe registers an observer. Observers run synchronously, in
// registration order, outside the machine lock.
func (m *Machine) Observe(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// Transition moves to the given state if the move is legal.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !canMove(from, to) {
		m.mu.Unlock()
		return ErrInvalidTransition{From: from, To: to}
	}
	m.state = to
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	for _, o := range observers {
		o(from, to)
	}
	return nil
}

// Reset returns a machine in any state to Disconnected. It is the only way
// out of Failed.
func (m *Machine) Reset() {
	m.mu.Lock()
	from := m.state
	m.state = Disconnected
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if from == Disconnected {
		return
	}
	for _, o := range observers {
		o(from, Disconnected)
	}
}

func canMove(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ABOUTME: Agent activity state machine with a fixed transition table
// ABOUTME: Observers are told about every edge taken, in order

package activity

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrInvalidTransition is returned when an edge is not in the transition table.
var ErrInvalidTransition = errors.New("invalid activity transition")

// State is an agent activity state.
type State string

const (
	Idle       State = "idle"
	Thinking   State = "thinking"
	Responding State = "responding"
	Executing  State = "executing"
	Error      State = "error"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Idle, Thinking, Responding, Executing, Error:
		return true
	}
	return false
}

// Observer is called after each transition. Observers are called one edge at
// a time in the order the state changed, so the last edge seen always matches
// State. An observer may call State but must not change the machine.
type Observer func(from, to State)

// allowed reports whether from -> to is an edge of the table.
func allowed(from, to State) bool {
	if to == Error {
		return true
	}
	switch from {
	case Idle:
		return to == Thinking || to == Responding || to == Executing
	case Thinking, Responding, Executing:
		return to == Idle
	case Error:
		return to == Idle || to == Responding
	}
	return false
}

// Machine is the activity state of one session. It is safe for concurrent use.
type Machine struct {
	// seq serializes each state change with its notifications; mu guards
	// the fields and is never held while observers run.
	seq       sync.Mutex
	mu        sync.Mutex
	state     State
	observers []Observer
	logger    *slog.Logger
}

// New creates a Machine in the idle state.
func New(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		state:  Idle,
		logger: logger.With("component", "activity"),
	}
}

// OnTransition registers an observer.
func (m *Machine) OnTransition(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition takes the single edge from the current state to to.
// Transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}

	m.seq.Lock()
	defer m.seq.Unlock()

	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !allowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	observers := m.observers
	m.mu.Unlock()

	m.notify(observers, from, to)
	return nil
}

// Request moves the machine to to, passing through idle when there is no
// direct edge. The machine always ends in to.
func (m *Machine) Request(to State) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}

	m.seq.Lock()
	defer m.seq.Unlock()

	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	var path []State
	if allowed(from, to) {
		path = []State{to}
	} else {
		path = []State{Idle, to}
	}
	m.state = to
	observers := m.observers
	m.mu.Unlock()

	for _, next := range path {
		m.notify(observers, from, next)
		from = next
	}
	return nil
}

// Reset forces the machine to idle.
func (m *Machine) Reset() {
	m.seq.Lock()
	defer m.seq.Unlock()

	m.mu.Lock()
	from := m.state
	m.state = Idle
	observers := m.observers
	m.mu.Unlock()

	if from != Idle {
		m.notify(observers, from, Idle)
	}
}

func (m *Machine) notify(observers []Observer, from, to State) {
	m.logger.Debug("activity transition", "from", from, "to", to)
	for _, o := range observers {
		o(from, to)
	}
}

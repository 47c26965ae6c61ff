// Package status tracks the daemon lifecycle state.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Booting  State = "BOOTING"
	Serving  State = "SERVING"
	Degraded State = "DEGRADED" // durable writes are failing; the core keeps serving
	Draining State = "DRAINING"
	Stopped  State = "STOPPED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:  {Serving, Stopped},
	Serving:  {Degraded, Draining},
	Degraded: {Serving, Draining},
	Draining: {Stopped},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	reason  string
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Reason explains the current state when it was entered with one, e.g. why
// the daemon is degraded.
func (m *Machine) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.transition(to, "")
}

func (m *Machine) transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.reason = reason
	m.bus.Publish(bus.Event{
		Kind:      bus.KindDaemonStatus,
		Timestamp: m.since,
		Payload:   StatusChange{From: from, To: to, Reason: reason},
	})
	return nil
}

// Degrade moves SERVING to DEGRADED. It reports whether the state changed.
func (m *Machine) Degrade(reason string) bool {
	return m.Current() == Serving && m.transition(Degraded, reason) == nil
}

// Recover moves DEGRADED back to SERVING. It reports whether the state changed.
func (m *Machine) Recover() bool {
	return m.Current() == Degraded && m.Transition(Serving) == nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Package health tracks the connection state of the decoder subprocess and the broker link.
package health

import (
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of a supervised connection
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Component names used by the tracker
const (
	Decoder = "decoder"
	Broker  = "broker"
)

// Status is the current state of one component
type Status struct {
	State ConnectionState `json:"-"`
	Name  string          `json:"state"`
	Since time.Time       `json:"since"`
}

// Tracker holds the state of each component. Observers are called synchronously on every change.
type Tracker struct {
	mu        sync.RWMutex
	states    map[string]Status
	observers []func(component string, state ConnectionState)
}

// NewTracker creates a tracker with Decoder and Broker disconnected
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		states: map[string]Status{
			Decoder: {State: Disconnected, Name: Disconnected.String(), Since: now},
			Broker:  {State: Disconnected, Name: Disconnected.String(), Since: now},
		},
	}
}

// Observe registers fn to be called on state changes
func (t *Tracker) Observe(fn func(component string, state ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Set records a new state for component. Setting the current state again is a no-op.
func (t *Tracker) Set(component string, state ConnectionState) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if cur, ok := t.states[component]; ok && cur.State == state {
		t.mu.Unlock()
		return
	}
	t.states[component] = Status{State: state, Name: state.String(), Since: time.Now()}
	observers := t.observers
	t.mu.Unlock()

	for _, fn := range observers {
		fn(component, state)
	}
}

// Get returns the state of component
func (t *Tracker) Get(component string) ConnectionState {
	if t == nil {
		return Disconnected
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[component].State
}

// Snapshot returns a copy of all component states
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// Healthy reports whether every component is connected
func (t *Tracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.states {
		if s.State != Connected {
			return false
		}
	}
	return true
}

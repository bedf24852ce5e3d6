package store

import "sync"

// State is a position in the store lifecycle:
// StateUninitialized -> StateOpen -> StateClosed. There is no way back from
// StateClosed.
type State int32

const (
	StateUninitialized State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Lifecycle tracks the state of a store and guards its release.
// The zero value is StateUninitialized.
type Lifecycle struct {
	mu    sync.RWMutex
	state State
}

// MarkOpen moves an uninitialized lifecycle to StateOpen.
func (l *Lifecycle) MarkOpen() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateUninitialized {
		l.state = StateOpen
	}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Check returns nil only in StateOpen.
func (l *Lifecycle) Check() error {
	switch l.State() {
	case StateOpen:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotOpen
	}
}

// Close moves to StateClosed and runs release the first time it is called.
// Subsequent calls return nil without running release.
func (l *Lifecycle) Close(release func() error) error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosed
	l.mu.Unlock()

	if release == nil {
		return nil
	}
	return release()
}

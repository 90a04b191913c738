package lifecycle

import "time"

// State is a session state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateConnecting
	StateConnected
	StateStreaming
	StateDegraded
	StateStopping
	StateError
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateStreaming:
		return "Streaming"
	case StateDegraded:
		return "Degraded"
	case StateStopping:
		return "Stopping"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Active reports whether the state holds a live transport.
func (s State) Active() bool {
	return s == StateStreaming || s == StateDegraded
}

// EventEmitter is called when the state changes.
type EventEmitter interface {
	OnStateChange(previous, current State, reason string)
}

// Manager manages the session state machine.
type Manager interface {
	// State returns the current state.
	State() State

	// CanStart returns true if a run can begin.
	CanStart() bool

	// CanStop returns true if an explicit stop applies.
	CanStop() bool

	// TransitionTo attempts to transition to a new state.
	// Returns an error if the transition is not valid.
	TransitionTo(newState State, reason string) error

	// WaitWithTimeout waits for all workers to finish with a timeout.
	// Returns ErrShutdownTimeout if the timeout expires.
	WaitWithTimeout(timeout time.Duration) error

	// AddWorker increments the worker count.
	AddWorker()

	// WorkerDone decrements the worker count.
	WorkerDone()
}

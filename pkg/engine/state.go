package engine

// State is the lifecycle state of an engine instance.
type State int

const (
	// StateNotStarted - created, no process yet
	StateNotStarted State = iota
	// StateLaunching - process started, waiting for the readiness marker
	StateLaunching
	// StateReady - engine accepts connections, no socket held
	StateReady
	// StateConnected - control socket open
	StateConnected
	// StateTerminated - destroyed or detached; absorbing
	StateTerminated
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateLaunching:
		return "Launching"
	case StateReady:
		return "Ready"
	case StateConnected:
		return "Connected"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// validTransition reports whether from -> to is allowed. Terminated never
// transitions anywhere; every other state may reach it.
func validTransition(from, to State) bool {
	if from == StateTerminated {
		return false
	}
	if to == StateTerminated {
		return true
	}
	switch from {
	case StateNotStarted:
		return to == StateLaunching
	case StateLaunching:
		return to == StateReady
	case StateReady:
		return to == StateConnected
	case StateConnected:
		return to == StateReady
	}
	return false
}

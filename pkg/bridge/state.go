package bridge

// State is the lifecycle of a Session.
type State int

const (
	StateIdle State = iota
	StateAwaitingInitialObservation
	StateStepping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingInitialObservation:
		return "awaiting_initial_observation"
	case StateStepping:
		return "stepping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

package network

// State of the connection lifecycle
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateAuthenticated
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateHandshaking, StateReconnecting, StateFailed, StateDisconnected},
	StateHandshaking:   {StateAuthenticated, StateReconnecting, StateFailed, StateDisconnected},
	StateAuthenticated: {StateReconnecting, StateFailed, StateDisconnected},
	StateReconnecting:  {StateConnecting, StateFailed, StateDisconnected},
	StateFailed:        {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is a legal lifecycle step
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange is the payload of connection-state-changed events
type StateChange struct {
	From State
	To   State
	Err  error // Cause, if the change was not requested
}

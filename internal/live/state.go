package live

// ConnectionState is the lifecycle position of a session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets the state travel as its name in JSON payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateError:        {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateDisconnected, StateError},
}

// CanTransition reports whether from->to is a legal edge.
func CanTransition(from, to ConnectionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// canConnect is true for the states Connect is accepted from.
func canConnect(s ConnectionState) bool {
	return s == StateDisconnected || s == StateError
}

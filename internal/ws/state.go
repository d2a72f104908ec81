package ws

import "sync/atomic"

// Close codes sent when a connection is refused.
const (
	CloseUnauthenticated = 4001
	CloseUnauthorized    = 4003
)

// State is a connection's lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthorizing
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthorizing:
		return "AUTHORIZING"
	case StateJoined:
		return "JOINED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) get() State {
	return State(m.v.Load())
}

// advance moves forward to next unless the connection is already closed.
// CLOSED is reachable from any state and never left.
func (m *stateMachine) advance(next State) bool {
	for {
		cur := m.v.Load()
		if State(cur) == StateClosed {
			return false
		}
		if next != StateClosed && State(cur) >= next {
			return false
		}
		if m.v.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

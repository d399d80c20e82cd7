package session

import "fmt"

// Role distinguishes device peers from client peers.  A session starts
// as a client and becomes a device on its first Registration.
type Role int

const (
	ClientRole Role = iota
	DeviceRole
)

func (r Role) String() string {
	switch r {
	case ClientRole:
		return "client"
	case DeviceRole:
		return "device"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// State is a session's position in its lifecycle.  Transitions only
// move forward; Closed is terminal.
type State int

const (
	Accepted State = iota
	Authenticating
	Authenticated
	Live
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Live:
		return "live"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further envelopes will be processed.
func (s State) Terminal() bool {
	return s == Closed
}

// CanReceive reports whether inbound envelopes are still dispatched in
// this state.
func (s State) CanReceive() bool {
	switch s {
	case Closed, Draining:
		return false
	default:
		return true
	}
}

package host

import "fmt"

// State is a host lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateLaunching
	StateConnected
	StateDisconnected
	StateShuttingDownGraceful
	StateShuttingDownFast
	StateDeleting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLaunching:
		return "launching"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateShuttingDownGraceful:
		return "shutting_down_graceful"
	case StateShuttingDownFast:
		return "shutting_down_fast"
	case StateDeleting:
		return "deleting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether the child is gone for good.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateShuttingDownFast || s == StateDeleting
}

// closing reports whether the child is gone or on its way out. Such a host
// never takes new content.
func (s State) closing() bool {
	return s.Terminal() || s == StateShuttingDownGraceful
}

// live reports whether the channel to the child is usable.
func (s State) live() bool {
	return s == StateConnected || s == StateShuttingDownGraceful
}

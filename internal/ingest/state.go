package ingest

import "encoding/json"

// State is the connection state of a session's transport.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateStopped is terminal after Stop or a finished replay.
	StateStopped
	// StateFailed is terminal after a fatal error; see Session.Err.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

package transport

import "errors"

// State is the lifecycle phase of a Link.
type State int

const (
	// Disconnected is the state before Start and after a clean Close.
	Disconnected State = iota
	// Connecting covers the very first dial.
	Connecting
	// Connected means envelopes flow; the outbound queue is empty.
	Connected
	// Reconnecting means the connection dropped and the backoff schedule
	// is running. Sends are queued.
	Reconnecting
	// ConnectionLost is terminal: the reconnect budget is spent or the
	// relay rejected the handshake outright.
	ConnectionLost
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case ConnectionLost:
		return "connectionLost"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("link closed")
	// ErrConnectionLost is returned by Send once the link is terminally
	// lost. Nothing queued will ever be delivered.
	ErrConnectionLost = errors.New("connection lost")
)

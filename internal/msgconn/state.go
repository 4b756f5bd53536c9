package msgconn

import "fmt"

// State is the lifecycle state of a Conn.
type State int

const (
	NoConnection State = iota
	Connecting
	Connected
	LoggedIn
	Closed
	ConnectError
)

var stateNames = map[State]string{
	NoConnection: "no_connection",
	Connecting:   "connecting",
	Connected:    "connected",
	LoggedIn:     "logged_in",
	Closed:       "closed",
	ConnectError: "connect_error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Live reports whether a socket is open in this state.
func (s State) Live() bool {
	return s == Connected || s == LoggedIn
}

// busy reports whether Connect is a no-op in this state.
func (s State) busy() bool {
	return s == Connecting || s.Live()
}

// retryable reports whether a fired reconnect timer may dial.
func (s State) retryable() bool {
	return s == Closed || s == ConnectError
}

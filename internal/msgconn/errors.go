package msgconn

import (
	"errors"
	"fmt"

	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

var (
	// ErrNotConnected is returned when sending while the connection is not
	// Connected or LoggedIn.
	ErrNotConnected = errors.New("msgconn: not connected")
	// ErrTimeout is returned when no response arrives before the deadline.
	ErrTimeout = errors.New("TIMEOUT")
	// ErrConnectionLost is returned to waiters whose socket went away.
	ErrConnectionLost = errors.New("msgconn: connection lost")
	// ErrSeqInUse is returned when a sequence number is already pending.
	ErrSeqInUse = errors.New("msgconn: sequence number in use")
	// ErrNoSession is returned by Login when no session is available.
	ErrNoSession = errors.New("msgconn: no session")
	// ErrServerAuthenticity means the step-1 signature did not recover the
	// address the server claimed.
	ErrServerAuthenticity = errors.New("msgconn: server address mismatch")
	// ErrClientAuthenticity means the server rejected the step-2 proof.
	ErrClientAuthenticity = errors.New("msgconn: client proof rejected")
)

// TransportError wraps a socket dial, read or write failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("msgconn: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a non-zero error code in a handshake or request response.
type ProtocolError struct {
	Step string
	Code protocol.ErrCode
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("msgconn: %s rejected: %s", e.Step, e.Code)
}

// Is makes a step-2 ERR_AUTH_FAILED match ErrClientAuthenticity.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrClientAuthenticity && e.Step == stepAuth2 && e.Code == protocol.ErrAuthFailed
}

// IsAuthenticity reports whether err is a trust failure that must not be
// retried automatically.
func IsAuthenticity(err error) bool {
	return errors.Is(err, ErrServerAuthenticity) || errors.Is(err, ErrClientAuthenticity)
}

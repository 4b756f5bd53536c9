// Package transport defines the message-oriented socket the connection layer
// runs on. Drivers live in the gorilla, gobwas and ws subpackages.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Driver names accepted by NewDialer callers and configuration.
const (
	DriverGorilla = "gorilla"
	DriverGobwas  = "gobwas"
	DriverNhooyr  = "nhooyr"
)

// ErrUnknownDriver is returned for an unsupported driver name.
var ErrUnknownDriver = errors.New("transport: unknown driver")

// Conn abstracts one full-duplex binary message socket.
// This interface isolates websocket library details from the protocol layer.
type Conn interface {
	// Read reads a single binary message frame.
	// Returns an error once the socket is closed.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single binary message frame. Safe for concurrent use.
	Write(ctx context.Context, data []byte) error

	// Close closes the socket. Pending Reads return an error.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens a Conn to an endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// Registry maps driver names to dialers.
type Registry map[string]Dialer

// Dialer returns the dialer registered for name.
func (r Registry) Dialer(name string) (Dialer, error) {
	d, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return d, nil
}

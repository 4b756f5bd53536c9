// Package ws provides the nhooyr.io/websocket transport driver, used both for
// dialing and for the server side of the reference server.
package ws

import (
	"context"
	"fmt"
	"net/url"

	"github.com/omochice/ptp-msgconn/internal/transport"
	"github.com/omochice/ptp-msgconn/pkg/protocol"
	"nhooyr.io/websocket"
)

// readLimit allows a full-size Pdu through the socket.
const readLimit = protocol.HeaderLen + protocol.MaxPayloadLen

// Conn adapts nhooyr.io/websocket to transport.Conn interface.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr string
}

// NewConnWithAddr wraps a websocket.Conn with the specified remote address.
func NewConnWithAddr(conn *websocket.Conn, addr string) *Conn {
	conn.SetReadLimit(readLimit)
	return &Conn{conn: conn, remoteAddr: addr}
}

// Read implements transport.Conn.
// Reads a binary message from the WebSocket connection.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageBinary {
			return data, nil
		}
	}
}

// Write implements transport.Conn.
// Writes a binary message to the WebSocket connection.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Dialer dials with nhooyr.io/websocket.
type Dialer struct {
	Options *websocket.DialOptions
}

// NewDialer returns a Dialer with default options.
func NewDialer() *Dialer {
	return &Dialer{}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, rawURL string) (transport.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, u.String(), d.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return NewConnWithAddr(conn, u.Host), nil
}

var (
	_ transport.Conn   = (*Conn)(nil)
	_ transport.Dialer = (*Dialer)(nil)
)

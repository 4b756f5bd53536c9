// Package gorilla provides the default transport driver built on
// github.com/gorilla/websocket.
package gorilla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omochice/ptp-msgconn/internal/transport"
	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

// Conn adapts a gorilla websocket.Conn to transport.Conn.
// gorilla allows one concurrent writer, so writes are serialized.
type Conn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewConn wraps an established gorilla connection.
func NewConn(conn *websocket.Conn) *Conn {
	conn.SetReadLimit(protocol.HeaderLen + protocol.MaxPayloadLen)
	return &Conn{conn: conn}
}

// Read implements transport.Conn. Text frames are skipped.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Dialer dials with a gorilla websocket.Dialer.
type Dialer struct {
	dialer *websocket.Dialer
}

// NewDialer returns a Dialer using websocket.DefaultDialer settings with the
// given handshake timeout.
func NewDialer(handshakeTimeout time.Duration) *Dialer {
	d := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		d.HandshakeTimeout = handshakeTimeout
	}
	return &Dialer{dialer: &d}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewConn(conn), nil
}

var (
	_ transport.Conn   = (*Conn)(nil)
	_ transport.Dialer = (*Dialer)(nil)
)

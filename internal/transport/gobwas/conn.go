// Package gobwas provides a low-allocation transport driver built on
// github.com/gobwas/ws.
package gobwas

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/ptp-msgconn/internal/transport"
)

// frameWriter writes whole frames under one lock, with the write deadline
// set inside the same critical section.
type frameWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *frameWriter) write(deadline time.Time, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := w.conn.Write(frame)
	return err
}

// writeFrame masks and compiles f, then writes it in a single call.
func (w *frameWriter) writeFrame(deadline time.Time, f ws.Frame) error {
	bts, err := ws.CompileFrame(ws.MaskFrame(f))
	if err != nil {
		return err
	}
	return w.write(deadline, bts)
}

// Conn wraps a client-side net.Conn speaking WebSocket via gobwas/ws.
type Conn struct {
	conn net.Conn
	r    io.Reader
	w    *frameWriter
}

// NewConn wraps conn. br is the reader returned by ws.Dial and may be nil.
func NewConn(conn net.Conn, br *bufio.Reader) *Conn {
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &Conn{conn: conn, r: r, w: &frameWriter{conn: conn}}
}

// Read implements transport.Conn. Ping frames are answered and text frames
// skipped.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, err := c.readBinary()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return data, err
}

func (c *Conn) readBinary() ([]byte, error) {
	rd := &wsutil.Reader{
		Source:    c.r,
		State:     ws.StateClientSide,
		CheckUTF8: true,
	}
	rd.OnIntermediate = c.control
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

// control answers one control frame. The reply is built in memory so it
// reaches the socket as a single frame write.
func (c *Conn) control(hdr ws.Header, r io.Reader) error {
	var reply bytes.Buffer
	handleErr := wsutil.ControlFrameHandler(&reply, ws.StateClientSide)(hdr, r)
	if reply.Len() > 0 {
		if err := c.w.write(time.Time{}, reply.Bytes()); err != nil && handleErr == nil {
			return err
		}
	}
	return handleErr
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	deadline, _ := ctx.Deadline()
	return c.w.writeFrame(deadline, ws.NewBinaryFrame(data))
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	_ = c.w.writeFrame(time.Now().Add(time.Second), ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
	return c.conn.Close()
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Dialer dials with gobwas/ws.
type Dialer struct {
	dialer ws.Dialer
}

// NewDialer returns a Dialer whose handshake is bounded by timeout.
func NewDialer(timeout time.Duration) *Dialer {
	return &Dialer{dialer: ws.Dialer{Timeout: timeout}}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	conn, br, _, err := d.dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return NewConn(conn, br), nil
}

var (
	_ transport.Conn   = (*Conn)(nil)
	_ transport.Dialer = (*Dialer)(nil)
)

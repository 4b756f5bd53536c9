package msgconn

import (
	"context"
	"fmt"
	"time"

	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

// NextSeqNum returns a sequence number that is non-zero and not pending.
func (c *Conn) NextSeqNum() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.seq++
		if c.seq == 0 {
			continue
		}
		if _, ok := c.pending[c.seq]; !ok {
			return c.seq
		}
	}
}

// liveSocketLocked returns the loss channel of the open socket, or schedules
// a reconnect and returns ErrNotConnected. c.mu must be held.
func (c *Conn) liveSocketLocked() (chan struct{}, error) {
	if !c.state.Live() {
		c.scheduleReconnectLocked()
		return nil, fmt.Errorf("%w (state %s)", ErrNotConnected, c.state)
	}
	return c.lost, nil
}

// Send writes pdu without waiting for a response.
func (c *Conn) Send(ctx context.Context, pdu *protocol.Pdu) error {
	data, err := pdu.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, err := c.liveSocketLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	sock := c.sock
	c.mu.Unlock()

	if err := sock.Write(ctx, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// SendPdu writes pdu and waits for the frame with the same sequence number.
// It fails with ErrNotConnected without touching the socket when the Conn is
// not Connected or LoggedIn, and schedules a reconnect in that case. A zero
// timeout uses Options.RequestTimeout. The pending entry is removed on every
// exit path.
func (c *Conn) SendPdu(ctx context.Context, pdu *protocol.Pdu, timeout time.Duration) (*protocol.Pdu, error) {
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}
	data, err := pdu.Encode()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	lost, err := c.liveSocketLocked()
	if err != nil {
		c.mu.Unlock()
		c.metrics.requestDone("not_connected")
		return nil, err
	}
	if _, ok := c.pending[pdu.SeqNum]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrSeqInUse, pdu.SeqNum)
	}
	ch := make(chan *protocol.Pdu, 1)
	c.pending[pdu.SeqNum] = ch
	c.metrics.pendingDelta(1)
	sock := c.sock
	c.mu.Unlock()

	timer := c.clock.Timer(timeout)
	defer timer.Stop()

	if err := sock.Write(ctx, data); err != nil {
		c.evict(pdu.SeqNum, ch)
		c.metrics.requestDone("write_error")
		return nil, &TransportError{Op: "write", Err: err}
	}

	select {
	case res := <-ch:
		c.metrics.requestDone("ok")
		return res, nil
	case <-lost:
		c.evict(pdu.SeqNum, ch)
		c.metrics.requestDone("lost")
		return nil, ErrConnectionLost
	case <-timer.C:
		c.evict(pdu.SeqNum, ch)
		c.metrics.requestDone("timeout")
		c.log.Debug().Uint32("seq", pdu.SeqNum).Dur("timeout", timeout).Msg("request timed out")
		return nil, ErrTimeout
	case <-ctx.Done():
		c.evict(pdu.SeqNum, ch)
		c.metrics.requestDone("canceled")
		return nil, ctx.Err()
	}
}

// evict removes seq if it still belongs to ch.
func (c *Conn) evict(seq uint32, ch chan *protocol.Pdu) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[seq]; ok && cur == ch {
		delete(c.pending, seq)
		c.metrics.pendingDelta(-1)
	}
}

// Request sends msg with a fresh sequence number and decodes the response.
func (c *Conn) Request(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	res, err := c.SendPdu(ctx, protocol.Pack(c.NextSeqNum(), msg), timeout)
	if err != nil {
		return nil, err
	}
	return protocol.Unpack(res)
}

// request is Request with the response asserted to T.
func request[T protocol.Message](ctx context.Context, c *Conn, msg protocol.Message) (T, error) {
	var zero T
	res, err := c.SendPdu(ctx, protocol.Pack(c.NextSeqNum(), msg), 0)
	if err != nil {
		return zero, err
	}
	return protocol.UnpackAs[T](res)
}

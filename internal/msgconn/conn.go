// Package msgconn keeps one authenticated, sequence-correlated connection per
// account to a ptp message server, reconnecting with backoff when the socket
// goes away.
package msgconn

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/omochice/ptp-msgconn/internal/transport"
	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

// Conn is the connection for one account.
type Conn struct {
	accountID string
	account   Account
	opts      Options
	clock     clock.Clock
	log       zerolog.Logger
	metrics   *Metrics
	registry  *Registry
	observers *observers
	events    *dispatcher

	mu             sync.Mutex
	state          State
	stateCh        chan struct{}
	sock           transport.Conn
	gen            uint64
	lost           chan struct{}
	pending        map[uint32]chan *protocol.Pdu
	seq            uint32
	autoConnect    bool
	reconnectCount int
	retry          *clock.Timer
}

// New returns a standalone Conn outside any Registry. It takes part in no
// active-connection arbitration.
func New(accountID string, account Account, opts Options) *Conn {
	return newConn(accountID, account, opts.withDefaults(), newObservers(), nil)
}

func newConn(accountID string, account Account, opts Options, obs *observers, reg *Registry) *Conn {
	return &Conn{
		accountID:   accountID,
		account:     account,
		opts:        opts,
		clock:       opts.Clock,
		log:         opts.Logger.With().Str("account_id", accountID).Logger(),
		metrics:     opts.Metrics,
		registry:    reg,
		observers:   obs,
		events:      newDispatcher(accountID, obs),
		state:       NoConnection,
		stateCh:     make(chan struct{}),
		pending:     make(map[uint32]chan *protocol.Pdu),
		autoConnect: !opts.DisableAutoReconnect,
	}
}

// AccountID returns the account this Conn serves.
func (c *Conn) AccountID() string {
	return c.accountID
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AutoConnect reports whether reconnects are scheduled on socket loss.
func (c *Conn) AutoConnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoConnect
}

// SetAutoConnect enables or disables reconnection. Disabling cancels a
// pending retry.
func (c *Conn) SetAutoConnect(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoConnect = enabled
	if !enabled {
		c.cancelRetryLocked()
	}
}

// Subscribe registers obs for this Conn's events. For conns owned by a
// Registry this is the same as Registry.Subscribe.
func (c *Conn) Subscribe(obs Observer) (unsubscribe func()) {
	return c.observers.add(obs)
}

// Events returns a channel subscription with the given buffer size. For
// conns owned by a Registry it carries every account's events.
func (c *Conn) Events(buffer int) *Subscription {
	sub := newSubscription(buffer)
	sub.remove = c.observers.add(sub)
	return sub
}

// Pending returns the number of requests awaiting a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaitForState blocks until the Conn reaches state or ctx is done.
func (c *Conn) WaitForState(ctx context.Context, state State) error {
	for {
		c.mu.Lock()
		if c.state == state {
			c.mu.Unlock()
			return nil
		}
		changed := c.stateCh
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug().Stringer("from", c.state).Stringer("to", s).Msg("state changed")
	c.state = s
	close(c.stateCh)
	c.stateCh = make(chan struct{})
	c.metrics.stateChanged(s)
	c.events.emit(Event{Action: ConnectionStateChanged, Payload: StatePayload{State: s}})
}

// Connect dials the server and runs the handshake. It is a no-op while
// Connecting, Connected or LoggedIn. A dial failure moves the Conn to
// ConnectError and schedules a retry. The returned error is the dial error or
// the handshake result; a missing session is not an error.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.busy() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.registry != nil {
		c.registry.arbitrate(c)
	}

	c.mu.Lock()
	if c.state.busy() {
		c.mu.Unlock()
		return nil
	}
	c.cancelRetryLocked()
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	log := c.log.With().Str("attempt", uuid.NewString()).Logger()
	log.Info().Str("url", c.opts.URL).Msg("connecting")

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	sock, err := c.opts.Dialer.Dial(dialCtx, c.opts.URL)
	cancel()

	c.mu.Lock()
	if c.state != Connecting {
		// closed while dialing
		c.mu.Unlock()
		if err == nil {
			sock.Close()
		}
		return ErrConnectionLost
	}
	if err != nil {
		c.setStateLocked(ConnectError)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		log.Warn().Err(err).Msg("connect failed")
		return &TransportError{Op: "dial", Err: err}
	}
	c.gen++
	gen := c.gen
	c.sock = sock
	c.lost = make(chan struct{})
	c.setStateLocked(Connected)
	c.mu.Unlock()

	log.Info().Str("remote", sock.RemoteAddr()).Msg("connected")
	if c.registry != nil {
		c.registry.setActive(c)
	}
	go c.readLoop(sock, gen)

	return c.handshake(ctx, log)
}

// Close closes the socket and moves to Closed. Like a transport close it
// schedules a reconnect when auto-reconnect is enabled; disable it first for
// a permanent shutdown.
func (c *Conn) Close() error {
	c.mu.Lock()
	var sock transport.Conn
	switch {
	case c.state == Connecting:
	case c.state.Live():
		sock = c.dropSocketLocked()
	default:
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(Closed)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if sock == nil {
		return nil
	}
	if err := sock.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// dropSocketLocked detaches the current socket, wakes waiters and clears the
// pending table. c.mu must be held.
func (c *Conn) dropSocketLocked() transport.Conn {
	sock := c.sock
	c.sock = nil
	c.gen++
	if c.lost != nil {
		close(c.lost)
		c.lost = nil
	}
	if n := len(c.pending); n > 0 {
		c.metrics.pendingDelta(-float64(n))
		c.pending = make(map[uint32]chan *protocol.Pdu)
	}
	return sock
}

func (c *Conn) readLoop(sock transport.Conn, gen uint64) {
	for {
		data, err := sock.Read(context.Background())
		if err != nil {
			c.socketClosed(gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) socketClosed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.sock == nil {
		c.mu.Unlock()
		return
	}
	sock := c.dropSocketLocked()
	c.setStateLocked(Closed)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.log.Info().Err(err).Msg("connection closed")
	sock.Close()
}

// dispatch routes one inbound frame to its waiter or to observers.
func (c *Conn) dispatch(data []byte) {
	if len(data) <= protocol.HeaderLen {
		return
	}
	pdu, err := protocol.DecodePdu(data)
	if err != nil {
		c.log.Warn().Err(err).Int("len", len(data)).Msg("dropping malformed frame")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[pdu.SeqNum]
	if ok {
		delete(c.pending, pdu.SeqNum)
		c.metrics.pendingDelta(-1)
	}
	c.mu.Unlock()

	if ok {
		ch <- pdu
		return
	}

	msg, err := protocol.Unpack(pdu)
	if err != nil {
		c.log.Warn().Err(err).Uint32("seq", pdu.SeqNum).Msg("undecodable push")
		msg = &protocol.Data{Cmd: pdu.CommandID, Body: pdu.Payload}
	}
	c.events.emit(Event{Action: Data, Payload: DataPayload{Pdu: pdu, Message: msg}})
}

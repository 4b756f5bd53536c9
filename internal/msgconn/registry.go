package msgconn

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Registry owns one Conn per account id and tracks the active one. At most
// one account holds a live socket: connecting a Conn force-closes the active
// Conn of a different account and disables its auto-reconnect.
type Registry struct {
	opts      Options
	resolver  AccountResolver
	observers *observers

	mu     sync.Mutex
	conns  map[string]*Conn
	active *Conn
}

// NewRegistry returns an empty Registry. resolver supplies the Account for
// each new Conn.
func NewRegistry(resolver AccountResolver, opts Options) *Registry {
	return &Registry{
		opts:      opts.withDefaults(),
		resolver:  resolver,
		observers: newObservers(),
		conns:     make(map[string]*Conn),
	}
}

// Get returns the Conn for accountID, creating it on first use. Creation
// emits an InitAccount event.
func (r *Registry) Get(ctx context.Context, accountID string) (*Conn, error) {
	r.mu.Lock()
	if c, ok := r.conns[accountID]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	account, err := r.resolver.Account(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account %s: %w", accountID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[accountID]; ok {
		return c, nil
	}
	c := newConn(accountID, account, r.opts, r.observers, r)
	r.conns[accountID] = c
	c.events.emit(Event{Action: InitAccount})
	return c, nil
}

// Active returns the Conn that most recently opened a socket, or nil.
func (r *Registry) Active() *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Conns returns every Conn created so far.
func (r *Registry) Conns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		list = append(list, c)
	}
	return list
}

// Subscribe registers obs for events from every Conn, including ones created
// later.
func (r *Registry) Subscribe(obs Observer) (unsubscribe func()) {
	return r.observers.add(obs)
}

// Events returns a channel subscription with the given buffer size.
func (r *Registry) Events(buffer int) *Subscription {
	sub := newSubscription(buffer)
	sub.remove = r.observers.add(sub)
	return sub
}

// Close disables auto-reconnect on every Conn and closes them.
func (r *Registry) Close() error {
	var err error
	for _, c := range r.Conns() {
		c.SetAutoConnect(false)
		err = multierr.Append(err, c.Close())
	}
	return err
}

func (r *Registry) setActive(c *Conn) {
	r.mu.Lock()
	r.active = c
	r.mu.Unlock()
}

// arbitrate closes the active Conn when it is live and serves a different
// account.
func (r *Registry) arbitrate(c *Conn) {
	prev := r.Active()
	if prev == nil || prev == c || prev.accountID == c.accountID {
		return
	}
	if !prev.State().Live() {
		return
	}
	prev.log.Info().Str("next_account_id", c.accountID).Msg("yielding active connection")
	prev.SetAutoConnect(false)
	if err := prev.Close(); err != nil {
		prev.log.Warn().Err(err).Msg("failed to close connection")
	}
}

package msgconn

import (
	"sync"

	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

// Action identifies an Event kind.
type Action int

const (
	InitAccount Action = iota
	ConnectionStateChanged
	LoginOk
	Data
)

func (a Action) String() string {
	switch a {
	case InitAccount:
		return "init_account"
	case ConnectionStateChanged:
		return "connection_state_changed"
	case LoginOk:
		return "login_ok"
	case Data:
		return "data"
	}
	return "unknown"
}

// Event is one notification. Payload is StatePayload, LoginPayload or
// DataPayload depending on Action; nil for InitAccount.
type Event struct {
	Action    Action
	AccountID string
	Payload   any
}

type StatePayload struct {
	State State
}

type LoginPayload struct {
	Session protocol.Session
	User    protocol.CurrentUser
}

// DataPayload carries an unsolicited frame. Message is the decoded body, a
// *protocol.Data for commands without a typed message.
type DataPayload struct {
	Pdu     *protocol.Pdu
	Message protocol.Message
}

// Observer receives ordered event batches for one account at a time.
// Notify must not call back into the Conn synchronously with blocking
// operations that wait on further events.
type Observer interface {
	Notify(accountID string, events []Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(accountID string, events []Event)

// Notify implements Observer.
func (f ObserverFunc) Notify(accountID string, events []Event) {
	f(accountID, events)
}

// observers is a set shared by a Registry and all of its conns.
type observers struct {
	mu   sync.RWMutex
	next int
	m    map[int]Observer
}

func newObservers() *observers {
	return &observers{m: make(map[int]Observer)}
}

func (o *observers) add(obs Observer) func() {
	o.mu.Lock()
	id := o.next
	o.next++
	o.m[id] = obs
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.m, id)
			o.mu.Unlock()
		})
	}
}

func (o *observers) notify(accountID string, events []Event) {
	o.mu.RLock()
	list := make([]Observer, 0, len(o.m))
	for _, obs := range o.m {
		list = append(list, obs)
	}
	o.mu.RUnlock()

	for _, obs := range list {
		obs.Notify(accountID, events)
	}
}

// dispatcher queues events for one account and drains them from a single
// goroutine, so observers see them in emission order and never run under a
// Conn lock.
type dispatcher struct {
	accountID string
	obs       *observers

	mu      sync.Mutex
	queue   []Event
	running bool
}

func newDispatcher(accountID string, obs *observers) *dispatcher {
	return &dispatcher{accountID: accountID, obs: obs}
}

func (d *dispatcher) emit(events ...Event) {
	for i := range events {
		events[i].AccountID = d.accountID
	}
	d.mu.Lock()
	d.queue = append(d.queue, events...)
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	go d.drain()
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		d.obs.notify(d.accountID, batch)
	}
}

// Subscription streams events over a channel.
type Subscription struct {
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	remove func()
}

func newSubscription(buffer int) *Subscription {
	return &Subscription{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Notify implements Observer. It blocks while the buffer is full until the
// subscription is closed.
func (s *Subscription) Notify(_ string, events []Event) {
	for _, ev := range events {
		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

// Events returns the event stream. It is never closed; stop reading after
// Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.remove != nil {
			s.remove()
		}
	})
}

package msgconn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/omochice/ptp-msgconn/internal/transport"
	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

const (
	serverAddress = "0x00000000000000000000000000000000000000aa"
	waitFor       = 2 * time.Second
	tick          = 5 * time.Millisecond
)

var serverPub = append([]byte{4}, bytes.Repeat([]byte{7}, 64)...)

// fakeSocket is an in-memory transport.Conn. The test plays the server on
// the other end.
type fakeSocket struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(ctx context.Context, data []byte) error {
	select {
	case <-s.closed:
		return errors.New("write on closed socket")
	default:
	}
	s.out <- append([]byte(nil), data...)
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) RemoteAddr() string { return "fake:1" }

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) push(t *testing.T, seq uint32, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(seq, msg)
	require.NoError(t, err)
	s.in <- data
}

// serve answers every client frame with handler's result; nil means no
// answer.
func (s *fakeSocket) serve(handler func(*protocol.Pdu) protocol.Message) {
	for {
		select {
		case data := <-s.out:
			pdu, err := protocol.DecodePdu(data)
			if err != nil {
				continue
			}
			if res := handler(pdu); res != nil {
				out, err := protocol.Encode(pdu.SeqNum, res)
				if err != nil {
					continue
				}
				s.in <- out
			}
		case <-s.closed:
			return
		}
	}
}

var _ transport.Conn = (*fakeSocket)(nil)

// fakeDialer hands out fakeSockets and starts serve on each with handler.
type fakeDialer struct {
	mu      sync.Mutex
	err     error
	handler func(*protocol.Pdu) protocol.Message
	sockets []*fakeSocket
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		d.sockets = append(d.sockets, nil)
		return nil, d.err
	}
	s := newFakeSocket()
	d.sockets = append(d.sockets, s)
	if d.handler != nil {
		go s.serve(d.handler)
	}
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[len(d.sockets)-1]
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// serverHandler answers the handshake the way a well-behaved server does and
// echoes Data frames. step1 may override the step-1 answer.
type serverHandler struct {
	mu       sync.Mutex
	p        []byte
	step1    func(req *protocol.AuthStep1Req) *protocol.AuthStep1Res
	step2Err protocol.ErrCode
	loginErr protocol.ErrCode
	seen     []protocol.CommandID
	silent   map[protocol.CommandID]bool
}

func (h *serverHandler) handle(pdu *protocol.Pdu) protocol.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, pdu.CommandID)
	if h.silent[pdu.CommandID] {
		return nil
	}
	msg, err := protocol.Unpack(pdu)
	if err != nil {
		return nil
	}
	switch req := msg.(type) {
	case *protocol.AuthStep1Req:
		h.p = append([]byte(nil), req.P...)
		if h.step1 != nil {
			return h.step1(req)
		}
		return &protocol.AuthStep1Res{
			Address: serverAddress,
			Q:       bytes.Repeat([]byte{9}, 16),
			Sign:    bytes.Repeat([]byte{1}, 65),
			Ts:      1700000000000,
		}
	case *protocol.AuthStep2Req:
		return &protocol.AuthStep2Res{Err: h.step2Err}
	case *protocol.AuthLoginReq:
		if h.loginErr != protocol.NoError {
			return &protocol.AuthLoginRes{Err: h.loginErr}
		}
		payload, _ := protocol.EncodeLoginPayload(protocol.CurrentUser{UserID: req.UID, Name: "alice"})
		return &protocol.AuthLoginRes{Payload: payload}
	case *protocol.Data:
		return &protocol.Data{Cmd: req.Cmd, Body: req.Body}
	}
	return nil
}

func (h *serverHandler) commands() []protocol.CommandID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.CommandID(nil), h.seen...)
}

func (h *serverHandler) nonce() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.p
}

// mockAccount is a testify mock of Account.
type mockAccount struct {
	mock.Mock
}

func (m *mockAccount) Session() (*protocol.Session, bool) {
	args := m.Called()
	s, _ := args.Get(0).(*protocol.Session)
	return s, args.Bool(1)
}

func (m *mockAccount) SetSession(s protocol.Session) { m.Called(s) }
func (m *mockAccount) SetUID(uid string) { m.Called(uid) }
func (m *mockAccount) SetUserInfo(u protocol.CurrentUser) { m.Called(u) }

func (m *mockAccount) SaveSession(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockAccount) SignMessage(text string) ([]byte, error) {
	args := m.Called(text)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockAccount) InitEcdh(ctx context.Context, serverPub, p, q []byte) error {
	return m.Called(ctx, serverPub, p, q).Error(0)
}

func (m *mockAccount) RecoverAddressAndPubKey(sign []byte, text string) (string, []byte, error) {
	args := m.Called(sign, text)
	b, _ := args.Get(1).([]byte)
	return args.String(0), b, args.Error(2)
}

func (m *mockAccount) AccountAddress(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockAccount) IV() []byte  { return m.Called().Get(0).([]byte) }
func (m *mockAccount) AAD() []byte { return m.Called().Get(0).([]byte) }

// newMockAccount stubs a cooperative account. session may be nil.
func newMockAccount(session *protocol.Session) *mockAccount {
	a := &mockAccount{}
	a.On("Session").Return(session, session != nil).Maybe()
	a.On("RecoverAddressAndPubKey", mock.Anything, mock.Anything).Return(serverAddress, serverPub, nil).Maybe()
	a.On("InitEcdh", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	a.On("IV").Return(bytes.Repeat([]byte{2}, 12)).Maybe()
	a.On("AAD").Return(bytes.Repeat([]byte{3}, 16)).Maybe()
	a.On("SignMessage", mock.Anything).Return(bytes.Repeat([]byte{5}, 65), nil).Maybe()
	a.On("AccountAddress", mock.Anything).Return("0x00000000000000000000000000000000000000cc", nil).Maybe()
	a.On("SetUID", mock.Anything).Maybe()
	a.On("SetUserInfo", mock.Anything).Maybe()
	a.On("SetSession", mock.Anything).Maybe()
	a.On("SaveSession", mock.Anything).Return(nil).Maybe()
	return a
}

func testOptions(d transport.Dialer, clk clock.Clock) Options {
	return Options{
		URL:    "ws://fake/ws",
		Dialer: d,
		Clock:  clk,
		Logger: zerolog.Nop(),
	}
}

// nextEvent returns the next event with the given action.
func nextEvent(t *testing.T, sub *Subscription, action Action) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Action == action {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", action)
		}
	}
}

func (c *Conn) retryPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry != nil
}

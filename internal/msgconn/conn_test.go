package msgconn

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/omochice/ptp-msgconn/internal/keys"
	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

func connectedConn(t *testing.T, h *serverHandler, session *protocol.Session, opts ...func(*Options)) (*Conn, *fakeDialer, *clock.Mock, *mockAccount) {
	t.Helper()
	clk := clock.NewMock()
	d := &fakeDialer{handler: h.handle}
	acct := newMockAccount(session)
	o := testOptions(d, clk)
	for _, fn := range opts {
		fn(&o)
	}
	c := New("acct-1", acct, o)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() {
		c.SetAutoConnect(false)
		c.Close()
	})
	return c, d, clk, acct
}

func TestConnectLogsIn(t *testing.T) {
	h := &serverHandler{}
	clk := clock.NewMock()
	d := &fakeDialer{handler: h.handle}
	session := &protocol.Session{UID: "u1", Token: "tok", Address: "0xcc"}
	acct := newMockAccount(session)
	c := New("acct-1", acct, testOptions(d, clk))
	sub := c.Events(64)
	defer sub.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, LoggedIn, c.State())
	assert.Equal(t, []protocol.CommandID{
		protocol.CommandAuthStep1Req,
		protocol.CommandAuthStep2Req,
		protocol.CommandAuthLoginReq,
	}, h.commands())

	p := h.nonce()
	require.Len(t, p, keys.NonceLen)
	q := bytes.Repeat([]byte{9}, 16)
	acct.AssertCalled(t, "RecoverAddressAndPubKey", bytes.Repeat([]byte{1}, 65), keys.Step1Text(1700000000000, p, q))
	acct.AssertCalled(t, "InitEcdh", mock.Anything, serverPub, p, q)
	acct.AssertCalled(t, "SignMessage", keys.Step2Text(clk.Now().UnixMilli(), bytes.Repeat([]byte{2}, 12), bytes.Repeat([]byte{3}, 16)))
	acct.AssertCalled(t, "SetUID", "u1")
	acct.AssertCalled(t, "SetUserInfo", protocol.CurrentUser{UserID: "u1", Name: "alice"})
	acct.AssertCalled(t, "SetSession", *session)
	acct.AssertCalled(t, "SaveSession", mock.Anything)

	var states []State
	for len(states) < 3 {
		ev := nextEvent(t, sub, ConnectionStateChanged)
		assert.Equal(t, "acct-1", ev.AccountID)
		states = append(states, ev.Payload.(StatePayload).State)
	}
	assert.Equal(t, []State{Connecting, Connected, LoggedIn}, states)

	ev := nextEvent(t, sub, LoginOk)
	assert.Equal(t, "u1", ev.Payload.(LoginPayload).User.UserID)
}

func TestConnectWithoutSessionStaysConnected(t *testing.T) {
	h := &serverHandler{}
	c, _, _, acct := connectedConn(t, h, nil)

	assert.Equal(t, Connected, c.State())
	assert.Equal(t, []protocol.CommandID{protocol.CommandAuthStep1Req, protocol.CommandAuthStep2Req}, h.commands())
	acct.AssertNotCalled(t, "SaveSession", mock.Anything)

	uid, err := c.Login(context.Background(), &protocol.Session{UID: "u2", Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, "u2", uid)
	assert.Equal(t, LoggedIn, c.State())
}

func TestConnectIsNoopWhileConnected(t *testing.T) {
	h := &serverHandler{}
	c, d, _, _ := connectedConn(t, h, nil)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, d.dials())
}

func TestForgedServerSignatureAbortsBeforeKeyAgreement(t *testing.T) {
	h := &serverHandler{}
	d := &fakeDialer{handler: h.handle}
	acct := &mockAccount{}
	acct.On("RecoverAddressAndPubKey", mock.Anything, mock.Anything).
		Return("0x00000000000000000000000000000000000000ee", serverPub, nil)

	c := New("acct-1", acct, testOptions(d, clock.NewMock()))
	defer c.SetAutoConnect(false)

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrServerAuthenticity)
	assert.True(t, IsAuthenticity(err))
	assert.Equal(t, Connected, c.State())
	assert.Equal(t, []protocol.CommandID{protocol.CommandAuthStep1Req}, h.commands())
	acct.AssertNotCalled(t, "InitEcdh", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	acct.AssertNotCalled(t, "SignMessage", mock.Anything)
	assert.False(t, c.retryPending())
}

func TestHandshakeRejection(t *testing.T) {
	session := &protocol.Session{UID: "u1", Token: "stale"}

	t.Run("stays connected by default", func(t *testing.T) {
		h := &serverHandler{loginErr: protocol.ErrSessionInvalid}
		clk := clock.NewMock()
		d := &fakeDialer{handler: h.handle}
		c := New("acct-1", newMockAccount(session), testOptions(d, clk))
		defer c.SetAutoConnect(false)

		err := c.Connect(context.Background())
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, stepLogin, perr.Step)
		assert.Equal(t, protocol.ErrSessionInvalid, perr.Code)
		assert.Equal(t, Connected, c.State())
		assert.False(t, d.last().isClosed())
		assert.False(t, c.retryPending())
	})

	t.Run("retry on reject closes the socket", func(t *testing.T) {
		h := &serverHandler{loginErr: protocol.ErrSessionInvalid}
		clk := clock.NewMock()
		d := &fakeDialer{handler: h.handle}
		o := testOptions(d, clk)
		o.RetryOnReject = true
		c := New("acct-1", newMockAccount(session), o)
		defer c.SetAutoConnect(false)

		require.Error(t, c.Connect(context.Background()))
		assert.Equal(t, Closed, c.State())
		assert.True(t, d.last().isClosed())
		assert.True(t, c.retryPending())
	})

	t.Run("client proof rejection is never retried", func(t *testing.T) {
		h := &serverHandler{step2Err: protocol.ErrAuthFailed}
		clk := clock.NewMock()
		d := &fakeDialer{handler: h.handle}
		o := testOptions(d, clk)
		o.RetryOnReject = true
		c := New("acct-1", newMockAccount(session), o)
		defer c.SetAutoConnect(false)

		err := c.Connect(context.Background())
		require.ErrorIs(t, err, ErrClientAuthenticity)
		assert.Equal(t, Connected, c.State())
		assert.False(t, c.retryPending())
	})
}

func TestSendWhileNotConnected(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{}
	c := New("acct-1", newMockAccount(nil), testOptions(d, clk))

	pdu := protocol.Pack(c.NextSeqNum(), &protocol.Data{Body: []byte("x")})
	_, err := c.SendPdu(context.Background(), pdu, time.Second)
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, c.Send(context.Background(), pdu), ErrNotConnected)
	assert.Equal(t, 0, d.dials())
	assert.Equal(t, 0, c.Pending())
	assert.True(t, c.retryPending())

	// a retry only dials from Closed or ConnectError
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return !c.retryPending() }, waitFor, tick)
	assert.Equal(t, 0, d.dials())
	assert.Equal(t, NoConnection, c.State())
}

func TestSendAfterConnectErrorSchedulesOneRetry(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{err: errors.New("connection refused")}
	c := New("acct-1", newMockAccount(nil), testOptions(d, clk))
	defer c.SetAutoConnect(false)

	err := c.Connect(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ConnectError, c.State())
	assert.Equal(t, 1, d.dials())

	for i := 0; i < 3; i++ {
		_, err := c.Request(context.Background(), &protocol.Data{Body: []byte("x")}, time.Second)
		require.ErrorIs(t, err, ErrNotConnected)
	}
	assert.Equal(t, 1, d.dials())

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return d.dials() == 2 && c.retryPending() }, waitFor, tick)

	// counter is now 1, so the next retry waits two seconds
	clk.Add(time.Second + 999*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, d.dials())
	clk.Add(time.Millisecond)
	require.Eventually(t, func() bool { return d.dials() == 3 }, waitFor, tick)
}

func TestDisableAutoReconnectCancelsRetry(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDialer{err: errors.New("connection refused")}
	c := New("acct-1", newMockAccount(nil), testOptions(d, clk))

	require.Error(t, c.Connect(context.Background()))
	require.True(t, c.retryPending())

	c.SetAutoConnect(false)
	assert.False(t, c.retryPending())

	clk.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())

	_, err := c.SendPdu(context.Background(), protocol.Pack(1, &protocol.Data{}), time.Second)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.retryPending())
}

func TestRequestTimeout(t *testing.T) {
	h := &serverHandler{silent: map[protocol.CommandID]bool{protocol.CommandData: true}}
	c, _, clk, _ := connectedConn(t, h, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendPdu(context.Background(), protocol.Pack(c.NextSeqNum(), &protocol.Data{Body: []byte("x")}), 5*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(h.commands()) == 3 }, waitFor, tick)
	assert.Equal(t, 1, c.Pending())

	clk.Add(4999 * time.Millisecond)
	select {
	case err := <-errCh:
		t.Fatalf("request finished early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	clk.Add(time.Millisecond)
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrTimeout)
		assert.Equal(t, "TIMEOUT", err.Error())
	case <-time.After(waitFor):
		t.Fatal("request did not time out")
	}
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, Connected, c.State())
}

func TestRequestContextCanceled(t *testing.T) {
	h := &serverHandler{silent: map[protocol.CommandID]bool{protocol.CommandData: true}}
	c, _, _, _ := connectedConn(t, h, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, &protocol.Data{Body: []byte("x")}, time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())
}

func TestResponsesResolveEachWaiterOnce(t *testing.T) {
	h := &serverHandler{silent: map[protocol.CommandID]bool{protocol.CommandData: true}}
	c, d, _, _ := connectedConn(t, h, nil)
	sub := c.Events(64)
	defer sub.Close()
	sock := d.last()

	seqs := []uint32{c.NextSeqNum(), c.NextSeqNum(), c.NextSeqNum()}
	type result struct {
		seq  uint32
		body string
		err  error
	}
	results := make(chan result, len(seqs))
	for _, seq := range seqs {
		go func(seq uint32) {
			res, err := c.SendPdu(context.Background(), protocol.Pack(seq, &protocol.Data{Body: []byte("req")}), time.Minute)
			if err != nil {
				results <- result{seq: seq, err: err}
				return
			}
			results <- result{seq: seq, body: string(res.Payload)}
		}(seq)
	}
	require.Eventually(t, func() bool { return c.Pending() == 3 && len(h.commands()) == 5 }, waitFor, tick)

	_, err := c.SendPdu(context.Background(), protocol.Pack(seqs[0], &protocol.Data{}), time.Second)
	require.ErrorIs(t, err, ErrSeqInUse)

	// reversed order, plus a duplicate for the first seq
	for i := len(seqs) - 1; i >= 0; i-- {
		sock.push(t, seqs[i], &protocol.Data{Body: []byte{byte('a' + i)}})
	}
	sock.push(t, seqs[0], &protocol.Data{Body: []byte("dup")})

	got := map[uint32]string{}
	for range seqs {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			got[r.seq] = r.body
		case <-time.After(waitFor):
			t.Fatal("missing response")
		}
	}
	assert.Equal(t, map[uint32]string{seqs[0]: "a", seqs[1]: "b", seqs[2]: "c"}, got)
	assert.Equal(t, 0, c.Pending())

	ev := nextEvent(t, sub, Data)
	payload := ev.Payload.(DataPayload)
	assert.Equal(t, seqs[0], payload.Pdu.SeqNum)
	assert.Equal(t, []byte("dup"), payload.Message.(*protocol.Data).Body)
}

func TestShortFramesAreIgnored(t *testing.T) {
	h := &serverHandler{}
	c, d, _, _ := connectedConn(t, h, nil)
	sub := c.Events(64)
	defer sub.Close()
	sock := d.last()

	header := &protocol.Pdu{SeqNum: 77, Version: protocol.Version, CommandID: protocol.CommandData}
	data, err := header.Encode()
	require.NoError(t, err)
	require.Len(t, data, protocol.HeaderLen)
	sock.in <- data
	sock.in <- []byte{1, 2, 3}
	sock.push(t, 999, &protocol.Data{Body: []byte("push")})

	ev := nextEvent(t, sub, Data)
	assert.Equal(t, uint32(999), ev.Payload.(DataPayload).Pdu.SeqNum)
}

func TestSocketLossFailsWaitersAndReconnects(t *testing.T) {
	h := &serverHandler{silent: map[protocol.CommandID]bool{protocol.CommandData: true}}
	session := &protocol.Session{UID: "u1", Token: "tok"}
	c, d, clk, _ := connectedConn(t, h, session)
	require.Equal(t, LoggedIn, c.State())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), &protocol.Data{Body: []byte("x")}, time.Minute)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, waitFor, tick)

	d.last().Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(waitFor):
		t.Fatal("waiter was not released")
	}
	require.Eventually(t, func() bool { return c.State() == Closed }, waitFor, tick)
	assert.Equal(t, 0, c.Pending())
	require.True(t, c.retryPending())

	clk.Add(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitForState(ctx, LoggedIn))
	assert.Equal(t, 2, d.dials())

	// the counter survives the login, so a flapping server is backed off
	c.mu.Lock()
	assert.Equal(t, 1, c.reconnectCount)
	c.mu.Unlock()

	d.last().Close()
	require.Eventually(t, func() bool { return c.State() == Closed && c.retryPending() }, waitFor, tick)
	clk.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, d.dials())
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return d.dials() == 3 }, waitFor, tick)
}

func TestManualConnectSuppressesPendingRetry(t *testing.T) {
	h := &serverHandler{}
	clk := clock.NewMock()
	d := &fakeDialer{err: errors.New("connection refused"), handler: h.handle}
	c := New("acct-1", newMockAccount(&protocol.Session{UID: "u1", Token: "tok"}), testOptions(d, clk))
	t.Cleanup(func() {
		c.SetAutoConnect(false)
		c.Close()
	})

	require.Error(t, c.Connect(context.Background()))
	require.Equal(t, ConnectError, c.State())
	require.True(t, c.retryPending())

	d.setErr(nil)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, LoggedIn, c.State())
	assert.False(t, c.retryPending())

	clk.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, d.dials())
	assert.Equal(t, LoggedIn, c.State())
}

func TestRetryFiringWhileLiveDoesNotDial(t *testing.T) {
	h := &serverHandler{}
	c, d, clk, _ := connectedConn(t, h, &protocol.Session{UID: "u1", Token: "tok"})
	require.Equal(t, LoggedIn, c.State())

	c.mu.Lock()
	c.scheduleReconnectLocked()
	c.mu.Unlock()
	require.True(t, c.retryPending())

	clk.Add(time.Minute)
	require.Eventually(t, func() bool { return !c.retryPending() }, waitFor, tick)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, LoggedIn, c.State())
}

func TestCloseIsIdempotent(t *testing.T) {
	h := &serverHandler{}
	c, d, _, _ := connectedConn(t, h, nil)
	c.SetAutoConnect(false)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.State())
	assert.True(t, d.last().isClosed())
	assert.False(t, c.retryPending())
}

func TestWaitForState(t *testing.T) {
	clk := clock.NewMock()
	h := &serverHandler{}
	d := &fakeDialer{handler: h.handle}
	c := New("acct-1", newMockAccount(nil), testOptions(d, clk))
	defer c.SetAutoConnect(false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.WaitForState(ctx, Connected), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		done <- c.WaitForState(ctx, Connected)
	}()
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, <-done)
}

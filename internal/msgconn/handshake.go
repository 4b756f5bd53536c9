package msgconn

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/omochice/ptp-msgconn/internal/keys"
	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

const (
	stepAuth1 = "auth_step1"
	stepAuth2 = "auth_step2"
	stepLogin = "login"
)

// handshake authenticates both sides and logs in with the stored session.
// Rejections leave the Conn Connected unless Options.RetryOnReject is set.
// Authenticity failures are never retried.
func (c *Conn) handshake(ctx context.Context, log zerolog.Logger) error {
	err := c.authenticate(ctx)
	if err == nil {
		_, err = c.Login(ctx, nil)
		if errors.Is(err, ErrNoSession) {
			log.Info().Msg("authenticated, no session to resume")
			c.metrics.handshake("no_session")
			return nil
		}
	}
	if err == nil {
		c.metrics.handshake("ok")
		return nil
	}

	var perr *ProtocolError
	switch {
	case IsAuthenticity(err):
		log.Error().Err(err).Msg("handshake aborted")
		c.metrics.handshake("authenticity")
	case errors.As(err, &perr):
		log.Warn().Err(err).Msg("handshake rejected")
		c.metrics.handshake("rejected")
		if c.opts.RetryOnReject {
			c.Close()
		}
	default:
		log.Warn().Err(err).Msg("handshake failed")
		c.metrics.handshake("error")
	}
	return err
}

// authenticate runs step 1 and step 2. InitEcdh only runs once the server
// signature recovers the address the server claims.
func (c *Conn) authenticate(ctx context.Context) error {
	p := make([]byte, keys.NonceLen)
	if _, err := rand.Read(p); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	res1, err := request[*protocol.AuthStep1Res](ctx, c, &protocol.AuthStep1Req{P: p})
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", stepAuth1, err)
	}
	if res1.Err != protocol.NoError {
		return &ProtocolError{Step: stepAuth1, Code: res1.Err}
	}

	address, pub, err := c.account.RecoverAddressAndPubKey(res1.Sign, keys.Step1Text(res1.Ts, p, res1.Q))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerAuthenticity, err)
	}
	if address != res1.Address {
		return fmt.Errorf("%w: recovered %s, claimed %s", ErrServerAuthenticity, address, res1.Address)
	}
	if err := c.account.InitEcdh(ctx, pub, p, res1.Q); err != nil {
		return fmt.Errorf("failed to init ecdh: %w", err)
	}

	ts := c.clock.Now().UnixMilli()
	sign, err := c.account.SignMessage(keys.Step2Text(ts, c.account.IV(), c.account.AAD()))
	if err != nil {
		return fmt.Errorf("failed to sign %s: %w", stepAuth2, err)
	}
	own, err := c.account.AccountAddress(ctx)
	if err != nil {
		return fmt.Errorf("failed to get account address: %w", err)
	}

	res2, err := request[*protocol.AuthStep2Res](ctx, c, &protocol.AuthStep2Req{Sign: sign, Ts: ts, Address: own})
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", stepAuth2, err)
	}
	if res2.Err != protocol.NoError {
		return &ProtocolError{Step: stepAuth2, Code: res2.Err}
	}
	return nil
}

// Login resumes session, or the Account's stored session when nil. On
// success the Account is updated and persisted, the Conn moves to LoggedIn
// and a LoginOk event is emitted. It returns the logged-in uid.
func (c *Conn) Login(ctx context.Context, session *protocol.Session) (string, error) {
	if session == nil {
		stored, ok := c.account.Session()
		if !ok {
			return "", ErrNoSession
		}
		session = stored
	}

	res, err := request[*protocol.AuthLoginRes](ctx, c, &protocol.AuthLoginReq{Session: *session})
	if err != nil {
		return "", fmt.Errorf("failed to run %s: %w", stepLogin, err)
	}
	if res.Err != protocol.NoError {
		return "", &ProtocolError{Step: stepLogin, Code: res.Err}
	}
	user, err := protocol.DecodeLoginPayload(res.Payload)
	if err != nil {
		return "", err
	}

	c.account.SetUID(session.UID)
	c.account.SetUserInfo(user)
	c.account.SetSession(*session)
	if err := c.account.SaveSession(ctx); err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}

	c.mu.Lock()
	if c.state == Connected {
		c.setStateLocked(LoggedIn)
		c.events.emit(Event{Action: LoginOk, Payload: LoginPayload{Session: *session, User: user}})
	}
	c.mu.Unlock()

	c.log.Info().Str("uid", session.UID).Msg("logged in")
	return session.UID, nil
}

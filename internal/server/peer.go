package server

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/ptp-msgconn/internal/keys"
	"github.com/omochice/ptp-msgconn/internal/transport"
	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

// ErrNotAuthenticated is returned by Peer.Seal and Peer.Open before step 2.
var ErrNotAuthenticated = errors.New("server: peer not authenticated")

// Peer is one client connection and its handshake progress.
type Peer struct {
	conn transport.Conn
	log  zerolog.Logger

	mu      sync.RWMutex
	p, q    []byte
	address string
	uid     string
	cipher  *keys.Cipher
}

// Address is the client address proven in step 2, empty before.
func (p *Peer) Address() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.address
}

// UID is the logged-in user id, empty before login.
func (p *Peer) UID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.uid
}

// Seal encrypts with the session key negotiated with this peer.
func (p *Peer) Seal(plain []byte) ([]byte, error) {
	p.mu.RLock()
	c := p.cipher
	p.mu.RUnlock()
	if c == nil {
		return nil, ErrNotAuthenticated
	}
	return c.Seal(plain), nil
}

// Open decrypts a message sealed by the client.
func (p *Peer) Open(sealed []byte) ([]byte, error) {
	p.mu.RLock()
	c := p.cipher
	p.mu.RUnlock()
	if c == nil {
		return nil, ErrNotAuthenticated
	}
	return c.Open(sealed)
}

func (p *Peer) write(ctx context.Context, pdu *protocol.Pdu) error {
	data, err := pdu.Encode()
	if err != nil {
		return err
	}
	return p.conn.Write(ctx, data)
}

func (s *Server) authStep1(p *Peer, req *protocol.AuthStep1Req) protocol.Message {
	if len(req.P) != keys.NonceLen {
		return &protocol.AuthStep1Res{Err: protocol.ErrBadRequest}
	}
	q := make([]byte, keys.NonceLen)
	if _, err := rand.Read(q); err != nil {
		p.log.Error().Err(err).Msg("failed to generate nonce")
		return &protocol.AuthStep1Res{Err: protocol.ErrSystem}
	}
	ts := s.now().UnixMilli()

	p.mu.Lock()
	p.p = append([]byte(nil), req.P...)
	p.q = q
	p.mu.Unlock()

	return &protocol.AuthStep1Res{
		Address: s.key.Address(),
		Q:       q,
		Sign:    s.key.SignText(keys.Step1Text(ts, req.P, q)),
		Ts:      ts,
	}
}

func (s *Server) authStep2(p *Peer, req *protocol.AuthStep2Req) protocol.Message {
	p.mu.RLock()
	nonceP, nonceQ := p.p, p.q
	p.mu.RUnlock()
	if nonceP == nil {
		return &protocol.AuthStep2Res{Err: protocol.ErrBadRequest}
	}

	skew := s.now().Sub(time.UnixMilli(req.Ts))
	if skew < -s.maxSkew || skew > s.maxSkew {
		p.log.Warn().Dur("skew", skew).Msg("step 2 timestamp out of range")
		return &protocol.AuthStep2Res{Err: protocol.ErrAuthFailed}
	}

	iv, aad, err := keys.NonceMaterial(nonceP, nonceQ)
	if err != nil {
		return &protocol.AuthStep2Res{Err: protocol.ErrSystem}
	}
	address, pub, err := keys.RecoverText(req.Sign, keys.Step2Text(req.Ts, iv, aad))
	if err != nil || address != req.Address {
		p.log.Warn().Str("claimed", req.Address).Str("recovered", address).Msg("client proof rejected")
		return &protocol.AuthStep2Res{Err: protocol.ErrAuthFailed}
	}

	secret, err := s.key.SharedSecret(pub)
	if err != nil {
		return &protocol.AuthStep2Res{Err: protocol.ErrAuthFailed}
	}
	sessionKey, err := keys.SessionKey(secret, nonceP, nonceQ)
	if err != nil {
		return &protocol.AuthStep2Res{Err: protocol.ErrSystem}
	}
	c, err := keys.NewCipher(sessionKey, iv, aad, keys.RoleServer)
	if err != nil {
		return &protocol.AuthStep2Res{Err: protocol.ErrSystem}
	}

	p.mu.Lock()
	p.address = address
	p.cipher = c
	p.mu.Unlock()

	p.log.Info().Str("address", address).Msg("client authenticated")
	return &protocol.AuthStep2Res{}
}

func (s *Server) login(ctx context.Context, p *Peer, req *protocol.AuthLoginReq) protocol.Message {
	address := p.Address()
	if address == "" {
		return &protocol.AuthLoginRes{Err: protocol.ErrAuthFailed}
	}
	user, err := s.auth.Authenticate(ctx, address, req.Session)
	if err != nil {
		p.log.Info().Err(err).Str("uid", req.UID).Msg("login rejected")
		return &protocol.AuthLoginRes{Err: protocol.ErrSessionInvalid}
	}
	payload, err := protocol.EncodeLoginPayload(user)
	if err != nil {
		return &protocol.AuthLoginRes{Err: protocol.ErrSystem}
	}

	p.mu.Lock()
	p.uid = req.UID
	p.mu.Unlock()

	p.log.Info().Str("uid", req.UID).Msg("login ok")
	return &protocol.AuthLoginRes{Payload: payload}
}

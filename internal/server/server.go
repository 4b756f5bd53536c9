// Package server is a ptp message server: it answers the three-step
// handshake, validates logins through an Authenticator, serves Data requests
// and pushes unsolicited frames to logged-in peers.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/ptp-msgconn/internal/keys"
	"github.com/omochice/ptp-msgconn/internal/transport"
	"github.com/omochice/ptp-msgconn/internal/transport/ws"
	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

// pushSeq is never handed out by clients, so pushes are always unsolicited.
const pushSeq = 0

// DefaultMaxSkew bounds the step-2 timestamp against the server clock.
const DefaultMaxSkew = 5 * time.Minute

// ErrPeerNotFound is returned by Push when no peer is logged in as uid.
var ErrPeerNotFound = errors.New("server: peer not found")

// DataHandler answers a Data request from an authenticated peer. A nil
// result sends no response.
type DataHandler func(ctx context.Context, p *Peer, req *protocol.Data) (*protocol.Data, error)

// Echo answers every Data request with its own body.
func Echo(_ context.Context, _ *Peer, req *protocol.Data) (*protocol.Data, error) {
	return &protocol.Data{Cmd: req.Cmd, Body: req.Body}, nil
}

// Config configures a Server.
type Config struct {
	Listen        string
	Path          string
	Key           *keys.KeyPair
	Authenticator Authenticator
	Handler       DataHandler
	MaxSkew       time.Duration
	Logger        zerolog.Logger
}

// Server is a ptp message server.
type Server struct {
	key     *keys.KeyPair
	auth    Authenticator
	handler DataHandler
	maxSkew time.Duration
	log     zerolog.Logger
	now     func() time.Time
	ws      *ws.Server

	mu    sync.RWMutex
	peers map[*Peer]struct{}
}

// New creates a Server. Key and Authenticator are required.
func New(cfg Config) *Server {
	s := &Server{
		key:     cfg.Key,
		auth:    cfg.Authenticator,
		handler: cfg.Handler,
		maxSkew: cfg.MaxSkew,
		log:     cfg.Logger,
		now:     time.Now,
		peers:   make(map[*Peer]struct{}),
	}
	if s.handler == nil {
		s.handler = Echo
	}
	if s.maxSkew <= 0 {
		s.maxSkew = DefaultMaxSkew
	}
	s.ws = ws.New(cfg.Listen, cfg.Path, s.serveConn, cfg.Logger)
	return s
}

// Start listens and serves until Stop.
func (s *Server) Start() error {
	s.log.Info().Str("address", s.key.Address()).Msg("ptp server identity")
	return s.ws.Start()
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ws.Ready()
}

// Stop closes every peer and stops listening.
func (s *Server) Stop() {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		p.conn.Close()
	}
	s.ws.Stop()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.ws.Addr()
}

// Address returns the server identity address.
func (s *Server) Address() string {
	return s.key.Address()
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Push sends msg unsolicited to every peer logged in as uid.
func (s *Server) Push(ctx context.Context, uid string, msg protocol.Message) error {
	pdu := protocol.Pack(pushSeq, msg)

	s.mu.RLock()
	var targets []*Peer
	for p := range s.peers {
		if p.UID() == uid {
			targets = append(targets, p)
		}
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, uid)
	}
	for _, p := range targets {
		if err := p.write(ctx, pdu); err != nil {
			return fmt.Errorf("failed to push to %s: %w", uid, err)
		}
	}
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn transport.Conn) {
	p := &Peer{
		conn: conn,
		log:  s.log.With().Str("remote", conn.RemoteAddr()).Logger(),
	}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()

	p.log.Debug().Msg("peer connected")
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			p.log.Debug().Err(err).Msg("peer disconnected")
			return
		}
		req, err := protocol.DecodePdu(data)
		if err != nil {
			p.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		res := s.dispatch(ctx, p, req)
		if res == nil {
			continue
		}
		if err := p.write(ctx, res); err != nil {
			p.log.Warn().Err(err).Msg("failed to write response")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, p *Peer, req *protocol.Pdu) *protocol.Pdu {
	msg, err := protocol.Unpack(req)
	if err != nil {
		p.log.Warn().Err(err).Uint32("seq", req.SeqNum).Msg("undecodable request")
		return nil
	}

	var res protocol.Message
	switch m := msg.(type) {
	case *protocol.AuthStep1Req:
		res = s.authStep1(p, m)
	case *protocol.AuthStep2Req:
		res = s.authStep2(p, m)
	case *protocol.AuthLoginReq:
		res = s.login(ctx, p, m)
	case *protocol.Data:
		return s.data(ctx, p, req.SeqNum, m)
	default:
		p.log.Debug().Stringer("command", req.CommandID).Msg("ignoring command")
		return nil
	}
	return protocol.Pack(req.SeqNum, res)
}

// data serves a Data request. Errors are reported in the envelope with the
// command name as payload so the frame stays above the header size.
func (s *Server) data(ctx context.Context, p *Peer, seq uint32, req *protocol.Data) *protocol.Pdu {
	fail := func(code protocol.ErrCode) *protocol.Pdu {
		pdu := protocol.Pack(seq, &protocol.Data{Cmd: req.Cmd, Body: []byte(code.String())})
		pdu.ErrCode = code
		return pdu
	}
	if p.Address() == "" {
		return fail(protocol.ErrAuthFailed)
	}
	res, err := s.handler(ctx, p, req)
	if err != nil {
		p.log.Warn().Err(err).Msg("data handler failed")
		return fail(protocol.ErrSystem)
	}
	if res == nil {
		return nil
	}
	return protocol.Pack(seq, res)
}

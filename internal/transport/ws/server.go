package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/omochice/ptp-msgconn/internal/transport"
)

// Handler serves one accepted connection. The connection is closed when the
// handler returns.
type Handler func(ctx context.Context, conn transport.Conn)

// Server accepts WebSocket connections and delegates each to a Handler.
type Server struct {
	address  string
	path     string
	listener net.Listener
	handler  Handler
	server   *http.Server
	log      zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	ready    chan struct{}
	wg       sync.WaitGroup
}

// New creates a WebSocket server that serves handler on path.
func New(address, path string, handler Handler, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if path == "" {
		path = "/"
	}
	return &Server{
		address: address,
		path:    path,
		handler: handler,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
	}
}

// Start starts accepting WebSocket connections. It blocks until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)

	s.server = &http.Server{Handler: mux}
	close(s.ready)

	s.log.Info().Str("addr", listener.Addr().String()).Str("path", s.path).Msg("websocket server started")

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop stops the WebSocket server and waits for handlers to return.
func (s *Server) Stop() {
	s.cancel()
	if s.server != nil {
		s.server.Shutdown(context.Background())
	}
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to accept websocket connection")
		return
	}

	conn := NewConnWithAddr(wsConn, r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		s.handler(s.ctx, conn)
	}()
}

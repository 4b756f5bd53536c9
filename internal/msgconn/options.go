package msgconn

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/omochice/ptp-msgconn/internal/transport"
)

const (
	DefaultRequestTimeout     = 10 * time.Second
	DefaultConnectTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay = time.Second
)

// Options configures every Conn created by a Registry.
type Options struct {
	// URL is the websocket endpoint.
	URL string
	// Dialer opens sockets. Required.
	Dialer transport.Dialer

	// RequestTimeout bounds each handshake round trip and Request calls
	// that pass a zero timeout.
	RequestTimeout time.Duration
	// ConnectTimeout bounds a single dial.
	ConnectTimeout time.Duration
	// ReconnectBaseDelay is multiplied by the attempt counter.
	ReconnectBaseDelay time.Duration
	// DisableAutoReconnect starts new conns with auto-reconnect off.
	DisableAutoReconnect bool
	// RetryOnReject closes the socket after a non-authenticity handshake
	// rejection so the close path schedules a retry.
	RetryOnReject bool

	Clock   clock.Clock
	Logger  zerolog.Logger
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

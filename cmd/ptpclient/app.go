package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"github.com/omochice/ptp-msgconn/internal/account"
	"github.com/omochice/ptp-msgconn/internal/config"
	"github.com/omochice/ptp-msgconn/internal/keys"
	"github.com/omochice/ptp-msgconn/internal/logging"
	"github.com/omochice/ptp-msgconn/internal/msgconn"
	"github.com/omochice/ptp-msgconn/internal/observability"
	"github.com/omochice/ptp-msgconn/internal/transport"
	"github.com/omochice/ptp-msgconn/internal/transport/gobwas"
	"github.com/omochice/ptp-msgconn/internal/transport/gorilla"
	"github.com/omochice/ptp-msgconn/internal/transport/ws"
)

// deps is what the console needs out of the fx graph.
type deps struct {
	Log      zerolog.Logger
	Metrics  *prometheus.Registry
	Accounts *account.Manager
	Conns    *msgconn.Registry
}

func newApp(cfg *config.Config, logOut io.Writer, d *deps) *fx.App {
	return fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Provide(
			func(cfg *config.Config) zerolog.Logger {
				return logging.New("ptpclient", logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, logOut)
			},
			observability.NewRegistry,
			newMetrics,
			newSessionStore,
			newAccountManager,
			newDialer,
			newConnRegistry,
		),
		fx.Populate(&d.Log, &d.Metrics, &d.Accounts, &d.Conns),
	)
}

func newMetrics(reg *prometheus.Registry) (*msgconn.Metrics, error) {
	return msgconn.NewMetrics(reg)
}

func newSessionStore(cfg *config.Config) (account.SessionStore, error) {
	return account.NewFileStore(cfg.SessionDir)
}

func newAccountManager(cfg *config.Config, store account.SessionStore, log zerolog.Logger) (*account.Manager, error) {
	key, err := loadKey(cfg.AccountKey, log)
	if err != nil {
		return nil, err
	}
	m := account.NewManager(store, log)
	m.Add(cfg.AccountID, key)
	return m, nil
}

// loadKey parses the configured key or generates a throwaway identity.
func loadKey(raw string, log zerolog.Logger) (*keys.KeyPair, error) {
	if raw != "" {
		key, err := keys.KeyPairFromHex(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", config.KeyAccountKey, err)
		}
		return key, nil
	}
	key, err := keys.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	log.Warn().Str("address", key.Address()).Msgf("%s not set, using an ephemeral key", config.KeyAccountKey)
	return key, nil
}

func newDialer(cfg *config.Config) (transport.Dialer, error) {
	drivers := transport.Registry{
		transport.DriverGorilla: gorilla.NewDialer(cfg.ConnectTimeout),
		transport.DriverGobwas:  gobwas.NewDialer(cfg.ConnectTimeout),
		transport.DriverNhooyr:  ws.NewDialer(),
	}
	return drivers.Dialer(cfg.Driver)
}

func newConnRegistry(
	lc fx.Lifecycle,
	cfg *config.Config,
	accounts *account.Manager,
	dialer transport.Dialer,
	metrics *msgconn.Metrics,
	log zerolog.Logger,
) *msgconn.Registry {
	reg := msgconn.NewRegistry(accounts, msgconn.Options{
		URL:                  cfg.ServerURL,
		Dialer:               dialer,
		RequestTimeout:       cfg.RequestTimeout,
		ConnectTimeout:       cfg.ConnectTimeout,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		DisableAutoReconnect: !cfg.ReconnectEnabled,
		RetryOnReject:        cfg.RetryOnReject,
		Logger:               log,
		Metrics:              metrics,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return reg.Close()
		},
	})
	return reg
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/ptp-msgconn/internal/config"
	"github.com/omochice/ptp-msgconn/internal/keys"
	"github.com/omochice/ptp-msgconn/internal/logging"
	"github.com/omochice/ptp-msgconn/internal/observability"
	"github.com/omochice/ptp-msgconn/internal/server"
	"github.com/omochice/ptp-msgconn/pkg/protocol"
)

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	v := viper.New()
	var file string

	rootCmd := &cobra.Command{
		Use:          "ptpserver",
		Short:        "Reference ptp message server",
		Long:         "ptpserver answers the ptp handshake, accepts logins for configured tokens and echoes data requests.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, file)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logOut, nil)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&file, "config", "c", "", "config file (default ./ptp.toml or ~/.ptp/ptp.toml)")
	flags.String("listen", "", "address to listen on (e.g., :8080)")
	flags.String("path", "", "websocket path")
	flags.StringSlice("token", nil, "login grant as token:uid, repeatable")
	flags.String("log-level", "", "log level")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	for key, flag := range map[string]string{
		config.KeyServerListen: "listen",
		config.KeyServerPath:   "path",
		config.KeyServerTokens: "token",
		config.KeyLogLevel:     "log-level",
		config.KeyMetricsAddr:  "metrics-addr",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	return rootCmd
}

// run serves until ctx is done. started, if non-nil, receives the server once
// it is listening.
func run(ctx context.Context, cfg *config.Config, logOut io.Writer, started chan<- *server.Server) error {
	log := logging.New("ptpserver", logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, logOut)

	key, err := serverKey(cfg.ServerKey, log)
	if err != nil {
		return err
	}
	tokens, err := cfg.Tokens()
	if err != nil {
		return err
	}
	auth := server.NewTokenAuthenticator()
	for token, uid := range tokens {
		auth.Grant(token, uid, protocol.CurrentUser{UserID: uid})
	}

	srv := server.New(server.Config{
		Listen:        cfg.ServerListen,
		Path:          cfg.ServerPath,
		Key:           key,
		Authenticator: auth,
		Handler:       server.Echo,
		Logger:        log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("listen", cfg.ServerListen).Str("address", srv.Address()).Int("grants", len(tokens)).Msg("starting server")
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		srv.Stop()
		return nil
	})
	if cfg.MetricsAddr != "" {
		reg := observability.NewRegistry()
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ptp",
			Subsystem: "server",
			Name:      "peers",
			Help:      "Connected peers.",
		}, func() float64 { return float64(srv.PeerCount()) }))
		g.Go(func() error {
			return observability.Serve(gctx, cfg.MetricsAddr, observability.NewRouter(reg), log)
		})
	}
	if started != nil {
		go func() {
			select {
			case <-srv.Ready():
				started <- srv
			case <-gctx.Done():
			}
		}()
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func serverKey(raw string, log zerolog.Logger) (*keys.KeyPair, error) {
	if raw != "" {
		key, err := keys.KeyPairFromHex(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", config.KeyServerKey, err)
		}
		return key, nil
	}
	key, err := keys.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	log.Warn().Str("address", key.Address()).Msgf("%s not set, using an ephemeral key", config.KeyServerKey)
	return key, nil
}

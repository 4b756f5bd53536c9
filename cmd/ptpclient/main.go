package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/ptp-msgconn/internal/config"
	"github.com/omochice/ptp-msgconn/internal/observability"
)

const stopTimeout = 5 * time.Second

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out, logOut io.Writer) *cobra.Command {
	v := viper.New()
	var file string

	rootCmd := &cobra.Command{
		Use:          "ptpclient",
		Short:        "Interactive client for a ptp message server",
		Long:         "ptpclient authenticates an account against a ptp server, keeps the connection alive and sends each input line as a data request.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, file)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, in, out, logOut)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&file, "config", "c", "", "config file (default ./ptp.toml or ~/.ptp/ptp.toml)")
	flags.String("server", "", "server URL (e.g., ws://localhost:8080/ws)")
	flags.String("driver", "", "websocket driver: gorilla, gobwas or nhooyr")
	flags.String("account", "", "account id")
	flags.String("log-level", "", "log level")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	for key, flag := range map[string]string{
		config.KeyServerURL:       "server",
		config.KeyTransportDriver: "driver",
		config.KeyAccountID:       "account",
		config.KeyLogLevel:        "log-level",
		config.KeyMetricsAddr:     "metrics-addr",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	return rootCmd
}

func run(ctx context.Context, cfg *config.Config, in io.Reader, out, logOut io.Writer) error {
	var d deps
	app := newApp(cfg, logOut, &d)
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			d.Log.Warn().Err(err).Msg("shutdown")
		}
	}()

	sub := d.Conns.Events(64)
	defer sub.Close()

	acct, err := d.Accounts.Get(ctx, cfg.AccountID)
	if err != nil {
		return err
	}
	conn, err := d.Conns.Get(ctx, cfg.AccountID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return observability.Serve(gctx, cfg.MetricsAddr, observability.NewRouter(d.Metrics), d.Log)
		})
	}
	g.Go(func() error {
		printEvents(gctx, sub, out)
		return nil
	})
	g.Go(func() error {
		if err := conn.Connect(gctx); err != nil {
			d.Log.Warn().Err(err).Str("url", cfg.ServerURL).Msg("initial connect failed")
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		c := &console{conn: conn, acct: acct, out: out}
		return c.run(gctx, in)
	})

	err = g.Wait()
	d.Log.Info().Msg("disconnected from server")
	return err
}

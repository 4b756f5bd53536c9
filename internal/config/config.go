// Package config loads ptp settings from defaults, an optional ptp.toml and
// PTP_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/omochice/ptp-msgconn/internal/transport"
)

const (
	configName = "ptp"
	configType = "toml"
	envPrefix  = "PTP"

	KeyServerURL          = "server.url"
	KeyServerListen       = "server.listen"
	KeyServerPath         = "server.path"
	KeyServerKey          = "server.key"
	KeyServerTokens       = "server.tokens"
	KeyTransportDriver    = "transport.driver"
	KeyConnectTimeout     = "transport.connect_timeout"
	KeyRequestTimeout     = "request.timeout"
	KeyReconnectBaseDelay = "reconnect.base_delay"
	KeyReconnectEnabled   = "reconnect.enabled"
	KeyRetryOnReject      = "handshake.retry_on_reject"
	KeySessionDir         = "session.dir"
	KeyAccountID          = "account.id"
	KeyAccountKey         = "account.key"
	KeyLogLevel           = "log.level"
	KeyLogFormat          = "log.format"
	KeyMetricsAddr        = "metrics.addr"
)

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("config: invalid")

// Config is the resolved configuration shared by both binaries.
type Config struct {
	ServerURL    string
	ServerListen string
	ServerPath   string
	ServerKey    string
	// ServerTokens are "token:uid" grants for the reference server.
	ServerTokens []string

	Driver             string
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectEnabled   bool
	RetryOnReject      bool

	SessionDir string
	AccountID  string
	AccountKey string

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyServerURL, "ws://127.0.0.1:8080/ws")
	v.SetDefault(KeyServerListen, ":8080")
	v.SetDefault(KeyServerPath, "/ws")
	v.SetDefault(KeyTransportDriver, transport.DriverGorilla)
	v.SetDefault(KeyConnectTimeout, 10*time.Second)
	v.SetDefault(KeyRequestTimeout, 10*time.Second)
	v.SetDefault(KeyReconnectBaseDelay, time.Second)
	v.SetDefault(KeyReconnectEnabled, true)
	v.SetDefault(KeyRetryOnReject, false)
	v.SetDefault(KeySessionDir, defaultSessionDir())
	v.SetDefault(KeyAccountID, "default")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
}

func defaultSessionDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ptp/sessions"
	}
	return filepath.Join(home, ".ptp", "sessions")
}

// Load resolves configuration into v. An explicit file must exist; without
// one, ptp.toml is looked up in the working directory and ~/.ptp.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".ptp"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		ServerURL:          v.GetString(KeyServerURL),
		ServerListen:       v.GetString(KeyServerListen),
		ServerPath:         v.GetString(KeyServerPath),
		ServerKey:          v.GetString(KeyServerKey),
		ServerTokens:       v.GetStringSlice(KeyServerTokens),
		Driver:             strings.ToLower(v.GetString(KeyTransportDriver)),
		ConnectTimeout:     v.GetDuration(KeyConnectTimeout),
		RequestTimeout:     v.GetDuration(KeyRequestTimeout),
		ReconnectBaseDelay: v.GetDuration(KeyReconnectBaseDelay),
		ReconnectEnabled:   v.GetBool(KeyReconnectEnabled),
		RetryOnReject:      v.GetBool(KeyRetryOnReject),
		SessionDir:         v.GetString(KeySessionDir),
		AccountID:          v.GetString(KeyAccountID),
		AccountKey:         v.GetString(KeyAccountKey),
		LogLevel:           v.GetString(KeyLogLevel),
		LogFormat:          v.GetString(KeyLogFormat),
		MetricsAddr:        v.GetString(KeyMetricsAddr),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Driver {
	case transport.DriverGorilla, transport.DriverGobwas, transport.DriverNhooyr:
	default:
		return fmt.Errorf("%w: %s %q", ErrInvalid, KeyTransportDriver, c.Driver)
	}
	if c.ServerURL == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalid, KeyServerURL)
	}
	if c.AccountID == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalid, KeyAccountID)
	}
	for name, d := range map[string]time.Duration{
		KeyConnectTimeout:     c.ConnectTimeout,
		KeyRequestTimeout:     c.RequestTimeout,
		KeyReconnectBaseDelay: c.ReconnectBaseDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	return nil
}

// Tokens parses ServerTokens into token → uid.
func (c *Config) Tokens() (map[string]string, error) {
	out := make(map[string]string, len(c.ServerTokens))
	for _, grant := range c.ServerTokens {
		token, uid, ok := strings.Cut(grant, ":")
		if !ok || token == "" || uid == "" {
			return nil, fmt.Errorf("%w: %s entry %q, want token:uid", ErrInvalid, KeyServerTokens, grant)
		}
		out[token] = uid
	}
	return out, nil
}

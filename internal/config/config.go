// Package config loads application settings from an optional YAML file,
// KEPHAS_* environment variables and command-line flags.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasstream/internal/client"
	"github.com/luciancaetano/kephasstream/internal/engine"
	"github.com/luciancaetano/kephasstream/internal/logging"
	"github.com/luciancaetano/kephasstream/internal/server"
)

const (
	ModeServer = "server"
	ModeClient = "client"

	envPrefix = "KEPHAS"
)

type Config struct {
	Mode               string          `mapstructure:"mode"`
	Addr               string          `mapstructure:"addr"`
	Transport          string          `mapstructure:"transport"`
	WSPath             string          `mapstructure:"ws_path"`
	LogLevel           string          `mapstructure:"log_level"`
	LogPretty          bool            `mapstructure:"log_pretty"`
	Heartbeat          HeartbeatConfig `mapstructure:"heartbeat"`
	RateLimit          RateLimitConfig `mapstructure:"rate_limit"`
	CloseLinger        time.Duration   `mapstructure:"close_linger"`
	KeepAliveWhenEmpty bool            `mapstructure:"keep_alive_when_empty"`
}

type HeartbeatConfig struct {
	Idle    time.Duration `mapstructure:"idle"`
	Timeout time.Duration `mapstructure:"timeout"`
	Tick    time.Duration `mapstructure:"tick"`
}

// RateLimitConfig limits inbound messages on server connections.
type RateLimitConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
	Enabled           bool    `mapstructure:"enabled"`
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"mode":                  "mode",
	"addr":                  "addr",
	"transport":             "transport",
	"ws-path":               "ws_path",
	"log-level":             "log_level",
	"log-pretty":            "log_pretty",
	"heartbeat-idle":        "heartbeat.idle",
	"heartbeat-timeout":     "heartbeat.timeout",
	"keep-alive-when-empty": "keep_alive_when_empty",
}

// RegisterFlags defines the flags Load knows how to bind.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("mode", ModeServer, "server or client")
	fs.String("addr", ":9000", "listen address (server) or server address (client)")
	fs.String("transport", server.TransportTCP, "tcp or websocket")
	fs.String("ws-path", "/ws", "WebSocket upgrade path")
	fs.String("log-level", "info", "trace, debug, info, warn or error")
	fs.Bool("log-pretty", false, "human-friendly log output")
	fs.Duration("heartbeat-idle", 5*time.Second, "silence before a PING is sent")
	fs.Duration("heartbeat-timeout", 15*time.Second, "silence before the connection is closed")
	fs.Bool("keep-alive-when-empty", true, "keep accepting after the last client leaves")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeServer)
	v.SetDefault("addr", ":9000")
	v.SetDefault("transport", server.TransportTCP)
	v.SetDefault("ws_path", "/ws")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("heartbeat.idle", "5s")
	v.SetDefault("heartbeat.timeout", "15s")
	v.SetDefault("heartbeat.tick", "500ms")
	v.SetDefault("rate_limit.messages_per_second", 100)
	v.SetDefault("rate_limit.burst", 200)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("close_linger", "1s")
	v.SetDefault("keep_alive_when_empty", true)
}

// Load builds the configuration. With an empty path, kephas.yaml is looked
// up in the working directory and ./config, and its absence is not an error.
// flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	logger := logging.For("config")

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kephas")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
		logger.Debug().Msg("no config file found, using defaults")
	} else {
		logger.Debug().Str("file", v.ConfigFileUsed()).Msg("loaded config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "bind flag %s", name)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeServer, ModeClient:
	default:
		return errors.Errorf("mode %q: want %s or %s", c.Mode, ModeServer, ModeClient)
	}
	switch c.Transport {
	case server.TransportTCP, server.TransportWebsocket:
	default:
		return errors.Errorf("transport %q: want %s or %s", c.Transport, server.TransportTCP, server.TransportWebsocket)
	}
	if c.Addr == "" {
		return errors.New("addr is empty")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}

	hb := c.Heartbeat
	if hb.Idle <= 0 || hb.Tick <= 0 {
		return errors.New("heartbeat idle and tick must be positive")
	}
	if hb.Timeout <= hb.Idle {
		return errors.Errorf("heartbeat timeout %s must exceed idle %s", hb.Timeout, hb.Idle)
	}
	if c.RateLimit.Enabled && (c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.Burst < 1) {
		return errors.New("rate_limit needs a positive rate and a burst of at least 1")
	}
	if c.CloseLinger < 0 {
		return errors.New("close_linger is negative")
	}
	return nil
}

// EngineConfig converts the connection settings. The rate limit is left to
// the caller since only servers apply it.
func (c *Config) EngineConfig() *engine.Config {
	ec := engine.DefaultConfig()
	ec.Heartbeat = engine.HeartbeatConfig{
		Idle:    c.Heartbeat.Idle,
		Timeout: c.Heartbeat.Timeout,
		Tick:    c.Heartbeat.Tick,
	}
	ec.CloseLinger = c.CloseLinger
	return ec
}

func (c *Config) ServerConfig() *server.Config {
	ec := c.EngineConfig()
	if c.RateLimit.Enabled {
		ec.RateLimit = &engine.RateLimitConfig{
			MessagesPerSecond: rate.Limit(c.RateLimit.MessagesPerSecond),
			Burst:             c.RateLimit.Burst,
			Enabled:           true,
		}
	}
	return &server.Config{
		Addr:               c.Addr,
		Transport:          c.Transport,
		Path:               c.WSPath,
		Engine:             ec,
		KeepAliveWhenEmpty: c.KeepAliveWhenEmpty,
	}
}

func (c *Config) ClientConfig() *client.Config {
	cc := client.DefaultConfig()
	cc.Connection = c.EngineConfig()
	return cc
}

// DialTarget is what a client dials: host:port for TCP, a ws:// URL for
// WebSocket.
func (c *Config) DialTarget() string {
	if c.Transport == server.TransportWebsocket {
		return "ws://" + c.Addr + c.WSPath
	}
	return c.Addr
}

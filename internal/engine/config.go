package engine

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasstream"
	"github.com/luciancaetano/kephasstream/internal/protocol"
)

// HeartbeatConfig defines the liveness thresholds of a connection. Both
// thresholds are measured from the last time anything was read.
type HeartbeatConfig struct {
	// Idle is the silence after which one PING is sent
	Idle time.Duration
	// Timeout is the silence after which the connection is closed
	Timeout time.Duration
	// Tick is how often the heartbeat checks the idle clock
	Tick time.Duration
}

// DefaultHeartbeatConfig returns the default heartbeat configuration:
// PING after 5 seconds of silence, close after 15 seconds.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Idle:    5 * time.Second,
		Timeout: 15 * time.Second,
		Tick:    500 * time.Millisecond,
	}
}

// RateLimitConfig defines rate limiting of inbound messages
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a peer can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (c *RateLimitConfig) limiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}

// Config holds everything a Connection needs besides its stream and role.
// Zero fields are replaced with defaults.
type Config struct {
	// Types resolves parameter types on the wire. Defaults to
	// protocol.DefaultRegistry().
	Types *protocol.Registry

	Heartbeat HeartbeatConfig

	// RateLimit applies to inbound messages. Nil disables it.
	RateLimit *RateLimitConfig

	// Handler receives every command outside the role's control vocabulary.
	Handler kephasstream.Handler

	// OnDisconnect fires once, on its own goroutine, after teardown.
	OnDisconnect kephasstream.OnDisconnectFn

	Logger *zerolog.Logger

	// WriteTimeout bounds a single Send when ctx has no deadline.
	WriteTimeout time.Duration

	// CloseLinger is how long a server keeps the stream open after sending
	// CLOSE, waiting for the peer to hang up first.
	CloseLinger time.Duration
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Types:        protocol.DefaultRegistry(),
		Heartbeat:    DefaultHeartbeatConfig(),
		WriteTimeout: 10 * time.Second,
		CloseLinger:  time.Second,
	}
}

// withDefaults returns a copy of cfg with zero fields defaulted. A nil cfg
// yields DefaultConfig().
func (cfg *Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg == nil {
		return *def
	}
	out := *cfg
	if out.Types == nil {
		out.Types = def.Types
	}
	if out.Heartbeat.Idle <= 0 {
		out.Heartbeat.Idle = def.Heartbeat.Idle
	}
	if out.Heartbeat.Timeout <= 0 {
		out.Heartbeat.Timeout = def.Heartbeat.Timeout
	}
	if out.Heartbeat.Tick <= 0 {
		out.Heartbeat.Tick = def.Heartbeat.Tick
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = def.WriteTimeout
	}
	if out.CloseLinger < 0 {
		out.CloseLinger = 0
	}
	return out
}

package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasstream"
)

func TestRouter(t *testing.T) {
	t.Parallel()

	a, _ := tcpPair(t)
	conn := NewServerConnection(a, testConfig(nil, nil))

	fallback := newRecorder()
	r := NewRouter(fallback, zerolog.Nop())

	var got []any
	require.NoError(t, r.Register("SAY", func(_ kephasstream.Conn, params []any) {
		got = params
	}))
	assert.ErrorIs(t, r.Register("", func(kephasstream.Conn, []any) {}), kephasstream.ErrEmptyCommand)

	r.HandleCommand(conn, "SAY", []any{"hi"})
	assert.Equal(t, []any{"hi"}, got)

	r.HandleCommand(conn, "OTHER", []any{1})
	c := fallback.next(t, time.Second)
	assert.Equal(t, "OTHER", c.command)
}

func TestRouterWithoutFallbackDrops(t *testing.T) {
	t.Parallel()

	var logs syncBuffer
	a, _ := tcpPair(t)
	conn := NewServerConnection(a, testConfig(nil, nil))

	r := NewRouter(nil, zerolog.New(&logs).Level(zerolog.DebugLevel))
	r.HandleCommand(conn, "NOBODY", nil)

	assert.Contains(t, logs.String(), "no handler for command")
	assert.Contains(t, logs.String(), "NOBODY")
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := (&Config{Heartbeat: HeartbeatConfig{Idle: time.Second}, CloseLinger: -1}).withDefaults()
	assert.Equal(t, time.Second, cfg.Heartbeat.Idle)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Heartbeat.Tick)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Zero(t, cfg.CloseLinger)
	assert.NotNil(t, cfg.Types)

	var nilCfg *Config
	assert.Equal(t, DefaultHeartbeatConfig(), nilCfg.withDefaults().Heartbeat)
}

func TestRateLimitConfig(t *testing.T) {
	t.Parallel()

	assert.Nil(t, NoRateLimit().limiter())
	var none *RateLimitConfig
	assert.Nil(t, none.limiter())

	l := DefaultRateLimitConfig().limiter()
	require.NotNil(t, l)
	assert.Equal(t, 200, l.Burst())
	for i := 0; i < 200; i++ {
		require.True(t, l.Allow())
	}
	assert.False(t, l.Allow())
}

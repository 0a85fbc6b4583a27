// Package client dials a server and returns a started client-role
// connection.
package client

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephasstream"
	"github.com/luciancaetano/kephasstream/internal/engine"
	"github.com/luciancaetano/kephasstream/internal/logging"
	"github.com/luciancaetano/kephasstream/internal/websocket"
)

// Config configures a dialed client connection.
type Config struct {
	// Connection configures the engine. Nil means defaults without rate
	// limiting.
	Connection *engine.Config

	// Handlers are registered before the connection starts, so they see
	// the very first message the server sends.
	Handlers map[string]kephasstream.CommandHandler

	// Handler receives application commands that have no per-command handler
	Handler kephasstream.Handler

	OnDisconnect kephasstream.OnDisconnectFn

	// DialTimeout bounds the TCP connect or the WebSocket handshake
	DialTimeout time.Duration

	// Header is sent with the WebSocket handshake
	Header http.Header

	Logger *zerolog.Logger
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		Connection:  engine.DefaultConfig(),
		DialTimeout: 10 * time.Second,
	}
}

// Client is a client-role connection with per-command handlers.
type Client struct {
	*engine.Connection
	router *engine.Router
}

var _ kephasstream.Client = (*Client)(nil)

// New wraps an open stream. Call Start to begin reading.
func New(stream io.ReadWriteCloser, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ec := engine.DefaultConfig()
	if cfg.Connection != nil {
		c := *cfg.Connection
		ec = &c
	}
	if ec.Logger == nil {
		ec.Logger = cfg.Logger
	}

	router := engine.NewRouter(cfg.Handler, logging.Or(ec.Logger, "client"))
	for command, h := range cfg.Handlers {
		if err := router.Register(command, h); err != nil {
			return nil, errors.Wrapf(err, "register handler %q", command)
		}
	}
	ec.Handler = router
	ec.OnDisconnect = cfg.OnDisconnect

	return &Client{
		Connection: engine.NewClientConnection(stream, ec),
		router:     router,
	}, nil
}

// RegisterHandler registers a handler for one application command
func (c *Client) RegisterHandler(_ context.Context, command string, handler kephasstream.CommandHandler) error {
	return c.router.Register(command, handler)
}

// Dial connects to addr over TCP and starts the connection.
func Dial(ctx context.Context, addr string, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	d := net.Dialer{Timeout: cfg.DialTimeout}
	stream, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return start(stream, cfg)
}

// DialWebsocket connects to a WebSocket endpoint such as
// "ws://localhost:9000/ws" and starts the connection.
func DialWebsocket(ctx context.Context, url string, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	stream, err := websocket.Dial(ctx, url, cfg.Header, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	return start(stream, cfg)
}

func start(stream net.Conn, cfg *Config) (*Client, error) {
	c, err := New(stream, cfg)
	if err != nil {
		stream.Close()
		return nil, err
	}
	c.Start()
	return c, nil
}

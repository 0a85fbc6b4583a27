// Package endpoint is the public entry point for building servers and
// clients.
package endpoint

import (
	"context"
	"io"
	"net/http"

	"github.com/luciancaetano/kephasstream"
	"github.com/luciancaetano/kephasstream/internal/client"
	"github.com/luciancaetano/kephasstream/internal/engine"
	"github.com/luciancaetano/kephasstream/internal/protocol"
	"github.com/luciancaetano/kephasstream/internal/server"
	"github.com/luciancaetano/kephasstream/internal/websocket"
)

type ServerConfig = server.Config
type ClientConfig = client.Config
type ConnectionConfig = engine.Config
type HeartbeatConfig = engine.HeartbeatConfig
type RateLimitConfig = engine.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type TypeRegistry = protocol.Registry

// Acceptor and Connection are exposed for custom connection factories.
type Acceptor = server.Acceptor
type Connection = engine.Connection
type Factory = server.Factory

const (
	TransportTCP       = server.TransportTCP
	TransportWebsocket = server.TransportWebsocket
)

// NewServer creates a server. Nothing is bound until Start.
//
// Example:
//
//	server := endpoint.NewServer(endpoint.NewServerConfig(":9000"))
//	server.RegisterHandler(ctx, "SAY", func(conn kephasstream.Conn, params []any) {
//	    text, _ := endpoint.Param[string](params, 0)
//	    server.Broadcast(ctx, "SAID", conn.ID(), text)
//	})
//	server.Start(ctx)
func NewServer(cfg *ServerConfig) kephasstream.Server {
	return server.New(cfg)
}

// NewServerConfig returns a TCP server configuration with the default
// heartbeat and rate limit. The server keeps accepting after the last
// client leaves.
func NewServerConfig(addr string) *ServerConfig {
	ec := engine.DefaultConfig()
	ec.RateLimit = engine.DefaultRateLimitConfig()
	return &ServerConfig{
		Addr:               addr,
		Transport:          server.TransportTCP,
		Engine:             ec,
		KeepAliveWhenEmpty: true,
	}
}

// NewWebsocketServerConfig is NewServerConfig for the WebSocket transport,
// serving upgrades on /ws.
func NewWebsocketServerConfig(addr string, checkOrigin CheckOriginFn) *ServerConfig {
	cfg := NewServerConfig(addr)
	cfg.Transport = server.TransportWebsocket
	cfg.Path = websocket.DefaultPath
	cfg.CheckOrigin = checkOrigin
	return cfg
}

// NewClientConfig returns the default client configuration
func NewClientConfig() *ClientConfig {
	return client.DefaultConfig()
}

// Dial connects to a TCP server and returns a started client.
func Dial(ctx context.Context, addr string, cfg *ClientConfig) (kephasstream.Client, error) {
	c, err := client.Dial(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DialWebsocket connects to a WebSocket server, e.g. "ws://host:9000/ws".
func DialWebsocket(ctx context.Context, url string, cfg *ClientConfig) (kephasstream.Client, error) {
	c, err := client.DialWebsocket(ctx, url, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewServerConnection wraps stream as a server-role connection. Custom
// factories use it with owner.ConnectionConfig().
func NewServerConnection(stream io.ReadWriteCloser, cfg *ConnectionConfig) *Connection {
	return engine.NewServerConnection(stream, cfg)
}

// NewTypeRegistry returns a registry holding the built-in parameter types.
// Register application types on it and pass it to both ends through
// ConnectionConfig.Types.
func NewTypeRegistry() *TypeRegistry {
	return protocol.DefaultRegistry()
}

// RegisterType adds T to reg under tag. Both ends must use the same tag.
func RegisterType[T any](reg *TypeRegistry, tag string) error {
	return protocol.Register[T](reg, tag)
}

// Param returns params[i] as a T.
func Param[T any](params []any, i int) (T, error) {
	return protocol.Param[T](params, i)
}

// DefaultConnectionConfig returns the default connection configuration
func DefaultConnectionConfig() *ConnectionConfig {
	return engine.DefaultConfig()
}

// DefaultHeartbeatConfig returns PING after 5s of silence and close after 15s
func DefaultHeartbeatConfig() HeartbeatConfig {
	return engine.DefaultHeartbeatConfig()
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return engine.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return engine.NoRateLimit()
}

// AllOrigins returns a checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// Sentinel errors re-exported for errors.Is checks.
var (
	ErrMalformedFrame      = protocol.ErrMalformedFrame
	ErrUnsupportedType     = protocol.ErrUnsupportedType
	ErrNotEnoughParameters = protocol.ErrNotEnoughParameters
	ErrParameterType       = protocol.ErrParameterType
)

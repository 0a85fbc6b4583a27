package kephasstream

import (
	"context"
	"net"
)

// Server defines a stream server that accepts connections, wraps each one in a
// server-role Conn and keeps a registry of the live ones.
//
// Example usage:
//
//	import "github.com/luciancaetano/kephasstream/endpoint"
//
//	server := endpoint.NewServer(endpoint.NewServerConfig(":9000"))
//
//	server.RegisterHandler(ctx, "SAY", func(conn kephasstream.Conn, params []any) {
//	    text, _ := endpoint.Param[string](params, 0)
//	    server.Broadcast(ctx, "SAID", conn.ID(), text)
//	})
//
//	server.Start(ctx)
type Server interface {
	// Start binds the listening address and begins accepting connections on
	// its own goroutine. Cancelling ctx stops the server.
	//
	// Returns an error if the server is already running or if the address
	// cannot be bound.
	Start(ctx context.Context) error

	// Stop signals the accept loop to stop and waits until every registered
	// connection has been sent CLOSE, or until ctx is done.
	Stop(ctx context.Context) error

	// Addr returns the bound listening address, or nil before Start.
	Addr() net.Addr

	// RegisterHandler registers a handler for one application command.
	//
	// Handlers run on the connection's read loop, so commands from a single
	// connection are handled in the order they were received. A handler that
	// blocks delays the rest of that connection's traffic.
	RegisterHandler(ctx context.Context, command string, handler CommandHandler) error

	// Broadcast sends a command to every registered connection.
	//
	// Every recipient is attempted; failed sends are collected and returned
	// together. Connections that close while the broadcast is running are
	// skipped.
	Broadcast(ctx context.Context, command string, params ...any) error

	// SendTo sends a command to one registered connection.
	//
	// Returns ErrConnectionNotFound if id is not registered.
	SendTo(ctx context.Context, id string, command string, params ...any) error

	// Connections returns a snapshot of the registered connections.
	Connections() []Conn

	// Done is closed once the accept loop has stopped and every remaining
	// connection has been closed.
	Done() <-chan struct{}
}

// Conn represents one end of an open message stream.
//
// Each Conn has a unique identifier, runs its own read loop and heartbeat,
// and is either client-role or server-role. The context returned by Context
// is cancelled when the connection is torn down.
type Conn interface {
	// ID returns a unique identifier generated when the connection was created.
	ID() string

	// RemoteAddr returns the peer's network address, "IP:port" for TCP.
	RemoteAddr() string

	// Role reports whether this is the client or the server end.
	Role() Role

	// Context returns the connection's lifecycle context.
	//
	// Example:
	//
	//	go func() {
	//	    <-conn.Context().Done()
	//	    log.Printf("connection %s closed: %s", conn.ID(), conn.CloseReason())
	//	}()
	Context() context.Context

	// Send encodes a message and writes it to the stream. There is no
	// acknowledgement. Every parameter must have a type registered with the
	// connection's type registry.
	//
	// Returns an error if the connection is closed, a parameter type is not
	// registered, or the stream is no longer writable.
	Send(ctx context.Context, command string, params ...any) error

	// Close runs the role's close handshake.
	//
	// A client sends REQUEST_CLOSE and returns immediately; it is torn down
	// when the server answers with CLOSE. A server sends CLOSE, removes
	// itself from the registry and is torn down right away.
	Close(ctx context.Context) error

	// IsAlive returns true until the connection is torn down.
	IsAlive() bool

	// CloseReason reports why the connection was torn down, or
	// CloseReasonNone while it is alive.
	CloseReason() CloseReason
}

// Client is a client-role Conn that dispatches application commands to
// registered handlers.
type Client interface {
	Conn

	// RegisterHandler registers a handler for one application command.
	RegisterHandler(ctx context.Context, command string, handler CommandHandler) error
}

// CommandHandler handles one application command received on conn.
type CommandHandler = func(conn Conn, params []any)

// Handler receives application commands, meaning every command that is not
// part of the receiving role's internal vocabulary.
type Handler interface {
	HandleCommand(conn Conn, command string, params []any)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(conn Conn, command string, params []any)

// HandleCommand calls f(conn, command, params).
func (f HandlerFunc) HandleCommand(conn Conn, command string, params []any) {
	f(conn, command, params)
}

// OnConnectFn is called, on its own goroutine, after a server-role
// connection has been registered. It is the place to send welcome messages
// or track connections; the connection may already be handling commands.
type OnConnectFn = func(conn Conn)

// OnDisconnectFn is called exactly once per connection, on its own
// goroutine, after the connection has been torn down and removed from any
// registry.
type OnDisconnectFn = func(conn Conn, reason CloseReason)

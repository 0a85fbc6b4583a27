// Package kephasstream provides a symmetric client/server messaging engine over
// byte streams.
//
// Messages are a command name plus an ordered list of typed parameters. Each
// connection runs a read loop and a heartbeat, answers a small control
// protocol on its own (PING, PONG, REQUEST_CLOSE, CLOSE) and hands every
// other command to the application. The package is meant as a ready-made
// transport layer: you bring the command vocabulary.
//
// # Architecture
//
// A server accepts streams (TCP or WebSocket), wraps each in a server-role
// connection and keeps a registry of the live ones, which makes broadcast
// possible. A client dials a server and gets a client-role connection. Both
// roles share the same engine and differ only in which control commands they
// honor and in the direction of the close handshake.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/kephasstream"
//	    "github.com/luciancaetano/kephasstream/endpoint"
//	)
//
//	cfg := endpoint.NewServerConfig(":9000")
//	server := endpoint.NewServer(cfg)
//
//	server.RegisterHandler(ctx, "SAY", func(conn kephasstream.Conn, params []any) {
//	    text, err := endpoint.Param[string](params, 0)
//	    if err != nil {
//	        return
//	    }
//	    server.Broadcast(ctx, "SAID", conn.ID(), text)
//	})
//
//	server.Start(ctx)
//
//	client, _ := endpoint.Dial(ctx, "localhost:9000", endpoint.NewClientConfig())
//	client.Send(ctx, "SAY", "hello")
//
// # Wire Format
//
// Every message is written as newline-terminated lines:
//
//	<type-tag-1>
//	<type-tag-2>
//	END_TYPES
//	{"v":1,"command":"SAY","parameters":["hello"]}
//	END_OBJECT
//
// The tag lines declare the type of each parameter so a receiver can decode
// the body without prior knowledge of the command. Tags resolve through a
// type registry that both ends populate the same way; the built-ins cover
// strings, booleans, integers, floats, byte slices, string slices, times and
// durations, and applications register their own struct types:
//
//	types := endpoint.NewTypeRegistry()
//	endpoint.RegisterType[ChatLine](types, "chat.line")
//
// An unknown tag is logged and skipped; a frame that then fails to decode is
// dropped and the connection keeps reading.
//
// # Heartbeat
//
// Any frame received, even one that fails to decode, resets the idle clock.
// After 5 seconds of silence a connection sends one PING; after 15 seconds it
// is closed and the disconnect callback fires once with CloseReasonTimeout.
//
// # Close Handshake
//
// A client's Close sends REQUEST_CLOSE; the server answers with CLOSE, removes
// the connection from its registry and tears it down; the client tears down
// when CLOSE arrives. A server may also close on its own by sending CLOSE.
// When the registry becomes empty the server stops accepting, unless
// KeepAliveWhenEmpty is set.
//
// # Rate Limiting
//
// Server connections apply a token bucket to inbound messages (100 messages
// per second, burst 200, by default). A peer that exceeds it is closed with
// CloseReasonRateLimited.
package kephasstream

// Package server accepts streams, wraps each in a server-role connection and
// keeps the registry of live connections.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/luciancaetano/kephasstream"
	"github.com/luciancaetano/kephasstream/internal/engine"
	"github.com/luciancaetano/kephasstream/internal/logging"
	"github.com/luciancaetano/kephasstream/internal/protocol"
	"github.com/luciancaetano/kephasstream/internal/websocket"
)

const (
	TransportTCP       = "tcp"
	TransportWebsocket = "websocket"

	acceptRetryDelay = 100 * time.Millisecond
	shutdownTimeout  = 5 * time.Second
)

// Factory builds the server-role connection for an accepted stream. The
// connection must not be started; the Acceptor starts it after registering
// it. Use owner.ConnectionConfig() to get the router and callbacks wired in.
type Factory func(stream net.Conn, owner *Acceptor) (*engine.Connection, error)

// DefaultFactory wraps the stream in a plain server-role connection.
func DefaultFactory(stream net.Conn, owner *Acceptor) (*engine.Connection, error) {
	return engine.NewServerConnection(stream, owner.ConnectionConfig()), nil
}

// Config configures an Acceptor.
type Config struct {
	// Addr is the network address to listen on (e.g., ":9000")
	Addr string
	// Transport is TransportTCP (default) or TransportWebsocket
	Transport string
	// Path is the WebSocket upgrade endpoint, "/ws" by default
	Path string
	// CheckOrigin validates WebSocket upgrade requests
	CheckOrigin websocket.CheckOriginFn

	// Engine configures every accepted connection. Nil means defaults with
	// the default rate limit.
	Engine *engine.Config

	Factory Factory

	// Handler receives application commands that have no per-command handler
	Handler kephasstream.Handler

	OnConnect    kephasstream.OnConnectFn
	OnDisconnect kephasstream.OnDisconnectFn

	// KeepAliveWhenEmpty keeps accepting after the last connection leaves.
	KeepAliveWhenEmpty bool

	// BroadcastConcurrency caps the goroutines used by one broadcast
	BroadcastConcurrency int

	Logger *zerolog.Logger
}

// Acceptor implements kephasstream.Server.
type Acceptor struct {
	cfg      Config
	connCfg  *engine.Config
	router   *engine.Router
	registry *Registry
	logger   zerolog.Logger

	mu       sync.Mutex
	running  bool
	listener net.Listener
	stopCh   chan struct{}
	stopOnce *sync.Once
	done     chan struct{}
}

var _ kephasstream.Server = (*Acceptor)(nil)

// New creates an Acceptor. Nothing is bound until Start.
func New(cfg *Config) *Acceptor {
	c := *cfg
	if c.Transport == "" {
		c.Transport = TransportTCP
	}
	if c.Factory == nil {
		c.Factory = DefaultFactory
	}
	if c.BroadcastConcurrency <= 0 {
		c.BroadcastConcurrency = 32
	}

	logger := logging.Or(c.Logger, "server")
	a := &Acceptor{
		cfg:      c,
		router:   engine.NewRouter(c.Handler, logger),
		registry: NewRegistry(),
		logger:   logger,
		done:     make(chan struct{}),
	}

	if c.Engine != nil {
		ec := *c.Engine
		a.connCfg = &ec
	} else {
		a.connCfg = engine.DefaultConfig()
		a.connCfg.RateLimit = engine.DefaultRateLimitConfig()
	}
	if a.connCfg.Types == nil {
		a.connCfg.Types = protocol.DefaultRegistry()
	}
	a.connCfg.Handler = a.router
	a.connCfg.OnDisconnect = c.OnDisconnect
	if a.connCfg.Logger == nil {
		a.connCfg.Logger = c.Logger
	}
	return a
}

// ConnectionConfig returns the configuration accepted connections should
// use. Factories that build their own connections pass it to
// engine.NewServerConnection so handlers and callbacks keep working.
func (a *Acceptor) ConnectionConfig() *engine.Config {
	ec := *a.connCfg
	return &ec
}

// Start binds the listening address and runs the accept loop on its own
// goroutine. Cancelling ctx stops the server.
func (a *Acceptor) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return kephasstream.ErrServerAlreadyRunning
	}

	l, err := a.listen()
	if err != nil {
		a.mu.Unlock()
		return err
	}

	a.running = true
	a.listener = l
	a.stopCh = make(chan struct{})
	a.stopOnce = &sync.Once{}
	select {
	case <-a.done:
		a.done = make(chan struct{})
	default:
	}
	stopCh, done := a.stopCh, a.done
	a.mu.Unlock()

	a.logger.Info().Str("addr", l.Addr().String()).Str("transport", a.cfg.Transport).Msg("listening")

	go a.acceptLoop(l, stopCh, done)
	go func() {
		select {
		case <-ctx.Done():
			a.signalStop()
		case <-done:
		}
	}()
	return nil
}

// Open starts listening on port on all interfaces.
func (a *Acceptor) Open(port int) error {
	a.mu.Lock()
	a.cfg.Addr = fmt.Sprintf(":%d", port)
	a.mu.Unlock()
	return a.Start(context.Background())
}

func (a *Acceptor) listen() (net.Listener, error) {
	switch a.cfg.Transport {
	case TransportTCP:
		l, err := net.Listen("tcp", a.cfg.Addr)
		if err != nil {
			return nil, errors.Wrapf(err, "listen %s", a.cfg.Addr)
		}
		return l, nil
	case TransportWebsocket:
		return websocket.Listen(websocket.ListenerConfig{
			Addr:        a.cfg.Addr,
			Path:        a.cfg.Path,
			CheckOrigin: a.cfg.CheckOrigin,
			Logger:      a.cfg.Logger,
		})
	}
	return nil, errors.Wrap(kephasstream.ErrUnknownTransport, a.cfg.Transport)
}

func (a *Acceptor) acceptLoop(l net.Listener, stopCh <-chan struct{}, done chan struct{}) {
	defer func() {
		a.closeAll()
		a.logger.Info().Msg("accept loop stopped")
		a.mu.Lock()
		a.running = false
		close(done)
		a.mu.Unlock()
	}()

	for {
		stream, err := l.Accept()
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn().Err(err).Msg("accept failed")
			select {
			case <-stopCh:
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		a.admit(stream)
	}
}

// admit builds, registers and starts the connection for stream. Failures
// only affect this stream.
func (a *Acceptor) admit(stream net.Conn) {
	conn, err := a.cfg.Factory(stream, a)
	if err == nil && conn == nil {
		err = errors.New("factory returned no connection")
	}
	if err != nil {
		a.logger.Error().Err(err).Str("remote_addr", stream.RemoteAddr().String()).Msg("connection factory failed")
		stream.Close()
		return
	}
	if conn.Role() != kephasstream.RoleServer {
		a.logger.Error().Err(kephasstream.ErrNotServerRole).Str("role", string(conn.Role())).Msg("rejecting connection")
		stream.Close()
		return
	}

	conn.OnTeardown(a.remove)
	a.registry.Add(conn)
	a.logger.Debug().Str("conn", conn.ID()).Str("remote_addr", conn.RemoteAddr()).Msg("connection registered")

	if fn := a.cfg.OnConnect; fn != nil {
		go fn(conn)
	}
	conn.Start()
}

// remove runs on the connection's teardown path.
func (a *Acceptor) remove(conn *engine.Connection) {
	remaining, ok := a.registry.Remove(conn.ID())
	if !ok {
		return
	}
	a.logger.Debug().Str("conn", conn.ID()).Int("remaining", remaining).Msg("connection removed")
	if remaining == 0 && !a.cfg.KeepAliveWhenEmpty {
		a.logger.Info().Msg("no connections left, stopping accept loop")
		a.signalStop()
	}
}

func (a *Acceptor) signalStop() {
	a.mu.Lock()
	once, stopCh, l := a.stopOnce, a.stopCh, a.listener
	a.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() {
		close(stopCh)
		if err := l.Close(); err != nil {
			a.logger.Debug().Err(err).Msg("close listener")
		}
	})
}

func (a *Acceptor) closeAll() {
	conns := a.registry.Snapshot()
	if len(conns) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(a.cfg.BroadcastConcurrency)
	for _, conn := range conns {
		p.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = conn.CloseWithReason(ctx, kephasstream.CloseReasonShutdown)
		})
	}
	p.Wait()
}

// Stop signals the accept loop to stop and waits until every connection has
// been closed, or until ctx is done.
func (a *Acceptor) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	done := a.done
	a.mu.Unlock()

	a.signalStop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterHandler registers a handler for one application command
func (a *Acceptor) RegisterHandler(_ context.Context, command string, handler kephasstream.CommandHandler) error {
	return a.router.Register(command, handler)
}

// Broadcast sends a command to every registered connection. The frame is
// encoded once; every recipient is attempted and the failures are returned
// together.
func (a *Acceptor) Broadcast(ctx context.Context, command string, params ...any) error {
	frame, err := protocol.Encode(a.connCfg.Types, protocol.NewMessage(command, params...))
	if err != nil {
		return fmt.Errorf("%w: %w", kephasstream.ErrFailedToEncode, err)
	}

	p := pool.New().WithMaxGoroutines(a.cfg.BroadcastConcurrency).WithErrors()
	for _, conn := range a.registry.Snapshot() {
		p.Go(func() error {
			err := conn.SendFrame(ctx, frame)
			if err == nil || errors.Is(err, kephasstream.ErrConnectionClosed) {
				return nil
			}
			return errors.Wrapf(err, "broadcast to %s", conn.ID())
		})
	}
	return p.Wait()
}

// SendTo sends a command to one registered connection
func (a *Acceptor) SendTo(ctx context.Context, id string, command string, params ...any) error {
	conn, ok := a.registry.Get(id)
	if !ok {
		return errors.Wrap(kephasstream.ErrConnectionNotFound, id)
	}
	return conn.Send(ctx, command, params...)
}

// Connections returns a snapshot of the registered connections
func (a *Acceptor) Connections() []kephasstream.Conn {
	conns := a.registry.Snapshot()
	out := make([]kephasstream.Conn, len(conns))
	for i, c := range conns {
		out[i] = c
	}
	return out
}

// Len returns the number of registered connections
func (a *Acceptor) Len() int {
	return a.registry.Len()
}

// Addr returns the bound address, or nil before Start
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Done is closed once the accept loop has stopped
func (a *Acceptor) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

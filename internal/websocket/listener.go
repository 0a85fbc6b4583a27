package websocket

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephasstream/internal/logging"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
// Use this to implement CORS policies for your WebSocket server. When nil,
// only same-origin requests are upgraded.
type CheckOriginFn = func(r *http.Request) bool

// DefaultPath is where the upgrade endpoint is served when none is set.
const DefaultPath = "/ws"

// ListenerConfig configures a WebSocket Listener.
type ListenerConfig struct {
	Addr        string
	Path        string
	CheckOrigin CheckOriginFn
	Logger      *zerolog.Logger
}

// Listener accepts WebSocket upgrades and hands out each one as a Stream.
type Listener struct {
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	streams   chan *Stream
	done      chan struct{}
	closeOnce sync.Once
}

var _ net.Listener = (*Listener)(nil)

// Listen binds cfg.Addr and starts serving the upgrade endpoint.
func Listen(cfg ListenerConfig) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", cfg.Addr)
	}

	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}

	l := &Listener{
		ln:     ln,
		logger: logging.Or(cfg.Logger, "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		streams: make(chan *Stream),
		done:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error().Err(err).Msg("upgrade endpoint stopped")
		}
	}()
	return l, nil
}

// handleUpgrade upgrades the request and waits for Accept to take the stream.
func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		l.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	s := NewStream(conn)
	select {
	case l.streams <- s:
	case <-l.done:
		s.Close()
	}
}

// Accept waits for the next upgraded connection. After Close it returns
// net.ErrClosed.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case s := <-l.streams:
		return s, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops the upgrade endpoint. Streams already accepted stay open.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

package engine

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasstream"
	"github.com/luciancaetano/kephasstream/internal/logging"
	"github.com/luciancaetano/kephasstream/internal/protocol"
)

// Connection is one end of a message stream. It runs a read loop and a
// heartbeat, answers the control vocabulary of its role and hands every
// other command to the configured Handler.
type Connection struct {
	id      string
	stream  io.ReadWriteCloser
	decoder *protocol.Decoder
	role    Role
	cfg     Config
	logger  zerolog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	epoch           time.Time
	lastContact     atomic.Int64 // nanoseconds since epoch
	pingOutstanding atomic.Bool
	pingToken       atomic.Uint64

	closed        atomic.Bool
	reason        atomic.Int32
	terminateOnce sync.Once
	streamOnce    sync.Once
	startOnce     sync.Once

	hooksMu  sync.Mutex
	teardown []func(*Connection)

	wg   conc.WaitGroup
	done chan struct{}
}

var _ kephasstream.Conn = (*Connection)(nil)

// NewConnection wraps stream. The connection does nothing until Start.
func NewConnection(stream io.ReadWriteCloser, role Role, cfg *Config) *Connection {
	c := &Connection{
		id:     uuid.New().String(),
		stream: stream,
		role:   role,
		cfg:    cfg.withDefaults(),
		epoch:  time.Now(),
		done:   make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.limiter = c.cfg.RateLimit.limiter()
	c.logger = logging.Or(c.cfg.Logger, "engine").With().
		Str("conn", c.id).
		Str("role", string(role.Kind())).
		Logger()
	c.decoder = protocol.NewDecoder(stream, c.cfg.Types, c.logger)
	return c
}

// NewClientConnection wraps stream as the dialing end.
func NewClientConnection(stream io.ReadWriteCloser, cfg *Config) *Connection {
	return NewConnection(stream, ClientRole(), cfg)
}

// NewServerConnection wraps stream as the accepting end.
func NewServerConnection(stream io.ReadWriteCloser, cfg *Config) *Connection {
	return NewConnection(stream, ServerRole(), cfg)
}

// ID returns a unique identifier for the connection
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the peer address when the stream has one
func (c *Connection) RemoteAddr() string {
	if nc, ok := c.stream.(interface{ RemoteAddr() net.Addr }); ok && nc.RemoteAddr() != nil {
		return nc.RemoteAddr().String()
	}
	return ""
}

// Role reports which end of the connection this is
func (c *Connection) Role() kephasstream.Role {
	return c.role.Kind()
}

// Context returns the connection's lifecycle context
func (c *Connection) Context() context.Context {
	return c.ctx
}

// IsAlive returns true until the connection is torn down
func (c *Connection) IsAlive() bool {
	return !c.closed.Load()
}

// CloseReason reports why the connection was torn down
func (c *Connection) CloseReason() kephasstream.CloseReason {
	return kephasstream.CloseReason(c.reason.Load())
}

// Logger returns the connection's logger, tagged with its ID and role
func (c *Connection) Logger() *zerolog.Logger {
	return &c.logger
}

// Types returns the registry used to encode and decode parameters
func (c *Connection) Types() *protocol.Registry {
	return c.cfg.Types
}

// OnTeardown registers fn to run synchronously during teardown, before the
// disconnect notification fires. Hooks registered after teardown never run.
func (c *Connection) OnTeardown(fn func(*Connection)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.teardown = append(c.teardown, fn)
}

// Start launches the read loop and the heartbeat. Calling it again has no
// effect.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		c.touch()
		c.wg.Go(c.readLoop)
		c.wg.Go(c.heartbeatLoop)
		go func() {
			defer close(c.done)
			if r := c.wg.WaitAndRecover(); r != nil {
				c.logger.Error().Str("panic", r.String()).Msg("connection loop panicked")
			}
		}()
	})
}

// Wait blocks until both loops have exited
func (c *Connection) Wait() {
	<-c.done
}

// Done is closed once both loops have exited
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send encodes and sends a message with the given command and parameters
func (c *Connection) Send(ctx context.Context, command string, params ...any) error {
	if command == "" {
		return kephasstream.ErrEmptyCommand
	}
	frame, err := protocol.Encode(c.cfg.Types, protocol.NewMessage(command, params...))
	if err != nil {
		return fmt.Errorf("%w: %w", kephasstream.ErrFailedToEncode, err)
	}
	return c.SendFrame(ctx, frame)
}

// SendFrame writes an already encoded frame. A write failure tears the
// connection down.
func (c *Connection) SendFrame(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return kephasstream.ErrConnectionClosed
	}
	if err := c.writeFrame(ctx, frame); err != nil {
		c.logger.Debug().Err(err).Msg("write failed")
		c.terminate(kephasstream.CloseReasonStreamFailure, 0)
		return errors.Wrap(err, "send")
	}
	return nil
}

// write sends msg without tearing down on failure.
func (c *Connection) write(ctx context.Context, msg protocol.Message) error {
	frame, err := protocol.Encode(c.cfg.Types, msg)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, frame)
}

func (c *Connection) writeFrame(ctx context.Context, frame []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d, ok := c.stream.(interface{ SetWriteDeadline(time.Time) error }); ok {
		deadline, has := ctx.Deadline()
		if !has {
			deadline = time.Now().Add(c.cfg.WriteTimeout)
		}
		if err := d.SetWriteDeadline(deadline); err != nil {
			c.logger.Debug().Err(err).Msg("set write deadline")
		}
	}
	_, err := c.stream.Write(frame)
	return err
}

// Close runs the role's close handshake with CloseReasonLocal
func (c *Connection) Close(ctx context.Context) error {
	return c.CloseWithReason(ctx, kephasstream.CloseReasonLocal)
}

// CloseWithReason runs the role's close handshake and records reason when
// it leads to teardown
func (c *Connection) CloseWithReason(ctx context.Context, reason kephasstream.CloseReason) error {
	if c.closed.Load() {
		return nil
	}
	return c.role.Close(ctx, c, reason)
}

// shutdown runs the role's close handshake for at most grace, then tears
// down locally whatever the role did. A handshake write still pending at that
// point is cut short by the stream closing.
func (c *Connection) shutdown(reason kephasstream.CloseReason, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	handshake := make(chan struct{})
	go func() {
		defer close(handshake)
		if err := c.role.Close(ctx, c, reason); err != nil {
			c.logger.Debug().Err(err).Msg("close handshake failed")
		}
	}()

	select {
	case <-handshake:
	case <-ctx.Done():
		c.logger.Debug().Stringer("reason", reason).Msg("close handshake timed out")
	}
	c.terminate(reason, 0)
}

// terminate tears the connection down once. With a linger the stream stays
// readable for that long so the peer can hang up first.
func (c *Connection) terminate(reason kephasstream.CloseReason, linger time.Duration) {
	c.terminateOnce.Do(func() {
		c.reason.Store(int32(reason))
		c.closed.Store(true)
		c.cancel()

		c.hooksMu.Lock()
		hooks := c.teardown
		c.teardown = nil
		c.hooksMu.Unlock()
		for _, fn := range hooks {
			fn(c)
		}

		if linger > 0 {
			time.AfterFunc(linger, c.closeStream)
		} else {
			c.closeStream()
		}

		c.logger.Debug().Stringer("reason", reason).Msg("connection closed")
		if fn := c.cfg.OnDisconnect; fn != nil {
			go fn(c, reason)
		}
	})
}

func (c *Connection) closeStream() {
	c.streamOnce.Do(func() {
		if err := c.stream.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("close stream")
		}
	})
}

func (c *Connection) touch() {
	c.lastContact.Store(int64(time.Since(c.epoch)))
}

func (c *Connection) idle() time.Duration {
	return time.Since(c.epoch) - time.Duration(c.lastContact.Load())
}

func (c *Connection) readLoop() {
	defer c.closeStream()
	defer c.terminate(kephasstream.CloseReasonStreamFailure, 0)

	for {
		c.touch()
		msg, err := c.decoder.Decode()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				c.logger.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			if !c.closed.Load() {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		c.touch()
		c.pingOutstanding.Store(false)

		if c.closed.Load() {
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn().Str("remote_addr", c.RemoteAddr()).Msg("rate limit exceeded")
			c.shutdown(kephasstream.CloseReasonRateLimited, c.cfg.WriteTimeout)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Connection) dispatch(msg protocol.Message) {
	handled, err := c.role.HandleInternal(c, msg)
	if handled {
		switch {
		case errors.Is(err, protocol.ErrNotEnoughParameters):
			c.logger.Error().Str("command", msg.Command).Msg("not enough parameters were sent")
		case err != nil:
			c.logger.Debug().Err(err).Str("command", msg.Command).Msg("control command failed")
		}
		return
	}

	if c.cfg.Handler == nil {
		c.logger.Debug().Str("command", msg.Command).Msg("no handler for command")
		return
	}
	c.cfg.Handler.HandleCommand(c, msg.Command, msg.Parameters)
}

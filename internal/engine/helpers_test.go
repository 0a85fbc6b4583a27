package engine

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasstream"
	"github.com/luciancaetano/kephasstream/internal/protocol"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	dialed, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	a, ok := <-accepted
	require.True(t, ok, "accept failed")

	t.Cleanup(func() {
		a.Close()
		dialed.Close()
	})
	return a, dialed
}

// rawPeer speaks frames directly, without an engine.
type rawPeer struct {
	conn   net.Conn
	reg    *protocol.Registry
	frames chan protocol.Message
}

func newRawPeer(t *testing.T, conn net.Conn) *rawPeer {
	t.Helper()

	p := &rawPeer{
		conn:   conn,
		reg:    protocol.DefaultRegistry(),
		frames: make(chan protocol.Message, 64),
	}
	go func() {
		defer close(p.frames)
		dec := protocol.NewDecoder(conn, p.reg, zerolog.Nop())
		for {
			msg, err := dec.Decode()
			if errors.Is(err, protocol.ErrMalformedFrame) {
				continue
			}
			if err != nil {
				return
			}
			p.frames <- msg
		}
	}()
	return p
}

func (p *rawPeer) send(t *testing.T, command string, params ...any) {
	t.Helper()
	require.NoError(t, protocol.Write(p.conn, p.reg, protocol.NewMessage(command, params...)))
}

func (p *rawPeer) sendRaw(t *testing.T, frame string) {
	t.Helper()
	_, err := p.conn.Write([]byte(frame))
	require.NoError(t, err)
}

// next returns the next frame, or false on timeout or end of stream.
func (p *rawPeer) next(timeout time.Duration) (protocol.Message, bool) {
	select {
	case msg, ok := <-p.frames:
		return msg, ok
	case <-time.After(timeout):
		return protocol.Message{}, false
	}
}

// collect gathers frames until the stream ends or timeout passes.
func (p *rawPeer) collect(timeout time.Duration) []protocol.Message {
	var out []protocol.Message
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-p.frames:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-deadline:
			return out
		}
	}
}

func commands(msgs []protocol.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Command
	}
	return out
}

type call struct {
	command string
	params  []any
}

type recorder struct {
	calls chan call
}

func newRecorder() *recorder {
	return &recorder{calls: make(chan call, 64)}
}

func (r *recorder) HandleCommand(_ kephasstream.Conn, command string, params []any) {
	r.calls <- call{command: command, params: params}
}

func (r *recorder) next(t *testing.T, timeout time.Duration) call {
	t.Helper()
	select {
	case c := <-r.calls:
		return c
	case <-time.After(timeout):
		t.Fatal("handler was not called")
		return call{}
	}
}

type disconnects struct {
	n       atomic.Int32
	reasons chan kephasstream.CloseReason
}

func newDisconnects() *disconnects {
	return &disconnects{reasons: make(chan kephasstream.CloseReason, 4)}
}

func (d *disconnects) fn(_ kephasstream.Conn, reason kephasstream.CloseReason) {
	d.n.Add(1)
	d.reasons <- reason
}

func (d *disconnects) wait(t *testing.T, timeout time.Duration) kephasstream.CloseReason {
	t.Helper()
	select {
	case r := <-d.reasons:
		return r
	case <-time.After(timeout):
		t.Fatal("disconnect notification did not fire")
		return kephasstream.CloseReasonNone
	}
}

// syncBuffer is a log sink safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func fastHeartbeat() HeartbeatConfig {
	return HeartbeatConfig{
		Idle:    100 * time.Millisecond,
		Timeout: 400 * time.Millisecond,
		Tick:    10 * time.Millisecond,
	}
}

func testConfig(h kephasstream.Handler, d *disconnects) *Config {
	cfg := DefaultConfig()
	cfg.Logger = nopLogger()
	cfg.Handler = h
	cfg.CloseLinger = 50 * time.Millisecond
	if d != nil {
		cfg.OnDisconnect = d.fn
	}
	return cfg
}

// strictRole adds a control command that needs one parameter.
type strictRole struct {
	Role
}

func (r *strictRole) HandleInternal(c *Connection, msg protocol.Message) (bool, error) {
	vocab := vocabulary{"KICK": {minParams: 1, handle: func(*Connection, []any) error { return nil }}}
	if handled, err := vocab.dispatch(c, msg); handled {
		return handled, err
	}
	return r.Role.HandleInternal(c, msg)
}

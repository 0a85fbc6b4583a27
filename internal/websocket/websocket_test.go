package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T, checkOrigin CheckOriginFn) *Listener {
	t.Helper()

	nop := zerolog.Nop()
	l, err := Listen(ListenerConfig{
		Addr:        "127.0.0.1:0",
		CheckOrigin: checkOrigin,
		Logger:      &nop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func allowAll(*http.Request) bool { return true }

func url(l *Listener) string {
	return "ws://" + l.Addr().String() + DefaultPath
}

// dialAccept returns the client and server ends of one WebSocket.
func dialAccept(t *testing.T, l *Listener) (*Stream, net.Conn) {
	t.Helper()

	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := l.Accept()
		accepted <- result{c, err}
	}()

	client, err := Dial(context.Background(), url(l), nil, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	r := <-accepted
	require.NoError(t, r.err)
	t.Cleanup(func() { r.conn.Close() })
	return client, r.conn
}

// TestStreamRoundTrip tests bytes flowing both ways
func TestStreamRoundTrip(t *testing.T) {
	t.Parallel()

	l := listen(t, allowAll)
	client, server := dialAccept(t, l)

	tests := []struct {
		name string
		from io.Writer
		to   io.Reader
		data string
	}{
		{"client to server", client, server, "hello server"},
		{"server to client", server, client, "hello client"},
	}

	for _, tt := range tests {
		n, err := tt.from.Write([]byte(tt.data))
		require.NoError(t, err, tt.name)
		assert.Equal(t, len(tt.data), n, tt.name)

		buf := make([]byte, len(tt.data))
		_, err = io.ReadFull(tt.to, buf)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.data, string(buf), tt.name)
	}
}

// TestStreamIgnoresMessageBoundaries tests reads spanning several messages
// and messages spanning several reads
func TestStreamIgnoresMessageBoundaries(t *testing.T) {
	t.Parallel()

	l := listen(t, allowAll)
	client, server := dialAccept(t, l)

	for _, part := range []string{"END_", "TYPES\n", "", "END_OBJECT\n"} {
		_, err := client.Write([]byte(part))
		require.NoError(t, err)
	}

	want := "END_TYPES\nEND_OBJECT\n"
	buf := make([]byte, len(want))
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, want, string(buf))
}

// TestStreamCloseReadsAsEOF tests that a peer close ends the stream cleanly
func TestStreamCloseReadsAsEOF(t *testing.T) {
	t.Parallel()

	l := listen(t, allowAll)
	client, server := dialAccept(t, l)

	require.NoError(t, client.Close())
	assert.NoError(t, client.Close(), "Close is idempotent")

	_, err := server.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)
}

// TestStreamAddresses tests that both ends report their peer
func TestStreamAddresses(t *testing.T) {
	t.Parallel()

	l := listen(t, allowAll)
	client, server := dialAccept(t, l)

	assert.Equal(t, client.LocalAddr().String(), server.RemoteAddr().String())
	assert.Equal(t, l.Addr().String(), client.RemoteAddr().String())
	assert.NoError(t, server.SetDeadline(time.Now().Add(time.Second)))
}

// TestListenerRejectsOrigin tests the CheckOrigin hook
func TestListenerRejectsOrigin(t *testing.T) {
	t.Parallel()

	l := listen(t, func(*http.Request) bool { return false })

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, err := Dial(context.Background(), url(l), header, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

// TestListenerWrongPath tests that only the upgrade path is served
func TestListenerWrongPath(t *testing.T) {
	t.Parallel()

	l := listen(t, allowAll)
	_, err := Dial(context.Background(), "ws://"+l.Addr().String()+"/other", nil, time.Second)
	assert.Error(t, err)
}

// TestListenerClose tests that Accept unblocks on Close
func TestListenerClose(t *testing.T) {
	t.Parallel()

	l := listen(t, allowAll)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		errCh <- err
	}()

	require.NoError(t, l.Close())
	assert.NoError(t, l.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, net.ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("Accept did not return after Close")
	}
}

// TestListenAddressInUse tests that a bound address is reported
func TestListenAddressInUse(t *testing.T) {
	t.Parallel()

	l := listen(t, allowAll)
	_, err := Listen(ListenerConfig{Addr: l.Addr().String()})
	assert.Error(t, err)
}

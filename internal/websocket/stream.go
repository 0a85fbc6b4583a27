// Package websocket carries the message stream over WebSocket connections.
// Each WebSocket is exposed as a net.Conn so the engine treats it like any
// other byte stream.
package websocket

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Stream adapts a WebSocket connection to a byte stream. Writes become binary
// messages; reads ignore message boundaries.
type Stream struct {
	ws *websocket.Conn

	reader  io.Reader
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var _ net.Conn = (*Stream)(nil)

// NewStream wraps an established WebSocket connection
func NewStream(ws *websocket.Conn) *Stream {
	return &Stream{ws: ws}
}

// Read reads from the current message, moving on to the next one when it is
// exhausted. A close frame from the peer reads as io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			_, r, err := s.ws.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.reader = r
		}

		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as one binary message
func (s *Stream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal closure frame and closes the connection
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		s.closeErr = s.ws.Close()
	})
	return s.closeErr
}

func (s *Stream) LocalAddr() net.Addr  { return s.ws.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.ws.RemoteAddr() }

func (s *Stream) SetDeadline(t time.Time) error {
	if err := s.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return s.ws.SetWriteDeadline(t)
}

func (s *Stream) SetReadDeadline(t time.Time) error  { return s.ws.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.ws.SetWriteDeadline(t) }

// Dial opens a WebSocket to url and wraps it in a Stream.
func Dial(ctx context.Context, url string, header http.Header, handshakeTimeout time.Duration) (*Stream, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return NewStream(ws), nil
}

package kephasstream

import "github.com/pkg/errors"

// Internal control commands. They are intercepted by the connection engine
// and never reach application handlers on the role that honors them.
const (
	// CmdPing is a liveness check; the receiver answers with CmdPong.
	CmdPing = "PING"
	// CmdPong answers CmdPing and echoes its token.
	CmdPong = "PONG"
	// CmdRequestClose is sent by a client that wants to disconnect.
	CmdRequestClose = "REQUEST_CLOSE"
	// CmdClose is sent by a server that is closing the connection.
	CmdClose = "CLOSE"
)

// IsInternal reports whether command belongs to the control vocabulary of
// either role.
func IsInternal(command string) bool {
	switch command {
	case CmdPing, CmdPong, CmdRequestClose, CmdClose:
		return true
	}
	return false
}

// Role tells the two ends of a connection apart.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// CloseReason describes why a connection was torn down.
type CloseReason int

const (
	CloseReasonNone CloseReason = iota
	// CloseReasonLocal: the application called Close.
	CloseReasonLocal
	// CloseReasonRequested: the client asked the server to close.
	CloseReasonRequested
	// CloseReasonRemote: the server announced CLOSE to the client.
	CloseReasonRemote
	// CloseReasonTimeout: nothing was received within the heartbeat timeout.
	CloseReasonTimeout
	// CloseReasonStreamFailure: reading or writing the stream failed.
	CloseReasonStreamFailure
	// CloseReasonRateLimited: the peer exceeded the inbound rate limit.
	CloseReasonRateLimited
	// CloseReasonShutdown: the server is stopping.
	CloseReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonNone:
		return "none"
	case CloseReasonLocal:
		return "local"
	case CloseReasonRequested:
		return "requested"
	case CloseReasonRemote:
		return "remote"
	case CloseReasonTimeout:
		return "timeout"
	case CloseReasonStreamFailure:
		return "stream failure"
	case CloseReasonRateLimited:
		return "rate limited"
	case CloseReasonShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Voluntary reports whether one of the two ends chose to close, as opposed
// to the connection being dropped.
func (r CloseReason) Voluntary() bool {
	switch r {
	case CloseReasonLocal, CloseReasonRequested, CloseReasonRemote, CloseReasonShutdown:
		return true
	}
	return false
}

// Standard errors
var (
	// Connection errors
	ErrConnectionClosed   = errors.New("connection is closed")
	ErrFailedToEncode     = errors.New("failed to encode message")
	ErrEmptyCommand       = errors.New("command name is empty")
	ErrConnectionNotFound = errors.New("connection not found")

	// Server errors
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrUnknownTransport     = errors.New("unknown transport")
	ErrNotServerRole        = errors.New("factory produced a connection that is not server-role")
)

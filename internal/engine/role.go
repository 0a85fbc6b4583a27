package engine

import (
	"context"

	"github.com/pkg/errors"

	"github.com/luciancaetano/kephasstream"
	"github.com/luciancaetano/kephasstream/internal/protocol"
)

// Role is the behavior that differs between the two ends of a connection:
// which control commands are honored and how Close works.
type Role interface {
	Kind() kephasstream.Role

	// HandleInternal handles msg if it belongs to the role's control
	// vocabulary and reports whether it did.
	HandleInternal(c *Connection, msg protocol.Message) (bool, error)

	// Close runs the role's close handshake.
	Close(ctx context.Context, c *Connection, reason kephasstream.CloseReason) error
}

type command struct {
	minParams int
	handle    func(c *Connection, params []any) error
}

type vocabulary map[string]command

func (v vocabulary) dispatch(c *Connection, msg protocol.Message) (bool, error) {
	cmd, ok := v[msg.Command]
	if !ok {
		return false, nil
	}
	if len(msg.Parameters) < cmd.minParams {
		return true, protocol.ErrNotEnoughParameters
	}
	return true, cmd.handle(c, msg.Parameters)
}

// heartbeatVocabulary is shared by both roles.
func heartbeatVocabulary() vocabulary {
	return vocabulary{
		kephasstream.CmdPing: {handle: handlePing},
		kephasstream.CmdPong: {handle: handlePong},
	}
}

func handlePing(c *Connection, params []any) error {
	var token uint64
	if len(params) > 0 {
		if t, err := protocol.Param[uint64](params, 0); err == nil {
			token = t
		}
	}
	c.pingOutstanding.Store(false)
	return c.Send(c.ctx, kephasstream.CmdPong, token)
}

// handlePong checks the echoed token when the peer sent one.
func handlePong(c *Connection, params []any) error {
	if len(params) == 0 {
		return nil
	}
	token, err := protocol.Param[uint64](params, 0)
	if err != nil {
		return err
	}
	if want := c.pingToken.Load(); token != want {
		c.logger.Debug().Uint64("token", token).Uint64("want", want).Msg("stale pong")
	}
	return nil
}

type clientRole struct {
	vocab vocabulary
}

// ClientRole returns the strategy of the dialing end. It honors CLOSE and
// closes by sending REQUEST_CLOSE.
func ClientRole() Role {
	r := &clientRole{vocab: heartbeatVocabulary()}
	r.vocab[kephasstream.CmdClose] = command{handle: func(c *Connection, params []any) error {
		if len(params) > 0 {
			if why, err := protocol.Param[string](params, 0); err == nil {
				c.logger.Debug().Str("why", why).Msg("server closed connection")
			}
		}
		c.terminate(kephasstream.CloseReasonRemote, 0)
		return nil
	}}
	return r
}

func (r *clientRole) Kind() kephasstream.Role { return kephasstream.RoleClient }

func (r *clientRole) HandleInternal(c *Connection, msg protocol.Message) (bool, error) {
	return r.vocab.dispatch(c, msg)
}

// Close asks the server to close. The connection stays open until CLOSE
// arrives.
func (r *clientRole) Close(ctx context.Context, c *Connection, _ kephasstream.CloseReason) error {
	if err := c.write(ctx, protocol.NewMessage(kephasstream.CmdRequestClose)); err != nil {
		return errors.Wrap(err, "request close")
	}
	return nil
}

type serverRole struct {
	vocab vocabulary
}

// ServerRole returns the strategy of the accepting end. It honors
// REQUEST_CLOSE and closes by sending CLOSE.
func ServerRole() Role {
	r := &serverRole{vocab: heartbeatVocabulary()}
	r.vocab[kephasstream.CmdRequestClose] = command{handle: func(c *Connection, _ []any) error {
		return r.Close(c.ctx, c, kephasstream.CloseReasonRequested)
	}}
	return r
}

func (r *serverRole) Kind() kephasstream.Role { return kephasstream.RoleServer }

func (r *serverRole) HandleInternal(c *Connection, msg protocol.Message) (bool, error) {
	return r.vocab.dispatch(c, msg)
}

// Close sends CLOSE and tears the connection down. The stream lingers so the
// peer can read CLOSE before the socket goes away.
func (r *serverRole) Close(ctx context.Context, c *Connection, reason kephasstream.CloseReason) error {
	if c.closed.Load() {
		return nil
	}
	err := c.write(ctx, protocol.NewMessage(kephasstream.CmdClose, reason.String()))
	if err != nil {
		c.logger.Debug().Err(err).Msg("could not send CLOSE")
	}
	c.terminate(reason, c.cfg.CloseLinger)
	return nil
}

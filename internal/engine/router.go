package engine

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephasstream"
)

// Router dispatches application commands to per-command handlers. Commands
// without a handler go to Fallback, or are logged and dropped.
type Router struct {
	handlers sync.Map // map[string]kephasstream.CommandHandler
	fallback kephasstream.Handler
	logger   zerolog.Logger
}

// NewRouter returns a Router. fallback may be nil.
func NewRouter(fallback kephasstream.Handler, logger zerolog.Logger) *Router {
	return &Router{fallback: fallback, logger: logger}
}

// Register stores handler for command, replacing any previous one.
func (r *Router) Register(command string, handler kephasstream.CommandHandler) error {
	if command == "" {
		return kephasstream.ErrEmptyCommand
	}
	r.handlers.Store(command, handler)
	return nil
}

// HandleCommand implements kephasstream.Handler.
func (r *Router) HandleCommand(conn kephasstream.Conn, command string, params []any) {
	if h, ok := r.handlers.Load(command); ok {
		h.(kephasstream.CommandHandler)(conn, params)
		return
	}
	if r.fallback != nil {
		r.fallback.HandleCommand(conn, command, params)
		return
	}
	r.logger.Debug().Str("conn", conn.ID()).Str("command", command).Msg("no handler for command")
}

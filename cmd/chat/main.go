// Command chat is a small chat room built on kephasstream. Run it once in
// server mode and any number of times in client mode; client lines typed on
// stdin are broadcast to everyone.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/luciancaetano/kephasstream"
	"github.com/luciancaetano/kephasstream/endpoint"
	"github.com/luciancaetano/kephasstream/internal/config"
	"github.com/luciancaetano/kephasstream/internal/logging"
)

const (
	CmdSay    = "SAY"
	CmdSaid   = "SAID"
	CmdNick   = "NICK"
	CmdUsers  = "USERS"
	CmdJoined = "JOINED"
	CmdLeft   = "LEFT"
)

// ChatLine is a broadcast chat message.
type ChatLine struct {
	From string    `json:"from"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

func chatTypes() *endpoint.TypeRegistry {
	types := endpoint.NewTypeRegistry()
	if err := endpoint.RegisterType[ChatLine](types, "chat.line"); err != nil {
		panic(err)
	}
	return types
}

type ChatServer struct {
	server kephasstream.Server
	logger zerolog.Logger

	mu    sync.RWMutex
	nicks map[string]string
}

func NewChatServer(cfg *config.Config) *ChatServer {
	cs := &ChatServer{
		logger: logging.For("chat"),
		nicks:  make(map[string]string),
	}

	sc := cfg.ServerConfig()
	sc.Engine.Types = chatTypes()
	sc.OnConnect = cs.join
	sc.OnDisconnect = cs.leave
	cs.server = endpoint.NewServer(sc)
	return cs
}

func (cs *ChatServer) Start(ctx context.Context) error {
	handlers := map[string]kephasstream.CommandHandler{
		CmdSay:   cs.handleSay,
		CmdNick:  cs.handleNick,
		CmdUsers: cs.handleUsers,
	}
	for command, handler := range handlers {
		if err := cs.server.RegisterHandler(ctx, command, handler); err != nil {
			return fmt.Errorf("register %s handler: %w", command, err)
		}
	}
	return cs.server.Start(ctx)
}

func (cs *ChatServer) nick(id string) string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.nicks[id]
}

func (cs *ChatServer) join(conn kephasstream.Conn) {
	nick := "guest-" + conn.ID()[:8]
	cs.mu.Lock()
	cs.nicks[conn.ID()] = nick
	cs.mu.Unlock()

	cs.logger.Info().Str("conn", conn.ID()).Str("nick", nick).Msg("joined")
	if err := cs.server.Broadcast(context.Background(), CmdJoined, nick); err != nil {
		cs.logger.Warn().Err(err).Msg("announce join")
	}
}

func (cs *ChatServer) leave(conn kephasstream.Conn, reason kephasstream.CloseReason) {
	cs.mu.Lock()
	nick := cs.nicks[conn.ID()]
	delete(cs.nicks, conn.ID())
	cs.mu.Unlock()

	cs.logger.Info().Str("conn", conn.ID()).Str("nick", nick).Stringer("reason", reason).Msg("left")
	if err := cs.server.Broadcast(context.Background(), CmdLeft, nick, reason.String()); err != nil {
		cs.logger.Warn().Err(err).Msg("announce leave")
	}
}

func (cs *ChatServer) handleSay(conn kephasstream.Conn, params []any) {
	text, err := endpoint.Param[string](params, 0)
	if err != nil || text == "" {
		return
	}
	line := ChatLine{From: cs.nick(conn.ID()), Text: text, At: time.Now()}
	if err := cs.server.Broadcast(conn.Context(), CmdSaid, line); err != nil {
		cs.logger.Warn().Err(err).Msg("broadcast line")
	}
}

func (cs *ChatServer) handleNick(conn kephasstream.Conn, params []any) {
	nick, err := endpoint.Param[string](params, 0)
	if err != nil || nick == "" {
		return
	}
	cs.mu.Lock()
	old := cs.nicks[conn.ID()]
	cs.nicks[conn.ID()] = nick
	cs.mu.Unlock()

	line := ChatLine{From: nick, Text: "was " + old, At: time.Now()}
	if err := cs.server.Broadcast(conn.Context(), CmdSaid, line); err != nil {
		cs.logger.Warn().Err(err).Msg("announce rename")
	}
}

func (cs *ChatServer) handleUsers(conn kephasstream.Conn, _ []any) {
	cs.mu.RLock()
	users := make([]string, 0, len(cs.nicks))
	for _, nick := range cs.nicks {
		users = append(users, nick)
	}
	cs.mu.RUnlock()
	sort.Strings(users)

	if err := conn.Send(conn.Context(), CmdUsers, users); err != nil {
		cs.logger.Warn().Err(err).Msg("send users")
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	cs := NewChatServer(cfg)
	if err := cs.Start(ctx); err != nil {
		return err
	}
	cs.logger.Info().Str("addr", cs.server.Addr().String()).Str("transport", cfg.Transport).Msg("chat server started")

	select {
	case <-ctx.Done():
	case <-cs.server.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cs.server.Stop(stopCtx)
}

func runClient(ctx context.Context, cfg *config.Config) error {
	cc := cfg.ClientConfig()
	cc.Connection.Types = chatTypes()
	cc.Handlers = map[string]kephasstream.CommandHandler{
		CmdSaid: func(_ kephasstream.Conn, params []any) {
			if line, err := endpoint.Param[ChatLine](params, 0); err == nil {
				fmt.Printf("[%s] %s: %s\n", line.At.Format(time.Kitchen), line.From, line.Text)
			}
		},
		CmdJoined: func(_ kephasstream.Conn, params []any) {
			nick, _ := endpoint.Param[string](params, 0)
			fmt.Printf("* %s joined\n", nick)
		},
		CmdLeft: func(_ kephasstream.Conn, params []any) {
			nick, _ := endpoint.Param[string](params, 0)
			fmt.Printf("* %s left\n", nick)
		},
		CmdUsers: func(_ kephasstream.Conn, params []any) {
			users, _ := endpoint.Param[[]string](params, 0)
			fmt.Printf("* online: %v\n", users)
		},
	}
	gone := make(chan kephasstream.CloseReason, 1)
	cc.OnDisconnect = func(_ kephasstream.Conn, reason kephasstream.CloseReason) {
		gone <- reason
	}

	var (
		c   kephasstream.Client
		err error
	)
	if cfg.Transport == endpoint.TransportWebsocket {
		c, err = endpoint.DialWebsocket(ctx, cfg.DialTarget(), cc)
	} else {
		c, err = endpoint.Dial(ctx, cfg.DialTarget(), cc)
	}
	if err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return c.Close(context.Background())
		case reason := <-gone:
			fmt.Printf("* disconnected: %s\n", reason)
			return nil
		case text, ok := <-lines:
			if !ok {
				return c.Close(context.Background())
			}
			if err := send(ctx, c, text); err != nil {
				return err
			}
		}
	}
}

// send maps "/nick name" and "/users" to their commands; anything else is
// said to the room.
func send(ctx context.Context, c kephasstream.Client, text string) error {
	switch {
	case text == "":
		return nil
	case text == "/users":
		return c.Send(ctx, CmdUsers)
	case len(text) > 6 && text[:6] == "/nick ":
		return c.Send(ctx, CmdNick, text[6:])
	}
	return c.Send(ctx, CmdSay, text)
}

func main() {
	fs := pflag.NewFlagSet("chat", pflag.ExitOnError)
	config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	path, _ := fs.GetString("config")
	cfg, err := config.Load(path, fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogPretty); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.For("chat")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Mode == config.ModeClient {
		err = runClient(ctx, cfg)
	} else {
		err = runServer(ctx, cfg)
	}
	if err != nil {
		logger.Error().Err(err).Msg("chat stopped")
		stop()
		os.Exit(1)
	}
}

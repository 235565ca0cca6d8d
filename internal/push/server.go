package push

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nhle/mailmirror/internal/engine"
)

const commandTimeout = 2 * time.Minute

// Server upgrades HTTP requests to websocket push sessions. Each
// session receives the broadcast event stream and may submit commands;
// the result of a submitted command is sent back on the same session.
type Server struct {
	broadcaster *Broadcaster
	dispatcher  *engine.Dispatcher
	upgrader    websocket.Upgrader
	log         zerolog.Logger
}

// NewServer wires a push server onto a broadcaster and dispatcher.
func NewServer(b *Broadcaster, d *engine.Dispatcher, log zerolog.Logger) *Server {
	return &Server{
		broadcaster: b,
		dispatcher:  d,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sub := s.broadcaster.Subscribe(c)
	s.log.Info().Str("remote", r.RemoteAddr).Msg("push client attached")
	go s.readLoop(c, sub, r.RemoteAddr)
}

// readLoop consumes inbound commands until the connection drops.
// Commands are executed one at a time in submission order.
func (s *Server) readLoop(c *websocket.Conn, sub *Subscriber, remote string) {
	defer func() {
		s.broadcaster.Unsubscribe(sub)
		s.log.Info().Str("remote", remote).Msg("push client detached")
	}()

	for {
		var in InboundCommand
		if err := c.ReadJSON(&in); err != nil {
			return
		}

		cmd, err := in.ToCommand()
		if err != nil {
			s.log.Debug().Err(err).Str("remote", remote).Msg("rejecting inbound command")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		res := s.dispatcher.Dispatch(ctx, cmd)
		cancel()

		sub.Send(ResultEvent(cmd.Kind, cmd.AccountID, cmd.UID, res))
	}
}

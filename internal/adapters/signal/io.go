package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/atedres/infinity-rooms/internal/app/session"
)

func (ctl *Controller) writePump(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump owns the connection's lifetime: when the socket drops, any
// live session is left so the roster and mesh converge without us.
func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, cl *client) {
	defer func() {
		log.Info().Str("module", "signal").Str("token", cl.token).Msg("readPump closing")
		if sess := cl.session(); sess != nil {
			sess.Leave()
		}
		cl.conn.Close()
		cancel()
	}()

	cl.conn.conn.SetReadLimit(ctl.Cfg.ReadLimit)

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("token", cl.token).Msg("readPump ctx done")
			return
		default:
			_, data, err := cl.conn.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("token", cl.token).Msg("readPump read error")
				return
			}
			ctl.handleFrame(ctx, cl, data)
		}
	}
}

func (ctl *Controller) handleFrame(ctx context.Context, cl *client, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "ping":
		ctl.handlePing(cl.conn)
	case "rename":
		ctl.handleRename(cl, data)
	case "whoami":
		ctl.handleWhoAmI(cl)
	case "create_room":
		ctl.handleCreateRoom(ctx, cl, data)
	case "list_rooms":
		ctl.handleListRooms(ctx, cl)
	case "join":
		ctl.handleJoin(ctx, cl, data)
	case "leave":
		ctl.handleLeave(cl)
	case "end_room":
		ctl.handleEndRoom(cl)
	case "chat":
		ctl.handleChat(cl, data)
	case "toggle_mute":
		ctl.withSession(cl, "toggle_mute", func(s *session.Session) error { return s.ToggleMute() })
	case "request_speak":
		ctl.withSession(cl, "request_speak", func(s *session.Session) error { return s.RequestToSpeak() })
	case "cancel_request":
		ctl.withSession(cl, "cancel_request", func(s *session.Session) error { return s.CancelSpeakRequest() })
	case "accept_request":
		ctl.handleTargeted(cl, data, "accept_request")
	case "deny_request":
		ctl.handleTargeted(cl, data, "deny_request")
	case "accept_invite":
		ctl.withSession(cl, "accept_invite", func(s *session.Session) error { return s.AcceptInvitation() })
	case "decline_invite":
		ctl.withSession(cl, "decline_invite", func(s *session.Session) error { return s.DeclineInvitation() })
	case "set_role":
		ctl.handleSetRole(cl, data)
	case "step_down":
		ctl.withSession(cl, "step_down", func(s *session.Session) error { return s.StepDown() })
	case "self_promote":
		ctl.withSession(cl, "self_promote", func(s *session.Session) error { return s.SelfPromote() })
	case "pin_link":
		ctl.handlePinLink(cl, data)
	case "edit_title":
		ctl.handleEditTitle(cl, data)
	case "ban":
		ctl.handleTargeted(cl, data, "ban")
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *Controller) sendJSON(c *Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) sendError(c *Conn, code string) {
	ctl.sendJSON(c, map[string]any{"type": "error", "error": code})
}

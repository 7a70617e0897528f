package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/atedres/infinity-rooms/internal/app/roles"
	"github.com/atedres/infinity-rooms/internal/app/session"
	"github.com/atedres/infinity-rooms/internal/core"
	"github.com/atedres/infinity-rooms/internal/domain"
)

func (ctl *Controller) handleCreateRoom(ctx context.Context, cl *client, data []byte) {
	type payload struct {
		Type        string `json:"type"`
		Title       string `json:"title"`
		Description string `json:"description"`
		OpenStage   *bool  `json:"open_stage"`
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad create_room payload")
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	if !ctl.Limiter.Allow(cl.user.ID) {
		ctl.sendError(cl.conn, "rate_limited")
		return
	}

	openStage := ctl.Cfg.OpenStageDefault
	if p.OpenStage != nil {
		openStage = *p.OpenStage
	}
	room, err := ctl.Roles.CreateRoom(ctx, p.Title, p.Description, cl.user.ID, openStage)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("create room")
		ctl.sendError(cl.conn, "create_failed")
		return
	}
	ctl.sendJSON(cl.conn, map[string]any{
		"type": "room_created",
		"room": string(room.ID),
	})
}

// roomSummary is the lobby view of one live room.
type roomSummary struct {
	Room         domain.Room `json:"room"`
	Participants int         `json:"participants"`
}

func (ctl *Controller) handleListRooms(ctx context.Context, cl *client) {
	docs, err := ctl.Store.List(ctx, core.Query{Collection: domain.ColRooms})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("list rooms")
		ctl.sendError(cl.conn, "list_failed")
		return
	}
	summaries := make([]roomSummary, 0, len(docs))
	for _, doc := range docs {
		var room domain.Room
		if err := json.Unmarshal(doc.Data, &room); err != nil {
			log.Error().Err(err).Str("module", "signal").Str("key", doc.Key).Msg("decode room")
			continue
		}
		roster, err := ctl.Roles.Roster(ctx, room.ID)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Str("room", string(room.ID)).Msg("roster for listing")
			continue
		}
		summaries = append(summaries, roomSummary{Room: room, Participants: len(roster)})
	}
	ctl.sendJSON(cl.conn, map[string]any{
		"type":  "room_list",
		"rooms": summaries,
	})
}

func (ctl *Controller) handleJoin(ctx context.Context, cl *client, data []byte) {
	type payload struct {
		Type string `json:"type"`
		Room string `json:"room"`
		Name string `json:"name,omitempty"`
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	if cl.session() != nil {
		ctl.sendError(cl.conn, "already_in_room")
		return
	}
	if !ctl.Limiter.Allow(cl.user.ID) {
		ctl.sendError(cl.conn, "rate_limited")
		return
	}
	if p.Name != "" {
		if user, err := ctl.Users.UpdateName(cl.token, p.Name); err == nil {
			cl.mu.Lock()
			cl.user = user
			cl.mu.Unlock()
		}
	}

	cl.mu.Lock()
	user := cl.user
	cl.mu.Unlock()

	log.Info().Str("module", "signal").Str("token", cl.token).Str("room", p.Room).Msg("join")
	sess, err := session.Join(ctx, session.Config{
		RoomID:     domain.RoomID(p.Room),
		User:       user,
		Store:      ctl.Store,
		Capture:    ctl.Capture,
		Peers:      ctl.Peers,
		Roles:      ctl.Roles,
		ICEServers: ctl.Cfg.ICEServers,
		Notifier:   connNotifier{ctl: ctl, conn: cl.conn},
		Hooks:      ctl.hooks(cl),
	})
	if err != nil {
		ctl.sendError(cl.conn, joinErrorCode(err))
		return
	}

	cl.mu.Lock()
	cl.sess = sess
	cl.mu.Unlock()

	ctl.sendJSON(cl.conn, map[string]any{
		"type":   "joined",
		"room":   sess.Room(),
		"role":   sess.Role(),
		"roster": sess.Roster(),
	})
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, roles.ErrBanned):
		return "banned"
	case errors.Is(err, session.ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, session.ErrMicDenied):
		return "mic_denied"
	default:
		return "join_failed"
	}
}

// hooks fans the session's read models out to this client's socket.
func (ctl *Controller) hooks(cl *client) session.Hooks {
	return session.Hooks{
		OnRoom: func(room domain.Room) {
			ctl.sendJSON(cl.conn, map[string]any{"type": "room_state", "room": room})
		},
		OnRoster: func(ps []domain.Participant) {
			ctl.sendJSON(cl.conn, map[string]any{"type": "roster", "participants": ps})
		},
		OnChat: func(ms []domain.ChatMessage) {
			ctl.sendJSON(cl.conn, map[string]any{"type": "chat_history", "messages": ms})
		},
		OnRequests: func(rs []domain.SpeakRequest) {
			ctl.sendJSON(cl.conn, map[string]any{"type": "speak_requests", "requests": rs})
		},
		OnInvitation: func(inv *domain.SpeakerInvitation) {
			ctl.sendJSON(cl.conn, map[string]any{"type": "invitation", "invitation": inv})
		},
		OnEnded: func(reason session.EndReason) {
			cl.mu.Lock()
			cl.sess = nil
			cl.mu.Unlock()
			ctl.sendJSON(cl.conn, map[string]any{"type": "room_ended", "reason": endReasonCode(reason)})
		},
		OnPeerStream: func(uid domain.UserID, stream core.RemoteStream) {
			ctl.sendJSON(cl.conn, map[string]any{"type": "peer_stream", "user": uid, "stream_id": stream.ID()})
		},
		OnPeerStreamGone: func(uid domain.UserID) {
			ctl.sendJSON(cl.conn, map[string]any{"type": "peer_stream_gone", "user": uid})
		},
	}
}

func endReasonCode(reason session.EndReason) string {
	switch reason {
	case session.EndRoomEnded:
		return "ended"
	case session.EndRemoved:
		return "removed"
	default:
		return "left"
	}
}

// handleLeave exits the current room; the socket itself stays up.
func (ctl *Controller) handleLeave(cl *client) {
	sess := cl.session()
	if sess == nil {
		ctl.sendError(cl.conn, "not_in_room")
		return
	}
	log.Info().Str("module", "signal").Str("token", cl.token).Msg("leave")
	sess.Leave()
}

func (ctl *Controller) handleEndRoom(cl *client) {
	ctl.withSession(cl, "end_room", func(s *session.Session) error { return s.EndRoom() })
}

func (ctl *Controller) handleChat(cl *client, data []byte) {
	type payload struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	if !ctl.Limiter.Allow(cl.user.ID) {
		ctl.sendError(cl.conn, "rate_limited")
		return
	}
	ctl.withSession(cl, "chat", func(s *session.Session) error { return s.SendChat(p.Text) })
}

package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/atedres/infinity-rooms/internal/app/roles"
	"github.com/atedres/infinity-rooms/internal/app/session"
	"github.com/atedres/infinity-rooms/internal/domain"
)

// withSession runs one action against the client's live session, mapping
// the controller's error taxonomy onto wire error codes.
func (ctl *Controller) withSession(cl *client, action string, fn func(*session.Session) error) {
	sess := cl.session()
	if sess == nil {
		ctl.sendError(cl.conn, "not_in_room")
		return
	}
	if err := fn(sess); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("action", action).Str("token", cl.token).Msg("action refused")
		ctl.sendError(cl.conn, actionErrorCode(err))
	}
}

func actionErrorCode(err error) string {
	switch {
	case errors.Is(err, roles.ErrNotAllowed):
		return "not_allowed"
	case errors.Is(err, roles.ErrInvalidRole):
		return "invalid_role"
	default:
		return "action_failed"
	}
}

// handleTargeted covers the moderator actions that name another user.
func (ctl *Controller) handleTargeted(cl *client, data []byte, action string) {
	type payload struct {
		Type string `json:"type"`
		User string `json:"user"`
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil || p.User == "" {
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	target := domain.UserID(p.User)
	ctl.withSession(cl, action, func(s *session.Session) error {
		switch action {
		case "accept_request":
			return s.AcceptSpeakRequest(target)
		case "deny_request":
			return s.DenySpeakRequest(target)
		case "ban":
			return s.Ban(target)
		default:
			return errors.New("unknown targeted action")
		}
	})
}

func (ctl *Controller) handleSetRole(cl *client, data []byte) {
	type payload struct {
		Type string `json:"type"`
		User string `json:"user"`
		Role string `json:"role"`
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil || p.User == "" {
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	ctl.withSession(cl, "set_role", func(s *session.Session) error {
		return s.SetRole(domain.UserID(p.User), domain.Role(p.Role))
	})
}

func (ctl *Controller) handlePinLink(cl *client, data []byte) {
	type payload struct {
		Type string `json:"type"`
		Link string `json:"link"`
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	ctl.withSession(cl, "pin_link", func(s *session.Session) error { return s.PinLink(p.Link) })
}

func (ctl *Controller) handleEditTitle(cl *client, data []byte) {
	type payload struct {
		Type  string `json:"type"`
		Title string `json:"title"`
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	ctl.withSession(cl, "edit_title", func(s *session.Session) error { return s.EditTitle(p.Title) })
}

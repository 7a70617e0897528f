package signal

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/atedres/infinity-rooms/internal/domain"
)

// UserRegistry maps client tokens to user identities. The token doubles
// as the user id so a reconnect lands on the same participant record.
type UserRegistry struct {
	mu    sync.Mutex
	users map[string]domain.User
}

func NewUserRegistry() *UserRegistry {
	return &UserRegistry{users: make(map[string]domain.User)}
}

func (r *UserRegistry) GetOrCreate(token string) domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[token]; ok {
		return u
	}
	name := "guest-" + token
	if len(token) >= 8 {
		name = "guest-" + token[:8]
	}
	u := domain.User{ID: domain.UserID(token), DisplayName: name}
	r.users[token] = u
	return u
}

func (r *UserRegistry) UpdateName(token, name string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[token]
	if !ok {
		return domain.User{}, errors.New("unknown client token")
	}
	if err := u.SetDisplayName(name); err != nil {
		return domain.User{}, err
	}
	r.users[token] = u
	return u, nil
}

func (ctl *Controller) handleRename(cl *client, data []byte) {
	type payload struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad rename payload")
		ctl.sendError(cl.conn, "bad_payload")
		return
	}

	user, err := ctl.Users.UpdateName(cl.token, p.Name)
	if err != nil {
		ctl.sendError(cl.conn, "invalid_name")
		return
	}
	cl.mu.Lock()
	cl.user = user
	cl.mu.Unlock()

	log.Info().Str("module", "signal").Str("token", cl.token).Str("name", p.Name).Msg("rename")
	ctl.handleWhoAmI(cl)
}

func (ctl *Controller) handleWhoAmI(cl *client) {
	cl.mu.Lock()
	user := cl.user
	sess := cl.sess
	cl.mu.Unlock()

	resp := map[string]any{
		"type": "whoami",
		"user": user,
	}
	if sess != nil {
		room := sess.Room()
		resp["room"] = room.ID
		resp["room_title"] = room.Title
		resp["role"] = sess.Role()
	}
	ctl.sendJSON(cl.conn, resp)
}

package domain

import (
	"errors"
	"time"
)

const MaxRoomTitleLen = 128

var (
	ErrRoomTitleEmpty   = errors.New("room title empty")
	ErrRoomTitleTooLong = errors.New("room title too long")
)

type RoomID string

type Room struct {
	ID          RoomID          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	CreatorID   UserID          `json:"creator_id"`
	PinnedLink  string          `json:"pinned_link,omitempty"`
	Roles       map[UserID]Role `json:"roles,omitempty"`
	OpenStage   bool            `json:"open_stage"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewRoom builds a room owned by creator. The Roles map holds persisted
// speaker/moderator grants; the creator never appears in it.
func NewRoom(id RoomID, title, description string, creator UserID, openStage bool) (*Room, error) {
	if len(title) == 0 {
		return nil, ErrRoomTitleEmpty
	}
	if len(title) > MaxRoomTitleLen {
		return nil, ErrRoomTitleTooLong
	}
	return &Room{
		ID:          id,
		Title:       title,
		Description: description,
		CreatorID:   creator,
		Roles:       make(map[UserID]Role),
		OpenStage:   openStage,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (r *Room) SetTitle(title string) error {
	if len(title) == 0 {
		return ErrRoomTitleEmpty
	}
	if len(title) > MaxRoomTitleLen {
		return ErrRoomTitleTooLong
	}
	r.Title = title
	return nil
}

// InitialRole resolves the role a joining user starts with: the creator
// always comes back as creator, persisted grants survive rejoins, everyone
// else starts as a listener.
func (r *Room) InitialRole(uid UserID) Role {
	if uid == r.CreatorID {
		return RoleCreator
	}
	if role, ok := r.Roles[uid]; ok {
		return role
	}
	return RoleListener
}

func (r *Room) Elapsed(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

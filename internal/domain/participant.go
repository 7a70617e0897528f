package domain

import "time"

type Role string

const (
	RoleListener  Role = "listener"
	RoleSpeaker   Role = "speaker"
	RoleModerator Role = "moderator"
	RoleCreator   Role = "creator"
)

// CanModerate reports whether the role may perform admin actions.
func (r Role) CanModerate() bool {
	return r == RoleModerator || r == RoleCreator
}

// CanSpeak reports whether the role may hold an open microphone.
func (r Role) CanSpeak() bool {
	return r != RoleListener
}

func (r Role) Valid() bool {
	switch r {
	case RoleListener, RoleSpeaker, RoleModerator, RoleCreator:
		return true
	}
	return false
}

// Participant is one user's presence in one room. Exactly one record
// exists per (room, user) pair; it is created on join and deleted on leave.
type Participant struct {
	RoomID      RoomID    `json:"room_id"`
	UserID      UserID    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	IsMuted     bool      `json:"is_muted"`
	Role        Role      `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
}

// NewParticipant applies the listener mute invariant at construction time.
func NewParticipant(roomID RoomID, user User, role Role) *Participant {
	return &Participant{
		RoomID:      roomID,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		IsMuted:     role == RoleListener,
		Role:        role,
		JoinedAt:    time.Now().UTC(),
	}
}

package domain

import "time"

// SpeakRequest is created when a listener asks for the stage. It is
// deleted when a moderator accepts or denies it, or when an invitation
// fulfills it.
type SpeakRequest struct {
	RoomID      RoomID    `json:"room_id"`
	UserID      UserID    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SpeakerInvitation is created when a moderator accepts a request (or
// invites directly); the invitee deletes it on accept or decline.
type SpeakerInvitation struct {
	RoomID      RoomID    `json:"room_id"`
	InviteeID   UserID    `json:"invitee_id"`
	InviterID   UserID    `json:"inviter_id"`
	InviterName string    `json:"inviter_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// BanRecord keeps a banned user out across rejoin attempts. The join flow
// consults the room's ban list before writing any participant record.
type BanRecord struct {
	RoomID    RoomID    `json:"room_id"`
	UserID    UserID    `json:"user_id"`
	BannedBy  UserID    `json:"banned_by"`
	CreatedAt time.Time `json:"created_at"`
}

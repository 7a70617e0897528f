package domain

import (
	"encoding/json"
	"time"
)

// SignalEnvelope is one negotiation message in a room's signaling mailbox.
// Envelopes are ephemeral: the recipient applies the payload and deletes
// the document in the same handler, so the collection never accumulates.
type SignalEnvelope struct {
	ID        string          `json:"id"`
	RoomID    RoomID          `json:"room_id"`
	From      UserID          `json:"from"`
	To        UserID          `json:"to"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ChatMessage is append-only; it is never mutated or deleted in normal
// operation.
type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    RoomID    `json:"room_id"`
	From      UserID    `json:"from"`
	FromName  string    `json:"from_name"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

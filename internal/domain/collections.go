package domain

// Relay store collection names.
const (
	ColRooms         = "rooms"
	ColParticipants  = "participants"
	ColSpeakRequests = "speak_requests"
	ColInvitations   = "speaker_invitations"
	ColSignals       = "signals"
	ColChat          = "chat_messages"
	ColBans          = "bans"
)

// Composite keys for per-room sub-collections.

func ParticipantKey(roomID RoomID, userID UserID) string {
	return string(roomID) + "/" + string(userID)
}

func SpeakRequestKey(roomID RoomID, userID UserID) string {
	return string(roomID) + "/" + string(userID)
}

func InvitationKey(roomID RoomID, inviteeID UserID) string {
	return string(roomID) + "/" + string(inviteeID)
}

func BanKey(roomID RoomID, userID UserID) string {
	return string(roomID) + "/" + string(userID)
}

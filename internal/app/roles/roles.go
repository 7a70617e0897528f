// Package roles is the room membership and role controller: every role
// transition, moderator action, and the room's authority invariants go
// through here. All mutations are written to tolerate the benign races of
// a shared store (target already left, room already deleted).
package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atedres/infinity-rooms/internal/core"
	"github.com/atedres/infinity-rooms/internal/domain"
)

var (
	ErrNotAllowed  = errors.New("roles: not allowed")
	ErrInvalidRole = errors.New("roles: invalid role")
	ErrBanned      = errors.New("roles: banned from room")
)

type Controller struct {
	store  core.RelayStore
	logger zerolog.Logger
}

func NewController(store core.RelayStore) *Controller {
	return &Controller{
		store:  store,
		logger: log.With().Str("module", "app.roles").Logger(),
	}
}

// CreateRoom writes a fresh room document owned by creator.
func (c *Controller) CreateRoom(ctx context.Context, title, description string, creator domain.UserID, openStage bool) (*domain.Room, error) {
	room, err := domain.NewRoom(domain.RoomID(uuid.NewString()), title, description, creator, openStage)
	if err != nil {
		return nil, err
	}
	doc, err := core.EncodeDoc(domain.ColRooms, string(room.ID), room)
	if err != nil {
		return nil, err
	}
	if err := c.store.Create(ctx, doc); err != nil {
		return nil, err
	}
	c.logger.Info().Str("room", string(room.ID)).Str("creator", string(creator)).Msg("room created")
	return room, nil
}

func (c *Controller) readRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	doc, err := c.store.Read(ctx, domain.ColRooms, string(roomID))
	if err != nil {
		return nil, err
	}
	var room domain.Room
	if err := json.Unmarshal(doc.Data, &room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return &room, nil
}

func (c *Controller) readParticipant(ctx context.Context, roomID domain.RoomID, uid domain.UserID) (*domain.Participant, error) {
	doc, err := c.store.Read(ctx, domain.ColParticipants, domain.ParticipantKey(roomID, uid))
	if err != nil {
		return nil, err
	}
	var p domain.Participant
	if err := json.Unmarshal(doc.Data, &p); err != nil {
		return nil, fmt.Errorf("decode participant %s: %w", uid, err)
	}
	return &p, nil
}

// requireModerator returns ErrNotAllowed unless actor is currently a
// moderator or the creator of the room.
func (c *Controller) requireModerator(ctx context.Context, roomID domain.RoomID, actor domain.UserID) error {
	p, err := c.readParticipant(ctx, roomID, actor)
	if err != nil {
		return ErrNotAllowed
	}
	if !p.Role.CanModerate() {
		return ErrNotAllowed
	}
	return nil
}

// SetRole moves target to role. Promotions and demotions of others need a
// moderating actor; the only self-service transition here is stepping down
// to listener. The participant document and the room's roles map are
// written in one atomic batch.
func (c *Controller) SetRole(ctx context.Context, roomID domain.RoomID, actor, target domain.UserID, role domain.Role) error {
	if !role.Valid() || role == domain.RoleCreator {
		return ErrInvalidRole
	}
	if actor == target {
		if role != domain.RoleListener {
			return ErrNotAllowed
		}
	} else if err := c.requireModerator(ctx, roomID, actor); err != nil {
		return err
	}
	return c.applyRole(ctx, roomID, target, role)
}

func (c *Controller) applyRole(ctx context.Context, roomID domain.RoomID, target domain.UserID, role domain.Role) error {
	p, err := c.readParticipant(ctx, roomID, target)
	if err != nil {
		return c.swallowNotFound(err, "participant gone during role change")
	}
	if p.Role == domain.RoleCreator {
		return ErrNotAllowed
	}
	if p.Role == role {
		return nil
	}

	fields := map[string]any{"role": role}
	// Listeners are always muted; coming off the listener row defaults to
	// an open microphone.
	if role == domain.RoleListener {
		fields["is_muted"] = true
	} else if p.Role == domain.RoleListener {
		fields["is_muted"] = false
	}

	// The roles map is written one entry at a time so concurrent grants
	// to different users never overwrite each other; listeners drop out
	// of the map entirely.
	var entry any
	if role != domain.RoleListener {
		entry = role
	}

	err = c.store.RunBatch(ctx, []core.BatchOp{
		{Kind: core.BatchUpdate, Collection: domain.ColParticipants, Key: domain.ParticipantKey(roomID, target), Fields: fields},
		{Kind: core.BatchUpdate, Collection: domain.ColRooms, Key: string(roomID), Fields: map[string]any{"roles." + string(target): entry}},
	})
	if err != nil {
		return c.swallowNotFound(err, "role batch raced a leave")
	}
	c.logger.Info().Str("room", string(roomID)).Str("target", string(target)).Str("role", string(role)).Msg("role changed")
	return nil
}

// SelfPromote takes the stage in an open-stage room: allowed only while
// the roster holds no creator, moderator, or speaker at all.
func (c *Controller) SelfPromote(ctx context.Context, roomID domain.RoomID, uid domain.UserID) error {
	room, err := c.readRoom(ctx, roomID)
	if err != nil {
		return c.swallowNotFound(err, "room gone during self-promotion")
	}
	if !room.OpenStage {
		return ErrNotAllowed
	}
	roster, err := c.Roster(ctx, roomID)
	if err != nil {
		return err
	}
	for _, p := range roster {
		if p.Role.CanSpeak() {
			return ErrNotAllowed
		}
	}
	return c.applyRole(ctx, roomID, uid, domain.RoleSpeaker)
}

// EnsureModerator enforces the authority invariant on a roster snapshot:
// no creator or moderator present but at least one speaker means the first
// speaker (by join time, then id) is promoted. Once a moderator exists the
// predicate is false, so the check is stable.
func (c *Controller) EnsureModerator(ctx context.Context, roomID domain.RoomID, roster []domain.Participant) (domain.UserID, error) {
	speakers := make([]domain.Participant, 0, len(roster))
	for _, p := range roster {
		if p.Role.CanModerate() {
			return "", nil
		}
		if p.Role == domain.RoleSpeaker {
			speakers = append(speakers, p)
		}
	}
	if len(speakers) == 0 {
		return "", nil
	}
	sort.Slice(speakers, func(i, j int) bool {
		if !speakers[i].JoinedAt.Equal(speakers[j].JoinedAt) {
			return speakers[i].JoinedAt.Before(speakers[j].JoinedAt)
		}
		return speakers[i].UserID < speakers[j].UserID
	})
	chosen := speakers[0].UserID
	if err := c.applyRole(ctx, roomID, chosen, domain.RoleModerator); err != nil {
		return "", err
	}
	c.logger.Info().Str("room", string(roomID)).Str("user", string(chosen)).Msg("auto-promoted speaker to moderator")
	return chosen, nil
}

// SetMuted flips the mute flag. Listeners cannot unmute themselves.
func (c *Controller) SetMuted(ctx context.Context, roomID domain.RoomID, uid domain.UserID, muted bool) error {
	p, err := c.readParticipant(ctx, roomID, uid)
	if err != nil {
		return c.swallowNotFound(err, "participant gone during mute change")
	}
	if !muted && !p.Role.CanSpeak() {
		return ErrNotAllowed
	}
	err = c.store.Update(ctx, domain.ColParticipants, domain.ParticipantKey(roomID, uid), map[string]any{"is_muted": muted})
	return c.swallowNotFound(err, "mute change raced a leave")
}

// RequestToSpeak files a listener's request for the stage.
func (c *Controller) RequestToSpeak(ctx context.Context, roomID domain.RoomID, user domain.User) error {
	req := domain.SpeakRequest{
		RoomID:      roomID,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		CreatedAt:   time.Now().UTC(),
	}
	doc, err := core.EncodeDoc(domain.ColSpeakRequests, domain.SpeakRequestKey(roomID, user.ID), req)
	if err != nil {
		return err
	}
	if err := c.store.Create(ctx, doc); err != nil {
		if errors.Is(err, core.ErrExists) {
			return nil // already pending
		}
		return err
	}
	return nil
}

func (c *Controller) CancelSpeakRequest(ctx context.Context, roomID domain.RoomID, uid domain.UserID) error {
	err := c.store.Delete(ctx, domain.ColSpeakRequests, domain.SpeakRequestKey(roomID, uid))
	return c.swallowNotFound(err, "request already gone")
}

// AcceptSpeakRequest turns a pending request into an invitation: both
// documents move in one atomic batch so the request can never be accepted
// twice.
func (c *Controller) AcceptSpeakRequest(ctx context.Context, roomID domain.RoomID, actor domain.User, requester domain.UserID) error {
	if err := c.requireModerator(ctx, roomID, actor.ID); err != nil {
		return err
	}
	inv := domain.SpeakerInvitation{
		RoomID:      roomID,
		InviteeID:   requester,
		InviterID:   actor.ID,
		InviterName: actor.DisplayName,
		CreatedAt:   time.Now().UTC(),
	}
	doc, err := core.EncodeDoc(domain.ColInvitations, domain.InvitationKey(roomID, requester), inv)
	if err != nil {
		return err
	}
	err = c.store.RunBatch(ctx, []core.BatchOp{
		{Kind: core.BatchDelete, Collection: domain.ColSpeakRequests, Key: domain.SpeakRequestKey(roomID, requester)},
		{Kind: core.BatchCreate, Doc: doc},
	})
	if errors.Is(err, core.ErrExists) {
		// An invitation is already pending; drop the request on its own.
		return c.CancelSpeakRequest(ctx, roomID, requester)
	}
	return c.swallowNotFound(err, "request vanished before accept")
}

func (c *Controller) DenySpeakRequest(ctx context.Context, roomID domain.RoomID, actor, requester domain.UserID) error {
	if err := c.requireModerator(ctx, roomID, actor); err != nil {
		return err
	}
	err := c.store.Delete(ctx, domain.ColSpeakRequests, domain.SpeakRequestKey(roomID, requester))
	return c.swallowNotFound(err, "request vanished before deny")
}

// AcceptInvitation promotes the invitee to speaker and consumes the
// invitation atomically; acceptance unmutes by the listener-exit default.
func (c *Controller) AcceptInvitation(ctx context.Context, roomID domain.RoomID, invitee domain.UserID) error {
	if _, err := c.store.Read(ctx, domain.ColInvitations, domain.InvitationKey(roomID, invitee)); err != nil {
		return c.swallowNotFound(err, "invitation already gone")
	}
	err := c.store.RunBatch(ctx, []core.BatchOp{
		{Kind: core.BatchDelete, Collection: domain.ColInvitations, Key: domain.InvitationKey(roomID, invitee)},
		{Kind: core.BatchUpdate, Collection: domain.ColParticipants, Key: domain.ParticipantKey(roomID, invitee), Fields: map[string]any{
			"role": domain.RoleSpeaker, "is_muted": false,
		}},
		{Kind: core.BatchUpdate, Collection: domain.ColRooms, Key: string(roomID), Fields: map[string]any{"roles." + string(invitee): domain.RoleSpeaker}},
	})
	if err != nil {
		return c.swallowNotFound(err, "invitation accept raced a leave")
	}
	// A leftover request from before the invitation is fulfilled now.
	return c.CancelSpeakRequest(ctx, roomID, invitee)
}

func (c *Controller) DeclineInvitation(ctx context.Context, roomID domain.RoomID, invitee domain.UserID) error {
	err := c.store.Delete(ctx, domain.ColInvitations, domain.InvitationKey(roomID, invitee))
	return c.swallowNotFound(err, "invitation already gone")
}

// PinLink sets or clears the room's pinned link.
func (c *Controller) PinLink(ctx context.Context, roomID domain.RoomID, actor domain.UserID, link string) error {
	if err := c.requireModerator(ctx, roomID, actor); err != nil {
		return err
	}
	err := c.store.Update(ctx, domain.ColRooms, string(roomID), map[string]any{"pinned_link": link})
	return c.swallowNotFound(err, "room gone during pin")
}

func (c *Controller) EditTitle(ctx context.Context, roomID domain.RoomID, actor domain.UserID, title string) error {
	if err := c.requireModerator(ctx, roomID, actor); err != nil {
		return err
	}
	if len(title) == 0 {
		return domain.ErrRoomTitleEmpty
	}
	if len(title) > domain.MaxRoomTitleLen {
		return domain.ErrRoomTitleTooLong
	}
	err := c.store.Update(ctx, domain.ColRooms, string(roomID), map[string]any{"title": title})
	return c.swallowNotFound(err, "room gone during title edit")
}

// Ban removes target from the room and records the ban so the join flow
// refuses a silent rejoin. Removal and ban record land in one batch; if
// the target already left, the ban record is still written.
func (c *Controller) Ban(ctx context.Context, roomID domain.RoomID, actor, target domain.UserID) error {
	if err := c.requireModerator(ctx, roomID, actor); err != nil {
		return err
	}
	if room, err := c.readRoom(ctx, roomID); err == nil && room.CreatorID == target {
		return ErrNotAllowed
	}
	ban := domain.BanRecord{RoomID: roomID, UserID: target, BannedBy: actor, CreatedAt: time.Now().UTC()}
	doc, err := core.EncodeDoc(domain.ColBans, domain.BanKey(roomID, target), ban)
	if err != nil {
		return err
	}
	err = c.store.RunBatch(ctx, []core.BatchOp{
		{Kind: core.BatchDelete, Collection: domain.ColParticipants, Key: domain.ParticipantKey(roomID, target)},
		{Kind: core.BatchCreate, Doc: doc},
	})
	switch {
	case errors.Is(err, core.ErrNotFound):
		// Target already left; the ban still has to stick.
		if err := c.store.Create(ctx, doc); err != nil && !errors.Is(err, core.ErrExists) {
			return err
		}
		return nil
	case errors.Is(err, core.ErrExists):
		// Already banned; just make sure the participant record is gone.
		err := c.store.Delete(ctx, domain.ColParticipants, domain.ParticipantKey(roomID, target))
		return c.swallowNotFound(err, "banned participant already gone")
	case err != nil:
		return err
	}
	c.logger.Info().Str("room", string(roomID)).Str("target", string(target)).Str("by", string(actor)).Msg("participant banned")
	return nil
}

// IsBanned is the join flow's gate.
func (c *Controller) IsBanned(ctx context.Context, roomID domain.RoomID, uid domain.UserID) (bool, error) {
	_, err := c.store.Read(ctx, domain.ColBans, domain.BanKey(roomID, uid))
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// EndRoom deletes the room document; every live session observes the
// disappearance and tears itself down.
func (c *Controller) EndRoom(ctx context.Context, roomID domain.RoomID, actor domain.UserID) error {
	if err := c.requireModerator(ctx, roomID, actor); err != nil {
		return err
	}
	err := c.store.Delete(ctx, domain.ColRooms, string(roomID))
	return c.swallowNotFound(err, "room already ended")
}

// Roster lists the room's current participants.
func (c *Controller) Roster(ctx context.Context, roomID domain.RoomID) ([]domain.Participant, error) {
	docs, err := c.store.List(ctx, core.Query{
		Collection: domain.ColParticipants,
		Filters:    map[string]string{"room_id": string(roomID)},
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Participant, 0, len(docs))
	for _, doc := range docs {
		var p domain.Participant
		if err := json.Unmarshal(doc.Data, &p); err != nil {
			return nil, fmt.Errorf("decode participant %s: %w", doc.Key, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Controller) swallowNotFound(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrNotFound) {
		c.logger.Debug().Err(err).Msg(msg)
		return nil
	}
	return err
}

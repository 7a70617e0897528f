// Package session runs one local participation in one room: the join
// sequence, the live event loop, and the ordered idempotent teardown.
// Every state transition happens in response to a store subscription
// callback, a user action, or a connection lifecycle event.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atedres/infinity-rooms/internal/app/mesh"
	"github.com/atedres/infinity-rooms/internal/app/roles"
	"github.com/atedres/infinity-rooms/internal/core"
	"github.com/atedres/infinity-rooms/internal/domain"
)

type State int

const (
	StateJoining State = iota
	StateActive
	StateLeaving
	StateClosed
)

// EndReason tells the UI layer why the session ended.
type EndReason int

const (
	// EndSelf is a local, deliberate leave (or the local user ending the room).
	EndSelf EndReason = iota
	// EndRoomEnded means the room document disappeared under us.
	EndRoomEnded
	// EndRemoved means our participant record was deleted remotely (ban/kick).
	EndRemoved
)

var (
	ErrMicDenied    = errors.New("session: microphone permission denied")
	ErrRoomNotFound = errors.New("session: room not found")
)

const autoModInterval = 15 * time.Second

// Hooks are the reactive read models pushed to whatever UI is attached.
// All hooks are optional and are invoked off the session's own locks.
type Hooks struct {
	OnRoom           func(domain.Room)
	OnRoster         func([]domain.Participant)
	OnChat           func([]domain.ChatMessage)
	OnRequests       func([]domain.SpeakRequest)
	OnInvitation     func(*domain.SpeakerInvitation)
	OnEnded          func(EndReason)
	OnPeerStream     func(domain.UserID, core.RemoteStream)
	OnPeerStreamGone func(domain.UserID)
}

type Config struct {
	RoomID     domain.RoomID
	User       domain.User
	Store      core.RelayStore
	Capture    core.MediaCapture
	Peers      core.PeerFactory
	Roles      *roles.Controller
	ICEServers []string
	Notifier   core.Notifier
	Hooks      Hooks
}

type Session struct {
	cfg      Config
	notifier core.Notifier
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stream core.AudioStream
	mesh   *mesh.Manager

	mu         sync.Mutex
	state      State
	room       domain.Room
	roster     map[domain.UserID]domain.Participant
	chat       []domain.ChatMessage
	chatSeen   map[string]struct{}
	requests   map[domain.UserID]domain.SpeakRequest
	invitation *domain.SpeakerInvitation
	unsubs     []core.UnsubscribeFunc
}

// Join runs the full join sequence and returns an active session. On any
// failure everything acquired so far is released before returning.
func Join(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Notifier == nil {
		cfg.Notifier = core.NopNotifier{}
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:      cfg,
		notifier: cfg.Notifier,
		logger: log.With().
			Str("module", "app.session").
			Str("room", string(cfg.RoomID)).
			Str("user", string(cfg.User.ID)).
			Logger(),
		ctx:      sctx,
		cancel:   cancel,
		state:    StateJoining,
		roster:   make(map[domain.UserID]domain.Participant),
		chatSeen: make(map[string]struct{}),
		requests: make(map[domain.UserID]domain.SpeakRequest),
	}

	stream, err := cfg.Capture.RequestAudioStream(ctx)
	if err != nil {
		cancel()
		if errors.Is(err, core.ErrPermissionDenied) {
			s.notifier.Notify(core.NoticeError, "microphone access was denied")
			return nil, fmt.Errorf("%w: %v", ErrMicDenied, err)
		}
		return nil, fmt.Errorf("acquire audio: %w", err)
	}
	s.stream = stream

	fail := func(err error) (*Session, error) {
		stream.Stop()
		cancel()
		return nil, err
	}

	// Banned users are refused before any record is written.
	banned, err := cfg.Roles.IsBanned(ctx, cfg.RoomID, cfg.User.ID)
	if err != nil {
		return fail(fmt.Errorf("ban check: %w", err))
	}
	if banned {
		s.notifier.Notify(core.NoticeError, "you are banned from this room")
		return fail(roles.ErrBanned)
	}

	roomDoc, err := cfg.Store.Read(ctx, domain.ColRooms, string(cfg.RoomID))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.notifier.Notify(core.NoticeError, "this room no longer exists")
			return fail(ErrRoomNotFound)
		}
		return fail(fmt.Errorf("read room: %w", err))
	}
	if err := json.Unmarshal(roomDoc.Data, &s.room); err != nil {
		return fail(fmt.Errorf("decode room: %w", err))
	}

	role := s.room.InitialRole(cfg.User.ID)
	local := domain.NewParticipant(cfg.RoomID, cfg.User, role)
	stream.SetEnabled(!local.IsMuted)

	pdoc, err := core.EncodeDoc(domain.ColParticipants, domain.ParticipantKey(cfg.RoomID, cfg.User.ID), local)
	if err != nil {
		return fail(err)
	}
	createdRecord := true
	if err := cfg.Store.Create(ctx, pdoc); err != nil {
		if !errors.Is(err, core.ErrExists) {
			return fail(fmt.Errorf("write participant: %w", err))
		}
		createdRecord = false
		// Rejoin: refresh identity fields, keep the persisted role/mute.
		err := cfg.Store.Update(ctx, domain.ColParticipants, pdoc.Key, map[string]any{
			"display_name": cfg.User.DisplayName, "avatar_url": cfg.User.AvatarURL,
		})
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return fail(fmt.Errorf("refresh participant: %w", err))
		}
	}
	s.roster[local.UserID] = *local

	s.mesh = mesh.New(sctx, mesh.Config{
		RoomID:       cfg.RoomID,
		Self:         cfg.User.ID,
		Store:        cfg.Store,
		Peers:        cfg.Peers,
		Stream:       stream,
		ICEServers:   cfg.ICEServers,
		Notifier:     cfg.Notifier,
		OnStream:     cfg.Hooks.OnPeerStream,
		OnStreamGone: cfg.Hooks.OnPeerStreamGone,
	})

	if err := s.subscribeAll(); err != nil {
		s.mesh.Close()
		stream.Stop()
		cancel()
		// Roll back the participant record, but only if this join wrote
		// it; on a rejoin the record belongs to the earlier session.
		if createdRecord {
			_ = s.deleteSelf(context.Background())
		}
		return nil, err
	}

	s.mu.Lock()
	s.state = StateActive
	room := s.room
	s.mu.Unlock()

	if cfg.Hooks.OnRoom != nil {
		cfg.Hooks.OnRoom(room)
	}
	go s.autoModLoop()

	s.logger.Info().Str("role", string(role)).Msg("joined room")
	return s, nil
}

// subscribeAll attaches every live feed the session depends on. Partial
// failure unwinds the feeds already attached.
func (s *Session) subscribeAll() error {
	type feed struct {
		q       core.Query
		handler func(core.ChangeBatch)
	}
	roomID := string(s.cfg.RoomID)
	self := string(s.cfg.User.ID)
	feeds := []feed{
		{core.Query{Collection: domain.ColRooms, Filters: map[string]string{"id": roomID}}, s.handleRoom},
		{core.Query{Collection: domain.ColParticipants, Filters: map[string]string{"room_id": roomID}}, s.handleParticipants},
		{core.Query{Collection: domain.ColSignals, Filters: map[string]string{"room_id": roomID, "to": self}}, s.handleSignals},
		{core.Query{Collection: domain.ColSpeakRequests, Filters: map[string]string{"room_id": roomID}}, s.handleRequests},
		{core.Query{Collection: domain.ColInvitations, Filters: map[string]string{"room_id": roomID, "invitee_id": self}}, s.handleInvitations},
		{core.Query{Collection: domain.ColChat, Filters: map[string]string{"room_id": roomID}}, s.handleChat},
	}

	for _, f := range feeds {
		ch, unsub, err := s.cfg.Store.Subscribe(s.ctx, f.q)
		if err != nil {
			s.mu.Lock()
			unsubs := s.unsubs
			s.unsubs = nil
			s.mu.Unlock()
			for _, u := range unsubs {
				u()
			}
			return fmt.Errorf("subscribe %s: %w", f.q.Collection, err)
		}
		s.mu.Lock()
		s.unsubs = append(s.unsubs, unsub)
		s.mu.Unlock()
		go func(ch <-chan core.ChangeBatch, handler func(core.ChangeBatch)) {
			for batch := range ch {
				handler(batch)
			}
		}(ch, f.handler)
	}
	return nil
}

// active reports whether event handlers should still act. Callbacks that
// arrive once teardown has begun are defensively ignored.
func (s *Session) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive || s.state == StateJoining
}

func (s *Session) handleRoom(batch core.ChangeBatch) {
	if !s.active() {
		return
	}
	var (
		updated *domain.Room
		removed bool
	)
	for _, ch := range batch {
		switch ch.Kind {
		case core.Removed:
			removed = true
		case core.Added, core.Modified:
			var room domain.Room
			if err := json.Unmarshal(ch.Doc.Data, &room); err != nil {
				s.logger.Error().Err(err).Msg("decode room update")
				continue
			}
			updated = &room
		}
	}
	if removed {
		// The room was ended elsewhere: forced termination, not a crash.
		s.logger.Info().Msg("room document disappeared, terminating session")
		s.notifier.Notify(core.NoticeInfo, "the room has ended")
		s.teardown(EndRoomEnded, false)
		return
	}
	if updated == nil {
		return
	}
	s.mu.Lock()
	s.room = *updated
	s.mu.Unlock()
	if s.cfg.Hooks.OnRoom != nil {
		s.cfg.Hooks.OnRoom(*updated)
	}
}

func (s *Session) handleParticipants(batch core.ChangeBatch) {
	if !s.active() {
		return
	}
	selfRemoved := false
	var localChanged *domain.Participant

	s.mu.Lock()
	for _, ch := range batch {
		var p domain.Participant
		if err := json.Unmarshal(ch.Doc.Data, &p); err != nil {
			s.logger.Error().Err(err).Str("key", ch.Doc.Key).Msg("decode participant")
			continue
		}
		switch ch.Kind {
		case core.Added, core.Modified:
			s.roster[p.UserID] = p
			if p.UserID == s.cfg.User.ID {
				localChanged = &p
			}
		case core.Removed:
			delete(s.roster, p.UserID)
			if p.UserID == s.cfg.User.ID {
				selfRemoved = true
			}
		}
	}
	roster := s.rosterSnapshotLocked()
	s.mu.Unlock()

	if selfRemoved {
		s.logger.Info().Msg("local participant record removed remotely")
		s.notifier.Notify(core.NoticeWarn, "you have been removed from the room")
		s.teardown(EndRemoved, false)
		return
	}

	// The mute invariant follows the store: the local track mirrors the
	// authoritative participant document.
	if localChanged != nil {
		s.stream.SetEnabled(localChanged.Role.CanSpeak() && !localChanged.IsMuted)
	}

	s.mesh.Reconcile(roster)
	if _, err := s.cfg.Roles.EnsureModerator(s.ctx, s.cfg.RoomID, roster); err != nil {
		s.logger.Error().Err(err).Msg("auto-moderator check")
	}
	if s.cfg.Hooks.OnRoster != nil {
		s.cfg.Hooks.OnRoster(roster)
	}
}

func (s *Session) handleSignals(batch core.ChangeBatch) {
	if !s.active() {
		return
	}
	for _, ch := range batch {
		if ch.Kind == core.Removed {
			continue
		}
		var env domain.SignalEnvelope
		if err := json.Unmarshal(ch.Doc.Data, &env); err != nil {
			// A poisoned envelope is deleted anyway so it cannot recur.
			s.logger.Error().Err(err).Str("key", ch.Doc.Key).Msg("decode signal envelope")
			if derr := s.cfg.Store.Delete(s.ctx, domain.ColSignals, ch.Doc.Key); derr != nil && !errors.Is(derr, core.ErrNotFound) {
				s.logger.Error().Err(derr).Str("key", ch.Doc.Key).Msg("delete poisoned envelope")
			}
			continue
		}
		s.mesh.HandleEnvelope(s.ctx, env)
	}
}

func (s *Session) handleRequests(batch core.ChangeBatch) {
	if !s.active() {
		return
	}
	s.mu.Lock()
	for _, ch := range batch {
		var req domain.SpeakRequest
		if err := json.Unmarshal(ch.Doc.Data, &req); err != nil {
			s.logger.Error().Err(err).Str("key", ch.Doc.Key).Msg("decode speak request")
			continue
		}
		if ch.Kind == core.Removed {
			delete(s.requests, req.UserID)
		} else {
			s.requests[req.UserID] = req
		}
	}
	reqs := s.requestsSnapshotLocked()
	s.mu.Unlock()

	if s.cfg.Hooks.OnRequests != nil {
		s.cfg.Hooks.OnRequests(reqs)
	}
}

func (s *Session) handleInvitations(batch core.ChangeBatch) {
	if !s.active() {
		return
	}
	var (
		inv     *domain.SpeakerInvitation
		cleared bool
	)
	for _, ch := range batch {
		if ch.Kind == core.Removed {
			cleared = true
			inv = nil
			continue
		}
		var i domain.SpeakerInvitation
		if err := json.Unmarshal(ch.Doc.Data, &i); err != nil {
			s.logger.Error().Err(err).Str("key", ch.Doc.Key).Msg("decode invitation")
			continue
		}
		inv = &i
		cleared = false
	}
	if inv == nil && !cleared {
		return
	}
	s.mu.Lock()
	s.invitation = inv
	s.mu.Unlock()
	if s.cfg.Hooks.OnInvitation != nil {
		s.cfg.Hooks.OnInvitation(inv)
	}
}

func (s *Session) handleChat(batch core.ChangeBatch) {
	if !s.active() {
		return
	}
	changed := false
	s.mu.Lock()
	for _, ch := range batch {
		if ch.Kind != core.Added {
			continue
		}
		var msg domain.ChatMessage
		if err := json.Unmarshal(ch.Doc.Data, &msg); err != nil {
			s.logger.Error().Err(err).Str("key", ch.Doc.Key).Msg("decode chat message")
			continue
		}
		// The subscription's snapshot and change feed can overlap, so the
		// same message may be delivered twice.
		if _, seen := s.chatSeen[msg.ID]; seen {
			continue
		}
		s.chatSeen[msg.ID] = struct{}{}
		s.chat = append(s.chat, msg)
		changed = true
	}
	if changed {
		sort.Slice(s.chat, func(i, j int) bool { return s.chat[i].CreatedAt.Before(s.chat[j].CreatedAt) })
	}
	msgs := append([]domain.ChatMessage(nil), s.chat...)
	s.mu.Unlock()

	if changed && s.cfg.Hooks.OnChat != nil {
		s.cfg.Hooks.OnChat(msgs)
	}
}

// autoModLoop re-runs the authority check periodically, so a roster left
// leaderless by an unclean disconnect recovers even without churn.
func (s *Session) autoModLoop() {
	ticker := time.NewTicker(autoModInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.active() {
				return
			}
			s.mu.Lock()
			roster := s.rosterSnapshotLocked()
			s.mu.Unlock()
			if _, err := s.cfg.Roles.EnsureModerator(s.ctx, s.cfg.RoomID, roster); err != nil {
				s.logger.Error().Err(err).Msg("periodic auto-moderator check")
			}
		}
	}
}

// Leave ends the session deliberately. Safe to call any number of times,
// from any goroutine; whichever call gets there first runs the teardown.
func (s *Session) Leave() {
	s.teardown(EndSelf, true)
}

// EndRoom deletes the room for everyone. Only the creator or a moderator
// may end a room; other sessions observe the disappearance and terminate.
func (s *Session) EndRoom() error {
	if !s.Role().CanModerate() {
		return roles.ErrNotAllowed
	}
	if err := s.cfg.Roles.EndRoom(s.ctx, s.cfg.RoomID, s.cfg.User.ID); err != nil {
		return err
	}
	s.teardown(EndSelf, false)
	return nil
}

// teardown is the single exit path: unsubscribe, destroy connections,
// stop tracks, delete the participant record, and delete the room when it
// just became empty. The state guard makes it idempotent under races.
func (s *Session) teardown(reason EndReason, deleteRoomIfEmpty bool) {
	s.mu.Lock()
	if s.state == StateLeaving || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateLeaving
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.mesh.Close()
	s.stream.Stop()
	s.cancel()

	// The session context is gone; the final writes get their own.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.deleteSelf(ctx); err != nil {
		s.logger.Error().Err(err).Msg("delete own participant record")
	}
	if deleteRoomIfEmpty {
		s.deleteRoomIfEmpty(ctx)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.Info().Int("reason", int(reason)).Msg("session closed")
	if s.cfg.Hooks.OnEnded != nil {
		s.cfg.Hooks.OnEnded(reason)
	}
}

func (s *Session) deleteSelf(ctx context.Context) error {
	err := s.cfg.Store.Delete(ctx, domain.ColParticipants, domain.ParticipantKey(s.cfg.RoomID, s.cfg.User.ID))
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	return err
}

// deleteRoomIfEmpty cascades: removing the last participant removes the
// room document itself, which in turn redirects any remaining watcher.
func (s *Session) deleteRoomIfEmpty(ctx context.Context) {
	remaining, err := s.cfg.Store.List(ctx, core.Query{
		Collection: domain.ColParticipants,
		Filters:    map[string]string{"room_id": string(s.cfg.RoomID)},
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("list participants for empty-room check")
		return
	}
	if len(remaining) > 0 {
		return
	}
	err = s.cfg.Store.Delete(ctx, domain.ColRooms, string(s.cfg.RoomID))
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		s.logger.Error().Err(err).Msg("delete empty room")
		return
	}
	s.logger.Info().Msg("room emptied, document deleted")
}

// --- user actions -----------------------------------------------------

func (s *Session) ToggleMute() error {
	muted := !s.Muted()
	return s.cfg.Roles.SetMuted(s.ctx, s.cfg.RoomID, s.cfg.User.ID, muted)
}

func (s *Session) RequestToSpeak() error {
	return s.cfg.Roles.RequestToSpeak(s.ctx, s.cfg.RoomID, s.cfg.User)
}

func (s *Session) CancelSpeakRequest() error {
	return s.cfg.Roles.CancelSpeakRequest(s.ctx, s.cfg.RoomID, s.cfg.User.ID)
}

func (s *Session) AcceptSpeakRequest(requester domain.UserID) error {
	return s.cfg.Roles.AcceptSpeakRequest(s.ctx, s.cfg.RoomID, s.cfg.User, requester)
}

func (s *Session) DenySpeakRequest(requester domain.UserID) error {
	return s.cfg.Roles.DenySpeakRequest(s.ctx, s.cfg.RoomID, s.cfg.User.ID, requester)
}

func (s *Session) AcceptInvitation() error {
	return s.cfg.Roles.AcceptInvitation(s.ctx, s.cfg.RoomID, s.cfg.User.ID)
}

func (s *Session) DeclineInvitation() error {
	return s.cfg.Roles.DeclineInvitation(s.ctx, s.cfg.RoomID, s.cfg.User.ID)
}

func (s *Session) SetRole(target domain.UserID, role domain.Role) error {
	return s.cfg.Roles.SetRole(s.ctx, s.cfg.RoomID, s.cfg.User.ID, target, role)
}

// StepDown returns the local user to the listener row.
func (s *Session) StepDown() error {
	return s.cfg.Roles.SetRole(s.ctx, s.cfg.RoomID, s.cfg.User.ID, s.cfg.User.ID, domain.RoleListener)
}

func (s *Session) SelfPromote() error {
	return s.cfg.Roles.SelfPromote(s.ctx, s.cfg.RoomID, s.cfg.User.ID)
}

func (s *Session) PinLink(link string) error {
	return s.cfg.Roles.PinLink(s.ctx, s.cfg.RoomID, s.cfg.User.ID, link)
}

func (s *Session) EditTitle(title string) error {
	return s.cfg.Roles.EditTitle(s.ctx, s.cfg.RoomID, s.cfg.User.ID, title)
}

func (s *Session) Ban(target domain.UserID) error {
	return s.cfg.Roles.Ban(s.ctx, s.cfg.RoomID, s.cfg.User.ID, target)
}

func (s *Session) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	msg := domain.ChatMessage{
		ID:        uuid.NewString(),
		RoomID:    s.cfg.RoomID,
		From:      s.cfg.User.ID,
		FromName:  s.cfg.User.DisplayName,
		AvatarURL: s.cfg.User.AvatarURL,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	doc, err := core.EncodeDoc(domain.ColChat, msg.ID, msg)
	if err != nil {
		return err
	}
	return s.cfg.Store.Create(s.ctx, doc)
}

// --- read models ------------------------------------------------------

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Room() domain.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.Elapsed(time.Now().UTC())
}

func (s *Session) Role() domain.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.roster[s.cfg.User.ID]; ok {
		return p.Role
	}
	return domain.RoleListener
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.roster[s.cfg.User.ID]; ok {
		return p.IsMuted
	}
	return true
}

func (s *Session) Roster() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterSnapshotLocked()
}

func (s *Session) rosterSnapshotLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(s.roster))
	for _, p := range s.roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (s *Session) ChatLog() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatMessage(nil), s.chat...)
}

func (s *Session) PendingRequests() []domain.SpeakRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestsSnapshotLocked()
}

func (s *Session) requestsSnapshotLocked() []domain.SpeakRequest {
	out := make([]domain.SpeakRequest, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Session) PendingInvitation() *domain.SpeakerInvitation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invitation
}

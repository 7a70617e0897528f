// Package mesh keeps the full peer mesh of one room session in step with
// the participant roster: exactly one connection per remote participant,
// negotiated through the relay store's signal mailbox.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atedres/infinity-rooms/internal/core"
	"github.com/atedres/infinity-rooms/internal/domain"
)

type Config struct {
	RoomID     domain.RoomID
	Self       domain.UserID
	Store      core.RelayStore
	Peers      core.PeerFactory
	Stream     core.AudioStream
	ICEServers []string
	Notifier   core.Notifier

	// OnStream fires once per remote peer when its media stream arrives;
	// OnStreamGone fires when that peer's connection goes away.
	OnStream     func(user domain.UserID, stream core.RemoteStream)
	OnStreamGone func(user domain.UserID)
}

// Manager owns all peer connections of one session. All methods are safe
// for concurrent use; after Close every entry point is a no-op.
type Manager struct {
	ctx      context.Context
	cfg      Config
	notifier core.Notifier
	logger   zerolog.Logger

	mu      sync.Mutex
	links   map[domain.UserID]*link
	streams map[domain.UserID]core.RemoteStream
	closed  bool
}

// link is a placeholder-first entry: it is inserted before the factory
// call so concurrent creates for the same peer collapse into one.
type link struct {
	mu   sync.Mutex
	conn core.PeerConnection
}

func (l *link) connection() core.PeerConnection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func New(ctx context.Context, cfg Config) *Manager {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = core.NopNotifier{}
	}
	return &Manager{
		ctx:      ctx,
		cfg:      cfg,
		notifier: notifier,
		logger: log.With().
			Str("module", "app.mesh").
			Str("room", string(cfg.RoomID)).
			Str("self", string(cfg.Self)).
			Logger(),
		links:   make(map[domain.UserID]*link),
		streams: make(map[domain.UserID]core.RemoteStream),
	}
}

// initiator decides which side of a pair dials. Both peers evaluate the
// same comparison, so exactly one of them ever initiates, without any
// coordination and regardless of who observed the roster change first.
func (m *Manager) initiator(remote domain.UserID) bool {
	return m.cfg.Self < remote
}

// Reconcile diffs the live roster against the active connections: new
// participants get a connection, vanished participants lose theirs.
func (m *Manager) Reconcile(roster []domain.Participant) {
	present := make(map[domain.UserID]struct{}, len(roster))
	for _, p := range roster {
		if p.UserID != m.cfg.Self {
			present[p.UserID] = struct{}{}
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	stale := make(map[domain.UserID]*link)
	for uid, l := range m.links {
		if _, ok := present[uid]; !ok {
			stale[uid] = l
		}
	}
	fresh := make([]domain.UserID, 0, len(present))
	for uid := range present {
		if _, ok := m.links[uid]; !ok {
			fresh = append(fresh, uid)
		}
	}
	m.mu.Unlock()

	for uid, l := range stale {
		m.logger.Info().Str("peer", string(uid)).Msg("participant left, dropping connection")
		m.dropPeer(uid, l, nil)
	}
	for _, uid := range fresh {
		m.ensurePeer(uid, m.initiator(uid))
	}
}

// ensurePeer creates a connection to uid unless one exists. Connections
// are only built against a live local stream; a not-yet-ready stream just
// means the next roster update tries again.
func (m *Manager) ensurePeer(uid domain.UserID, initiator bool) {
	if !m.cfg.Stream.Live() {
		m.logger.Debug().Str("peer", string(uid)).Msg("local stream not live, deferring connection")
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.links[uid]; ok {
		m.mu.Unlock()
		return
	}
	l := &link{}
	m.links[uid] = l
	m.mu.Unlock()

	conn, err := m.cfg.Peers.NewPeer(initiator, m.cfg.Stream, m.cfg.ICEServers)
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(uid)).Msg("peer construction failed")
		m.notifier.Notify(core.NoticeWarn, "could not reach a participant, retrying on the next roster update")
		m.forgetLink(uid, l)
		return
	}

	conn.OnSignal(func(payload []byte) { m.sendEnvelope(uid, payload) })
	conn.OnStream(func(rs core.RemoteStream) { m.registerStream(uid, rs) })
	conn.OnConnect(func() {
		m.logger.Info().Str("peer", string(uid)).Bool("initiator", initiator).Msg("peer connected")
	})
	conn.OnClose(func() { m.dropPeer(uid, l, nil) })
	conn.OnError(func(err error) { m.dropPeer(uid, l, err) })

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	m.mu.Lock()
	current := !m.closed && m.links[uid] == l
	m.mu.Unlock()
	if !current {
		conn.Destroy()
		return
	}
	m.logger.Info().Str("peer", string(uid)).Bool("initiator", initiator).Msg("peer connection created")
}

// HandleEnvelope applies one inbound negotiation payload. The envelope is
// consumed exactly once: it is deleted from the mailbox no matter what, so
// a poisoned message can never be reprocessed.
func (m *Manager) HandleEnvelope(ctx context.Context, env domain.SignalEnvelope) {
	defer m.deleteEnvelope(ctx, env.ID)

	if env.To != m.cfg.Self {
		return
	}

	m.mu.Lock()
	closed := m.closed
	l := m.links[env.From]
	m.mu.Unlock()
	if closed {
		return
	}

	// An inbound payload from an unknown peer means the remote side
	// initiated first; build the answering side.
	if l == nil {
		m.ensurePeer(env.From, false)
		m.mu.Lock()
		l = m.links[env.From]
		m.mu.Unlock()
	}
	if l == nil {
		m.logger.Warn().Str("peer", string(env.From)).Msg("dropping signal, no connection could be built")
		return
	}
	conn := l.connection()
	if conn == nil {
		m.logger.Warn().Str("peer", string(env.From)).Msg("dropping signal, connection still constructing")
		return
	}
	if err := conn.ApplySignal(env.Payload); err != nil {
		m.logger.Error().Err(err).Str("peer", string(env.From)).Str("envelope", env.ID).Msg("apply signal failed")
	}
}

func (m *Manager) sendEnvelope(to domain.UserID, payload []byte) {
	env := domain.SignalEnvelope{
		ID:        uuid.NewString(),
		RoomID:    m.cfg.RoomID,
		From:      m.cfg.Self,
		To:        to,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	doc, err := core.EncodeDoc(domain.ColSignals, env.ID, env)
	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(to)).Msg("encode envelope")
		return
	}
	if err := m.cfg.Store.Create(m.ctx, doc); err != nil {
		m.logger.Error().Err(err).Str("peer", string(to)).Msg("write envelope")
	}
}

func (m *Manager) deleteEnvelope(ctx context.Context, id string) {
	err := m.cfg.Store.Delete(ctx, domain.ColSignals, id)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		m.logger.Error().Err(err).Str("envelope", id).Msg("delete envelope")
	}
}

// registerStream is idempotent per peer: duplicate stream events from the
// transport must not double-register playback.
func (m *Manager) registerStream(uid domain.UserID, rs core.RemoteStream) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.streams[uid]; ok {
		m.mu.Unlock()
		return
	}
	m.streams[uid] = rs
	m.mu.Unlock()

	m.logger.Info().Str("peer", string(uid)).Str("stream", rs.ID()).Msg("remote stream attached")
	if m.cfg.OnStream != nil {
		m.cfg.OnStream(uid, rs)
	}
}

func (m *Manager) forgetLink(uid domain.UserID, l *link) {
	m.mu.Lock()
	if m.links[uid] == l {
		delete(m.links, uid)
	}
	m.mu.Unlock()
}

// dropPeer destroys one connection and deregisters its stream. A non-nil
// err marks a negotiation failure: it never aborts the session, the peer
// may simply be recreated by the next roster update.
func (m *Manager) dropPeer(uid domain.UserID, l *link, err error) {
	m.mu.Lock()
	if m.links[uid] != l {
		m.mu.Unlock()
		return
	}
	delete(m.links, uid)
	_, hadStream := m.streams[uid]
	delete(m.streams, uid)
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).Str("peer", string(uid)).Msg("peer connection failed")
		m.notifier.Notify(core.NoticeWarn, fmt.Sprintf("audio connection to a participant failed: %v", err))
	}
	if conn := l.connection(); conn != nil {
		conn.Destroy()
	}
	if hadStream && m.cfg.OnStreamGone != nil {
		m.cfg.OnStreamGone(uid)
	}
}

// HasPeer reports whether an active (or constructing) connection exists.
func (m *Manager) HasPeer(uid domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[uid]
	return ok
}

// Peers returns the ids of all current connections.
func (m *Manager) Peers() []domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.UserID, 0, len(m.links))
	for uid := range m.links {
		out = append(out, uid)
	}
	return out
}

// Close destroys every connection. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := m.links
	m.links = make(map[domain.UserID]*link)
	m.streams = make(map[domain.UserID]core.RemoteStream)
	m.mu.Unlock()

	for uid, l := range links {
		if conn := l.connection(); conn != nil {
			conn.Destroy()
		}
		m.logger.Debug().Str("peer", string(uid)).Msg("peer connection destroyed on close")
	}
}

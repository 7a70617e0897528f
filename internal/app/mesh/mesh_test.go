package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/atedres/infinity-rooms/internal/core"
	"github.com/atedres/infinity-rooms/internal/domain"
	"github.com/atedres/infinity-rooms/internal/store/memory"
)

type fakeStream struct {
	mu      sync.Mutex
	enabled bool
	live    bool
}

func (s *fakeStream) SetEnabled(v bool) { s.mu.Lock(); s.enabled = v; s.mu.Unlock() }
func (s *fakeStream) Enabled() bool     { s.mu.Lock(); defer s.mu.Unlock(); return s.enabled }
func (s *fakeStream) Live() bool        { s.mu.Lock(); defer s.mu.Unlock(); return s.live }
func (s *fakeStream) Stop()             { s.mu.Lock(); s.live = false; s.mu.Unlock() }

func (s *fakeStream) setLive(v bool) { s.mu.Lock(); s.live = v; s.mu.Unlock() }

type fakeRemoteStream struct{ id string }

func (s fakeRemoteStream) ID() string { return s.id }

type fakePeer struct {
	mu        sync.Mutex
	initiator bool
	applied   [][]byte
	destroyed int

	onSignal func([]byte)
	onStream func(core.RemoteStream)
	onClose  func()
	onError  func(error)
}

func (p *fakePeer) ApplySignal(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, payload)
	return nil
}

func (p *fakePeer) OnSignal(fn func([]byte))            { p.mu.Lock(); p.onSignal = fn; p.mu.Unlock() }
func (p *fakePeer) OnStream(fn func(core.RemoteStream)) { p.mu.Lock(); p.onStream = fn; p.mu.Unlock() }
func (p *fakePeer) OnConnect(fn func())                 {}
func (p *fakePeer) OnClose(fn func())                   { p.mu.Lock(); p.onClose = fn; p.mu.Unlock() }
func (p *fakePeer) OnError(fn func(error))              { p.mu.Lock(); p.onError = fn; p.mu.Unlock() }

func (p *fakePeer) Destroy() { p.mu.Lock(); p.destroyed++; p.mu.Unlock() }

func (p *fakePeer) destroyCount() int { p.mu.Lock(); defer p.mu.Unlock(); return p.destroyed }
func (p *fakePeer) appliedCount() int { p.mu.Lock(); defer p.mu.Unlock(); return len(p.applied) }

func (p *fakePeer) fireStream(rs core.RemoteStream) {
	p.mu.Lock()
	fn := p.onStream
	p.mu.Unlock()
	fn(rs)
}

func (p *fakePeer) fireSignal(payload []byte) {
	p.mu.Lock()
	fn := p.onSignal
	p.mu.Unlock()
	fn(payload)
}

func (p *fakePeer) fireError(err error) {
	p.mu.Lock()
	fn := p.onError
	p.mu.Unlock()
	fn(err)
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeer(initiator bool, _ core.AudioStream, _ []string) (core.PeerConnection, error) {
	p := &fakePeer{initiator: initiator}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) created() []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePeer(nil), f.peers...)
}

func (f *fakeFactory) last(t *testing.T) *fakePeer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		t.Fatal("no peer connections created")
	}
	return f.peers[len(f.peers)-1]
}

func participant(uid domain.UserID) domain.Participant {
	return domain.Participant{RoomID: "r1", UserID: uid, DisplayName: string(uid), Role: domain.RoleListener, IsMuted: true}
}

type harness struct {
	m       *Manager
	factory *fakeFactory
	stream  *fakeStream
	store   *memory.Store

	mu          sync.Mutex
	streams     []domain.UserID
	streamGones []domain.UserID
}

func newHarness(t *testing.T, self domain.UserID) *harness {
	t.Helper()
	h := &harness{factory: &fakeFactory{}, stream: &fakeStream{live: true, enabled: true}, store: memory.New()}
	h.m = New(context.Background(), Config{
		RoomID: "r1",
		Self:   self,
		Store:  h.store,
		Peers:  h.factory,
		Stream: h.stream,
		OnStream: func(uid domain.UserID, _ core.RemoteStream) {
			h.mu.Lock()
			h.streams = append(h.streams, uid)
			h.mu.Unlock()
		},
		OnStreamGone: func(uid domain.UserID) {
			h.mu.Lock()
			h.streamGones = append(h.streamGones, uid)
			h.mu.Unlock()
		},
	})
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) streamEvents() (attached, gone []domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.UserID(nil), h.streams...), append([]domain.UserID(nil), h.streamGones...)
}

func TestInitiatorRuleIsSymmetric(t *testing.T) {
	pairs := [][2]domain.UserID{
		{"alice", "bob"},
		{"bob", "alice"},
		{"0001", "0002"},
		{"zed", "amy"},
	}
	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		ha := newHarness(t, a)
		hb := newHarness(t, b)
		roster := []domain.Participant{participant(a), participant(b)}

		ha.m.Reconcile(roster)
		hb.m.Reconcile(roster)

		pa, pb := ha.factory.created(), hb.factory.created()
		if len(pa) != 1 || len(pb) != 1 {
			t.Fatalf("pair %v: created %d and %d connections, want 1 and 1", pair, len(pa), len(pb))
		}
		if pa[0].initiator == pb[0].initiator {
			t.Fatalf("pair %v: both sides computed initiator=%v", pair, pa[0].initiator)
		}
	}
}

func TestReconcileCreatesAndDestroys(t *testing.T) {
	h := newHarness(t, "me")

	// One peer at a time so creation order is deterministic.
	h.m.Reconcile([]domain.Participant{participant("me"), participant("peer-a")})
	peerA := h.factory.last(t)
	h.m.Reconcile([]domain.Participant{participant("me"), participant("peer-a"), participant("peer-b")})
	if got := len(h.factory.created()); got != 2 {
		t.Fatalf("created %d connections, want 2", got)
	}
	if !h.m.HasPeer("peer-a") || !h.m.HasPeer("peer-b") {
		t.Fatal("expected connections for both remote participants")
	}

	// Reconciling an unchanged roster must not create duplicates.
	h.m.Reconcile([]domain.Participant{participant("me"), participant("peer-a"), participant("peer-b")})
	if got := len(h.factory.created()); got != 2 {
		t.Fatalf("reconcile is not idempotent: %d connections", got)
	}

	// peer-a delivers media, then leaves.
	peerA.fireStream(fakeRemoteStream{id: "s-a"})
	h.m.Reconcile([]domain.Participant{participant("me"), participant("peer-b")})

	if h.m.HasPeer("peer-a") {
		t.Fatal("connection for departed participant survived reconcile")
	}
	if peerA.destroyCount() == 0 {
		t.Fatal("departed participant's connection was not destroyed")
	}
	_, gone := h.streamEvents()
	if len(gone) != 1 || gone[0] != "peer-a" {
		t.Fatalf("stream-gone events = %v, want [peer-a]", gone)
	}
}

func TestNoConnectionsUntilStreamLive(t *testing.T) {
	h := newHarness(t, "me")
	h.stream.setLive(false)

	roster := []domain.Participant{participant("me"), participant("peer-a")}
	h.m.Reconcile(roster)
	if got := len(h.factory.created()); got != 0 {
		t.Fatalf("created %d connections with dead local stream, want 0", got)
	}

	h.stream.setLive(true)
	h.m.Reconcile(roster)
	if got := len(h.factory.created()); got != 1 {
		t.Fatalf("created %d connections after stream went live, want 1", got)
	}
}

func TestDuplicateStreamEventsRegisterOnce(t *testing.T) {
	h := newHarness(t, "me")
	h.m.Reconcile([]domain.Participant{participant("me"), participant("peer-a")})
	peer := h.factory.last(t)

	peer.fireStream(fakeRemoteStream{id: "s1"})
	peer.fireStream(fakeRemoteStream{id: "s1"})

	attached, _ := h.streamEvents()
	if len(attached) != 1 {
		t.Fatalf("stream registered %d times, want 1", len(attached))
	}
}

func TestEnvelopeConsumedExactlyOnce(t *testing.T) {
	h := newHarness(t, "me")
	h.m.Reconcile([]domain.Participant{participant("me"), participant("peer-a")})
	peer := h.factory.last(t)

	env := domain.SignalEnvelope{
		ID:      "env-1",
		RoomID:  "r1",
		From:    "peer-a",
		To:      "me",
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	doc, err := core.EncodeDoc(domain.ColSignals, env.ID, env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.store.Create(context.Background(), doc); err != nil {
		t.Fatalf("create: %v", err)
	}

	h.m.HandleEnvelope(context.Background(), env)
	if peer.appliedCount() != 1 {
		t.Fatalf("applied %d payloads, want 1", peer.appliedCount())
	}
	if _, err := h.store.Read(context.Background(), domain.ColSignals, env.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("envelope not deleted after consumption: %v", err)
	}

	// Replaying the same envelope is harmless: the delete is a benign race.
	h.m.HandleEnvelope(context.Background(), env)
}

func TestInboundSignalFromUnknownPeerBuildsAnsweringSide(t *testing.T) {
	h := newHarness(t, "zz-late") // lexicographically after peer-a: would normally not initiate
	env := domain.SignalEnvelope{
		ID:      "env-2",
		RoomID:  "r1",
		From:    "peer-a",
		To:      "zz-late",
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}

	h.m.HandleEnvelope(context.Background(), env)

	created := h.factory.created()
	if len(created) != 1 {
		t.Fatalf("created %d connections, want 1", len(created))
	}
	if created[0].initiator {
		t.Fatal("answering side must not be the initiator")
	}
	if created[0].appliedCount() != 1 {
		t.Fatalf("offer not applied to the answering connection")
	}
}

func TestOutboundSignalWritesEnvelope(t *testing.T) {
	h := newHarness(t, "me")
	h.m.Reconcile([]domain.Participant{participant("me"), participant("peer-a")})
	peer := h.factory.last(t)

	peer.fireSignal([]byte(`{"type":"candidate"}`))

	docs, err := h.store.List(context.Background(), core.Query{
		Collection: domain.ColSignals,
		Filters:    map[string]string{"to": "peer-a", "from": "me"},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("found %d envelopes, want 1", len(docs))
	}
	var env domain.SignalEnvelope
	if err := json.Unmarshal(docs[0].Data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.RoomID != "r1" || string(env.Payload) != `{"type":"candidate"}` {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestPeerErrorIsIsolatedAndRecreatable(t *testing.T) {
	h := newHarness(t, "me")
	roster := []domain.Participant{participant("me"), participant("peer-a")}
	h.m.Reconcile(roster)
	peer := h.factory.last(t)

	peer.fireError(errors.New("dtls handshake failed"))

	if h.m.HasPeer("peer-a") {
		t.Fatal("failed connection still tracked")
	}
	if peer.destroyCount() == 0 {
		t.Fatal("failed connection not destroyed")
	}

	// Next roster update recreates it.
	h.m.Reconcile(roster)
	if got := len(h.factory.created()); got != 2 {
		t.Fatalf("created %d connections, want recreation after failure", got)
	}
}

func TestCloseDestroysEverythingAndIsIdempotent(t *testing.T) {
	h := newHarness(t, "me")
	h.m.Reconcile([]domain.Participant{participant("me"), participant("peer-a"), participant("peer-b")})
	created := h.factory.created()

	h.m.Close()
	h.m.Close()

	for _, p := range created {
		if p.destroyCount() == 0 {
			t.Fatal("connection survived Close")
		}
	}
	if len(h.m.Peers()) != 0 {
		t.Fatal("peer set not empty after Close")
	}

	// A late roster callback after teardown must be ignored.
	h.m.Reconcile([]domain.Participant{participant("me"), participant("peer-c")})
	if got := len(h.factory.created()); got != 2 {
		t.Fatalf("reconcile after Close created a connection (%d total)", got)
	}
}

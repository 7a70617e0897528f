// Package rtc implements the mesh's peer transport on pion/webrtc: full
// trickle-ICE negotiation over relayed signal envelopes, one connection
// per remote participant.
package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atedres/infinity-rooms/internal/core"
)

const (
	payloadOffer     = "offer"
	payloadAnswer    = "answer"
	payloadCandidate = "candidate"
)

// signalPayload is the JSON body carried inside a signal envelope.
type signalPayload struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// trackProvider is what a local stream must expose to be attached to a
// peer connection. The capture stream in this package implements it.
type trackProvider interface {
	Track() webrtc.TrackLocal
}

// Factory builds pion-backed peer connections.
type Factory struct {
	logger zerolog.Logger
}

func NewFactory() *Factory {
	return &Factory{logger: log.With().Str("module", "adapters.rtc").Logger()}
}

func (f *Factory) NewPeer(initiator bool, local core.AudioStream, iceServers []string) (core.PeerConnection, error) {
	provider, ok := local.(trackProvider)
	if !ok {
		return nil, errors.New("rtc: local stream carries no sendable track")
	}

	cfg := webrtc.Configuration{}
	for _, url := range iceServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		pc:        pc,
		initiator: initiator,
		logger:    f.logger.With().Bool("initiator", initiator).Logger(),
	}

	if _, err := pc.AddTrack(provider.Track()); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add local track: %w", err)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		p.emit(signalPayload{Type: payloadCandidate, Candidate: &ci})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track received")
		p.deliverStream(&remoteTrack{track: track})
		go drain(track)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			p.fire(func(pp *Peer) func() { return pp.onConnect })
		case webrtc.PeerConnectionStateFailed:
			p.fail(errors.New("rtc: peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			p.closed()
		}
	})

	if initiator {
		// The offer lands in the outbound buffer until OnSignal is
		// installed, so nothing is lost to the setup race.
		if err := p.sendOffer(); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	return p, nil
}

// Peer adapts one *webrtc.PeerConnection to the mesh's callback contract.
type Peer struct {
	pc        *webrtc.PeerConnection
	initiator bool
	logger    zerolog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	outbound  [][]byte
	stream    core.RemoteStream
	destroyed bool
	onSignal  func([]byte)
	onStream  func(core.RemoteStream)
	onConnect func()
	onClose   func()
	onError   func(error)

	destroyOnce sync.Once
}

func (p *Peer) sendOffer() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	p.emit(signalPayload{Type: payloadOffer, SDP: p.pc.LocalDescription()})
	return nil
}

func (p *Peer) ApplySignal(payload []byte) error {
	var sig signalPayload
	if err := json.Unmarshal(payload, &sig); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}

	switch sig.Type {
	case payloadOffer:
		if sig.SDP == nil {
			return errors.New("rtc: offer without sdp")
		}
		if err := p.setRemote(*sig.SDP); err != nil {
			return err
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		p.emit(signalPayload{Type: payloadAnswer, SDP: p.pc.LocalDescription()})
		return nil

	case payloadAnswer:
		if sig.SDP == nil {
			return errors.New("rtc: answer without sdp")
		}
		return p.setRemote(*sig.SDP)

	case payloadCandidate:
		if sig.Candidate == nil {
			return errors.New("rtc: candidate signal without candidate")
		}
		p.mu.Lock()
		if !p.remoteSet {
			// Trickled candidates can outrun the description; hold them.
			p.pending = append(p.pending, *sig.Candidate)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		return p.pc.AddICECandidate(*sig.Candidate)

	default:
		return fmt.Errorf("rtc: unknown signal type %q", sig.Type)
	}
}

// setRemote installs the remote description and releases any candidates
// that arrived ahead of it.
func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, ci := range pending {
		if err := p.pc.AddICECandidate(ci); err != nil {
			p.logger.Error().Err(err).Msg("apply queued candidate")
		}
	}
	return nil
}

// emit hands an outbound payload to the signal callback, buffering until
// one is installed.
func (p *Peer) emit(sig signalPayload) {
	data, err := json.Marshal(sig)
	if err != nil {
		p.logger.Error().Err(err).Msg("encode outbound signal")
		return
	}
	p.mu.Lock()
	fn := p.onSignal
	if fn == nil {
		p.outbound = append(p.outbound, data)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn(data)
}

func (p *Peer) deliverStream(s core.RemoteStream) {
	p.mu.Lock()
	p.stream = s
	fn := p.onStream
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *Peer) fire(pick func(*Peer) func()) {
	p.mu.Lock()
	fn := pick(p)
	destroyed := p.destroyed
	p.mu.Unlock()
	if fn != nil && !destroyed {
		fn()
	}
}

func (p *Peer) fail(err error) {
	p.mu.Lock()
	fn := p.onError
	destroyed := p.destroyed
	p.mu.Unlock()
	if fn != nil && !destroyed {
		fn(err)
	}
}

func (p *Peer) closed() {
	p.mu.Lock()
	fn := p.onClose
	destroyed := p.destroyed
	p.mu.Unlock()
	if fn != nil && !destroyed {
		fn()
	}
}

func (p *Peer) OnSignal(fn func(payload []byte)) {
	p.mu.Lock()
	p.onSignal = fn
	buffered := p.outbound
	p.outbound = nil
	p.mu.Unlock()
	for _, data := range buffered {
		fn(data)
	}
}

func (p *Peer) OnStream(fn func(stream core.RemoteStream)) {
	p.mu.Lock()
	p.onStream = fn
	s := p.stream
	p.mu.Unlock()
	if s != nil {
		fn(s)
	}
}

func (p *Peer) OnConnect(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnect = fn
}

func (p *Peer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = fn
}

func (p *Peer) OnError(fn func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = fn
}

// Destroy tears the connection down. Deliberate teardown suppresses the
// close/error callbacks so the owner does not re-enter itself.
func (p *Peer) Destroy() {
	p.destroyOnce.Do(func() {
		p.mu.Lock()
		p.destroyed = true
		p.mu.Unlock()
		if err := p.pc.Close(); err != nil {
			p.logger.Error().Err(err).Msg("close peer connection")
		}
	})
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (r *remoteTrack) ID() string { return r.track.StreamID() }

// drain keeps the remote track's RTP flowing; playback is the embedding
// application's concern.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "adapters.rtc").Str("track_id", track.ID()).Msg("remote track closed")
			}
			return
		}
	}
}

package rtc

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/atedres/infinity-rooms/internal/core"
)

// Capture produces Opus sample tracks for the local side of the mesh.
// The process feeding samples in (a mixer, a file, a capture pipeline)
// writes through WriteSample; mute gating happens here.
type Capture struct{}

func NewCapture() *Capture { return &Capture{} }

func (Capture) RequestAudioStream(ctx context.Context) (core.AudioStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}
	return &Stream{track: track, enabled: true, live: true}, nil
}

// Stream is a local audio stream backed by a single static sample track.
type Stream struct {
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	live    bool
}

// WriteSample forwards one encoded audio sample to the track. Samples are
// dropped silently while muted or after Stop, matching what a hardware
// mute would produce on the wire.
func (s *Stream) WriteSample(sample media.Sample) error {
	s.mu.Lock()
	ok := s.enabled && s.live
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.track.WriteSample(sample)
}

func (s *Stream) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *Stream) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Stream) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = false
}

func (s *Stream) Track() webrtc.TrackLocal { return s.track }

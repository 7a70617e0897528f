package core

import (
	"context"
	"errors"
)

// ErrPermissionDenied means the device refused audio capture. Fatal to
// joining a room.
var ErrPermissionDenied = errors.New("media: permission denied")

// AudioStream is a local capture stream. SetEnabled gates the mute state;
// Stop releases the underlying tracks and is idempotent.
type AudioStream interface {
	SetEnabled(enabled bool)
	Enabled() bool
	// Live reports whether the stream still has at least one live audio
	// track. Peer connections are only created against a live stream.
	Live() bool
	Stop()
}

// MediaCapture acquires the local audio stream.
type MediaCapture interface {
	RequestAudioStream(ctx context.Context) (AudioStream, error)
}

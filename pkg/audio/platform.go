// Package audio defines the platform audio primitives and PCM helpers used by
// the talkback streaming engine.
//
// The primitives are:
//
//   - [Microphone]: a capture device delivering [AudioFrame] values at a
//     steady cadence.
//   - [Renderer]: an output device that turns a decoded [Buffer] into a
//     playable [Source].
//   - [Source]: one renderable clip with start/stop and an end-of-stream
//     signal.
//
// Implementations live in adapter packages (audio/stream for io-backed
// devices, audio/mock for tests). The interfaces are intentionally narrow so
// the playback sequencer can be exercised without a live audio backend.
package audio

import (
	"context"
	"errors"
)

// ErrAlreadyStopped is returned by [Source.Stop] when the source has already
// finished naturally or was stopped before. Callers that interrupt playback
// treat it as benign.
var ErrAlreadyStopped = errors.New("audio: source already stopped")

// Source is one renderable audio clip. A Source is started at most once.
//
// Implementations must be safe for concurrent use: Stop may race with natural
// completion.
type Source interface {
	// Start begins rendering. It must not block for the duration of the clip.
	Start() error

	// Stop halts rendering immediately. Returns [ErrAlreadyStopped] if the
	// source already ended or was stopped.
	Stop() error

	// Done is closed when rendering ends, naturally or via Stop.
	Done() <-chan struct{}

	// Kind reports the decode strategy the clip came from.
	Kind() SourceKind
}

// Renderer is the platform audio output. It builds a [Source] for a decoded
// buffer; the caller decides when to start it.
type Renderer interface {
	NewSource(buf *Buffer) (Source, error)
}

// Microphone is the platform audio input.
type Microphone interface {
	// Frames starts capturing and returns a channel of frames. The channel is
	// closed when ctx is cancelled or the device ends.
	Frames(ctx context.Context) (<-chan AudioFrame, error)
}

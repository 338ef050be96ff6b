// Package capture relays microphone audio to the conversational agent.
//
// While enabled, a [Relay] reads frames from an [audio.Microphone], converts
// them to the agent's input format, base64-encodes them and sends each as a
// user audio fragment. Capture is independent of playback: the user can talk
// over the agent.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/talkback/pkg/audio"
)

// ErrNotOpen is returned by Enable when the transport is not open.
var ErrNotOpen = errors.New("capture: transport not open")

// DefaultFormat is the agent input format.
var DefaultFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Sender is the outbound side of the transport session.
// *convai.Session satisfies it.
type Sender interface {
	Open() bool
	SendUserAudio(fragment string) error
}

// Option configures a [Relay].
type Option func(*Relay)

// WithFormat sets the format frames are converted to before sending.
func WithFormat(f audio.Format) Option {
	return func(r *Relay) {
		if f.SampleRate > 0 && f.Channels > 0 {
			r.format = f
		}
	}
}

// WithOnChunk registers a callback invoked after every sent fragment with its
// decoded byte length. Used for metrics.
func WithOnChunk(fn func(bytes int)) Option {
	return func(r *Relay) { r.onChunk = fn }
}

// WithOnStop registers a callback invoked when relaying ends on its own
// (microphone closed or send failure). It is not called for Disable.
func WithOnStop(fn func(err error)) Option {
	return func(r *Relay) { r.onStop = fn }
}

// Relay forwards microphone frames to a [Sender]. All methods are safe for
// concurrent use.
type Relay struct {
	mic     audio.Microphone
	format  audio.Format
	onChunk func(int)
	onStop  func(error)

	mu      sync.Mutex
	enabled bool
	cancel  context.CancelFunc
	done    chan struct{}
	gen     uint64 // bumped per Enable; a finished run only resets its own generation
}

// New creates a disabled Relay reading from mic.
func New(mic audio.Microphone, opts ...Option) *Relay {
	r := &Relay{mic: mic, format: DefaultFormat}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Enable starts relaying to sender. It is rejected with [ErrNotOpen] when the
// sender is not open. Enabling an enabled relay is a no-op.
func (r *Relay) Enable(ctx context.Context, sender Sender) error {
	if sender == nil || !sender.Open() {
		slog.Warn("capture: enable rejected, transport not open")
		return ErrNotOpen
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	frames, err := r.mic.Frames(runCtx)
	if err != nil {
		cancel()
		return err
	}

	r.gen++
	r.enabled = true
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(runCtx, r.gen, frames, sender, r.done)
	slog.Info("capture: enabled", "format", r.format)
	return nil
}

// Disable stops relaying and waits for the relay goroutine to exit. Safe to
// call when disabled.
func (r *Relay) Disable() {
	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return
	}
	r.enabled = false
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	cancel()
	<-done
	slog.Info("capture: disabled")
}

// Enabled reports whether the relay is forwarding audio.
func (r *Relay) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *Relay) run(ctx context.Context, gen uint64, frames <-chan audio.AudioFrame, sender Sender, done chan struct{}) {
	defer close(done)

	conv := audio.FormatConverter{Target: r.format}
	var stopErr error
	for frame := range frames {
		out := conv.Convert(frame)
		if len(out.Data) == 0 {
			continue
		}
		if err := sender.SendUserAudio(base64.StdEncoding.EncodeToString(out.Data)); err != nil {
			stopErr = err
			break
		}
		if r.onChunk != nil {
			r.onChunk(len(out.Data))
		}
	}

	if ctx.Err() != nil {
		// Disabled or parent cancelled.
		r.selfStop(gen, nil, false)
		go audio.Drain(frames)
		return
	}
	if stopErr != nil {
		slog.Warn("capture: send failed, stopping relay", "err", stopErr)
	} else {
		slog.Info("capture: microphone closed, stopping relay")
	}
	r.selfStop(gen, stopErr, true)
	go audio.Drain(frames)
}

// selfStop marks the relay disabled if gen is still the current run.
func (r *Relay) selfStop(gen uint64, err error, notify bool) {
	r.mu.Lock()
	if r.gen != gen || !r.enabled {
		r.mu.Unlock()
		return
	}
	r.enabled = false
	cancel := r.cancel
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if notify && r.onStop != nil {
		r.onStop(err)
	}
}

// Package mock provides in-memory implementations of the [audio.Renderer],
// [audio.Source], and [audio.Microphone] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on ordering and counts, and expose exported fields that control
// behaviour.
//
// Typical usage:
//
//	r := &mock.Renderer{}
//	seq := playback.New(decoder, r)
//	seq.Enqueue(item)
//	src := r.WaitSource(t, 0)
//	src.Finish() // simulate natural end-of-stream
package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/talkback/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source]. It ends when [Source.Finish] or
// [Source.Stop] is called, or after AutoFinish elapses once started.
type Source struct {
	// Buffer is the decoded buffer this source was created for.
	Buffer *audio.Buffer

	// AutoFinish, when > 0, ends the source naturally this long after Start.
	AutoFinish time.Duration

	// StartErr is returned by Start when non-nil.
	StartErr error

	mu        sync.Mutex
	done      chan struct{}
	started   bool
	ended     bool
	stopCalls int
	startedAt time.Time
}

func newSource(buf *audio.Buffer, autoFinish time.Duration) *Source {
	return &Source{Buffer: buf, AutoFinish: autoFinish, done: make(chan struct{})}
}

// Start implements [audio.Source].
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	s.started = true
	s.startedAt = time.Now()
	if s.AutoFinish > 0 {
		time.AfterFunc(s.AutoFinish, s.Finish)
	}
	return nil
}

// Stop implements [audio.Source]. Returns [audio.ErrAlreadyStopped] when the
// source already ended.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	if s.ended {
		return audio.ErrAlreadyStopped
	}
	s.ended = true
	close(s.done)
	return nil
}

// Finish simulates natural end-of-stream. Idempotent.
func (s *Source) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.done)
}

// Done implements [audio.Source].
func (s *Source) Done() <-chan struct{} { return s.done }

// Kind implements [audio.Source].
func (s *Source) Kind() audio.SourceKind {
	if s.Buffer == nil {
		return audio.KindPCM
	}
	return s.Buffer.Kind
}

// Started reports whether Start was called successfully.
func (s *Source) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// StartedAt returns the time Start was called.
func (s *Source) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Ended reports whether the source finished or was stopped.
func (s *Source) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// StopCalls returns how many times Stop was called.
func (s *Source) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

var _ audio.Source = (*Source)(nil)

// ─── Renderer ─────────────────────────────────────────────────────────────────

// Renderer is a mock [audio.Renderer] that hands out [Source] values and
// remembers them in creation order.
type Renderer struct {
	// AutoFinish is copied into every created source.
	AutoFinish time.Duration

	// NewSourceErr, if non-nil, is returned by NewSource.
	NewSourceErr error

	mu      sync.Mutex
	sources []*Source
}

// NewSource implements [audio.Renderer].
func (r *Renderer) NewSource(buf *audio.Buffer) (audio.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.NewSourceErr != nil {
		return nil, r.NewSourceErr
	}
	s := newSource(buf, r.AutoFinish)
	r.sources = append(r.sources, s)
	return s, nil
}

// Sources returns a snapshot of all created sources.
func (r *Renderer) Sources() []*Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// Active returns the sources that are started and not yet ended.
func (r *Renderer) Active() []*Source {
	var out []*Source
	for _, s := range r.Sources() {
		if s.Started() && !s.Ended() {
			out = append(out, s)
		}
	}
	return out
}

// WaitSource blocks until the i-th source exists and has been started, or
// fails the test after two seconds.
func (r *Renderer) WaitSource(t testing.TB, i int) *Source {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srcs := r.Sources(); len(srcs) > i && srcs[i].Started() {
			return srcs[i]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("mock renderer: source %d was not started within 2s (have %d)", i, len(r.Sources()))
	return nil
}

var _ audio.Renderer = (*Renderer)(nil)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [audio.Microphone]. Frames pushed with [Microphone.Push]
// are delivered to the most recent Frames caller.
type Microphone struct {
	// FramesErr, if non-nil, is returned by Frames.
	FramesErr error

	mu         sync.Mutex
	ch         chan audio.AudioFrame
	framesCall int
}

// Frames implements [audio.Microphone]. The returned channel is closed when
// ctx is cancelled.
func (m *Microphone) Frames(ctx context.Context) (<-chan audio.AudioFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesCall++
	if m.FramesErr != nil {
		return nil, m.FramesErr
	}
	in := make(chan audio.AudioFrame, 64)
	out := make(chan audio.AudioFrame)
	m.ch = in
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-in:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Push queues a frame for the current capture. It is dropped if Frames was
// never called.
func (m *Microphone) Push(f audio.AudioFrame) {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// FramesCalls returns how many times Frames was called.
func (m *Microphone) FramesCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framesCall
}

var _ audio.Microphone = (*Microphone)(nil)

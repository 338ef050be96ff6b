package stream

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/talkback/pkg/audio"
)

// Supported sample-rate range of [WriterRenderer].
const (
	MinSampleRate = 8000
	MaxSampleRate = 192000
)

// RendererOption configures a [WriterRenderer].
type RendererOption func(*WriterRenderer)

// WithRenderChunk sets the duration written per chunk.
func WithRenderChunk(d time.Duration) RendererOption {
	return func(r *WriterRenderer) {
		if d > 0 {
			r.chunk = d
		}
	}
}

// WithoutRealtime writes audio as fast as the writer accepts it.
func WithoutRealtime() RendererOption {
	return func(r *WriterRenderer) {
		r.paced = false
	}
}

// WriterRenderer is an [audio.Renderer] that writes decoded buffers as PCM16
// in a fixed output format to an [io.Writer], paced at playback speed.
//
// Writes from concurrent sources are serialised; the playback sequencer only
// ever runs one at a time anyway.
type WriterRenderer struct {
	w      io.Writer
	format audio.Format
	chunk  time.Duration
	paced  bool

	writeMu sync.Mutex
}

var _ audio.Renderer = (*WriterRenderer)(nil)

// NewWriterRenderer creates a renderer writing PCM16 in format f to w.
func NewWriterRenderer(w io.Writer, f audio.Format, opts ...RendererOption) *WriterRenderer {
	r := &WriterRenderer{
		w:      w,
		format: f,
		chunk:  DefaultFrameDuration,
		paced:  true,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SupportsRate reports whether buffers at rate can be rendered. It is meant
// to be passed to the decoder's rate filter.
func (r *WriterRenderer) SupportsRate(rate int) bool {
	return rate >= MinSampleRate && rate <= MaxSampleRate
}

// NewSource implements [audio.Renderer]. The buffer is converted to the
// output format eagerly so Start never blocks on conversion.
func (r *WriterRenderer) NewSource(buf *audio.Buffer) (audio.Source, error) {
	if buf == nil || len(buf.Samples) == 0 {
		return nil, fmt.Errorf("stream: renderer: empty buffer")
	}
	if !r.SupportsRate(buf.SampleRate) {
		return nil, fmt.Errorf("stream: renderer: unsupported sample rate %d", buf.SampleRate)
	}
	if buf.Channels <= 0 {
		return nil, fmt.Errorf("stream: renderer: invalid channel count %d", buf.Channels)
	}

	conv := audio.FormatConverter{Target: r.format}
	out := conv.Convert(audio.AudioFrame{
		Data:       audio.Float32ToPCM16(buf.Samples),
		SampleRate: buf.SampleRate,
		Channels:   buf.Channels,
	})

	return &writerSource{
		r:    r,
		kind: buf.Kind,
		pcm:  out.Data,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// writerSource streams one converted clip to the renderer's writer.
type writerSource struct {
	r    *WriterRenderer
	kind audio.SourceKind
	pcm  []byte

	mu      sync.Mutex
	started bool
	ended   bool
	stop    chan struct{}
	done    chan struct{}
}

func (s *writerSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("stream: source already started")
	}
	if s.ended {
		return audio.ErrAlreadyStopped
	}
	s.started = true
	go s.run()
	return nil
}

func (s *writerSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return audio.ErrAlreadyStopped
	}
	s.ended = true
	close(s.stop)
	if !s.started {
		close(s.done)
	}
	return nil
}

func (s *writerSource) Done() <-chan struct{} { return s.done }

func (s *writerSource) Kind() audio.SourceKind { return s.kind }

func (s *writerSource) run() {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
	}()

	r := s.r
	size := frameBytes(r.format.SampleRate, r.format.Channels, r.chunk)
	var ticker *time.Ticker
	if r.paced {
		ticker = time.NewTicker(r.chunk)
		defer ticker.Stop()
	}

	for off := 0; off < len(s.pcm); off += size {
		select {
		case <-s.stop:
			return
		default:
		}

		end := min(off+size, len(s.pcm))
		r.writeMu.Lock()
		_, err := r.w.Write(s.pcm[off:end])
		r.writeMu.Unlock()
		if err != nil {
			slog.Warn("stream: renderer write failed", "err", err)
			return
		}

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-s.stop:
				return
			}
		}
	}
}

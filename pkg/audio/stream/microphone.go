package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/talkback/pkg/audio"
)

// MicrophoneOption configures a [ReaderMicrophone].
type MicrophoneOption func(*ReaderMicrophone)

// WithFrameDuration sets the length of each emitted frame.
func WithFrameDuration(d time.Duration) MicrophoneOption {
	return func(m *ReaderMicrophone) {
		if d > 0 {
			m.frame = d
		}
	}
}

// WithoutPacing emits frames as fast as the reader yields them instead of in
// real time.
func WithoutPacing() MicrophoneOption {
	return func(m *ReaderMicrophone) {
		m.paced = false
	}
}

// ReaderMicrophone is an [audio.Microphone] that reads raw PCM16 from an
// [io.Reader] and emits it as frames paced at real-time speed.
type ReaderMicrophone struct {
	r      io.Reader
	format audio.Format
	frame  time.Duration
	paced  bool
}

var _ audio.Microphone = (*ReaderMicrophone)(nil)

// NewReaderMicrophone creates a microphone reading PCM16 in format f from r.
func NewReaderMicrophone(r io.Reader, f audio.Format, opts ...MicrophoneOption) *ReaderMicrophone {
	m := &ReaderMicrophone{
		r:      r,
		format: f,
		frame:  DefaultFrameDuration,
		paced:  true,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Frames implements [audio.Microphone]. The channel is closed on ctx
// cancellation, end of input, or a read error (which is logged).
func (m *ReaderMicrophone) Frames(ctx context.Context) (<-chan audio.AudioFrame, error) {
	if m.format.SampleRate <= 0 || m.format.Channels <= 0 {
		return nil, fmt.Errorf("stream: microphone: invalid format %s", m.format)
	}
	out := make(chan audio.AudioFrame, 4)
	go m.run(ctx, out)
	return out, nil
}

func (m *ReaderMicrophone) run(ctx context.Context, out chan<- audio.AudioFrame) {
	defer close(out)

	size := frameBytes(m.format.SampleRate, m.format.Channels, m.frame)
	var ticker *time.Ticker
	if m.paced {
		ticker = time.NewTicker(m.frame)
		defer ticker.Stop()
	}

	var ts time.Duration
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(m.r, buf)
		// Keep whole sample frames only.
		n -= n % (m.format.Channels * 2)
		if n > 0 {
			f := audio.AudioFrame{
				Data:       buf[:n],
				SampleRate: m.format.SampleRate,
				Channels:   m.format.Channels,
				Timestamp:  ts,
			}
			ts += m.frame
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("stream: microphone read failed", "err", err)
			}
			return
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

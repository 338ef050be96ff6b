package audio

import "time"

// AudioFrame represents a single frame of captured audio flowing outbound.
// Frames are the atomic unit of microphone capture: produced by a
// [Microphone], converted to the agent input format and relayed to the
// remote service.
type AudioFrame struct {
	// PCM audio data, little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for agent input, 48000 for most devices).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// SourceKind tags which decode strategy produced a [Buffer]. Renderers use it
// to build the matching source variant; the playback sequencer treats both
// variants identically through the [Source] interface.
type SourceKind int

const (
	// KindContainer marks audio decoded from a self-describing container
	// (e.g. RIFF/WAVE) whose header declared rate and channel layout.
	KindContainer SourceKind = iota

	// KindPCM marks audio built from headerless PCM16 at a probed sample rate.
	KindPCM
)

// String returns the human-readable name of the kind.
func (k SourceKind) String() string {
	switch k {
	case KindContainer:
		return "container"
	case KindPCM:
		return "pcm"
	default:
		return "unknown"
	}
}

// Buffer is a fully decoded, renderable audio clip. Samples are interleaved
// float32 values in [-1, 1).
type Buffer struct {
	Kind       SourceKind
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

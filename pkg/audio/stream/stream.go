// Package stream implements the platform audio primitives on top of plain
// [io.Reader] and [io.Writer] values, so the engine can run against files,
// pipes or sound-server bridges without a native audio backend.
//
// All audio crossing the io boundary is headerless little-endian PCM16 in a
// fixed [audio.Format].
package stream

import "time"

// DefaultFrameDuration is the capture and render chunk length.
const DefaultFrameDuration = 20 * time.Millisecond

// frameBytes returns the byte length of one chunk of d at the given format,
// rounded down to whole sample frames and never below one frame.
func frameBytes(sampleRate, channels int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	if samples < 1 {
		samples = 1
	}
	return samples * channels * 2
}

package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FormatConverter converts AudioFrames to a target format. It logs a warning
// on the first format mismatch and validates PCM data alignment.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged. Channel counts that
// differ are mixed down to mono and spread to the target count. Frames whose byte count
// is not a whole number of sample frames are dropped (empty Data).
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	channels := max(frame.Channels, 1)
	if len(frame.Data)%(2*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: misaligned PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	if frame.SampleRate == c.Target.SampleRate && channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	// Any channel layout change goes through mono. Downmix before
	// resampling so fewer samples are interpolated.
	if channels > 1 && channels != c.Target.Channels {
		pcm = DownmixPCM16(pcm, channels)
		channels = 1
	}
	if frame.SampleRate != c.Target.SampleRate {
		pcm = ResamplePCM16(pcm, channels, frame.SampleRate, c.Target.SampleRate)
	}
	if channels == 1 && c.Target.Channels > 1 {
		pcm = UpmixPCM16(pcm, c.Target.Channels)
		channels = c.Target.Channels
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// PCM16ToFloat32 interprets pcm as little-endian int16 samples and scales them
// by 1/32768, giving values in [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToPCM16 converts float samples to little-endian int16, clamping to
// the representable range.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := math.Round(float64(f) * 32768.0)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// UpmixPCM16 duplicates each mono int16 sample into channels identical copies.
func UpmixPCM16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	n := len(pcm) / 2
	out := make([]byte, n*2*channels)
	for i := range n {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for ch := range channels {
			j := (i*channels + ch) * 2
			out[j] = lo
			out[j+1] = hi
		}
	}
	return out
}

// DownmixPCM16 averages interleaved int16 frames of the given channel count
// into mono. Uses int32 arithmetic so the average cannot overflow.
func DownmixPCM16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frameBytes := 2 * channels
	frames := len(pcm) / frameBytes
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[i*frameBytes+ch*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// ResamplePCM16 resamples interleaved int16 PCM from srcRate to dstRate using
// linear interpolation per channel. If the rates match, or either is invalid,
// the input is returned unchanged.
func ResamplePCM16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	channels = max(channels, 1)
	frameBytes := 2 * channels
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sample := func(frame, ch int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[frame*frameBytes+ch*2:])))
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			v := sample(idx, ch)*(1-frac) + sample(next, ch)*frac
			binary.LittleEndian.PutUint16(out[i*frameBytes+ch*2:], uint16(int16(v)))
		}
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}

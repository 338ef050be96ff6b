package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/talkback/pkg/audio"
)

// WAVE format tags.
const (
	wavFormatPCM        = 1
	wavFormatIEEEFloat  = 3
	wavFormatExtensible = 0xFFFE
)

var (
	errNotRIFF    = errors.New("decode: not a RIFF/WAVE payload")
	errNoFmtChunk = errors.New("decode: wav: missing fmt chunk")
	errNoData     = errors.New("decode: wav: missing data chunk")
)

// wavInfo is the parsed header of a RIFF/WAVE payload.
type wavInfo struct {
	format        uint16
	channels      int
	sampleRate    int
	bitsPerSample int
	data          []byte
}

// parseWAV walks the RIFF chunks of data and returns the fmt fields and the
// sample data slice. Unknown chunks (LIST, fact, …) are skipped.
func parseWAV(data []byte) (*wavInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, errNotRIFF
	}

	var info wavInfo
	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if size < 0 || end > len(data) {
			// Streamed WAVs often carry a placeholder data size; take what is there.
			if id != "data" {
				return nil, fmt.Errorf("decode: wav: chunk %q overruns payload", id)
			}
			end = len(data)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("decode: wav: fmt chunk too short (%d bytes)", size)
			}
			f := data[body:end]
			info.format = binary.LittleEndian.Uint16(f[0:2])
			info.channels = int(binary.LittleEndian.Uint16(f[2:4]))
			info.sampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			info.bitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			if info.format == wavFormatExtensible && size >= 26 {
				info.format = binary.LittleEndian.Uint16(f[24:26])
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, errNoFmtChunk
			}
			info.data = data[body:end]
			return validateWAV(&info)
		}

		// Chunks are word aligned.
		pos = end + (size & 1)
	}
	if !haveFmt {
		return nil, errNoFmtChunk
	}
	return nil, errNoData
}

func validateWAV(info *wavInfo) (*wavInfo, error) {
	if info.channels <= 0 {
		return nil, fmt.Errorf("decode: wav: invalid channel count %d", info.channels)
	}
	if info.sampleRate <= 0 {
		return nil, fmt.Errorf("decode: wav: invalid sample rate %d", info.sampleRate)
	}
	switch {
	case info.format == wavFormatPCM && (info.bitsPerSample == 8 || info.bitsPerSample == 16):
	case info.format == wavFormatIEEEFloat && info.bitsPerSample == 32:
	default:
		return nil, fmt.Errorf("decode: wav: unsupported encoding (format %d, %d bits)", info.format, info.bitsPerSample)
	}
	frameBytes := info.channels * info.bitsPerSample / 8
	if len(info.data) < frameBytes {
		return nil, fmt.Errorf("decode: wav: data chunk holds no complete frame")
	}
	// Drop a trailing partial frame.
	info.data = info.data[:len(info.data)-len(info.data)%frameBytes]
	return info, nil
}

// DecodeWAV decodes a RIFF/WAVE payload (8/16-bit PCM or 32-bit float, any
// channel count) into an interleaved float buffer.
func DecodeWAV(data []byte) (*audio.Buffer, error) {
	info, err := parseWAV(data)
	if err != nil {
		return nil, err
	}

	var samples []float32
	switch {
	case info.format == wavFormatIEEEFloat:
		samples = make([]float32, len(info.data)/4)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(info.data[i*4:]))
		}
	case info.bitsPerSample == 8:
		// 8-bit WAV is unsigned with a 128 midpoint.
		samples = make([]float32, len(info.data))
		for i, b := range info.data {
			samples[i] = float32(int(b)-128) / 128.0
		}
	default:
		samples = audio.PCM16ToFloat32(info.data)
	}

	return &audio.Buffer{
		Kind:       audio.KindContainer,
		Samples:    samples,
		SampleRate: info.sampleRate,
		Channels:   info.channels,
	}, nil
}

// EncodeWAV wraps mono or interleaved PCM16 data in a canonical 44-byte
// RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	out := make([]byte, 44+len(pcm))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], wavFormatPCM)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(out[32:], uint16(channels*2))
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}

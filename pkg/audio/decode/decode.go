// Package decode turns reassembled audio payloads into renderable
// [audio.Buffer] values.
//
// Decoding is attempted from "likely correct" to "probable default":
//
//  1. Container decode: the payload is parsed as a self-describing RIFF/WAVE
//     file. On success the buffer is tagged [audio.KindContainer].
//  2. Raw PCM fallback: the payload is read as headerless 16-bit signed
//     little-endian mono PCM. Because the payload does not carry its sample
//     rate, a fixed ordered ladder of candidate rates is probed and the first
//     candidate that yields at least MinSamples samples (and that the output
//     accepts) wins. The buffer is tagged [audio.KindPCM].
//
// If every candidate fails, Decode returns a [*LadderError] wrapping
// [ErrUndecodable].
package decode

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/talkback/pkg/audio"
)

// ErrUndecodable is wrapped by every error returned when a payload can be
// decoded neither as a container nor as raw PCM.
var ErrUndecodable = errors.New("decode: payload is not playable audio")

// DefaultRates is the candidate sample-rate ladder probed for raw PCM, in order.
var DefaultRates = []int{16000, 22050, 24000, 44100, 48000}

// DefaultMinSamples is the minimum sample count for a PCM buffer to be
// considered audio rather than noise.
const DefaultMinSamples = 50

// Option configures a [Decoder].
type Option func(*Decoder)

// WithRates replaces the candidate sample-rate ladder. Order matters: the
// first acceptable rate wins. Empty input keeps the default.
func WithRates(rates ...int) Option {
	return func(d *Decoder) {
		if len(rates) > 0 {
			d.rates = append([]int(nil), rates...)
		}
	}
}

// WithMinSamples sets the minimum PCM sample count. Values <= 0 keep the default.
func WithMinSamples(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.minSamples = n
		}
	}
}

// WithRateFilter restricts the ladder to rates the output device accepts.
// A rejected candidate is skipped like a too-short one.
func WithRateFilter(accept func(rate int) bool) Option {
	return func(d *Decoder) {
		d.accept = accept
	}
}

// Attempt records one probe of the PCM ladder.
type Attempt struct {
	Rate    int
	Samples int
	Reason  string
}

// LadderError reports that no decode strategy produced playable audio.
type LadderError struct {
	// Container is the error from the container decode attempt.
	Container error

	// Attempts lists every PCM ladder probe in the order tried.
	Attempts []Attempt
}

func (e *LadderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "decode: container: %v; pcm:", e.Container)
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, " %dHz(%s)", a.Rate, a.Reason)
	}
	return b.String()
}

func (e *LadderError) Unwrap() error { return ErrUndecodable }

// Decoder decodes payloads using container-then-PCM probing. A Decoder is
// immutable after construction and safe for concurrent use.
type Decoder struct {
	rates      []int
	minSamples int
	accept     func(rate int) bool
}

// New returns a Decoder with the default ladder and threshold.
func New(opts ...Option) *Decoder {
	d := &Decoder{
		rates:      append([]int(nil), DefaultRates...),
		minSamples: DefaultMinSamples,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Rates returns a copy of the configured ladder.
func (d *Decoder) Rates() []int {
	return append([]int(nil), d.rates...)
}

// Decode converts data into a renderable buffer.
func (d *Decoder) Decode(data []byte) (*audio.Buffer, error) {
	buf, cerr := DecodeWAV(data)
	if cerr == nil {
		return buf, nil
	}

	rate, err := d.probe(data, cerr)
	if err != nil {
		return nil, err
	}
	slog.Debug("decode: using raw pcm fallback", "rate", rate, "bytes", len(data), "container_err", cerr)
	return &audio.Buffer{
		Kind:       audio.KindPCM,
		Samples:    audio.PCM16ToFloat32(data),
		SampleRate: rate,
		Channels:   1,
	}, nil
}

// Check reports which strategy Decode would use for data without converting
// any samples.
func (d *Decoder) Check(data []byte) (audio.SourceKind, error) {
	_, cerr := parseWAV(data)
	if cerr == nil {
		return audio.KindContainer, nil
	}
	if _, err := d.probe(data, cerr); err != nil {
		return 0, err
	}
	return audio.KindPCM, nil
}

// probe walks the PCM ladder and returns the first acceptable rate.
func (d *Decoder) probe(data []byte, containerErr error) (int, error) {
	lerr := &LadderError{Container: containerErr}
	for _, rate := range d.rates {
		samples := pcmSamples(data, rate)
		switch {
		case samples < d.minSamples:
			lerr.Attempts = append(lerr.Attempts, Attempt{Rate: rate, Samples: samples, Reason: "too short"})
		case d.accept != nil && !d.accept(rate):
			lerr.Attempts = append(lerr.Attempts, Attempt{Rate: rate, Samples: samples, Reason: "rate rejected"})
		default:
			return rate, nil
		}
	}
	return 0, lerr
}

// pcmSamples returns the number of whole mono PCM16 samples a buffer of data
// holds when built at rate. The count does not depend on the rate for
// headerless PCM, but the rate must be a usable positive value.
func pcmSamples(data []byte, rate int) int {
	if rate <= 0 {
		return 0
	}
	return len(data) / 2
}

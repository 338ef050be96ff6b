package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/talkback/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func assertSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d (%v), want %d (%v)", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestUpmixPCM16(t *testing.T) {
	t.Parallel()
	mono := samplesToBytes([]int16{100, 200, 300})
	assertSamples(t, bytesToSamples(audio.UpmixPCM16(mono, 2)), []int16{100, 100, 200, 200, 300, 300})
}

func TestUpmixPCM16_MonoIsIdentity(t *testing.T) {
	t.Parallel()
	mono := samplesToBytes([]int16{1, 2})
	assertSamples(t, bytesToSamples(audio.UpmixPCM16(mono, 1)), []int16{1, 2})
}

func TestDownmixPCM16(t *testing.T) {
	t.Parallel()
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	assertSamples(t, bytesToSamples(audio.DownmixPCM16(stereo, 2)), []int16{150, -150})
}

func TestDownmixPCM16_NoOverflow(t *testing.T) {
	t.Parallel()
	stereo := samplesToBytes([]int16{32767, 32767, -32768, -32768})
	assertSamples(t, bytesToSamples(audio.DownmixPCM16(stereo, 2)), []int16{32767, -32768})
}

func TestResamplePCM16_SameRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResamplePCM16(pcm, 1, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResamplePCM16_Upsample(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{0, 100})
	out := audio.ResamplePCM16(pcm, 1, 8000, 16000)
	assertSamples(t, bytesToSamples(out), []int16{0, 50, 100, 100})
}

func TestResamplePCM16_Downsample(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{10, 20, 30, 40})
	out := audio.ResamplePCM16(pcm, 1, 48000, 24000)
	assertSamples(t, bytesToSamples(out), []int16{10, 30})
}

func TestResamplePCM16_StereoKeepsChannelsApart(t *testing.T) {
	t.Parallel()
	// L is constant 1000, R is constant -1000.
	pcm := samplesToBytes([]int16{1000, -1000, 1000, -1000})
	out := bytesToSamples(audio.ResamplePCM16(pcm, 2, 16000, 32000))
	if len(out) != 8 {
		t.Fatalf("got %d samples, want 8", len(out))
	}
	for i := 0; i < len(out); i += 2 {
		if out[i] != 1000 || out[i+1] != -1000 {
			t.Fatalf("frame %d = (%d, %d), want (1000, -1000)", i/2, out[i], out[i+1])
		}
	}
}

func TestResamplePCM16_InvalidRates(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, 2, 3})
	if out := audio.ResamplePCM16(pcm, 1, 0, 16000); len(out) != len(pcm) {
		t.Errorf("zero source rate should return input unchanged")
	}
	if out := audio.ResamplePCM16(pcm, 1, 16000, -1); len(out) != len(pcm) {
		t.Errorf("negative target rate should return input unchanged")
	}
}

func TestPCM16ToFloat32(t *testing.T) {
	t.Parallel()
	got := audio.PCM16ToFloat32(samplesToBytes([]int16{0, 16384, -32768, 32767}))
	want := []float32{0, 0.5, -1, 32767.0 / 32768.0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
		if got[i] < -1 || got[i] >= 1 {
			t.Errorf("sample %d = %v outside [-1, 1)", i, got[i])
		}
	}
}

func TestPCM16ToFloat32_IgnoresTrailingByte(t *testing.T) {
	t.Parallel()
	pcm := append(samplesToBytes([]int16{100}), 0x7f)
	if got := audio.PCM16ToFloat32(pcm); len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestFloat32ToPCM16_Clamps(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.Float32ToPCM16([]float32{0, 0.5, 1, -1, 2, -2}))
	assertSamples(t, got, []int16{0, 16384, 32767, -32768, 32767, -32768})
}

func TestFormatConverter_Passthrough(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	in := audio.AudioFrame{Data: samplesToBytes([]int16{1, 2, 3}), SampleRate: 16000, Channels: 1}
	out := conv.Convert(in)
	if &out.Data[0] != &in.Data[0] {
		t.Error("matching format should return the same backing data")
	}
}

func TestFormatConverter_StereoToMonoDownsample(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	// 6 stereo frames at 48 kHz -> 2 mono frames at 16 kHz.
	in := audio.AudioFrame{
		Data:       samplesToBytes([]int16{100, 300, 100, 300, 100, 300, 100, 300, 100, 300, 100, 300}),
		SampleRate: 48000,
		Channels:   2,
	}
	out := conv.Convert(in)
	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Fatalf("format = %dHz/%dch, want 16000Hz/1ch", out.SampleRate, out.Channels)
	}
	assertSamples(t, bytesToSamples(out.Data), []int16{200, 200})
}

func TestFormatConverter_MonoToStereo(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 8000, Channels: 2}}
	out := conv.Convert(audio.AudioFrame{Data: samplesToBytes([]int16{5, 6}), SampleRate: 8000, Channels: 1})
	assertSamples(t, bytesToSamples(out.Data), []int16{5, 5, 6, 6})
}

func TestFormatConverter_MultichannelToStereo(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 8000, Channels: 2}}
	// Two 4-channel frames.
	out := conv.Convert(audio.AudioFrame{Data: samplesToBytes([]int16{1, 3, 5, 7, 2, 4, 6, 8}), SampleRate: 8000, Channels: 4})
	if out.Channels != 2 {
		t.Fatalf("channels = %d, want 2", out.Channels)
	}
	assertSamples(t, bytesToSamples(out.Data), []int16{4, 4, 5, 5})
}

func TestFormatConverter_MisalignedDropped(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	out := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if len(out.Data) != 0 {
		t.Fatalf("misaligned frame should be dropped, got %d bytes", len(out.Data))
	}
}

func TestFormatString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 16000, Channels: 1}, "16000Hz mono"},
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 44100, Channels: 6}, "44100Hz 6ch"},
	}
	for _, tc := range tests {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("%+v.String() = %q, want %q", tc.f, got, tc.want)
		}
	}
}

func TestBufferDuration(t *testing.T) {
	t.Parallel()
	buf := &audio.Buffer{Samples: make([]float32, 32000), SampleRate: 16000, Channels: 2}
	if got := buf.Frames(); got != 16000 {
		t.Errorf("Frames() = %d, want 16000", got)
	}
	if got := buf.Duration().Seconds(); got != 1 {
		t.Errorf("Duration() = %vs, want 1s", got)
	}
	var nilBuf *audio.Buffer
	if nilBuf.Duration() != 0 {
		t.Error("nil buffer should have zero duration")
	}
}

package audio

import (
	"encoding/base64"
	"errors"
	"log/slog"
)

// ErrNoAudio is returned by [Reassemble] when no fragment yields any bytes.
var ErrNoAudio = errors.New("audio: no decodable fragment")

// Reassemble base64-decodes each fragment and concatenates the results in the
// given order. Fragments that fail to decode are skipped and logged; they do
// not fail the group. Nothing is reordered, truncated, or padded.
func Reassemble(fragments []string) ([]byte, error) {
	decoded := make([][]byte, 0, len(fragments))
	total := 0
	for i, f := range fragments {
		b, err := base64.StdEncoding.DecodeString(f)
		if err != nil {
			slog.Warn("audio: skipping undecodable fragment", "index", i, "len", len(f), "err", err)
			continue
		}
		decoded = append(decoded, b)
		total += len(b)
	}
	if total == 0 {
		return nil, ErrNoAudio
	}

	out := make([]byte, 0, total)
	for _, b := range decoded {
		out = append(out, b...)
	}
	return out, nil
}

// ReassembleBase64 is [Reassemble] followed by re-encoding, for consumers
// that expect a single base64 payload.
func ReassembleBase64(fragments []string) (string, error) {
	b, err := Reassemble(fragments)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

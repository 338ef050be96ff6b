package audio_test

import (
	"bytes"
	"encoding/base64"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/talkback/pkg/audio"
)

func encodeAll(parts ...[]byte) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = base64.StdEncoding.EncodeToString(p)
	}
	return out
}

func TestReassemble_PreservesOrder(t *testing.T) {
	t.Parallel()
	got, err := audio.Reassemble(encodeAll([]byte("ab"), []byte("cde"), []byte("f")))
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if string(got) != "abcdef" {
		t.Errorf("got %q, want %q", got, "abcdef")
	}
}

// TestReassemble_RandomOrderings checks that for any permutation of fragments
// the output equals the in-order concatenation and its length is the sum of
// the decoded lengths.
func TestReassemble_RandomOrderings(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		n := 1 + rng.IntN(8)
		parts := make([][]byte, n)
		sum := 0
		for i := range parts {
			parts[i] = make([]byte, 1+rng.IntN(64))
			for j := range parts[i] {
				parts[i][j] = byte(rng.IntN(256))
			}
			sum += len(parts[i])
		}
		rng.Shuffle(n, func(i, j int) { parts[i], parts[j] = parts[j], parts[i] })

		got, err := audio.Reassemble(encodeAll(parts...))
		if err != nil {
			t.Fatalf("Reassemble: %v", err)
		}
		if len(got) != sum {
			t.Fatalf("len = %d, want %d", len(got), sum)
		}
		if want := bytes.Join(parts, nil); !bytes.Equal(got, want) {
			t.Fatal("output is not the in-order concatenation")
		}
	}
}

func TestReassemble_SkipsInvalidFragment(t *testing.T) {
	t.Parallel()
	frags := encodeAll([]byte("one"), []byte("two"))
	frags = append(frags[:1], append([]string{"!!not base64!!"}, frags[1:]...)...)

	got, err := audio.Reassemble(frags)
	if err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if string(got) != "onetwo" {
		t.Errorf("got %q, want %q", got, "onetwo")
	}
}

func TestReassemble_AllInvalid(t *testing.T) {
	t.Parallel()
	_, err := audio.Reassemble([]string{"%%%", "@@"})
	if !errors.Is(err, audio.ErrNoAudio) {
		t.Fatalf("err = %v, want ErrNoAudio", err)
	}
	if _, err := audio.Reassemble(nil); !errors.Is(err, audio.ErrNoAudio) {
		t.Fatalf("nil input: err = %v, want ErrNoAudio", err)
	}
}

func TestReassembleBase64_RoundTrip(t *testing.T) {
	t.Parallel()
	got, err := audio.ReassembleBase64(encodeAll([]byte{0, 1}, []byte{2, 3, 4}))
	if err != nil {
		t.Fatalf("ReassembleBase64: %v", err)
	}
	if want := base64.StdEncoding.EncodeToString([]byte{0, 1, 2, 3, 4}); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

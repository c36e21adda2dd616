package audio_test

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/voxview/pkg/audio"
)

func TestToPCM16_Boundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"full positive", 1.0, 32767},
		{"full negative", -1.0, -32768},
		{"zero", 0.0, 0},
		{"half positive", 0.5, 16384},
		{"half negative", -0.5, -16384},
		{"clipped above", 1.7, 32767},
		{"clipped below", -3.2, -32768},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := audio.ToPCM16([]float32{tc.in})
			if len(got) != 1 {
				t.Fatalf("len = %d; want 1", len(got))
			}
			if got[0] != tc.want {
				t.Errorf("ToPCM16(%v) = %d; want %d", tc.in, got[0], tc.want)
			}
		})
	}
}

func TestToPCM16_Empty(t *testing.T) {
	t.Parallel()
	if got := audio.ToPCM16(nil); len(got) != 0 {
		t.Errorf("ToPCM16(nil) len = %d; want 0", len(got))
	}
}

func TestFromPCM16_ScalesAndDefaultsRate(t *testing.T) {
	t.Parallel()

	buf := audio.FromPCM16([]int16{-32768, 0, 16384}, 0)
	if buf.SampleRate != audio.PlaybackSampleRate {
		t.Errorf("SampleRate = %d; want %d", buf.SampleRate, audio.PlaybackSampleRate)
	}
	want := []float32{-1, 0, 0.5}
	for i := range want {
		if buf.Samples[i] != want[i] {
			t.Errorf("sample %d = %v; want %v", i, buf.Samples[i], want[i])
		}
	}

	if got := audio.FromPCM16(nil, 16000).SampleRate; got != 16000 {
		t.Errorf("explicit rate = %d; want 16000", got)
	}
}

func TestBuffer_Duration(t *testing.T) {
	t.Parallel()

	buf := audio.Buffer{Samples: make([]float32, 12000), SampleRate: 24000}
	if got := buf.Duration(); got != 500*time.Millisecond {
		t.Errorf("Duration = %v; want 500ms", got)
	}
	if got := (audio.Buffer{Samples: make([]float32, 10)}).Duration(); got != 0 {
		t.Errorf("Duration without rate = %v; want 0", got)
	}
}

func TestPCM16Bytes_LittleEndian(t *testing.T) {
	t.Parallel()

	data := audio.PCM16ToBytes([]int16{1, -2})
	want := []byte{0x01, 0x00, 0xFE, 0xFF}
	if !bytes.Equal(data, want) {
		t.Fatalf("PCM16ToBytes = %x; want %x", data, want)
	}

	// Trailing odd byte is ignored.
	got := audio.BytesToPCM16(append(data, 0x7F))
	if len(got) != 2 || got[0] != 1 || got[1] != -2 {
		t.Errorf("BytesToPCM16 = %v; want [1 -2]", got)
	}
}

func TestTransport_RoundTrip(t *testing.T) {
	t.Parallel()

	inputs := [][]byte{
		{},
		{0x00},
		{0xFF, 0x00},
		{0x01, 0x02, 0x03},
		[]byte("interview"),
	}
	rng := rand.New(rand.NewPCG(1, 2))
	for n := range 64 {
		b := make([]byte, n*7)
		for i := range b {
			b[i] = byte(rng.Uint32())
		}
		inputs = append(inputs, b)
	}

	for _, in := range inputs {
		text := audio.EncodeTransport(in)
		out, err := audio.DecodeTransport(text)
		if err != nil {
			t.Fatalf("DecodeTransport(%q): %v", text, err)
		}
		if !bytes.Equal(out, in) {
			t.Fatalf("round trip mismatch: got %x; want %x", out, in)
		}
	}
}

func TestTransport_EmptyInput(t *testing.T) {
	t.Parallel()

	if text := audio.EncodeTransport(nil); text != "" {
		t.Errorf("EncodeTransport(nil) = %q; want empty", text)
	}
	out, err := audio.DecodeTransport("")
	if err != nil {
		t.Fatalf("DecodeTransport(\"\"): %v", err)
	}
	if out == nil || len(out) != 0 {
		t.Errorf("DecodeTransport(\"\") = %v; want empty non-nil slice", out)
	}
}

func TestDecodeTransport_Invalid(t *testing.T) {
	t.Parallel()
	if _, err := audio.DecodeTransport("not base64!"); err == nil {
		t.Error("expected error for invalid input")
	}
}

func TestEncodeFrame_DecodeFragment(t *testing.T) {
	t.Parallel()

	text := audio.EncodeFrame([]float32{1, -1, 0})
	buf, err := audio.DecodeFragment(text, 16000)
	if err != nil {
		t.Fatalf("DecodeFragment: %v", err)
	}
	if buf.SampleRate != 16000 {
		t.Errorf("SampleRate = %d; want 16000", buf.SampleRate)
	}
	want := []float32{32767.0 / 32768, -1, 0}
	if len(buf.Samples) != len(want) {
		t.Fatalf("len = %d; want %d", len(buf.Samples), len(want))
	}
	for i := range want {
		if buf.Samples[i] != want[i] {
			t.Errorf("sample %d = %v; want %v", i, buf.Samples[i], want[i])
		}
	}
}

func TestDrain_ReleasesProducer(t *testing.T) {
	t.Parallel()

	ch := make(chan string)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 5 {
			ch <- "part"
		}
		close(ch)
	}()
	audio.Drain(ch)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after Drain")
	}
}

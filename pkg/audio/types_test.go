package audio_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

func TestBytesToSamples_RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	got, err := audio.BytesToSamples(audio.SamplesToBytes(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	equalSamples(t, got, in)
}

func TestBytesToSamples_LittleEndian(t *testing.T) {
	got := mustSamples(t, []byte{0x01, 0x02, 0xff, 0xff})
	equalSamples(t, got, []int16{0x0201, -1})
}

func TestBytesToSamples_OddLength(t *testing.T) {
	_, err := audio.BytesToSamples([]byte{1, 2, 3})
	if !errors.Is(err, audio.ErrOddLength) {
		t.Fatalf("err = %v, want ErrOddLength", err)
	}
}

func TestMeanAbsAmplitude(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{name: "empty", samples: nil, want: 0},
		{name: "silence", samples: make([]int16, 100), want: 0},
		{name: "symmetric", samples: []int16{16384, -16384}, want: 0.5},
		{name: "full scale negative", samples: []int16{-32768}, want: 1},
		{name: "mixed", samples: []int16{3277, -3277, 0, 0}, want: 3277.0 / 2 / 32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.MeanAbsAmplitude(tt.samples)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("MeanAbsAmplitude() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrameDuration(t *testing.T) {
	f := audio.Frame{Samples: make([]int16, 2400), SampleRate: 24000}
	if got := f.Duration(); got != 100*time.Millisecond {
		t.Errorf("Duration() = %v, want 100ms", got)
	}
	if got := (audio.Frame{Samples: make([]int16, 10)}).Duration(); got != 0 {
		t.Errorf("Duration() without rate = %v, want 0", got)
	}
	if got := len(f.Bytes()); got != 4800 {
		t.Errorf("len(Bytes()) = %d, want 4800", got)
	}
}

func TestULawRoundTrip(t *testing.T) {
	in := make([]int16, 240)
	for i := range in {
		in[i] = 8000
	}
	enc := audio.EncodeULaw(in, 24000)
	if len(enc) != 80 {
		t.Fatalf("encoded %d bytes, want 80 (8 kHz)", len(enc))
	}
	dec := mustSamples(t, audio.DecodeULaw(enc, 24000))
	if len(dec) != 240 {
		t.Fatalf("decoded %d samples, want 240", len(dec))
	}
	// μ-law is lossy; a constant input must come back close to itself.
	for i, s := range dec {
		if d := int(s) - 8000; d > 400 || d < -400 {
			t.Fatalf("sample %d = %d, too far from 8000", i, s)
		}
	}
}

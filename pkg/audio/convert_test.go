package audio_test

import (
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func mustSamples(t *testing.T, b []byte) []int16 {
	t.Helper()
	s, err := audio.BytesToSamples(b)
	if err != nil {
		t.Fatalf("BytesToSamples: %v", err)
	}
	return s
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := audio.SamplesToBytes([]int16{100, 200, -100, -200})
	got := mustSamples(t, audio.StereoToMono(stereo))
	equalSamples(t, got, []int16{150, -150})
}

func TestStereoToMono_Clamping(t *testing.T) {
	stereo := audio.SamplesToBytes([]int16{32767, 32767, -32768, -32768})
	got := mustSamples(t, audio.StereoToMono(stereo))
	equalSamples(t, got, []int16{32767, -32768})
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := audio.SamplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 24000, 24000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	pcm := audio.SamplesToBytes([]int16{0, 1000, 2000, 3000})
	out := audio.ResampleMono16(pcm, 8000, 24000)
	got := mustSamples(t, out)
	if len(got) != 12 {
		t.Fatalf("got %d samples, want 12", len(got))
	}
	// Interpolated values must stay within the input range.
	for i, s := range got {
		if s < 0 || s > 3000 {
			t.Errorf("sample %d = %d out of range [0, 3000]", i, s)
		}
	}
	if got[0] != 0 {
		t.Errorf("first sample = %d, want 0", got[0])
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	pcm := audio.SamplesToBytes(make([]int16, 2400))
	out := audio.ResampleMono16(pcm, 24000, 8000)
	if want := 800 * 2; len(out) != want {
		t.Fatalf("got %d bytes, want %d", len(out), want)
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	pcm := audio.SamplesToBytes([]int16{1, 2, 3})
	for _, rates := range [][2]int{{0, 24000}, {24000, 0}, {-1, 8000}} {
		out := audio.ResampleMono16(pcm, rates[0], rates[1])
		if len(out) != len(pcm) {
			t.Errorf("rates %v: got %d bytes, want input returned unchanged", rates, len(out))
		}
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	c := &audio.FormatConverter{Source: audio.Format{SampleRate: 24000, Channels: 1}, TargetRate: 24000}
	pcm := audio.SamplesToBytes([]int16{1, 2, 3, 4})
	out := c.Convert(pcm)
	if &out[0] != &pcm[0] {
		t.Error("expected matching format to return the input slice unchanged")
	}
}

func TestFormatConverter_FullConversion(t *testing.T) {
	c := &audio.FormatConverter{Source: audio.Format{SampleRate: 48000, Channels: 2}, TargetRate: 24000}
	// 480 stereo frames at 48 kHz = 10 ms.
	stereo := make([]int16, 960)
	for i := range stereo {
		stereo[i] = 500
	}
	got := mustSamples(t, c.Convert(audio.SamplesToBytes(stereo)))
	if len(got) != 240 {
		t.Fatalf("got %d samples, want 240", len(got))
	}
	for i, s := range got {
		if s != 500 {
			t.Fatalf("sample %d = %d, want 500", i, s)
		}
	}
}

func TestFormatConverter_Misaligned(t *testing.T) {
	tests := []struct {
		name   string
		format audio.Format
		bytes  int
	}{
		{name: "mono odd", format: audio.Format{SampleRate: 24000, Channels: 1}, bytes: 5},
		{name: "stereo half frame", format: audio.Format{SampleRate: 48000, Channels: 2}, bytes: 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &audio.FormatConverter{Source: tt.format, TargetRate: 24000}
			if out := c.Convert(make([]byte, tt.bytes)); out != nil {
				t.Errorf("got %d bytes, want nil", len(out))
			}
		})
	}
}

func TestFormatString(t *testing.T) {
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 24000, Channels: 1}, "24000Hz mono"},
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 16000, Channels: 6}, "16000Hz 6ch"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

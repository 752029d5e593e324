package bridge_test

import (
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/bridge"
	"github.com/MrWong99/parley/pkg/audio"
)

func ramp(n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(i)
	}
	return s
}

func TestFramer_CutsFixedFrames(t *testing.T) {
	t.Parallel()

	f := bridge.NewFramer(24000, 240)
	pcm := audio.SamplesToBytes(ramp(600))

	frames := f.Push(pcm)
	if len(frames) != 2 {
		t.Fatalf("Push returned %d frames, want 2", len(frames))
	}
	if f.Buffered() != 120 {
		t.Errorf("Buffered() = %d, want 120", f.Buffered())
	}
	for i, fr := range frames {
		if len(fr.Samples) != 240 || fr.SampleRate != 24000 {
			t.Errorf("frame %d: %d samples at %d Hz", i, len(fr.Samples), fr.SampleRate)
		}
		if fr.Samples[0] != int16(i*240) {
			t.Errorf("frame %d starts at sample %d, want %d", i, fr.Samples[0], i*240)
		}
	}
	if frames[1].Timestamp != 10*time.Millisecond {
		t.Errorf("second frame timestamp = %v, want 10ms", frames[1].Timestamp)
	}

	// The remainder completes with the next push.
	frames = f.Push(audio.SamplesToBytes(ramp(120)))
	if len(frames) != 1 || frames[0].Samples[0] != 480 || frames[0].Samples[239] != 119 {
		t.Errorf("third frame = %d frames, want the carried 120 samples plus 120 new", len(frames))
	}
	if frames[0].Timestamp != 20*time.Millisecond {
		t.Errorf("third frame timestamp = %v, want 20ms", frames[0].Timestamp)
	}
}

func TestFramer_CarriesOddBytes(t *testing.T) {
	t.Parallel()

	f := bridge.NewFramer(8000, 2)
	pcm := audio.SamplesToBytes([]int16{100, -200})

	if got := f.Push(pcm[:3]); len(got) != 0 {
		t.Fatalf("Push(3 bytes) = %d frames, want 0", len(got))
	}
	got := f.Push(pcm[3:])
	if len(got) != 1 {
		t.Fatalf("Push(rest) = %d frames, want 1", len(got))
	}
	if got[0].Samples[0] != 100 || got[0].Samples[1] != -200 {
		t.Errorf("samples = %v, want [100 -200]", got[0].Samples)
	}
}

func TestFramer_ConvertsStereo(t *testing.T) {
	t.Parallel()

	f := bridge.NewFramer(24000, 4)
	f.SetFormat(audio.Format{SampleRate: 24000, Channels: 2})
	if got := f.Format().String(); got != "24000Hz stereo" {
		t.Errorf("Format() = %s", got)
	}

	// L/R pairs average to 10, 20, 30, 40.
	stereo := audio.SamplesToBytes([]int16{0, 20, 10, 30, 30, 30, 40, 40})
	frames := f.Push(stereo)
	if len(frames) != 1 {
		t.Fatalf("Push = %d frames, want 1", len(frames))
	}
	want := []int16{10, 20, 30, 40}
	for i, w := range want {
		if frames[0].Samples[i] != w {
			t.Fatalf("samples = %v, want %v", frames[0].Samples, want)
		}
	}
}

func TestFramer_Resamples(t *testing.T) {
	t.Parallel()

	f := bridge.NewFramer(24000, 2400)
	f.SetFormat(audio.Format{SampleRate: 48000, Channels: 1})

	// 100 ms at 48 kHz is one 100 ms frame at 24 kHz.
	frames := f.Push(audio.SamplesToBytes(make([]int16, 4800)))
	if len(frames) != 1 {
		t.Fatalf("Push = %d frames, want 1", len(frames))
	}
	if d := frames[0].Duration(); d != 100*time.Millisecond {
		t.Errorf("frame duration = %v, want 100ms", d)
	}
}

func TestFramer_EmptyPush(t *testing.T) {
	t.Parallel()

	f := bridge.NewFramer(24000, 240)
	if got := f.Push(nil); got != nil {
		t.Errorf("Push(nil) = %v, want nil", got)
	}
}

package bridge

import (
	"github.com/MrWong99/parley/pkg/audio"
)

// Framer turns arbitrarily sized capture buffers into fixed-size mono
// frames at the session rate.
//
// Input in a different rate or channel count is converted with
// [audio.FormatConverter]. Bytes that do not fill a whole sample frame are
// carried over to the next call, as are samples that do not fill a whole
// frame.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	rate         int
	frameSamples int

	conv    *audio.FormatConverter
	carry   []byte  // unaligned input tail
	pending []int16 // converted samples not yet framed
	emitted int     // samples emitted so far, for timestamps
}

// NewFramer returns a Framer producing frames of frameSamples samples at
// rate. Input is assumed to be mono at rate until [Framer.SetFormat] says
// otherwise.
func NewFramer(rate, frameSamples int) *Framer {
	f := &Framer{rate: rate, frameSamples: frameSamples}
	f.SetFormat(audio.Format{SampleRate: rate, Channels: 1})
	return f
}

// SetFormat changes the capture format of subsequent input. Buffered input
// of the previous format is discarded; converted samples are kept.
func (f *Framer) SetFormat(src audio.Format) {
	if src.Channels <= 0 {
		src.Channels = 1
	}
	f.conv = &audio.FormatConverter{Source: src, TargetRate: f.rate}
	f.carry = nil
}

// Format returns the current capture format.
func (f *Framer) Format() audio.Format { return f.conv.Source }

// Push appends pcm and returns every complete frame now available, oldest
// first.
func (f *Framer) Push(pcm []byte) []audio.Frame {
	align := 2 * f.conv.Source.Channels
	buf := pcm
	if len(f.carry) > 0 {
		buf = append(f.carry, pcm...)
		f.carry = nil
	}
	if rem := len(buf) % align; rem != 0 {
		f.carry = append([]byte(nil), buf[len(buf)-rem:]...)
		buf = buf[:len(buf)-rem]
	}
	if len(buf) == 0 {
		return nil
	}

	mono := f.conv.Convert(buf)
	samples, err := audio.BytesToSamples(mono)
	if err != nil {
		// Convert output is always sample aligned.
		return nil
	}
	f.pending = append(f.pending, samples...)

	var frames []audio.Frame
	for len(f.pending) >= f.frameSamples {
		s := make([]int16, f.frameSamples)
		copy(s, f.pending)
		f.pending = f.pending[f.frameSamples:]
		frames = append(frames, audio.Frame{
			Samples:    s,
			SampleRate: f.rate,
			Timestamp:  audio.SamplesDuration(f.emitted, f.rate),
		})
		f.emitted += f.frameSamples
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
	return frames
}

// Buffered returns the number of converted samples waiting for a full frame.
func (f *Framer) Buffered() int { return len(f.pending) }

// Package audio defines the PCM frame type shared by the capture, detection
// and playback paths of parley, together with helpers for converting
// little-endian 16-bit PCM between byte and sample form, between sample
// rates and channel layouts, and to and from G.711 μ-law.
//
// All PCM handled by parley is signed 16-bit. A [Frame] carries samples
// rather than bytes so that amplitude analysis never has to re-decode.
package audio

import (
	"encoding/binary"
	"errors"
	"time"
)

// ErrOddLength is returned when a PCM16 byte slice does not contain a whole
// number of samples.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

// Frame is one fixed-size block of mono PCM16 samples analysed as a unit.
// Frames are produced by the capture path at a fixed cadence, handed to the
// barge-in detector for one analysis step and then forwarded upstream.
type Frame struct {
	// Samples holds the signed 16-bit mono samples of this frame.
	Samples []int16

	// SampleRate in Hz (24000 for the OpenAI Realtime pcm16 format).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. Returns zero when the
// sample rate is unset.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// Bytes returns the frame as little-endian PCM16.
func (f Frame) Bytes() []byte {
	return SamplesToBytes(f.Samples)
}

// SamplesDuration returns how long n mono samples last at rate Hz.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// BytesToSamples decodes little-endian PCM16. It returns [ErrOddLength] if
// pcm does not hold a whole number of samples.
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out, nil
}

// SamplesToBytes encodes samples as little-endian PCM16.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// MeanAbsAmplitude returns the mean absolute sample value normalised to
// [0, 1]. An empty slice yields 0.
func MeanAbsAmplitude(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return sum / float64(len(samples)) / 32768.0
}

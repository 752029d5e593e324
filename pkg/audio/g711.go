package audio

import "github.com/zaf/g711"

// ULawRate is the fixed sample rate of G.711 audio.
const ULawRate = 8000

// EncodeULaw resamples mono PCM16 samples from rate Hz to 8 kHz and encodes
// them as G.711 μ-law, one byte per sample.
func EncodeULaw(samples []int16, rate int) []byte {
	pcm := ResampleMono16(SamplesToBytes(samples), rate, ULawRate)
	return g711.EncodeUlaw(pcm)
}

// DecodeULaw decodes G.711 μ-law bytes and resamples the result from 8 kHz to
// rate Hz, returning little-endian PCM16.
func DecodeULaw(ulaw []byte, rate int) []byte {
	pcm := g711.DecodeUlaw(ulaw)
	return ResampleMono16(pcm, ULawRate, rate)
}

// Package bargein decides, frame by frame, whether the user is talking over
// the assistant.
//
// The [Detector] thresholds the mean absolute amplitude of each microphone
// frame and requires several consecutive voiced frames before it triggers.
// Quiet frames decay the voiced-frame count by one instead of clearing it, so
// brief dips inside continuous speech do not lose progress while a single
// cough or click never triggers on its own. The detector is dormant unless
// the assistant is speaking.
package bargein

import (
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// Config holds the runtime-tunable detector parameters.
type Config struct {
	// SpeechThreshold is the mean absolute amplitude on a [0, 1] scale above
	// which a frame counts as voiced. Must be in (0, 1).
	SpeechThreshold float64

	// RequiredConsecutiveFrames is how many voiced frames in a row trigger an
	// interrupt. Must be at least 1.
	RequiredConsecutiveFrames int
}

// DefaultConfig returns the reference tuning: threshold 0.02 and two
// consecutive frames (about 200 ms at 100 ms frames).
func DefaultConfig() Config {
	return Config{SpeechThreshold: 0.02, RequiredConsecutiveFrames: 2}
}

// Validate reports whether c is usable.
func (c Config) Validate() error {
	if c.SpeechThreshold <= 0 || c.SpeechThreshold >= 1 {
		return fmt.Errorf("bargein: speech threshold %v must be in (0, 1)", c.SpeechThreshold)
	}
	if c.RequiredConsecutiveFrames < 1 {
		return fmt.Errorf("bargein: required consecutive frames %d must be at least 1", c.RequiredConsecutiveFrames)
	}
	return nil
}

// Detector is the speech-presence detector for one capture stream.
//
// Observe is called from the session's sequencer goroutine; SetConfig may be
// called concurrently by the configuration watcher.
type Detector struct {
	mu     sync.Mutex
	cfg    Config
	voiced int
}

// New returns a Detector with cfg. An invalid cfg falls back to
// [DefaultConfig].
func New(cfg Config) *Detector {
	if cfg.Validate() != nil {
		cfg = DefaultConfig()
	}
	return &Detector{cfg: cfg}
}

// Observe analyses one frame and reports whether it completes a trigger.
// assistantTurn must be true only while the assistant holds the floor; in any
// other state the count is cleared and Observe never triggers.
func (d *Detector) Observe(f audio.Frame, assistantTurn bool) bool {
	amp := audio.MeanAbsAmplitude(f.Samples)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !assistantTurn {
		d.voiced = 0
		return false
	}
	if amp > d.cfg.SpeechThreshold {
		d.voiced++
		if d.voiced >= d.cfg.RequiredConsecutiveFrames {
			d.voiced = 0
			return true
		}
		return false
	}
	if d.voiced > 0 {
		d.voiced--
	}
	return false
}

// Reset clears the voiced-frame count.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.voiced = 0
	d.mu.Unlock()
}

// VoicedFrames returns the current consecutive voiced-frame count.
func (d *Detector) VoicedFrames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.voiced
}

// SetConfig replaces the tuning. The voiced-frame count is kept, but a count
// already at or above the new requirement triggers on the next voiced frame.
func (d *Detector) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	return nil
}

// Config returns the current tuning.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

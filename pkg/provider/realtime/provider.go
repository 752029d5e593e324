// Package realtime defines the Remote Session Transport used to talk to a
// cloud speech-to-speech service.
//
// A [Transport] carries microphone frames out and lifecycle, audio and
// transcript events in over one ordered, reliable connection. Outgoing
// commands are fire-and-forget: none of the Send methods wait for the remote
// side to acknowledge anything. Inbound events are delivered in wire order on
// the channel returned by [Transport.Events].
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrClosed is returned by Send methods after the transport was closed or the
// underlying connection was lost.
var ErrClosed = errors.New("realtime: transport closed")

// ErrBackpressure is returned by [Transport.SendAudioFrame] when the outbound
// buffer is full and the frame was dropped.
var ErrBackpressure = errors.New("realtime: outbound buffer full, frame dropped")

// EventKind discriminates inbound [Event] values.
type EventKind int

const (
	// EventUnknown is any message the transport does not map to a kind below.
	EventUnknown EventKind = iota

	// EventResponseStarted means the remote side began generating a response.
	EventResponseStarted

	// EventAudioDelta carries one block of synthesised assistant audio.
	EventAudioDelta

	// EventResponseDone means the response finished normally.
	EventResponseDone

	// EventResponseCancelled means the response ended because it was cancelled,
	// either by the client or by remote turn detection.
	EventResponseCancelled

	// EventSpeechStarted is the remote voice-activity signal. Informational.
	EventSpeechStarted

	// EventError carries a remote error message. The session stays open.
	EventError

	// EventTranscript carries a transcript fragment for either party.
	EventTranscript
)

var eventKindNames = [...]string{
	EventUnknown:           "unknown",
	EventResponseStarted:   "responseStarted",
	EventAudioDelta:        "audioDelta",
	EventResponseDone:      "responseDone",
	EventResponseCancelled: "responseCancelled",
	EventSpeechStarted:     "speechStarted",
	EventError:             "error",
	EventTranscript:        "transcript",
}

// String returns the name of the event kind.
func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return "unknown"
	}
	return eventKindNames[k]
}

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Event is one inbound message from the remote session.
type Event struct {
	Kind EventKind

	// ResponseID identifies the response the event belongs to, when the remote
	// protocol provides one.
	ResponseID string

	// Audio is little-endian PCM16 mono at the session's sample rate.
	// Set for EventAudioDelta only.
	Audio []byte

	// Role and Text carry an EventTranscript fragment. Final is set when Text
	// is the complete utterance rather than an incremental delta.
	Role  string
	Text  string
	Final bool

	// Message is the remote error text for EventError.
	Message string

	// Type is the raw wire tag, kept for logging unknown events.
	Type string
}

// AudioFormat names the wire encoding used between the transport and the
// remote service. Callers always exchange PCM16 with the transport.
type AudioFormat string

const (
	FormatPCM16    AudioFormat = "pcm16"
	FormatG711ULaw AudioFormat = "g711_ulaw"
)

// SessionConfig is the initial configuration for a remote session.
type SessionConfig struct {
	// Voice is the provider voice ID used for synthesis.
	Voice string

	// Instructions is the system prompt for the session.
	Instructions string

	// SampleRate is the PCM rate of frames passed to SendAudioFrame and of
	// audio returned in events. Zero means the provider's native rate.
	SampleRate int

	// AudioFormat selects the wire encoding. Empty means [FormatPCM16].
	AudioFormat AudioFormat

	// TurnDetection selects remote turn detection ("server_vad", "none").
	// Empty leaves the provider default.
	TurnDetection string

	// TranscriptionModel enables user-side transcription with the named model.
	// Empty disables it.
	TranscriptionModel string
}

// Transport is an open remote session.
type Transport interface {
	// SendAudioFrame streams one microphone frame. Fire-and-forget.
	SendAudioFrame(f audio.Frame) error

	// SendCancel instructs the remote side to stop generating the current
	// response.
	SendCancel() error

	// SendClearOutputBuffer instructs the remote side to discard audio it has
	// generated but not yet delivered.
	SendClearOutputBuffer() error

	// Events returns the inbound event stream. The channel is closed when the
	// connection ends; check Err afterwards.
	Events() <-chan Event

	// Err returns the error that ended the connection, or nil after a clean
	// Close.
	Err() error

	// Close terminates the session. Idempotent.
	Close() error
}

// Provider opens transports to one remote service.
type Provider interface {
	// Connect establishes a new session. The caller owns the returned
	// Transport and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (Transport, error)

	// Name returns the provider's registry name.
	Name() string
}

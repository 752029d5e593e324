// Package turn owns the conversation turn state of one voice session and
// the interrupt ("barge-in") sequence.
//
// The state machine is a pure function, [Step], that maps the current
// [State] and one [Event] to the next State and an ordered list of [Action]
// values. It performs no I/O. The [Coordinator] is the single sequencer that
// feeds Step with events from the remote transport, the microphone, the
// playback queue and the host, and executes the returned actions.
//
// Phases cycle Idle → UserTurn ⇄ AssistantTurn → Interrupting → UserTurn for
// the lifetime of a connection. Idle is also the terminal phase after the
// connection is lost.
package turn

import (
	"time"

	"github.com/MrWong99/parley/pkg/audio/playback"
)

// Phase is the party currently expected to produce speech.
type Phase int

const (
	// PhaseIdle means no remote session is connected.
	PhaseIdle Phase = iota

	// PhaseUserTurn means the user is being heard and the assistant is silent.
	PhaseUserTurn

	// PhaseAssistantTurn means the assistant is generating or playing audio.
	PhaseAssistantTurn

	// PhaseInterrupting is the transient phase after the interrupt commands
	// were issued and before the coordinator confirms teardown.
	PhaseInterrupting
)

// String returns the phase name as shown to hosts.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseUserTurn:
		return "UserTurn"
	case PhaseAssistantTurn:
		return "AssistantTurn"
	case PhaseInterrupting:
		return "Interrupting"
	default:
		return "Unknown"
	}
}

// State is the complete conversation turn state of one session.
type State struct {
	Phase Phase

	// AssistantSpeaking is set from response start until the remote side
	// reports the response finished or the response is interrupted.
	AssistantSpeaking bool

	// PlaybackActive is set while chunks of the assistant's audio are queued
	// or sounding locally.
	PlaybackActive bool

	// LastEnqueuedSeq is the sequence number of the most recent chunk handed
	// to the playback queue.
	LastEnqueuedSeq uint64

	// LastInterrupt is when the most recent interrupt sequence executed. Zero
	// if none has.
	LastInterrupt time.Time
}

// InterruptSource names what requested an interrupt.
type InterruptSource string

const (
	SourceDetector InterruptSource = "detector"
	SourceManual   InterruptSource = "manual"
)

// Suppression reasons reported by [InterruptSuppressed].
const (
	ReasonCooldown         = "cooldown"
	ReasonNotAssistantTurn = "not_assistant_turn"
)

// ── Events ────────────────────────────────────────────────────────────────────

// Event is an input to [Step].
type Event interface{ isEvent() }

// Connected reports that the remote session was established.
type Connected struct{}

// Disconnected reports that the remote session ended. Err is nil for a
// deliberate close.
type Disconnected struct{ Err error }

// ResponseStarted reports that the remote side began a response.
type ResponseStarted struct{ ResponseID string }

// AudioDelta carries one block of assistant audio.
type AudioDelta struct{ Chunk playback.Chunk }

// ResponseDone reports that the remote response finished normally.
type ResponseDone struct{ ResponseID string }

// ResponseCancelled reports that the remote response ended by cancellation.
type ResponseCancelled struct{ ResponseID string }

// SpeechStarted is the remote voice-activity signal.
type SpeechStarted struct{}

// RemoteError carries an error message from the remote side.
type RemoteError struct{ Message string }

// InterruptRequested asks for the interrupt sequence.
type InterruptRequested struct{ Source InterruptSource }

// TeardownIssued confirms that every interrupt action was issued.
type TeardownIssued struct{}

// PlaybackIdle reports that the playback queue drained. LastSeq is the last
// chunk it dequeued.
type PlaybackIdle struct{ LastSeq uint64 }

// Malformed reports an inbound message that could not be used.
type Malformed struct{ Reason string }

func (Connected) isEvent()          {}
func (Disconnected) isEvent()       {}
func (ResponseStarted) isEvent()    {}
func (AudioDelta) isEvent()         {}
func (ResponseDone) isEvent()       {}
func (ResponseCancelled) isEvent()  {}
func (SpeechStarted) isEvent()      {}
func (RemoteError) isEvent()        {}
func (InterruptRequested) isEvent() {}
func (TeardownIssued) isEvent()     {}
func (PlaybackIdle) isEvent()       {}
func (Malformed) isEvent()          {}

// ── Actions ───────────────────────────────────────────────────────────────────

// Action is a side effect requested by [Step]. Actions are executed in order.
type Action interface{ isAction() }

// EnqueueChunk hands a chunk to the playback queue.
type EnqueueChunk struct{ Chunk playback.Chunk }

// DiscardChunk drops a chunk that arrived outside the assistant's turn.
type DiscardChunk struct{ Chunk playback.Chunk }

// SendCancel tells the remote side to stop generating.
type SendCancel struct{}

// SendClearOutputBuffer tells the remote side to drop its undelivered audio.
type SendClearOutputBuffer struct{}

// StopPlayback silences local playback and discards queued chunks.
type StopPlayback struct{}

// ResetDetector clears the speech detector's voiced-frame count.
type ResetDetector struct{}

// InterruptSuppressed records an interrupt request that was a no-op.
type InterruptSuppressed struct {
	Source InterruptSource
	Reason string
}

// NotifyConnectionLost surfaces transport loss to the host.
type NotifyConnectionLost struct{ Err error }

// NotifyError surfaces a remote error message to the host.
type NotifyError struct{ Message string }

// ReleaseResources ends the session's use of the transport and queue.
type ReleaseResources struct{}

// LogWarning logs a locally absorbed problem.
type LogWarning struct{ Message string }

func (EnqueueChunk) isAction()          {}
func (DiscardChunk) isAction()          {}
func (SendCancel) isAction()            {}
func (SendClearOutputBuffer) isAction() {}
func (StopPlayback) isAction()          {}
func (ResetDetector) isAction()         {}
func (InterruptSuppressed) isAction()   {}
func (NotifyConnectionLost) isAction()  {}
func (NotifyError) isAction()           {}
func (ReleaseResources) isAction()      {}
func (LogWarning) isAction()            {}

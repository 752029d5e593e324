package turn

import (
	"fmt"
	"time"
)

// Step applies ev to s at time now and returns the next state together with
// the actions to execute, in order. cooldown is the minimum time between two
// executed interrupt sequences. Step never mutates s and performs no I/O.
func Step(s State, ev Event, now time.Time, cooldown time.Duration) (State, []Action) {
	switch ev := ev.(type) {
	case Connected:
		if s.Phase != PhaseIdle {
			return s, nil
		}
		return State{Phase: PhaseUserTurn, LastInterrupt: s.LastInterrupt}, nil

	case Disconnected:
		next := State{Phase: PhaseIdle, LastInterrupt: s.LastInterrupt}
		return next, []Action{
			StopPlayback{},
			ResetDetector{},
			NotifyConnectionLost{Err: ev.Err},
			ReleaseResources{},
		}

	case ResponseStarted:
		switch s.Phase {
		case PhaseUserTurn, PhaseAssistantTurn:
			s.Phase = PhaseAssistantTurn
			s.AssistantSpeaking = true
		}
		return s, nil

	case AudioDelta:
		if s.Phase != PhaseAssistantTurn {
			// Trailing audio of a cancelled or finished response.
			return s, []Action{DiscardChunk{Chunk: ev.Chunk}}
		}
		s.PlaybackActive = true
		s.LastEnqueuedSeq = ev.Chunk.Seq
		return s, []Action{EnqueueChunk{Chunk: ev.Chunk}}

	case ResponseDone:
		if s.Phase != PhaseAssistantTurn {
			return s, nil
		}
		s.AssistantSpeaking = false
		if !s.PlaybackActive {
			s.Phase = PhaseUserTurn
		}
		// Otherwise the assistant keeps the floor until playback drains.
		return s, nil

	case ResponseCancelled:
		if s.Phase != PhaseAssistantTurn {
			return s, nil
		}
		s.Phase = PhaseUserTurn
		s.AssistantSpeaking = false
		if !s.PlaybackActive {
			return s, nil
		}
		s.PlaybackActive = false
		return s, []Action{StopPlayback{}}

	case PlaybackIdle:
		if ev.LastSeq < s.LastEnqueuedSeq {
			// Stale: more audio was enqueued after the queue drained.
			return s, nil
		}
		s.PlaybackActive = false
		if s.Phase == PhaseAssistantTurn && !s.AssistantSpeaking {
			s.Phase = PhaseUserTurn
		}
		return s, nil

	case InterruptRequested:
		if s.Phase != PhaseAssistantTurn {
			return s, []Action{InterruptSuppressed{Source: ev.Source, Reason: ReasonNotAssistantTurn}}
		}
		if !s.LastInterrupt.IsZero() && now.Sub(s.LastInterrupt) < cooldown {
			return s, []Action{InterruptSuppressed{Source: ev.Source, Reason: ReasonCooldown}}
		}
		s.LastInterrupt = now
		s.Phase = PhaseInterrupting
		s.AssistantSpeaking = false
		s.PlaybackActive = false
		return s, []Action{
			SendCancel{},
			SendClearOutputBuffer{},
			StopPlayback{},
			ResetDetector{},
		}

	case TeardownIssued:
		if s.Phase == PhaseInterrupting {
			s.Phase = PhaseUserTurn
		}
		return s, nil

	case SpeechStarted:
		return s, nil

	case RemoteError:
		return s, []Action{NotifyError{Message: ev.Message}}

	case Malformed:
		return s, []Action{LogWarning{Message: "dropping malformed inbound message: " + ev.Reason}}

	default:
		return s, []Action{LogWarning{Message: fmt.Sprintf("unhandled turn event %T", ev)}}
	}
}

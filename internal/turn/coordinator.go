package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/realtime"
)

// DefaultCooldown is the reference minimum time between two executed
// interrupt sequences.
const DefaultCooldown = 500 * time.Millisecond

const inboxSize = 256

// Remote is the part of [realtime.Transport] the coordinator drives.
type Remote interface {
	SendAudioFrame(f audio.Frame) error
	SendCancel() error
	SendClearOutputBuffer() error
}

// Player is the part of [playback.Queue] the coordinator drives.
type Player interface {
	Enqueue(c playback.Chunk)
	StopImmediately()
}

// Detector is the speech-presence detector consulted for every frame.
type Detector interface {
	Observe(f audio.Frame, assistantTurn bool) bool
	Reset()
}

// Compile-time assertions that the concrete collaborators fit.
var (
	_ Remote = (realtime.Transport)(nil)
	_ Player = (*playback.Queue)(nil)
)

// Option is a functional option for configuring a [Coordinator].
type Option func(*Coordinator)

// WithCooldown sets the interrupt cooldown window. The default is
// [DefaultCooldown].
func WithCooldown(d time.Duration) Option {
	return func(c *Coordinator) { c.cooldown = d }
}

// WithSampleRate sets the PCM rate of inbound assistant audio. The default is
// 24000.
func WithSampleRate(rate int) Option {
	return func(c *Coordinator) { c.sampleRate = rate }
}

// WithClock replaces time.Now. Used by tests to drive the cooldown.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithStateHandler registers fn to be called with every new state. fn runs on
// the sequencer goroutine and must not block.
func WithStateHandler(fn func(State)) Option {
	return func(c *Coordinator) { c.onState = fn }
}

// WithTranscriptHandler registers fn to receive transcript fragments in the
// order they arrived. fn runs on the sequencer goroutine and must not block.
func WithTranscriptHandler(fn func(role, text string, final bool)) Option {
	return func(c *Coordinator) { c.onTranscript = fn }
}

// WithErrorHandler registers fn to receive remote error messages.
func WithErrorHandler(fn func(message string)) Option {
	return func(c *Coordinator) { c.onError = fn }
}

// WithConnectionLostHandler registers fn to be called once when the remote
// session is lost. err is nil for a deliberate close.
func WithConnectionLostHandler(fn func(err error)) Option {
	return func(c *Coordinator) { c.onLost = fn }
}

// frameInput wraps a microphone frame so it shares the inbox with events.
type frameInput struct{ frame audio.Frame }

// transcriptInput carries a transcript fragment through the inbox so it stays
// ordered with the events around it.
type transcriptInput struct {
	role, text string
	final      bool
}

// Coordinator is the single sequencer for one session's turn state.
//
// Every input (remote events, microphone frames, playback completions and
// host requests) is posted to one inbox and handled on the goroutine running
// [Coordinator.Run], so State, the detector and the playback queue are only
// ever driven from there.
type Coordinator struct {
	remote   Remote
	player   Player
	detector Detector

	sampleRate   int
	now          func() time.Time
	log          *slog.Logger
	metrics      *observe.Metrics
	onState      func(State)
	onTranscript func(role, text string, final bool)
	onError      func(string)
	onLost       func(error)

	inbox chan any
	done  chan struct{}

	mu       sync.Mutex
	state    State
	cooldown time.Duration

	chunkSeq uint64 // sequencer goroutine only
	stopOnce sync.Once
}

// New creates a Coordinator in [PhaseIdle]. Call [Coordinator.Run] to start
// it and [Coordinator.Connected] once the remote session is up.
func New(remote Remote, player Player, detector Detector, opts ...Option) *Coordinator {
	c := &Coordinator{
		remote:     remote,
		player:     player,
		detector:   detector,
		cooldown:   DefaultCooldown,
		sampleRate: 24000,
		now:        time.Now,
		log:        slog.Default(),
		inbox:      make(chan any, inboxSize),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Run processes inputs until ctx is cancelled or the remote session is lost.
// It returns nil after a connection loss was handled and ctx.Err() on
// cancellation. Run must be called at most once.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.stopOnce.Do(func() { close(c.done) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-c.inbox:
			if c.handle(ctx, in) {
				return nil
			}
		}
	}
}

// Connected posts the connection-established event.
func (c *Coordinator) Connected() { c.post(Connected{}) }

// Disconnected posts the connection-lost event.
func (c *Coordinator) Disconnected(err error) { c.post(Disconnected{Err: err}) }

// RequestManualInterrupt asks for the interrupt sequence on behalf of the
// user. It shares the cooldown with detector-triggered interrupts.
func (c *Coordinator) RequestManualInterrupt() {
	c.post(InterruptRequested{Source: SourceManual})
}

// HandleFrame posts one microphone frame for detection and forwarding.
func (c *Coordinator) HandleFrame(f audio.Frame) { c.post(frameInput{frame: f}) }

// PlaybackIdle posts a playback-drained notification. It is meant to be
// wired to [playback.WithOnIdle].
func (c *Coordinator) PlaybackIdle(lastSeq uint64) { c.post(PlaybackIdle{LastSeq: lastSeq}) }

// HandleRemote translates one inbound transport event and posts it.
func (c *Coordinator) HandleRemote(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventResponseStarted:
		c.post(ResponseStarted{ResponseID: ev.ResponseID})
	case realtime.EventAudioDelta:
		// Sequence numbers are assigned on the sequencer goroutine.
		c.post(ev)
	case realtime.EventResponseDone:
		c.post(ResponseDone{ResponseID: ev.ResponseID})
	case realtime.EventResponseCancelled:
		c.post(ResponseCancelled{ResponseID: ev.ResponseID})
	case realtime.EventSpeechStarted:
		c.post(SpeechStarted{})
	case realtime.EventError:
		c.post(RemoteError{Message: ev.Message})
	case realtime.EventTranscript:
		c.post(transcriptInput{role: ev.Role, text: ev.Text, final: ev.Final})
	default:
		c.log.Debug("turn: ignoring unrecognised remote event", "type", ev.Type)
	}
}

// State returns a snapshot of the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetCooldown changes the interrupt cooldown for subsequent requests.
func (c *Coordinator) SetCooldown(d time.Duration) {
	c.mu.Lock()
	c.cooldown = d
	c.mu.Unlock()
}

// Done is closed when Run has returned.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) post(in any) {
	select {
	case c.inbox <- in:
	case <-c.done:
	}
}

// handle processes one input. It reports whether the session ended.
func (c *Coordinator) handle(ctx context.Context, in any) bool {
	switch in := in.(type) {
	case frameInput:
		c.handleFrame(ctx, in.frame)
		return false
	case transcriptInput:
		if c.onTranscript != nil {
			c.onTranscript(in.role, in.text, in.final)
		}
		return false
	case realtime.Event:
		if len(in.Audio) == 0 {
			return c.apply(ctx, Malformed{Reason: "empty audio delta"})
		}
		c.chunkSeq++
		return c.apply(ctx, AudioDelta{Chunk: playback.Chunk{
			Seq:        c.chunkSeq,
			PCM:        in.Audio,
			SampleRate: c.sampleRate,
		}})
	case Event:
		return c.apply(ctx, in)
	default:
		c.log.Warn("turn: unexpected inbox item", "type", in)
		return false
	}
}

// handleFrame runs the detector on f and forwards f upstream.
func (c *Coordinator) handleFrame(ctx context.Context, f audio.Frame) {
	assistant := c.State().Phase == PhaseAssistantTurn
	if c.detector.Observe(f, assistant) {
		c.log.Debug("turn: speech detected over assistant", "timestamp", f.Timestamp)
		c.apply(ctx, InterruptRequested{Source: SourceDetector})
	}

	if c.State().Phase == PhaseIdle {
		return
	}
	if err := c.remote.SendAudioFrame(f); err != nil {
		if errors.Is(err, realtime.ErrBackpressure) {
			c.metrics.RecordFrameDropped(ctx)
			return
		}
		c.log.Debug("turn: sending frame failed", "err", err)
	}
}

// apply runs ev through Step, publishes the new state and executes the
// actions. It reports whether the session ended.
func (c *Coordinator) apply(ctx context.Context, ev Event) bool {
	c.mu.Lock()
	prev := c.state
	cooldown := c.cooldown
	c.mu.Unlock()

	next, actions := Step(prev, ev, c.now(), cooldown)

	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
	if next.Phase != prev.Phase {
		c.metrics.RecordTransition(ctx, prev.Phase.String(), next.Phase.String())
		c.log.Debug("turn: phase change", "from", prev.Phase, "to", next.Phase, "event", eventName(ev))
	}

	ended := c.execute(ctx, actions)

	if next != prev && c.onState != nil {
		c.onState(next)
	}

	if next.Phase == PhaseInterrupting {
		src := SourceManual
		if ir, ok := ev.(InterruptRequested); ok {
			src = ir.Source
		}
		c.metrics.RecordInterrupt(ctx, string(src))
		c.log.Info("turn: interrupted assistant", "source", src)
		// Every teardown step is fire-and-forget and was issued above.
		return c.apply(ctx, TeardownIssued{}) || ended
	}
	return ended
}

// execute performs actions in order. It reports whether ReleaseResources was
// among them.
func (c *Coordinator) execute(ctx context.Context, actions []Action) bool {
	released := false
	for _, a := range actions {
		switch a := a.(type) {
		case EnqueueChunk:
			c.player.Enqueue(a.Chunk)
		case DiscardChunk:
			c.metrics.RecordChunk(ctx, "discarded")
			c.log.Debug("turn: discarding audio outside assistant turn", "seq", a.Chunk.Seq)
		case SendCancel:
			if err := c.remote.SendCancel(); err != nil {
				c.log.Warn("turn: sending response cancel failed", "err", err)
			}
		case SendClearOutputBuffer:
			if err := c.remote.SendClearOutputBuffer(); err != nil {
				c.log.Warn("turn: sending output buffer clear failed", "err", err)
			}
		case StopPlayback:
			c.player.StopImmediately()
		case ResetDetector:
			c.detector.Reset()
		case InterruptSuppressed:
			c.metrics.RecordInterruptSuppressed(ctx, string(a.Source), a.Reason)
			c.log.Debug("turn: interrupt ignored", "source", a.Source, "reason", a.Reason)
		case NotifyConnectionLost:
			if a.Err != nil {
				c.log.Warn("turn: remote session lost", "err", a.Err)
			}
			if c.onLost != nil {
				c.onLost(a.Err)
			}
		case NotifyError:
			c.log.Warn("turn: remote error", "message", a.Message)
			if c.onError != nil {
				c.onError(a.Message)
			}
		case ReleaseResources:
			released = true
		case LogWarning:
			c.log.Warn("turn: " + a.Message)
		}
	}
	return released
}

func eventName(ev Event) string {
	switch ev.(type) {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case ResponseStarted:
		return "responseStarted"
	case AudioDelta:
		return "audioDelta"
	case ResponseDone:
		return "responseDone"
	case ResponseCancelled:
		return "responseCancelled"
	case InterruptRequested:
		return "interruptRequested"
	case TeardownIssued:
		return "teardownIssued"
	case PlaybackIdle:
		return "playbackIdle"
	default:
		return "other"
	}
}

// Package session runs one browser conversation: a browser websocket on one
// side, a realtime speech session on the other, and the barge-in machinery
// in between.
//
// A [Session] owns its speech-presence detector, playback queue and turn
// coordinator. It ends when the browser leaves, the upstream connection is
// lost, or its context is cancelled. It never reconnects on its own.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/bargein"
	"github.com/MrWong99/parley/internal/bridge"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/realtime"
)

const (
	defaultFrameSamples = 2400

	// noticeBuffer bounds the browser notices waiting to be written.
	noticeBuffer = 256

	// drainTimeout bounds the final notices written after the session ended.
	drainTimeout = 2 * time.Second
)

// Browser is the browser side of a session. *bridge.Conn implements it.
type Browser interface {
	bridge.Sink
	Read(ctx context.Context) (bridge.Inbound, error)
	SendReady(ctx context.Context, sessionID string, sampleRate int) error
	SendState(ctx context.Context, phase string) error
	SendTranscript(ctx context.Context, role, text string, final bool) error
	SendError(ctx context.Context, message string) error
	SendConnectionLost(ctx context.Context, cause error) error
	Close(reason string) error
}

var _ Browser = (*bridge.Conn)(nil)

// Config holds the dependencies and tuning of one [Session].
type Config struct {
	// ID identifies the session. A random UUID is used when empty.
	ID string

	// Browser is the browser websocket.
	Browser Browser

	// Provider opens the upstream realtime session. Wrap it in a
	// resilience.RealtimeFallback to guard dials with circuit breakers.
	Provider realtime.Provider

	// Realtime is passed to Provider.Connect. Its SampleRate is the PCM rate
	// used towards the browser in both directions.
	Realtime realtime.SessionConfig

	// FrameSamples is the detector frame length. Default: 2400 (100 ms at
	// 24 kHz).
	FrameSamples int

	// BargeIn tunes the speech-presence detector.
	BargeIn bargein.Config

	// Cooldown is the minimum time between two interrupts. Default:
	// [turn.DefaultCooldown].
	Cooldown time.Duration

	// Store receives final transcript entries. Optional.
	Store transcript.Store

	// Lead is how far ahead of the browser's playback audio is sent.
	// Default: 100ms.
	Lead time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Session is one live browser conversation.
type Session struct {
	id  string
	cfg Config
	log *slog.Logger
	met *observe.Metrics

	detector *bargein.Detector
	framer   *bridge.Framer
	notices  chan func(context.Context)

	mu       sync.Mutex
	cooldown time.Duration
	coord    *turn.Coordinator
}

// New validates cfg and returns a Session ready to [Session.Run].
func New(cfg Config) (*Session, error) {
	if cfg.Browser == nil {
		return nil, errors.New("session: browser is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Realtime.SampleRate <= 0 {
		cfg.Realtime.SampleRate = 24000
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = defaultFrameSamples
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = turn.DefaultCooldown
	}
	if cfg.BargeIn == (bargein.Config{}) {
		cfg.BargeIn = bargein.DefaultConfig()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.BargeIn.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	return &Session{
		id:       cfg.ID,
		cfg:      cfg,
		log:      cfg.Logger.With("session_id", cfg.ID),
		met:      cfg.Metrics,
		detector: bargein.New(cfg.BargeIn),
		framer:   bridge.NewFramer(cfg.Realtime.SampleRate, cfg.FrameSamples),
		notices:  make(chan func(context.Context), noticeBuffer),
		cooldown: cfg.Cooldown,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the conversation state. Before the upstream session is
// connected it is the zero State (PhaseIdle).
func (s *Session) State() turn.State {
	s.mu.Lock()
	c := s.coord
	s.mu.Unlock()
	if c == nil {
		return turn.State{}
	}
	return c.State()
}

// BargeIn returns the current detector tuning and interrupt cooldown.
func (s *Session) BargeIn() (bargein.Config, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detector.Config(), s.cooldown
}

// ApplyBargeIn changes detector tuning and interrupt cooldown of the live
// session.
func (s *Session) ApplyBargeIn(cfg bargein.Config, cooldown time.Duration) error {
	if err := s.detector.SetConfig(cfg); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cooldown > 0 {
		s.cooldown = cooldown
		if s.coord != nil {
			s.coord.SetCooldown(cooldown)
		}
	}
	return nil
}

// Run connects upstream and relays the conversation until it ends. It
// returns nil when the browser leaves or the upstream session is lost after
// being established, and an error if the upstream session could not be
// opened. The browser websocket is closed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "session.run")
	span.SetAttributes(attribute.String("session.id", s.id))
	defer span.End()

	s.met.ActiveSessions.Add(ctx, 1)
	defer s.met.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	defer func() { _ = s.cfg.Browser.Close("session ended") }()

	remote, err := s.connect(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream connect failed")
		s.log.Warn("session: upstream connect failed", "err", err)
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		_ = s.cfg.Browser.SendConnectionLost(wctx, err)
		cancel()
		return err
	}
	defer remote.Close()

	var devOpts []bridge.DeviceOption
	if s.cfg.Lead > 0 {
		devOpts = append(devOpts, bridge.WithLead(s.cfg.Lead))
	}
	device := bridge.NewDevice(s.cfg.Browser, devOpts...)
	defer device.Close()
	var coord *turn.Coordinator
	queue := playback.New(device,
		playback.WithLogger(s.log),
		playback.WithOnIdle(func(lastSeq uint64) {
			device.Reset()
			coord.PlaybackIdle(lastSeq)
		}),
		playback.WithOnPlayed(func(uint64, time.Duration) {
			s.met.RecordChunk(ctx, "played")
		}),
		playback.WithOnChunkError(func(_ uint64, err error) {
			if errors.Is(err, audio.ErrOddLength) {
				s.met.RecordChunk(ctx, "malformed")
				return
			}
			s.met.RecordChunk(ctx, "failed")
		}),
		playback.WithOnStopped(func(_ int, latency time.Duration) {
			s.met.RecordPlaybackStop(ctx, latency)
		}),
	)
	defer queue.Close()

	s.mu.Lock()
	coord = turn.New(remote, queue, s.detector,
		turn.WithCooldown(s.cooldown),
		turn.WithSampleRate(s.cfg.Realtime.SampleRate),
		turn.WithLogger(s.log),
		turn.WithMetrics(s.met),
		turn.WithStateHandler(s.onState),
		turn.WithTranscriptHandler(s.onTranscript),
		turn.WithErrorHandler(s.onRemoteError),
		turn.WithConnectionLostHandler(s.onConnectionLost),
	)
	s.coord = coord
	s.mu.Unlock()

	s.log.Info("session: started", "provider", s.cfg.Provider.Name(), "sample_rate", s.cfg.Realtime.SampleRate)
	s.notify(func(ctx context.Context) error {
		return s.cfg.Browser.SendReady(ctx, s.id, s.cfg.Realtime.SampleRate)
	})
	coord.Connected()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer stop()
		if err := coord.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.pumpRemote(gctx, remote, coord)
		return nil
	})
	g.Go(func() error {
		defer stop()
		// Reading ends when the browser leaves or writeNotices closes the
		// socket, so queued notices are flushed before the socket goes.
		s.readBrowser(context.WithoutCancel(gctx), coord)
		return nil
	})
	g.Go(func() error {
		s.writeNotices(gctx)
		_ = s.cfg.Browser.Close("session ended")
		return nil
	})

	err = g.Wait()
	s.log.Info("session: ended", "err", err)
	return err
}

// connect opens the upstream session.
func (s *Session) connect(ctx context.Context) (realtime.Transport, error) {
	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()

	name := s.cfg.Provider.Name()
	start := time.Now()
	remote, err := s.cfg.Provider.Connect(ctx, s.cfg.Realtime)
	s.met.RecordDial(ctx, name, time.Since(start), err)
	if err != nil {
		s.met.RecordProviderError(ctx, name, "connect")
		span.RecordError(err)
		return nil, fmt.Errorf("session: connect %s: %w", name, err)
	}
	return remote, nil
}

// pumpRemote forwards upstream events to the coordinator until the event
// stream closes, then reports the loss.
func (s *Session) pumpRemote(ctx context.Context, remote realtime.Transport, coord *turn.Coordinator) {
	events := remote.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				coord.Disconnected(remote.Err())
				return
			}
			s.met.RecordUpstreamEvent(ctx, ev.Kind.String())
			coord.HandleRemote(ev)
		}
	}
}

// readBrowser feeds browser audio and control messages to the coordinator
// until the browser goes away or ctx ends.
func (s *Session) readBrowser(ctx context.Context, coord *turn.Coordinator) {
	for {
		in, err := s.cfg.Browser.Read(ctx)
		if err != nil {
			s.log.Debug("session: browser reader stopped", "err", err)
			return
		}
		if in.IsAudio() {
			for _, f := range s.framer.Push(in.Audio) {
				coord.HandleFrame(f)
			}
			continue
		}
		switch in.Control.Type {
		case bridge.TypeInterrupt:
			coord.RequestManualInterrupt()
		case bridge.TypeFormat:
			f := audio.Format{SampleRate: in.Control.SampleRate, Channels: in.Control.Channels}
			s.log.Debug("session: capture format changed", "format", f)
			s.framer.SetFormat(f)
		}
	}
}

// ── Browser notices ───────────────────────────────────────────────────────────

// The coordinator's handlers run on its sequencer goroutine and must not
// block on the browser socket, so they queue notices for writeNotices.

func (s *Session) onState(st turn.State) {
	phase := st.Phase.String()
	s.notify(func(ctx context.Context) error { return s.cfg.Browser.SendState(ctx, phase) })
}

func (s *Session) onTranscript(role, text string, final bool) {
	s.notify(func(ctx context.Context) error {
		return s.cfg.Browser.SendTranscript(ctx, role, text, final)
	})
	if !final || s.cfg.Store == nil {
		return
	}
	entry := transcript.Entry{SessionID: s.id, Role: role, Text: text, Timestamp: time.Now().UTC()}
	s.notify(func(ctx context.Context) error {
		if err := s.cfg.Store.Append(ctx, entry); err != nil {
			s.log.Warn("session: storing transcript failed", "err", err)
		}
		return nil
	})
}

func (s *Session) onRemoteError(message string) {
	s.notify(func(ctx context.Context) error { return s.cfg.Browser.SendError(ctx, message) })
}

func (s *Session) onConnectionLost(err error) {
	s.notify(func(ctx context.Context) error { return s.cfg.Browser.SendConnectionLost(ctx, err) })
}

func (s *Session) notify(fn func(context.Context) error) {
	wrapped := func(ctx context.Context) {
		if err := fn(ctx); err != nil {
			s.log.Debug("session: browser notice failed", "err", err)
		}
	}
	select {
	case s.notices <- wrapped:
	default:
		s.log.Warn("session: browser notice queue full, dropping notice")
	}
}

// writeNotices writes queued notices in order. After ctx ends it flushes
// what is already queued, bounded by drainTimeout.
func (s *Session) writeNotices(ctx context.Context) {
	for {
		select {
		case fn := <-s.notices:
			fn(ctx)
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			defer cancel()
			for {
				select {
				case fn := <-s.notices:
					fn(dctx)
				default:
					return
				}
			}
		}
	}
}

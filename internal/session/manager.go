package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/bargein"
)

// ErrShuttingDown is returned by [Manager.Serve] once [Manager.Shutdown]
// was called.
var ErrShuttingDown = errors.New("session: manager is shutting down")

// Info describes a live session.
type Info struct {
	ID        string
	StartedAt time.Time
}

type entry struct {
	session   *Session
	cancel    context.CancelFunc
	startedAt time.Time
}

// Manager tracks live sessions, pushes barge-in tuning changes into them and
// ends them all on shutdown.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	bargeIn  bargein.Config
	cooldown time.Duration
	closed   bool
	wg       sync.WaitGroup
}

// NewManager returns a Manager whose sessions start with the given barge-in
// tuning.
func NewManager(bargeIn bargein.Config, cooldown time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		sessions: make(map[string]*entry),
		bargeIn:  bargeIn,
		cooldown: cooldown,
	}
}

// BargeIn returns the tuning new sessions should be created with.
func (m *Manager) BargeIn() (bargein.Config, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bargeIn, m.cooldown
}

// Serve registers s and runs it until it ends, ctx is cancelled or the
// manager shuts down.
func (m *Manager) Serve(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if _, dup := m.sessions[s.ID()]; dup {
		m.mu.Unlock()
		return fmt.Errorf("session: duplicate session id %q", s.ID())
	}
	m.sessions[s.ID()] = &entry{session: s, cancel: cancel, startedAt: time.Now().UTC()}
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.wg.Done()
	}()

	return s.Run(ctx)
}

// ApplyBargeIn validates cfg and applies it, with cooldown, to every live
// session and to sessions started later. A cooldown of zero leaves the
// current cooldown unchanged.
func (m *Manager) ApplyBargeIn(cfg bargein.Config, cooldown time.Duration) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("session: apply barge-in: %w", err)
	}

	m.mu.Lock()
	m.bargeIn = cfg
	if cooldown > 0 {
		m.cooldown = cooldown
	}
	live := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		live = append(live, e.session)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range live {
		if err := s.ApplyBargeIn(cfg, cooldown); err != nil {
			errs = append(errs, err)
		}
	}
	m.log.Info("session: barge-in tuning applied",
		"speech_threshold", cfg.SpeechThreshold,
		"required_consecutive_frames", cfg.RequiredConsecutiveFrames,
		"cooldown", cooldown,
		"sessions", len(live),
	)
	return errors.Join(errs...)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of the live sessions.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for id, e := range m.sessions {
		out = append(out, Info{ID: id, StartedAt: e.startedAt})
	}
	return out
}

// Shutdown ends every live session and waits for them to return or for ctx
// to expire. New sessions are refused afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, e := range m.sessions {
		e.cancel()
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if n > 0 {
		m.log.Info("session: ending live sessions", "count", n)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}

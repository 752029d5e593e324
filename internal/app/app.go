// Package app wires the parley subsystems into a running relay server.
//
// The App struct owns the full lifecycle: New builds the upstream provider
// chain, the transcript store, the session manager and the HTTP surface, Run
// serves until its context is cancelled, and Shutdown tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithStore, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/bridge"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/internal/transcript/postgres"
	"github.com/MrWong99/parley/pkg/provider/realtime"
)

// WebsocketPath is where browsers open their session.
const WebsocketPath = "/ws"

// App owns all subsystem lifetimes of the relay.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Subsystems, initialised in New and torn down in Shutdown.
	provider       realtime.Provider
	upstream       *resilience.RealtimeFallback
	store          transcript.Store
	manager        *session.Manager
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	levelVar       *slog.LevelVar
	handler        http.Handler
	server         *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider uses p for every session instead of building the provider
// chain from the registry. Upstream readiness is then not reported.
func WithProvider(p realtime.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithStore injects a transcript store instead of creating one from config.
// The App does not close an injected store.
func WithStore(s transcript.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on the configured metrics path instead of the
// default Prometheus handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithLogger sets the application logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Realtime providers
// are built through reg unless [WithProvider] is given.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initProvider(reg); err != nil {
		return nil, fmt.Errorf("app: init provider: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcript store: %w", err)
	}

	a.manager = session.NewManager(cfg.BargeIn.Detector(), cfg.BargeIn.Cooldown(), a.log)

	checkers := []health.Checker{health.Store(a.store)}
	if a.upstream != nil {
		checkers = append(checkers, health.Upstream(a.upstream))
	}
	a.health = health.New(checkers, health.WithSessionCount(a.manager.Count))

	a.initHTTP()
	return a, nil
}

func (a *App) initProvider(reg *config.Registry) error {
	if a.provider != nil {
		return nil
	}
	if reg == nil {
		return errors.New("no provider registry")
	}

	rc := a.cfg.Realtime
	primary, err := reg.CreateRealtime(rc.Provider)
	if err != nil {
		return err
	}
	fb := resilience.NewRealtimeFallback(primary, endpointName(rc.Provider, 0), resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  rc.CircuitBreaker.MaxFailures,
			ResetTimeout: rc.CircuitBreaker.ResetTimeout(),
			Logger:       a.log,
			OnStateChange: func(name string, from, to resilience.State) {
				a.log.Warn("upstream circuit breaker changed state",
					"endpoint", name, "from", from.String(), "to", to.String())
			},
		},
	})
	for i, entry := range rc.Fallbacks {
		p, err := reg.CreateRealtime(entry)
		if err != nil {
			return fmt.Errorf("fallback %d: %w", i, err)
		}
		fb.AddFallback(endpointName(entry, i+1), p)
	}

	a.upstream = fb
	a.provider = fb
	return nil
}

// endpointName labels the breaker of the idx-th endpoint. Endpoints may share
// a provider name, so the position keeps the labels unique.
func endpointName(e config.ProviderEntry, idx int) string {
	return fmt.Sprintf("%s#%d", e.Name, idx)
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Transcript.PostgresDSN
	if dsn == "" {
		a.store = transcript.NewMemStore()
		a.closers = append(a.closers, a.store.Close)
		return nil
	}
	s, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	a.log.Info("transcripts persisted to postgres")
	return nil
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+WebsocketPath, a.serveWebsocket)
	a.health.Register(mux)

	mh := a.metricsHandler
	if mh == nil {
		mh = promhttp.Handler()
	}
	mux.Handle("GET "+a.cfg.Telemetry.MetricsPath, mh)

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the root HTTP handler, for embedding the relay in another
// server or in tests.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.manager }

// serveWebsocket upgrades the request and runs one relay session on it until
// either side ends it.
func (a *App) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	log := observe.WithTrace(r.Context(), a.log)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.cfg.Server.AllowedOrigins,
	})
	if err != nil {
		// Accept already wrote the error response.
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	conn := bridge.NewConn(ws, bridge.WithConnLogger(log))

	bargeIn, cooldown := a.manager.BargeIn()
	s, err := session.New(session.Config{
		Browser:      conn,
		Provider:     a.provider,
		Realtime:     a.sessionConfig(),
		FrameSamples: a.cfg.Audio.FrameSamples,
		BargeIn:      bargeIn,
		Cooldown:     cooldown,
		Store:        a.store,
		Lead:         time.Duration(a.cfg.Audio.PlaybackLeadMS) * time.Millisecond,
		Metrics:      a.metrics,
		Logger:       log,
	})
	if err != nil {
		log.Error("failed to create session", "err", err)
		_ = conn.Close("internal error")
		return
	}

	log.Info("session started", "session_id", s.ID(), "remote_addr", r.RemoteAddr)
	err = a.manager.Serve(r.Context(), s)
	switch {
	case errors.Is(err, session.ErrShuttingDown):
		_ = conn.Close("server shutting down")
	case err != nil:
		log.Warn("session ended with error", "session_id", s.ID(), "err", err)
	default:
		log.Info("session ended", "session_id", s.ID())
	}
}

func (a *App) sessionConfig() realtime.SessionConfig {
	rc := a.cfg.Realtime
	return realtime.SessionConfig{
		Voice:              rc.Voice,
		Instructions:       rc.Instructions,
		SampleRate:         a.cfg.Audio.SampleRate,
		AudioFormat:        realtime.AudioFormat(rc.AudioFormat),
		TurnDetection:      rc.TurnDetection,
		TranscriptionModel: rc.TranscriptionModel,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the listener fails. It does not
// shut down live sessions; call [App.Shutdown] for that.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening",
			"addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Stop accepting; hijacked websocket connections are left to
		// Shutdown.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout())
		defer cancel()
		a.health.SetDraining(true)
		if err := a.server.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: stop listener: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable differences between old and new:
// the log level and the barge-in tuning. Other changes are logged as needing
// a restart. The App keeps using its original config otherwise.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.BargeInChanged {
		if err := a.manager.ApplyBargeIn(d.NewBargeIn.Detector(), d.NewBargeIn.Cooldown()); err != nil {
			a.log.Error("failed to apply barge-in tuning", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart to take effect",
			"sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, stops the listener, ends every live
// session and closes the remaining subsystems in order. It is safe to call
// more than once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("app shutting down", "sessions", a.manager.Count())
		a.health.SetDraining(true)

		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: stop listener: %w", err))
		}
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: end sessions: %w", err))
		}
		for _, closer := range a.closers {
			if err := closer(); err != nil {
				errs = append(errs, err)
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// Package health serves the liveness and readiness probes.
//
//   - /healthz always returns 200 while the process serves HTTP.
//   - /readyz returns 200 only when the server is not draining and every
//     registered [Checker] passes.
//
// Responses are JSON objects with a "status" field ("ok" or "fail") and a
// "checks" map with the result of each named checker.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Upstream returns a checker that fails while r reports it cannot accept new
// sessions, e.g. a resilience.RealtimeFallback with every breaker open.
func Upstream(r interface{ Ready() error }) Checker {
	return Checker{Name: "upstream", Check: func(context.Context) error { return r.Ready() }}
}

// Store returns a checker that pings the transcript store.
func Store(p interface {
	Ping(ctx context.Context) error
}) Checker {
	return Checker{Name: "transcript_store", Check: p.Ping}
}

type result struct {
	Status   string            `json:"status"`
	Sessions *int              `json:"sessions,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	sessions func() int
	draining atomic.Bool
}

// Option configures a [Handler].
type Option func(*Handler)

// WithSessionCount reports the number of live sessions in /healthz.
func WithSessionCount(fn func() int) Option {
	return func(h *Handler) { h.sessions = fn }
}

// New returns a [Handler] evaluating checkers on every /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetDraining makes /readyz fail so load balancers stop sending new
// sessions while live ones finish.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{Status: "ok"}
	if h.sessions != nil {
		n := h.sessions()
		res.Sessions = &n
	}
	writeJSON(w, http.StatusOK, res)
}

// Readyz runs all checkers concurrently, each bounded by checkTimeout.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers)+1)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	failed := false
	for _, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)
			if err == nil && ctx.Err() != nil {
				err = ctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				failed = true
				return
			}
			checks[c.Name] = "ok"
		})
	}
	wg.Wait()

	if h.draining.Load() {
		checks["draining"] = "fail: " + errDraining.Error()
		failed = true
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if failed {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

var errDraining = errors.New("server is shutting down")

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

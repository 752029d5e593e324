package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/parley/pkg/provider/realtime"
)

// RealtimeFallback implements [realtime.Provider] with failover across
// several upstream endpoints. Only Connect fails over; an established
// session that is lost later ends like any other.
type RealtimeFallback struct {
	group *FallbackGroup[realtime.Provider]
}

var _ realtime.Provider = (*RealtimeFallback)(nil)

// NewRealtimeFallback returns a RealtimeFallback preferring primary.
func NewRealtimeFallback(primary realtime.Provider, primaryName string, cfg FallbackConfig) *RealtimeFallback {
	return &RealtimeFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another endpoint tried after the earlier ones.
func (f *RealtimeFallback) AddFallback(name string, p realtime.Provider) {
	f.group.AddFallback(name, p)
}

// Connect opens a session on the first endpoint whose breaker admits the
// dial and whose Connect succeeds.
func (f *RealtimeFallback) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Transport, error) {
	return ExecuteWithResult(f.group, func(_ string, p realtime.Provider) (realtime.Transport, error) {
		return p.Connect(ctx, cfg)
	})
}

// Name returns the primary endpoint's provider name.
func (f *RealtimeFallback) Name() string { return f.group.Primary().Name() }

// Breakers returns the breaker of every endpoint, primary first.
func (f *RealtimeFallback) Breakers() []*CircuitBreaker { return f.group.Breakers() }

// Ready reports an error when every endpoint's breaker is open, so a new
// session would be refused without dialling.
func (f *RealtimeFallback) Ready() error {
	for _, b := range f.group.Breakers() {
		if b.State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("resilience: all %d upstream circuit breakers are open", f.group.Len())
}

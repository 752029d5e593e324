// Package transcript persists the finished utterances of a voice session.
//
// The realtime transport streams transcript fragments while a response is
// generated. Only final fragments (a completed user utterance or a finished
// assistant response) are written to a [Store]; partial fragments are for
// display only.
package transcript

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrClosed is returned by a [Store] after Close was called.
var ErrClosed = errors.New("transcript: store closed")

// Entry is one finished utterance.
type Entry struct {
	// SessionID identifies the browser session the utterance belongs to.
	SessionID string

	// Role is "user" or "assistant".
	Role string

	// Text is the transcribed utterance.
	Text string

	// Timestamp is when the utterance was recorded.
	Timestamp time.Time
}

// Store persists transcript entries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append writes e to the log of e.SessionID.
	Append(ctx context.Context, e Entry) error

	// List returns every entry of sessionID in chronological order. A session
	// without entries yields an empty, non-nil slice.
	List(ctx context.Context, sessionID string) ([]Entry, error)

	// Ping reports whether the store can currently serve requests.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is an in-process [Store]. Entries are lost when the process exits.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string][]Entry
	closed   bool
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string][]Entry)}
}

// Append implements [Store].
func (m *MemStore) Append(_ context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.sessions[e.SessionID] = append(m.sessions[e.SessionID], e)
	return nil
}

// List implements [Store].
func (m *MemStore) List(_ context.Context, sessionID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := slices.Clone(m.sessions[sessionID])
	if out == nil {
		out = []Entry{}
	}
	slices.SortStableFunc(out, func(a, b Entry) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, nil
}

// Ping implements [Store].
func (m *MemStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close implements [Store]. It is idempotent.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.sessions = nil
	return nil
}

// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and hand out a controlled Transport.
// Use Transport to inject inbound events with Emit and to inspect which
// commands the caller sent.
//
// Example:
//
//	tr := mock.NewTransport()
//	p := &mock.Provider{Transport: tr}
//	t, _ := p.Connect(ctx, cfg)
//	tr.Emit(realtime.Event{Kind: realtime.EventResponseStarted})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/realtime"
)

// Ensure the mocks implement the realtime interfaces at compile time.
var (
	_ realtime.Provider  = (*Provider)(nil)
	_ realtime.Transport = (*Transport)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Transport is returned by Connect. If nil, Connect returns a fresh
	// Transport from NewTransport.
	Transport realtime.Transport

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Transport, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Transport != nil {
		return p.Transport, nil
	}
	return NewTransport(), nil
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Transport is a mock implementation of realtime.Transport.
type Transport struct {
	mu sync.Mutex

	events    chan realtime.Event
	closeOnce sync.Once

	// SendErr, if non-nil, is returned from every Send method.
	SendErr error

	// Frames records every frame passed to SendAudioFrame.
	Frames []audio.Frame

	// Commands records the control commands sent, in order: "cancel" or
	// "clear".
	Commands []string

	// CloseCount is the number of times Close was called.
	CloseCount int

	// TerminalErr is returned by Err.
	TerminalErr error
}

// NewTransport returns a Transport with a buffered event channel.
func NewTransport() *Transport {
	return &Transport{events: make(chan realtime.Event, 64)}
}

// Emit delivers ev on the Events channel. It must not be called after
// Disconnect or Close.
func (t *Transport) Emit(ev realtime.Event) {
	t.events <- ev
}

// Disconnect closes the event stream with err as the terminal error,
// simulating a lost connection.
func (t *Transport) Disconnect(err error) {
	t.mu.Lock()
	t.TerminalErr = err
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.events) })
}

// SendAudioFrame records f.
func (t *Transport) SendAudioFrame(f audio.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		return t.SendErr
	}
	t.Frames = append(t.Frames, f)
	return nil
}

// SendCancel records "cancel".
func (t *Transport) SendCancel() error {
	return t.record("cancel")
}

// SendClearOutputBuffer records "clear".
func (t *Transport) SendClearOutputBuffer() error {
	return t.record("clear")
}

func (t *Transport) record(cmd string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		return t.SendErr
	}
	t.Commands = append(t.Commands, cmd)
	return nil
}

// Events returns the event channel.
func (t *Transport) Events() <-chan realtime.Event { return t.events }

// Err returns TerminalErr.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.TerminalErr
}

// Close records the call and closes the event channel once.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.CloseCount++
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.events) })
	return nil
}

// CommandLog returns a copy of Commands. Thread-safe.
func (t *Transport) CommandLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.Commands...)
}

// Closes returns CloseCount. Thread-safe.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CloseCount
}

// FrameCount returns len(Frames). Thread-safe.
func (t *Transport) FrameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Frames)
}

// Count returns how many times cmd was sent. Thread-safe.
func (t *Transport) Count(cmd string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.Commands {
		if c == cmd {
			n++
		}
	}
	return n
}

// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It keeps one WebSocket per session and exchanges JSON events according to
// the Realtime protocol. All outgoing events go through a single writer
// goroutine so they reach the wire in call order. Microphone frames are
// dropped when the writer falls behind; control events (response.cancel,
// output_audio_buffer.clear) never are.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/realtime"
)

// Compile-time assertions that Provider and transport satisfy the realtime
// interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Transport = (*transport)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// nativeRate is the only PCM16 rate the Realtime API accepts.
	nativeRate = 24000

	outboxSize   = 64
	eventBufSize = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithWriteTimeout bounds a single WebSocket write. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(p *Provider) { p.writeTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	writeTimeout time.Duration
	log          *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		writeTimeout: 5 * time.Second,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns "openai".
func (p *Provider) Name() string { return "openai" }

// Connect dials the Realtime endpoint, sends the initial session.update and
// starts the reader and writer goroutines.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Transport, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	// Audio deltas routinely exceed the default 32 KiB read limit.
	conn.SetReadLimit(4 << 20)

	if cfg.SampleRate <= 0 {
		cfg.SampleRate = nativeRate
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = realtime.FormatPCM16
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &transport{
		conn:         conn,
		cfg:          cfg,
		log:          p.log.With("provider", "openai"),
		writeTimeout: p.writeTimeout,
		outbox:       make(chan []byte, outboxSize),
		control:      make(chan []byte, outboxSize),
		events:       make(chan realtime.Event, eventBufSize),
		ctx:          tctx,
		cancel:       cancel,
	}

	// The session.update is written synchronously so a rejected handshake
	// surfaces from Connect.
	data, err := sonic.Marshal(sessionUpdateMessage{Type: "session.update", Session: sessionParamsFor(cfg)})
	if err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "marshal failed")
		return nil, fmt.Errorf("openai: marshal session.update: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	t.wg.Add(2)
	go t.writeLoop()
	go t.receiveLoop()

	return t, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
	InputAudioTranscription *audioTranscription `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type audioTranscription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64, wire format
}

type typedMessage struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

// clearEventPrefix tags output_audio_buffer.clear commands. The server only
// honours that command on WebRTC sessions and answers it with an error event
// on websockets; errors carrying this prefix are dropped.
const clearEventPrefix = "parley_clear_"

func sessionParamsFor(cfg realtime.SessionConfig) sessionParams {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  string(cfg.AudioFormat),
		OutputAudioFormat: string(cfg.AudioFormat),
	}
	if cfg.TurnDetection != "" {
		params.TurnDetection = &turnDetection{Type: cfg.TurnDetection}
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &audioTranscription{Model: cfg.TranscriptionModel}
	}
	return params
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

type serverResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.created / response.done
	Response *serverResponse `json:"response,omitempty"`

	// response.audio.delta / response.audio_transcript.delta
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── transport ──────────────────────────────────────────────────────────────────

type transport struct {
	conn         *websocket.Conn
	cfg          realtime.SessionConfig
	log          *slog.Logger
	writeTimeout time.Duration

	// outbox carries droppable audio; control carries commands that must
	// reach the wire. The writer prefers control.
	outbox  chan []byte
	control chan []byte
	events  chan realtime.Event

	mu     sync.Mutex
	errVal error
	closed bool

	clears atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SendAudioFrame encodes f in the session's wire format and queues it.
func (t *transport) SendAudioFrame(f audio.Frame) error {
	if t.ctx.Err() != nil {
		return realtime.ErrClosed
	}

	var wire []byte
	switch t.cfg.AudioFormat {
	case realtime.FormatG711ULaw:
		wire = audio.EncodeULaw(f.Samples, f.SampleRate)
	default:
		wire = audio.ResampleMono16(f.Bytes(), f.SampleRate, nativeRate)
	}

	data, err := sonic.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(wire),
	})
	if err != nil {
		return fmt.Errorf("openai: marshal audio: %w", err)
	}

	select {
	case t.outbox <- data:
		return nil
	default:
		return realtime.ErrBackpressure
	}
}

// SendCancel queues a response.cancel event.
func (t *transport) SendCancel() error {
	return t.sendControl(typedMessage{Type: "response.cancel"})
}

// SendClearOutputBuffer queues an output_audio_buffer.clear event. On a
// websocket session the server rejects it; the resulting error event is not
// forwarded.
func (t *transport) SendClearOutputBuffer() error {
	id := fmt.Sprintf("%s%d", clearEventPrefix, t.clears.Add(1))
	return t.sendControl(typedMessage{EventID: id, Type: "output_audio_buffer.clear"})
}

func (t *transport) sendControl(msg typedMessage) error {
	if t.ctx.Err() != nil {
		return realtime.ErrClosed
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("openai: marshal %s: %w", msg.Type, err)
	}
	select {
	case t.control <- data:
		return nil
	case <-t.ctx.Done():
		return realtime.ErrClosed
	}
}

// Events returns the inbound event stream.
func (t *transport) Events() <-chan realtime.Event { return t.events }

// Err returns the first error that terminated the connection.
func (t *transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errVal
}

// Close terminates the session and waits for both loops to exit. Idempotent.
func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.conn.Close(websocket.StatusNormalClosure, "session closed")
	t.wg.Wait()
	return nil
}

func (t *transport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.errVal == nil {
		t.errVal = err
	}
}

// fail records err and tears the connection down so the other loop exits.
func (t *transport) fail(err error) {
	t.setErr(err)
	t.cancel()
	t.conn.Close(websocket.StatusInternalError, "transport failure")
}

// writeLoop is the sole writer on conn.
func (t *transport) writeLoop() {
	defer t.wg.Done()
	for {
		var data []byte
		// Control first, so a cancel is never stuck behind buffered audio.
		select {
		case data = <-t.control:
		default:
			select {
			case data = <-t.control:
			case data = <-t.outbox:
			case <-t.ctx.Done():
				return
			}
		}

		if err := t.write(data); err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.fail(fmt.Errorf("openai: write: %w", err))
			return
		}
	}
}

func (t *transport) write(data []byte) error {
	ctx := t.ctx
	if t.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.writeTimeout)
		defer cancel()
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and forwards them in order.
// It owns the events channel and closes it when it exits.
func (t *transport) receiveLoop() {
	defer t.wg.Done()
	defer close(t.events)

	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.fail(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := sonic.Unmarshal(data, &evt); err != nil {
			t.log.Warn("openai: dropping undecodable event", "bytes", len(data), "err", err)
			continue
		}

		ev, ok := t.translate(&evt)
		if !ok {
			continue
		}
		select {
		case t.events <- ev:
		case <-t.ctx.Done():
			return
		}
	}
}

// translate maps one wire event onto a realtime.Event. ok is false for events
// that carry nothing the caller needs.
func (t *transport) translate(evt *serverEvent) (realtime.Event, bool) {
	switch evt.Type {
	case "response.created":
		return realtime.Event{Kind: realtime.EventResponseStarted, ResponseID: responseID(evt), Type: evt.Type}, true

	case "response.audio.delta":
		raw, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(raw) == 0 {
			t.log.Warn("openai: dropping undecodable audio delta", "response_id", evt.ResponseID, "err", err)
			return realtime.Event{}, false
		}
		return realtime.Event{
			Kind:       realtime.EventAudioDelta,
			ResponseID: evt.ResponseID,
			Audio:      t.decodeAudio(raw),
			Type:       evt.Type,
		}, true

	case "response.done":
		kind := realtime.EventResponseDone
		if evt.Response != nil && evt.Response.Status == "cancelled" {
			kind = realtime.EventResponseCancelled
		}
		return realtime.Event{Kind: kind, ResponseID: responseID(evt), Type: evt.Type}, true

	case "input_audio_buffer.speech_started":
		return realtime.Event{Kind: realtime.EventSpeechStarted, Type: evt.Type}, true

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return realtime.Event{}, false
		}
		return realtime.Event{
			Kind:       realtime.EventTranscript,
			ResponseID: evt.ResponseID,
			Role:       realtime.RoleAssistant,
			Text:       evt.Delta,
			Type:       evt.Type,
		}, true

	case "response.audio_transcript.done":
		if evt.Transcript == "" {
			return realtime.Event{}, false
		}
		return realtime.Event{
			Kind:       realtime.EventTranscript,
			ResponseID: evt.ResponseID,
			Role:       realtime.RoleAssistant,
			Text:       evt.Transcript,
			Final:      true,
			Type:       evt.Type,
		}, true

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return realtime.Event{}, false
		}
		return realtime.Event{
			Kind:  realtime.EventTranscript,
			Role:  realtime.RoleUser,
			Text:  evt.Transcript,
			Final: true,
			Type:  evt.Type,
		}, true

	case "error":
		if rejectedClear(evt.Error) {
			t.log.Debug("openai: output_audio_buffer.clear rejected", "event_id", evt.Error.EventID, "code", evt.Error.Code)
			return realtime.Event{}, false
		}
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return realtime.Event{Kind: realtime.EventError, Message: msg, Type: evt.Type}, true

	default:
		return realtime.Event{Kind: realtime.EventUnknown, Type: evt.Type}, true
	}
}

// rejectedClear reports whether e answers one of our
// output_audio_buffer.clear commands.
func rejectedClear(e *serverErrorDetail) bool {
	if e == nil {
		return false
	}
	return strings.HasPrefix(e.EventID, clearEventPrefix) ||
		strings.Contains(e.Message, "output_audio_buffer.clear")
}

// decodeAudio converts wire audio into PCM16 at the session rate.
func (t *transport) decodeAudio(raw []byte) []byte {
	if t.cfg.AudioFormat == realtime.FormatG711ULaw {
		return audio.DecodeULaw(raw, t.cfg.SampleRate)
	}
	return audio.ResampleMono16(raw, nativeRate, t.cfg.SampleRate)
}

func responseID(evt *serverEvent) string {
	if evt.Response != nil {
		return evt.Response.ID
	}
	return evt.ResponseID
}

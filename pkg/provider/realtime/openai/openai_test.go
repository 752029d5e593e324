package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/realtime"
	"github.com/MrWong99/parley/pkg/provider/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func nextEvent(t *testing.T, tr realtime.Transport) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-tr.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return realtime.Event{}
	}
}

func connect(t *testing.T, srv *httptest.Server, cfg realtime.SessionConfig, opts ...openai.Option) realtime.Transport {
	t.Helper()
	opts = append(opts, openai.WithBaseURL(wsURL(srv)))
	p := openai.New("test-key", opts...)
	tr, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_HandshakeAndSessionUpdate(t *testing.T) {
	t.Parallel()

	type handshake struct {
		model, auth, beta string
		update            map[string]any
	}
	got := make(chan handshake, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		h := handshake{
			model: r.URL.Query().Get("model"),
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
		}
		readJSON(t, conn, &h.update)
		got <- h
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, realtime.SessionConfig{
		Voice:              "alloy",
		Instructions:       "be brief",
		TurnDetection:      "server_vad",
		TranscriptionModel: "whisper-1",
	}, openai.WithModel("gpt-4o-mini-realtime"))

	var h handshake
	select {
	case h = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for handshake")
	}

	if h.model != "gpt-4o-mini-realtime" {
		t.Errorf("model = %q, want gpt-4o-mini-realtime", h.model)
	}
	if h.auth != "Bearer test-key" {
		t.Errorf("Authorization = %q", h.auth)
	}
	if h.beta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", h.beta)
	}
	if h.update["type"] != "session.update" {
		t.Fatalf("first message type = %v, want session.update", h.update["type"])
	}
	sess, _ := h.update["session"].(map[string]any)
	if sess["voice"] != "alloy" || sess["instructions"] != "be brief" {
		t.Errorf("session = %v", sess)
	}
	if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats = %v/%v, want pcm16", sess["input_audio_format"], sess["output_audio_format"])
	}
	if td, _ := sess["turn_detection"].(map[string]any); td["type"] != "server_vad" {
		t.Errorf("turn_detection = %v", sess["turn_detection"])
	}
	if tx, _ := sess["input_audio_transcription"].(map[string]any); tx["model"] != "whisper-1" {
		t.Errorf("input_audio_transcription = %v", sess["input_audio_transcription"])
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := openai.New("bad", openai.WithBaseURL(wsURL(srv)))
	if _, err := p.Connect(context.Background(), realtime.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestEvents_MappedInOrder(t *testing.T) {
	t.Parallel()

	pcm := audio.SamplesToBytes([]int16{1, 2, 3, 4})
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)

		writeJSON(t, conn, map[string]any{"type": "session.created"})
		writeJSON(t, conn, map[string]any{"type": "response.created", "response": map[string]any{"id": "resp_1"}})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "response_id": "resp_1", "delta": base64.StdEncoding.EncodeToString(pcm)})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "response_id": "resp_1", "delta": "!!!not-base64"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "response_id": "resp_1", "delta": "Hel"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "response.done", "response": map[string]any{"id": "resp_1", "status": "cancelled"}})
		writeJSON(t, conn, map[string]any{"type": "response.done", "response": map[string]any{"id": "resp_2", "status": "completed"}})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "stop"})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "rate limited"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := connect(t, srv, realtime.SessionConfig{})

	want := []realtime.EventKind{
		realtime.EventUnknown,
		realtime.EventResponseStarted,
		realtime.EventAudioDelta,
		realtime.EventTranscript,
		realtime.EventSpeechStarted,
		realtime.EventResponseCancelled,
		realtime.EventResponseDone,
		realtime.EventTranscript,
		realtime.EventError,
	}
	var got []realtime.Event
	for range want {
		got = append(got, nextEvent(t, tr))
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Fatalf("event %d kind = %v, want %v (all: %+v)", i, got[i].Kind, k, got)
		}
	}

	if got[0].Type != "session.created" {
		t.Errorf("unknown event Type = %q", got[0].Type)
	}
	if got[1].ResponseID != "resp_1" {
		t.Errorf("responseStarted id = %q", got[1].ResponseID)
	}
	if string(got[2].Audio) != string(pcm) {
		t.Errorf("audio = %v, want %v", got[2].Audio, pcm)
	}
	if got[3].Role != realtime.RoleAssistant || got[3].Text != "Hel" || got[3].Final {
		t.Errorf("assistant transcript = %+v", got[3])
	}
	if got[7].Role != realtime.RoleUser || got[7].Text != "stop" || !got[7].Final {
		t.Errorf("user transcript = %+v", got[7])
	}
	if got[8].Message != "rate limited" {
		t.Errorf("error message = %q", got[8].Message)
	}
}

func TestSendCommands_OrderedOnWire(t *testing.T) {
	t.Parallel()

	types := make(chan string, 8)
	audioPayload := make(chan string, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for range 4 {
			var msg map[string]any
			readJSON(t, conn, &msg)
			typ, _ := msg["type"].(string)
			if typ == "input_audio_buffer.append" {
				audioPayload <- msg["audio"].(string)
			}
			types <- typ
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := connect(t, srv, realtime.SessionConfig{})

	frame := audio.Frame{Samples: []int16{100, -100}, SampleRate: 24000}
	if err := tr.SendAudioFrame(frame); err != nil {
		t.Fatalf("SendAudioFrame: %v", err)
	}
	// Give the writer a moment so the frame is on the wire before the
	// control commands are queued.
	time.Sleep(50 * time.Millisecond)
	if err := tr.SendCancel(); err != nil {
		t.Fatalf("SendCancel: %v", err)
	}
	if err := tr.SendClearOutputBuffer(); err != nil {
		t.Fatalf("SendClearOutputBuffer: %v", err)
	}

	want := []string{"session.update", "input_audio_buffer.append", "response.cancel", "output_audio_buffer.clear"}
	for i, w := range want {
		select {
		case got := <-types:
			if got != w {
				t.Fatalf("message %d = %q, want %q", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %q", w)
		}
	}

	raw, err := base64.StdEncoding.DecodeString(<-audioPayload)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if string(raw) != string(frame.Bytes()) {
		t.Errorf("audio on wire = %v, want %v", raw, frame.Bytes())
	}
}

func TestClearOutputBuffer_RejectionNotForwarded(t *testing.T) {
	t.Parallel()

	eventIDs := make(chan string, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)

		var cmd map[string]any
		readJSON(t, conn, &cmd)
		id, _ := cmd["event_id"].(string)
		eventIDs <- id

		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{
			"type":     "invalid_request_error",
			"code":     "invalid_value",
			"message":  "Invalid value: 'output_audio_buffer.clear'.",
			"event_id": id,
		}})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "rate limited"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := connect(t, srv, realtime.SessionConfig{})
	if err := tr.SendClearOutputBuffer(); err != nil {
		t.Fatalf("SendClearOutputBuffer: %v", err)
	}

	select {
	case id := <-eventIDs:
		if id == "" {
			t.Error("output_audio_buffer.clear sent without event_id")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw the clear")
	}

	ev := nextEvent(t, tr)
	if ev.Kind != realtime.EventError || ev.Message != "rate limited" {
		t.Errorf("first forwarded event = %+v, want the rate limit error", ev)
	}
}

func TestG711_EncodesOutgoingAndDecodesIncoming(t *testing.T) {
	t.Parallel()

	ulaw := audio.EncodeULaw(make([]int16, 240), 24000)
	formats := make(chan string, 1)
	wireLen := make(chan int, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update struct {
			Session struct {
				InputAudioFormat string `json:"input_audio_format"`
			} `json:"session"`
		}
		readJSON(t, conn, &update)
		formats <- update.Session.InputAudioFormat

		var msg struct {
			Audio string `json:"audio"`
		}
		readJSON(t, conn, &msg)
		raw, _ := base64.StdEncoding.DecodeString(msg.Audio)
		wireLen <- len(raw)

		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(ulaw)})
		<-conn.CloseRead(context.Background()).Done()
	})

	tr := connect(t, srv, realtime.SessionConfig{AudioFormat: realtime.FormatG711ULaw, SampleRate: 24000})
	if err := tr.SendAudioFrame(audio.Frame{Samples: make([]int16, 2400), SampleRate: 24000}); err != nil {
		t.Fatalf("SendAudioFrame: %v", err)
	}

	if f := <-formats; f != "g711_ulaw" {
		t.Errorf("input_audio_format = %q, want g711_ulaw", f)
	}
	if n := <-wireLen; n != 800 {
		t.Errorf("wire bytes = %d, want 800 (100ms at 8kHz)", n)
	}
	ev := nextEvent(t, tr)
	if ev.Kind != realtime.EventAudioDelta {
		t.Fatalf("kind = %v, want audioDelta", ev.Kind)
	}
	if len(ev.Audio) != 240*2 {
		t.Errorf("decoded audio = %d bytes, want %d", len(ev.Audio), 240*2)
	}
}

func TestConnectionLost_ClosesEventsWithErr(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		conn.Close(websocket.StatusGoingAway, "server restart")
	})

	tr := connect(t, srv, realtime.SessionConfig{})

	select {
	case _, ok := <-tr.Events():
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event channel to close")
	}
	if tr.Err() == nil {
		t.Error("Err() = nil after remote close, want error")
	}
	if err := tr.SendCancel(); !errors.Is(err, realtime.ErrClosed) {
		t.Errorf("SendCancel after loss = %v, want ErrClosed", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	tr := connect(t, srv, realtime.SessionConfig{})

	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := tr.Err(); err != nil {
		t.Errorf("Err() after clean Close = %v, want nil", err)
	}
	if err := tr.SendAudioFrame(audio.Frame{Samples: []int16{1}, SampleRate: 24000}); !errors.Is(err, realtime.ErrClosed) {
		t.Errorf("SendAudioFrame after Close = %v, want ErrClosed", err)
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := openai.New("k").Name(); got != "openai" {
		t.Errorf("Name() = %q, want openai", got)
	}
}

// Package bridge speaks the browser side of a parley session.
//
// A browser page opens one websocket per conversation. Binary messages in
// both directions carry little-endian PCM16 mono audio: microphone capture
// from the browser, assistant speech to the browser. Text messages carry
// small JSON control messages, listed below.
//
// Browser → server:
//
//	{"type":"interrupt"}                               manual barge-in
//	{"type":"format","sample_rate":48000,"channels":2} capture format
//
// Server → browser:
//
//	{"type":"ready","session_id":"…","sample_rate":24000}
//	{"type":"state","phase":"AssistantTurn"}
//	{"type":"transcript","role":"assistant","text":"…","final":false}
//	{"type":"clear"}                                  drop scheduled audio
//	{"type":"error","message":"…"}
//	{"type":"connection_lost","message":"…"}
package bridge

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Client message types.
const (
	TypeInterrupt = "interrupt"
	TypeFormat    = "format"
)

// Server message types.
const (
	TypeReady          = "ready"
	TypeState          = "state"
	TypeTranscript     = "transcript"
	TypeClear          = "clear"
	TypeError          = "error"
	TypeConnectionLost = "connection_lost"
)

// ErrUnknownMessage is returned by [DecodeClientMessage] for a type it does
// not know.
var ErrUnknownMessage = errors.New("bridge: unknown message type")

// ClientMessage is a control message sent by the browser.
type ClientMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// ServerMessage is a control message sent to the browser. Only the fields
// relevant to Type are set.
type ServerMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Phase      string `json:"phase,omitempty"`
	Role       string `json:"role,omitempty"`
	Text       string `json:"text,omitempty"`
	Final      bool   `json:"final,omitempty"`
	Message    string `json:"message,omitempty"`
}

// DecodeClientMessage parses and validates one text message from the
// browser.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := sonic.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("bridge: decode client message: %w", err)
	}
	switch m.Type {
	case TypeInterrupt:
	case TypeFormat:
		if m.SampleRate <= 0 {
			return ClientMessage{}, fmt.Errorf("bridge: format message: sample_rate must be positive, got %d", m.SampleRate)
		}
		if m.Channels == 0 {
			m.Channels = 1
		}
		if m.Channels < 0 || m.Channels > 2 {
			return ClientMessage{}, fmt.Errorf("bridge: format message: channels must be 1 or 2, got %d", m.Channels)
		}
	default:
		return ClientMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
	return m, nil
}

func encodeServerMessage(m ServerMessage) ([]byte, error) {
	data, err := sonic.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s message: %w", m.Type, err)
	}
	return data, nil
}

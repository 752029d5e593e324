package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/coder/websocket"
)

// readLimit bounds one inbound message. A second of 48 kHz stereo capture
// is 192 KiB.
const readLimit = 1 << 20

// Inbound is one message read from the browser. Exactly one of Audio and
// Control is meaningful: Audio is set for binary messages.
type Inbound struct {
	Audio   []byte
	Control ClientMessage
}

// IsAudio reports whether the message carried PCM.
func (in Inbound) IsAudio() bool { return in.Audio != nil }

// ConnOption is a functional option for [NewConn].
type ConnOption func(*Conn)

// WithConnWriteTimeout bounds a single websocket write. Zero disables the
// bound. The default is five seconds.
func WithConnWriteTimeout(d time.Duration) ConnOption {
	return func(c *Conn) { c.writeTimeout = d }
}

// WithConnLogger sets the logger.
func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) { c.log = l }
}

// Conn is the browser websocket of one session.
//
// The send methods are safe for concurrent use. Read must only be called
// from one goroutine.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	log          *slog.Logger
}

// NewConn wraps an accepted websocket.
func NewConn(ws *websocket.Conn, opts ...ConnOption) *Conn {
	c := &Conn{
		ws:           ws,
		writeTimeout: 5 * time.Second,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	ws.SetReadLimit(readLimit)
	return c
}

// Read blocks for the next usable message. Undecodable control messages are
// logged and skipped. The returned error is terminal.
func (c *Conn) Read(ctx context.Context) (Inbound, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return Inbound{}, fmt.Errorf("bridge: read: %w", err)
		}
		if typ == websocket.MessageBinary {
			if data == nil {
				data = []byte{}
			}
			return Inbound{Audio: data}, nil
		}
		msg, err := DecodeClientMessage(data)
		if err != nil {
			c.log.Warn("bridge: dropping client message", "err", err)
			continue
		}
		return Inbound{Control: msg}, nil
	}
}

// SendAudio writes one block of assistant PCM.
func (c *Conn) SendAudio(ctx context.Context, pcm []byte) error {
	return c.write(ctx, websocket.MessageBinary, pcm)
}

// SendClear tells the browser to drop every block it has not played yet.
func (c *Conn) SendClear(ctx context.Context) error {
	return c.send(ctx, ServerMessage{Type: TypeClear})
}

// SendReady announces the session.
func (c *Conn) SendReady(ctx context.Context, sessionID string, sampleRate int) error {
	return c.send(ctx, ServerMessage{Type: TypeReady, SessionID: sessionID, SampleRate: sampleRate})
}

// SendState publishes the conversation phase.
func (c *Conn) SendState(ctx context.Context, phase string) error {
	return c.send(ctx, ServerMessage{Type: TypeState, Phase: phase})
}

// SendTranscript forwards one transcript fragment.
func (c *Conn) SendTranscript(ctx context.Context, role, text string, final bool) error {
	return c.send(ctx, ServerMessage{Type: TypeTranscript, Role: role, Text: text, Final: final})
}

// SendError forwards a non-fatal error message.
func (c *Conn) SendError(ctx context.Context, message string) error {
	return c.send(ctx, ServerMessage{Type: TypeError, Message: message})
}

// SendConnectionLost tells the browser the upstream session is gone.
func (c *Conn) SendConnectionLost(ctx context.Context, cause error) error {
	msg := ServerMessage{Type: TypeConnectionLost}
	if cause != nil {
		msg.Message = cause.Error()
	}
	return c.send(ctx, msg)
}

// Close closes the websocket with a normal closure status. Closing an
// already closed connection is not an error.
func (c *Conn) Close(reason string) error {
	err := c.ws.Close(websocket.StatusNormalClosure, reason)
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Conn) send(ctx context.Context, m ServerMessage) error {
	data, err := encodeServerMessage(m)
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.MessageText, data)
}

func (c *Conn) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	if err := c.ws.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("bridge: write: %w", err)
	}
	return nil
}

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// Sink is where a [Device] sends audio. *Conn implements it.
type Sink interface {
	SendAudio(ctx context.Context, pcm []byte) error
	SendClear(ctx context.Context) error
}

var (
	_ Sink            = (*Conn)(nil)
	_ playback.Device = (*Device)(nil)
)

// ErrDeviceClosed is returned by [Device.Play] after Close.
var ErrDeviceClosed = errors.New("bridge: device closed")

// outboxSize bounds the writes queued for the browser. Play waits for its
// own chunk, so the outbox only grows by the chunks and clears left behind
// by cancelled plays.
const outboxSize = 16

// DeviceOption is a functional option for [NewDevice].
type DeviceOption func(*Device)

// WithLead lets the device run ahead of the browser by d, so the browser has
// the next chunk before the current one ends. The default is 100ms.
func WithLead(d time.Duration) DeviceOption {
	return func(dev *Device) { dev.lead = d }
}

// write is one queued message for the browser: a chunk, or a clear.
type write struct {
	ctx   context.Context // the chunk's context; a cancelled chunk not yet written is skipped
	pcm   []byte
	clear bool
	done  chan error
}

// Device plays chunks in a browser. Play hands the samples to a writer
// goroutine and then blocks for their duration, so the playback queue
// advances in step with what the user hears.
//
// Browser writes never run under a chunk's context: cancelling a websocket
// write mid-frame closes the socket. A cancelled Play returns at once and
// leaves the clear, and any write already in progress, to the writer.
type Device struct {
	sink Sink
	lead time.Duration

	ahead time.Duration // sent but not yet paced, carried between chunks

	outbox chan write
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDevice returns a Device sending to sink. Call Close when done.
func NewDevice(sink Sink, opts ...DeviceOption) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		sink:   sink,
		lead:   100 * time.Millisecond,
		outbox: make(chan write, outboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(d)
	}
	d.wg.Go(d.writeLoop)
	return d
}

// Play implements [playback.Device]. If ctx is cancelled while the chunk is
// being sent or is sounding, Play queues a clear so the browser drops its
// scheduled audio and returns ctx.Err() without waiting for the browser.
//
// Play is only called from the playback queue's consume loop.
func (d *Device) Play(ctx context.Context, samples []int16, sampleRate int) error {
	w := write{ctx: ctx, pcm: audio.SamplesToBytes(samples), done: make(chan error, 1)}
	select {
	case d.outbox <- w:
	case <-ctx.Done():
		d.clear()
		return ctx.Err()
	case <-d.ctx.Done():
		return ErrDeviceClosed
	}

	select {
	case err := <-w.done:
		if err != nil {
			if ctx.Err() != nil {
				d.clear()
				return ctx.Err()
			}
			return fmt.Errorf("bridge: play: %w", err)
		}
	case <-ctx.Done():
		d.clear()
		return ctx.Err()
	case <-d.ctx.Done():
		return ErrDeviceClosed
	}

	// The first lead worth of audio is sent ahead; after that the device
	// waits out each chunk in full.
	wait := audio.SamplesDuration(len(samples), sampleRate)
	if d.ahead < d.lead {
		credit := min(d.lead-d.ahead, wait)
		d.ahead += credit
		wait -= credit
	}
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		d.clear()
		return ctx.Err()
	}
}

// Reset forgets the lead already sent. Call it from the queue's idle
// callback, which runs on the same goroutine as Play.
func (d *Device) Reset() { d.ahead = 0 }

// Close stops the writer, abandoning queued writes, and waits for it to
// exit. Close is idempotent.
func (d *Device) Close() error {
	d.once.Do(d.cancel)
	d.wg.Wait()
	return nil
}

// clear queues a clear behind whatever is already headed for the browser.
// When the outbox is full the browser is not reading and the clear is
// dropped; the conn's write timeout ends the session soon after.
func (d *Device) clear() {
	d.ahead = 0
	select {
	case d.outbox <- write{clear: true}:
	default:
	}
}

func (d *Device) writeLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case w := <-d.outbox:
			if w.clear {
				_ = d.sink.SendClear(d.ctx)
				continue
			}
			if err := w.ctx.Err(); err != nil {
				w.done <- err
				continue
			}
			w.done <- d.sink.SendAudio(d.ctx, w.pcm)
		}
	}
}

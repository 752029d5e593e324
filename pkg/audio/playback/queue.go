// Package playback implements the ordered playback queue for assistant audio.
//
// A [Queue] accepts decoded assistant audio as [Chunk] values and plays them
// strictly in arrival order on a single [Device]. At most one chunk is ever
// in flight. [Queue.StopImmediately] cuts the in-flight chunk short and
// discards everything still pending; it returns only after the device has
// released the cut chunk, so nothing queued before the call can sound after
// it returns.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrClosed is reported for chunks enqueued after [Queue.Close].
var ErrClosed = errors.New("playback: queue closed")

// Chunk is one block of assistant audio tagged with its arrival order.
type Chunk struct {
	// Seq is the monotonically increasing arrival number assigned by the
	// producer. The queue reports it back through its callbacks.
	Seq uint64

	// PCM is little-endian signed 16-bit mono audio.
	PCM []byte

	// SampleRate in Hz.
	SampleRate int
}

// Device is an audio sink that plays one block of samples at a time.
//
// Play blocks until the samples finished sounding or ctx is cancelled,
// whichever happens first. On cancellation the device must silence the
// block and return promptly (typically with ctx.Err()).
type Device interface {
	Play(ctx context.Context, samples []int16, sampleRate int) error
}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithOnIdle registers fn to be called each time the queue drains. lastSeq is
// the sequence number of the last chunk that was dequeued. fn runs on the
// queue's goroutine and must not block.
func WithOnIdle(fn func(lastSeq uint64)) Option {
	return func(q *Queue) {
		q.onIdle = fn
	}
}

// WithOnChunkError registers fn to be called when a chunk could not be played,
// either because its PCM was malformed or because the device failed. Chunks
// cut short by [Queue.StopImmediately] are not reported.
func WithOnChunkError(fn func(seq uint64, err error)) Option {
	return func(q *Queue) {
		q.onChunkError = fn
	}
}

// WithOnPlayed registers fn to be called after a chunk finished sounding
// naturally.
func WithOnPlayed(fn func(seq uint64, d time.Duration)) Option {
	return func(q *Queue) {
		q.onPlayed = fn
	}
}

// WithOnStopped registers fn to be called by [Queue.StopImmediately] with the
// number of pending chunks it discarded and how long the in-flight chunk took
// to release the device.
func WithOnStopped(fn func(discarded int, latency time.Duration)) Option {
	return func(q *Queue) {
		q.onStopped = fn
	}
}

// WithLogger sets the logger used for per-chunk warnings.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.log = l
	}
}

// handle is the single-slot "currently playing" token.
type handle struct {
	seq    uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed once Device.Play returned
}

// Queue plays chunks in FIFO order on a [Device].
//
// All exported methods are safe for concurrent use.
type Queue struct {
	device       Device
	log          *slog.Logger
	onIdle       func(uint64)
	onChunkError func(uint64, error)
	onPlayed     func(uint64, time.Duration)
	onStopped    func(int, time.Duration)

	mu      sync.Mutex
	pending []Chunk
	current *handle
	lastSeq uint64
	active  bool // consume loop has work in hand
	closed  bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a [Queue] that plays on dev. The queue starts a background
// goroutine immediately; call [Queue.Close] to stop it.
func New(dev Device, opts ...Option) *Queue {
	q := &Queue{
		device: dev,
		log:    slog.Default(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.wg.Add(1)
	go q.dispatch()
	return q
}

// Enqueue appends c to the queue and wakes the consume loop if it is idle.
func (q *Queue) Enqueue(c Chunk) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.reportChunkError(c.Seq, ErrClosed)
		return
	}
	q.pending = append(q.pending, c)
	q.active = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// StopImmediately cancels the chunk currently sounding, discards every
// pending chunk and returns once the device has released the cancelled
// chunk. Calling it on an idle queue is a no-op.
//
// StopImmediately never waits on the queue's callbacks, so it is safe to
// call from the goroutine that receives them.
func (q *Queue) StopImmediately() {
	start := time.Now()

	q.mu.Lock()
	discarded := len(q.pending)
	q.pending = nil
	h := q.current
	q.mu.Unlock()

	if h == nil && discarded == 0 {
		return
	}
	if h != nil {
		h.cancel()
		<-h.done
	}
	if q.onStopped != nil {
		q.onStopped(discarded, time.Since(start))
	}
}

// Playing reports whether a chunk is sounding or waiting to sound.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil || len(q.pending) > 0
}

// Pending returns the number of chunks queued behind the one in flight.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops playback, discards pending chunks and waits for the background
// goroutine to exit. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.StopImmediately()
	close(q.done)
	q.wg.Wait()
	return nil
}

func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			c, h, ok, drained := q.dequeue()
			if !ok {
				if drained != nil && q.onIdle != nil {
					q.onIdle(*drained)
				}
				break
			}
			q.play(c, h)
		}
	}
}

// dequeue pops the oldest pending chunk and installs a fresh handle for it.
// When nothing is pending it marks the loop inactive; drained then carries the
// last dequeued sequence number if the loop had work since the previous drain.
func (q *Queue) dequeue() (c Chunk, h *handle, ok bool, drained *uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 || q.closed {
		if q.active {
			q.active = false
			last := q.lastSeq
			drained = &last
		}
		return Chunk{}, nil, false, drained
	}
	c = q.pending[0]
	q.pending[0] = Chunk{}
	q.pending = q.pending[1:]

	ctx, cancel := context.WithCancel(context.Background())
	h = &handle{seq: c.Seq, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	q.current = h
	q.lastSeq = c.Seq
	return c, h, true, nil
}

// play decodes c and hands it to the device under h. The handle is released
// before any callback runs.
func (q *Queue) play(c Chunk, h *handle) {
	var played time.Duration
	samples, err := audio.BytesToSamples(c.PCM)
	if err == nil && h.ctx.Err() == nil {
		start := time.Now()
		err = q.device.Play(h.ctx, samples, c.SampleRate)
		played = time.Since(start)
	}
	cancelled := h.ctx.Err() != nil

	q.mu.Lock()
	if q.current == h {
		q.current = nil
	}
	q.mu.Unlock()
	h.cancel()
	close(h.done)

	switch {
	case err == nil && cancelled:
		q.log.Debug("playback: chunk cut short", "seq", c.Seq)
	case err == nil:
		if q.onPlayed != nil {
			q.onPlayed(c.Seq, played)
		}
	case errors.Is(err, audio.ErrOddLength):
		q.log.Warn("playback: dropping malformed chunk", "seq", c.Seq, "bytes", len(c.PCM))
		q.reportChunkError(c.Seq, err)
	case cancelled && errors.Is(err, context.Canceled):
		q.log.Debug("playback: chunk cut short", "seq", c.Seq)
	default:
		q.log.Warn("playback: device failed, skipping chunk", "seq", c.Seq, "err", err)
		q.reportChunkError(c.Seq, err)
	}
}

func (q *Queue) reportChunkError(seq uint64, err error) {
	if q.onChunkError != nil {
		q.onChunkError(seq, err)
	}
}

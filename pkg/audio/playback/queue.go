// Package playback schedules received speech chunks onto an output device.
//
// A [Queue] plays chunks strictly in arrival order, one at a time. A
// barge-in stops the active chunk and discards the backlog so the user can
// take the floor.
//
// A Queue is not safe for concurrent use. It is owned by a single event loop:
// every method must be called from that loop, and completion notifications
// are delivered back onto it through the executor passed to [New].
package playback

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxlink/pkg/audio"
)

const (
	// DefaultSampleRate is the rate received chunks are played at.
	DefaultSampleRate = 24000

	// DefaultGain is the output gain applied to every chunk.
	DefaultGain float32 = 0.8
)

// InterruptReason identifies why playback was cut short.
type InterruptReason int

const (
	// BargeIn indicates the user started speaking over the model.
	BargeIn InterruptReason = iota

	// Flush indicates the session stopped or tore down.
	Flush
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case BargeIn:
		return "BARGE_IN"
	case Flush:
		return "FLUSH"
	default:
		return "UNKNOWN"
	}
}

// DeviceError reports that the output device refused or failed a playback.
// It is never fatal to the queue: the chunk is dropped and the next one plays.
type DeviceError struct {
	Chunk uint64
	Err   error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("playback: device error on chunk %d: %v", e.Chunk, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// EventKind classifies queue events reported to an [Observer].
type EventKind int

const (
	// Started: a chunk began playing.
	Started EventKind = iota
	// Completed: the active chunk finished naturally.
	Completed
	// Skipped: a chunk could not be decoded and was dropped.
	Skipped
	// Failed: the output device failed to start or finish a chunk.
	Failed
	// Interrupted: the active chunk was stopped by BargeIn or Flush.
	Interrupted
	// Discarded: a queued chunk was dropped by BargeIn or Flush.
	Discarded
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Completed:
		return "completed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Interrupted:
		return "interrupted"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Event describes one state change of the queue.
type Event struct {
	Kind  EventKind
	Chunk audio.Chunk

	// Reason is set for Interrupted and Discarded events.
	Reason InterruptReason

	// Err is set for Skipped and Failed events.
	Err error
}

// Observer receives queue events synchronously on the owning loop.
type Observer func(Event)

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithSampleRate sets the rate chunks are handed to the sink at.
func WithSampleRate(rate int) Option {
	return func(q *Queue) {
		if rate > 0 {
			q.rate = rate
		}
	}
}

// WithGain sets the output gain.
func WithGain(g float32) Option {
	return func(q *Queue) {
		if g > 0 {
			q.gain = g
		}
	}
}

// WithObserver registers fn to receive queue events.
func WithObserver(fn Observer) Option {
	return func(q *Queue) { q.observer = fn }
}

type active struct {
	chunk    audio.Chunk
	playback audio.Playback
	seq      uint64
}

// Queue is a FIFO playback scheduler with at most one active chunk.
// playing is true exactly when active is non-nil.
type Queue struct {
	sink     audio.Sink
	exec     func(func()) bool
	rate     int
	gain     float32
	observer Observer

	pending []audio.Chunk
	active  *active
	seq     uint64 // playback generation; stale completions carry an older value
}

// New creates a Queue that plays through sink. exec must schedule a function
// onto the loop that owns the queue (for example [loop.Loop.Post]); it is
// called from watcher goroutines when a playback finishes.
func New(sink audio.Sink, exec func(func()) bool, opts ...Option) *Queue {
	q := &Queue{
		sink: sink,
		exec: exec,
		rate: DefaultSampleRate,
		gain: DefaultGain,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends c to the queue and starts playback when idle. Chunks that
// cannot hold whole int16 samples are rejected with [audio.ErrInvalidChunk]
// and never queued.
func (q *Queue) Enqueue(c audio.Chunk) error {
	if len(c.Data) == 0 || len(c.Data)%2 != 0 {
		return fmt.Errorf("playback: enqueue chunk %d (%d bytes): %w", c.Seq, len(c.Data), audio.ErrInvalidChunk)
	}
	if c.SampleRate == 0 {
		c.SampleRate = q.rate
	}
	q.pending = append(q.pending, c)
	if q.active == nil {
		q.playNext()
	}
	return nil
}

// playNext starts the head of the queue. Chunks that fail to decode or start
// are reported and skipped until one plays or the queue is empty.
func (q *Queue) playNext() {
	for q.active == nil && len(q.pending) > 0 {
		c := q.pending[0]
		q.pending[0] = audio.Chunk{}
		q.pending = q.pending[1:]

		samples, err := audio.DecodePCM16(c.Data)
		if err != nil {
			slog.Warn("playback: skipping undecodable chunk", "chunk", c.Seq, "err", err)
			q.emit(Event{Kind: Skipped, Chunk: c, Err: err})
			continue
		}

		pb, err := q.sink.Play(samples, q.rate, q.gain)
		if err != nil {
			derr := &DeviceError{Chunk: c.Seq, Err: err}
			slog.Warn("playback: output device refused chunk", "chunk", c.Seq, "err", err)
			q.emit(Event{Kind: Failed, Chunk: c, Err: derr})
			continue
		}

		q.seq++
		q.active = &active{chunk: c, playback: pb, seq: q.seq}
		slog.Debug("playback: chunk started", "chunk", c.Seq, "duration", c.Duration(), "queued", len(q.pending))
		q.emit(Event{Kind: Started, Chunk: c})
		go q.await(pb, q.seq)
	}
}

// await runs off-loop and reports the completion of one playback.
func (q *Queue) await(pb audio.Playback, seq uint64) {
	<-pb.Done()
	q.exec(func() { q.complete(seq, pb.Err()) })
}

// complete handles a playback completion on the owning loop.
func (q *Queue) complete(seq uint64, err error) {
	if q.active == nil || q.active.seq != seq {
		// Stopped by BargeIn or Flush before it finished.
		return
	}
	c := q.active.chunk
	q.active = nil

	if err != nil {
		derr := &DeviceError{Chunk: c.Seq, Err: err}
		slog.Warn("playback: output device failed mid-chunk", "chunk", c.Seq, "err", err)
		q.emit(Event{Kind: Failed, Chunk: c, Err: derr})
	} else {
		q.emit(Event{Kind: Completed, Chunk: c})
	}
	q.playNext()
}

// BargeIn stops the active chunk and discards every queued chunk. It returns
// the number of chunks dropped, including the interrupted one.
func (q *Queue) BargeIn() int { return q.interrupt(BargeIn) }

// Flush empties the queue like [Queue.BargeIn] but is reported with the
// [Flush] reason. Used on stop and teardown.
func (q *Queue) Flush() int { return q.interrupt(Flush) }

func (q *Queue) interrupt(reason InterruptReason) int {
	n := 0
	if a := q.active; a != nil {
		q.active = nil
		a.playback.Stop()
		q.emit(Event{Kind: Interrupted, Chunk: a.chunk, Reason: reason})
		n++
	}
	for _, c := range q.pending {
		q.emit(Event{Kind: Discarded, Chunk: c, Reason: reason})
		n++
	}
	clear(q.pending)
	q.pending = q.pending[:0]
	return n
}

// Playing reports whether a chunk is currently playing.
func (q *Queue) Playing() bool { return q.active != nil }

// Active returns the chunk currently playing.
func (q *Queue) Active() (audio.Chunk, bool) {
	if q.active == nil {
		return audio.Chunk{}, false
	}
	return q.active.chunk, true
}

// Len returns the number of chunks waiting behind the active one.
func (q *Queue) Len() int { return len(q.pending) }

func (q *Queue) emit(ev Event) {
	if q.observer != nil {
		q.observer(ev)
	}
}

// IsDeviceError reports whether err wraps a [DeviceError].
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// Package loop provides a serial executor: a single goroutine that runs posted
// closures one at a time in FIFO order.
//
// Components that share mutable state (the session, its connection and its
// playback queue) post every event to one Loop instead of guarding that state
// with locks. A closure running on the loop must never call [Loop.Do] on the
// same loop; it would wait for itself.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when work is submitted to a loop that has shut down.
var ErrClosed = errors.New("loop: closed")

// DefaultBuffer is the event queue depth used when New is given a
// non-positive size.
const DefaultBuffer = 256

// Loop executes posted functions sequentially on one goroutine.
// All exported methods are safe for concurrent use.
type Loop struct {
	events chan func()
	done   chan struct{}
	once   sync.Once

	runMu   sync.Mutex
	running bool
}

// New creates a Loop whose queue holds up to buffer pending events. The loop
// does not process anything until [Loop.Run] is called.
func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Loop{
		events: make(chan func(), buffer),
		done:   make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled or [Loop.Close] is called.
// It returns nil on Close and ctx.Err() on cancellation. Run may be called at
// most once.
func (l *Loop) Run(ctx context.Context) error {
	l.runMu.Lock()
	if l.running {
		l.runMu.Unlock()
		return errors.New("loop: already running")
	}
	l.running = true
	l.runMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.events:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop: event panicked", "panic", r)
		}
	}()
	fn()
}

// Post enqueues fn, blocking while the queue is full. It returns false if the
// loop has been closed, in which case fn will never run.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	case <-l.done:
		return false
	}
}

// PostContext is like [Loop.Post] but also gives up when ctx is done. Event
// producers that must be stoppable while the loop is busy (capture readers,
// playback watchers) use it so they never wedge against a full queue.
func (l *Loop) PostContext(ctx context.Context, fn func()) bool {
	select {
	case <-l.done:
		return false
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	case <-l.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Do runs fn on the loop and waits for it to return. It fails with ErrClosed
// if the loop shuts down first, or with ctx.Err() if ctx ends before fn has
// been scheduled or completed.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.PostContext(ctx, func() {
		defer close(finished)
		fn()
	}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// fn may still have run if Close raced with completion.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop. Pending events are dropped. Close is idempotent.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.done) })
}

// Done is closed once the loop has been closed.
func (l *Loop) Done() <-chan struct{} { return l.done }

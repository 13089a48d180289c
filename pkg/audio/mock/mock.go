// Package mock provides in-memory implementations of the [audio.Source],
// [audio.CaptureStream], [audio.Sink] and [audio.Playback] interfaces for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream()
//	src := &mock.Source{Stream: stream}
//	sink := &mock.Sink{}
//	stream.Push(samples) // delivered by the next Read
//	pb := sink.Last()    // most recent Play
//	pb.Finish(nil)       // simulate natural completion
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Source        = (*Source)(nil)
	_ audio.CaptureStream = (*Stream)(nil)
	_ audio.Sink          = (*Sink)(nil)
	_ audio.Playback      = (*Playback)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// OpenCaptureCall records the arguments of a single [Source.OpenCapture] invocation.
type OpenCaptureCall struct {
	Format    audio.Format
	FrameSize int
}

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// Stream is returned by OpenCapture. A fresh [Stream] is created when nil.
	Stream *Stream

	// OpenError is returned by OpenCapture instead of a stream when non-nil.
	OpenError error

	// OpenCalls records all OpenCapture invocations.
	OpenCalls []OpenCaptureCall
}

// OpenCapture implements [audio.Source].
func (s *Source) OpenCapture(format audio.Format, frameSize int) (audio.CaptureStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCaptureCall{Format: format, FrameSize: frameSize})
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	if s.Stream == nil {
		s.Stream = NewStream()
	}
	return s.Stream, nil
}

// CallCountOpen returns the number of OpenCapture invocations.
func (s *Source) CallCountOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [audio.CaptureStream]. Pushed sample blocks are returned by
// Read in order; when nothing is pending Read returns silence after Interval,
// pacing reads the way a hardware device does.
type Stream struct {
	// Interval paces silent reads. Defaults to 2ms when zero.
	Interval time.Duration

	pending chan []float32

	mu        sync.Mutex
	readErr   error
	reads     int
	closeCall int
}

// NewStream returns a Stream with room for 64 pending sample blocks.
func NewStream() *Stream {
	return &Stream{pending: make(chan []float32, 64)}
}

// Push queues samples for a subsequent Read.
func (s *Stream) Push(samples []float32) {
	s.pending <- samples
}

// SetReadError makes every subsequent Read fail with err.
func (s *Stream) SetReadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// Read implements [audio.CaptureStream].
func (s *Stream) Read(dst []float32) error {
	s.mu.Lock()
	s.reads++
	err := s.readErr
	interval := s.Interval
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = 2 * time.Millisecond
	}

	select {
	case samples := <-s.pending:
		n := copy(dst, samples)
		clear(dst[n:])
	case <-time.After(interval):
		clear(dst)
	}
	return nil
}

// Close implements [audio.CaptureStream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCall++
	return nil
}

// CallCountRead returns the number of Read invocations.
func (s *Stream) CallCountRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// CallCountClose returns the number of Close invocations.
func (s *Stream) CallCountClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCall
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Sink.Play] invocation.
type PlayCall struct {
	Samples    []float32
	SampleRate int
	Gain       float32
}

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// PlayError is returned by Play instead of a playback when non-nil.
	PlayError error

	// AutoComplete finishes every playback as soon as it starts.
	AutoComplete bool

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall

	playbacks []*Playback
	closed    int
}

// Play implements [audio.Sink].
func (s *Sink) Play(samples []float32, sampleRate int, gain float32) (audio.Playback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	s.PlayCalls = append(s.PlayCalls, PlayCall{Samples: cp, SampleRate: sampleRate, Gain: gain})
	if s.PlayError != nil {
		return nil, s.PlayError
	}
	pb := NewPlayback()
	s.playbacks = append(s.playbacks, pb)
	if s.AutoComplete {
		pb.Finish(nil)
	}
	return pb, nil
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Playbacks returns every playback started so far, oldest first.
func (s *Sink) Playbacks() []*Playback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Playback, len(s.playbacks))
	copy(out, s.playbacks)
	return out
}

// Last returns the most recently started playback, or nil.
func (s *Sink) Last() *Playback {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.playbacks) == 0 {
		return nil
	}
	return s.playbacks[len(s.playbacks)-1]
}

// CallCountPlay returns the number of Play invocations.
func (s *Sink) CallCountPlay() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.PlayCalls)
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Playback is a mock [audio.Playback] completed explicitly by the test via
// [Playback.Finish] or by [Playback.Stop].
type Playback struct {
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	err     error
	stops   int
	stopped bool
}

// NewPlayback returns an unfinished Playback.
func NewPlayback() *Playback {
	return &Playback{done: make(chan struct{})}
}

// Done implements [audio.Playback].
func (p *Playback) Done() <-chan struct{} { return p.done }

// Err implements [audio.Playback].
func (p *Playback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop implements [audio.Playback].
func (p *Playback) Stop() {
	p.mu.Lock()
	p.stops++
	p.stopped = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

// Finish completes the playback with err (nil for natural completion).
func (p *Playback) Finish(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Stopped reports whether Stop was called.
func (p *Playback) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// CallCountStop returns the number of Stop invocations.
func (p *Playback) CallCountStop() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

// CallCountClose returns the number of [Sink.Close] invocations.
func (s *Sink) CallCountClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

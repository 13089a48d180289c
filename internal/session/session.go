// Package session orchestrates one voice conversation: it owns the capture
// pipeline, the duplex connection to the service, the playback queue and the
// transcript, and moves the session through its lifecycle.
//
// All session state lives on a single event loop. Exported methods are safe
// for concurrent use; they schedule work on the loop and wait for it. Device
// readers, connection I/O and playback watchers never touch state directly,
// they post events back to the loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxlink/internal/duplex"
	"github.com/MrWong99/voxlink/internal/loop"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/transcript"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/capture"
	"github.com/MrWong99/voxlink/pkg/audio/playback"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultBargeInThreshold = 0.04

	maxNotices = 100
)

// DefaultLanguages is the language set used when [Config.Languages] is empty.
var DefaultLanguages = []Language{
	{Code: "en-US", Name: "English"},
	{Code: "th-TH", Name: "Thai"},
	{Code: "id-ID", Name: "Indonesian"},
}

// Config holds the settings for a [Session].
type Config struct {
	// Languages is the selectable language set.
	Languages []Language

	// Language is the initially selected language. Default: first entry of
	// Languages.
	Language string

	// Connection configures every duplex connection the session opens.
	Connection duplex.Config

	// InputSampleRate is the rate of outbound PCM. Default: 16000.
	InputSampleRate int

	// DeviceSampleRate is the rate the microphone is opened at. Frames are
	// resampled to InputSampleRate before encoding. Default: InputSampleRate.
	DeviceSampleRate int

	// FrameSize is the number of samples per captured frame. Default: 4096.
	FrameSize int

	// OutputSampleRate is the rate of inbound PCM. Default: 24000.
	OutputSampleRate int

	// OutputGain scales playback volume. Default: 0.8.
	OutputGain float32

	// BargeInThreshold is the peak amplitude above which speech interrupts
	// playback. Default: 0.04.
	BargeInThreshold float32

	// TranscriptLimit caps retained transcript entries. Zero keeps all.
	TranscriptLimit int

	// Metrics receives session metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (c Config) withDefaults() Config {
	if len(c.Languages) == 0 {
		c.Languages = DefaultLanguages
	}
	if c.Language == "" {
		c.Language = c.Languages[0].Code
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = capture.DefaultSampleRate
	}
	if c.DeviceSampleRate <= 0 {
		c.DeviceSampleRate = c.InputSampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = capture.DefaultFrameSize
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = playback.DefaultSampleRate
	}
	if c.OutputGain <= 0 {
		c.OutputGain = playback.DefaultGain
	}
	if c.BargeInThreshold <= 0 {
		c.BargeInThreshold = DefaultBargeInThreshold
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Connection.Metrics == nil {
		c.Connection.Metrics = c.Metrics
	}
	return c
}

// Option configures a [Session].
type Option func(*Session)

// WithClock replaces the time source used for notices, transcript entries and
// outbound timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is one voice conversation with the service.
type Session struct {
	id      string
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
	loop    *loop.Loop
	ctx     context.Context

	// Owned by the loop.
	state      State
	language   string
	conn       *duplex.Conn
	retiring   *duplex.Conn
	linked     bool // a connection for language is wanted
	draining   map[*duplex.Conn]struct{}
	drained    chan struct{}
	capture    *capture.Pipeline
	captureGen uint64
	encoder    audio.Encoder
	queue      *playback.Queue
	transcript *transcript.Reconciler
	chunkSeq   uint64
	framesSent uint64
	chunks     uint64
	bargeIns   uint64
	lastErr    error
	notices    []Notice
}

// New creates an idle session that captures from src and plays through sink.
// The session does nothing until [Session.Run] is started.
func New(cfg Config, src audio.Source, sink audio.Sink, opts ...Option) (*Session, error) {
	cfg = cfg.withDefaults()
	if !supported(cfg.Languages, cfg.Language) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, cfg.Language)
	}
	if cfg.Connection.URL == "" {
		return nil, errors.New("session: connection url is required")
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		cfg:      cfg,
		log:      slog.With("session", id),
		metrics:  cfg.Metrics,
		now:      time.Now,
		loop:     loop.New(loop.DefaultBuffer),
		ctx:      context.Background(),
		language: cfg.Language,
		draining: make(map[*duplex.Conn]struct{}),
		capture:  capture.New(src),
		encoder:  audio.Encoder{DstRate: cfg.InputSampleRate},
	}
	for _, o := range opts {
		o(s)
	}
	s.transcript = transcript.NewReconciler(
		transcript.WithClock(s.now),
		transcript.WithLimit(cfg.TranscriptLimit),
	)
	s.queue = playback.New(sink, s.loop.Post,
		playback.WithSampleRate(cfg.OutputSampleRate),
		playback.WithGain(cfg.OutputGain),
		playback.WithObserver(s.onPlayback),
	)
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Languages returns the selectable language set.
func (s *Session) Languages() []Language { return slices.Clone(s.cfg.Languages) }

// Run processes session events until ctx is cancelled or [Session.Shutdown]
// completes. Call [Session.Shutdown] before cancelling ctx to release devices
// and close the connection gracefully.
func (s *Session) Run(ctx context.Context) error {
	err := s.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Connect opens the connection for the selected language without touching the
// microphone, so text messages and replies work before or without [Session.Start].
// It is a no-op while a connection exists or is being replaced.
func (s *Session) Connect(ctx context.Context) error {
	return s.do(ctx, s.ensureConnection)
}

// Start begins listening: it acquires the microphone and connects for the
// selected language. Starting a listening session is a no-op; a paused
// session with an open connection resumes immediately.
func (s *Session) Start(ctx context.Context) error {
	return s.do(ctx, s.start)
}

// Pause stops transmitting microphone audio without releasing the device or
// the connection.
func (s *Session) Pause(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.pause()
		return nil
	})
}

// Stop releases the microphone, closes the connection and discards pending
// playback. Stop is idempotent.
func (s *Session) Stop(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.stop(duplex.ReasonStop)
		return nil
	})
}

// ChangeLanguage selects code as the conversation language and makes sure a
// connection for it is open or opening. A live connection for another
// language is closed and replaced once it has finished closing.
func (s *Session) ChangeLanguage(ctx context.Context, code string) error {
	return s.do(ctx, func() error { return s.changeLanguage(code) })
}

// SendText sends a free-text message over the open connection and records it
// in the transcript. It returns the message id.
func (s *Session) SendText(ctx context.Context, text string) (string, error) {
	var id string
	err := s.do(ctx, func() error {
		var err error
		id, err = s.sendText(text)
		return err
	})
	return id, err
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() error {
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

// Shutdown stops the session with a teardown close reason and waits until
// every connection it opened has finished closing, then stops the loop.
func (s *Session) Shutdown(ctx context.Context) error {
	var drained <-chan struct{}
	err := s.loop.Do(ctx, func() {
		s.stop(duplex.ReasonTeardown)
		drained = s.awaitDrain()
	})
	if errors.Is(err, loop.ErrClosed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: shutdown: %w", err)
	}

	defer s.loop.Close()
	select {
	case <-drained:
		return nil
	case <-s.loop.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}

// do runs fn on the loop and returns its error.
func (s *Session) do(ctx context.Context, fn func() error) error {
	var err error
	if lerr := s.loop.Do(ctx, func() { err = fn() }); lerr != nil {
		return lerr
	}
	return err
}

func supported(langs []Language, code string) bool {
	return slices.ContainsFunc(langs, func(l Language) bool { return l.Code == code })
}

// emitNotice appends a user-facing notice, dropping the oldest beyond
// maxNotices.
func (s *Session) emitNotice(kind NoticeKind, msg string) {
	s.notices = append(s.notices, Notice{At: s.now().UTC(), Kind: kind, Message: msg})
	if over := len(s.notices) - maxNotices; over > 0 {
		s.notices = slices.Delete(s.notices, 0, over)
	}
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.log.Info("session: state changed", "from", s.state.String(), "to", next.String(), "language", s.language)
	s.state = next
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:         s.id,
		State:      s.state,
		Language:   s.language,
		Switching:  s.retiring != nil,
		Playing:    s.queue.Playing(),
		Queued:     s.queue.Len(),
		FramesSent: s.framesSent,
		Chunks:     s.chunks,
		BargeIns:   s.bargeIns,
		Notices:    slices.Clone(s.notices),
		Transcript: s.transcript.Entries(),
	}
	if s.conn != nil {
		snap.Connection = &ConnectionInfo{
			ID:       s.conn.ID(),
			Language: s.conn.Language(),
			State:    s.conn.State().String(),
		}
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	if snap.Notices == nil {
		snap.Notices = []Notice{}
	}
	return snap
}

// Package capture turns an exclusive microphone stream into a sequence of
// fixed-size [audio.Frame] values.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

const (
	// DefaultSampleRate is the wire input rate.
	DefaultSampleRate = 16000

	// DefaultFrameSize is the number of samples per delivered frame.
	DefaultFrameSize = 4096
)

// ErrRunning is returned by Start when the pipeline already holds the device.
var ErrRunning = errors.New("capture: already running")

// Error reports that the input device could not be acquired or failed while
// streaming. It is fatal to the session that owns the pipeline.
type Error struct {
	Op  string // "open" or "read"
	Err error
}

func (e *Error) Error() string {
	switch e.Op {
	case "open":
		return fmt.Sprintf("capture: microphone unavailable: %v", e.Err)
	default:
		return fmt.Sprintf("capture: microphone %s failed: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Config describes the stream requested from the device.
type Config struct {
	SampleRate int
	Channels   int
	FrameSize  int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	return c
}

// FrameFunc receives each captured frame on the reader goroutine. ctx is
// cancelled when the pipeline stops; handlers that hand the frame to another
// goroutine must give up when it is done, and must drop frames that were
// handed off before Stop but are processed after it.
type FrameFunc func(ctx context.Context, f audio.Frame)

// ErrorFunc is called at most once per run when the device fails mid-stream.
// ctx has the same meaning as for [FrameFunc].
type ErrorFunc func(ctx context.Context, err error)

// Pipeline owns one capture stream at a time.
// All exported methods are safe for concurrent use.
type Pipeline struct {
	src audio.Source

	mu      sync.Mutex
	stream  audio.CaptureStream
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	format  audio.Format
}

// New returns an idle pipeline reading from src.
func New(src audio.Source) *Pipeline {
	return &Pipeline{src: src}
}

// Start acquires the input device and begins delivering frames to onFrame
// from a dedicated goroutine, one every FrameSize/SampleRate seconds.
// Acquisition failures are returned as *[Error].
func (p *Pipeline) Start(cfg Config, onFrame FrameFunc, onError ErrorFunc) error {
	cfg = cfg.withDefaults()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunning
	}

	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	stream, err := p.src.OpenCapture(format, cfg.FrameSize)
	if err != nil {
		return &Error{Op: "open", Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.stream = stream
	p.cancel = cancel
	p.running = true
	p.format = format

	slog.Info("capture: started", "format", format.String(), "frameSize", cfg.FrameSize)

	p.wg.Add(1)
	go p.read(ctx, stream, cfg, onFrame, onError)
	return nil
}

func (p *Pipeline) read(ctx context.Context, stream audio.CaptureStream, cfg Config, onFrame FrameFunc, onError ErrorFunc) {
	defer p.wg.Done()

	buf := make([]float32, cfg.FrameSize*cfg.Channels)
	start := time.Now()
	var seq uint64

	for {
		if err := stream.Read(buf); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("capture: read failed", "err", err)
			if onError != nil {
				onError(ctx, &Error{Op: "read", Err: err})
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		samples := make([]float32, len(buf))
		copy(samples, buf)
		seq++
		onFrame(ctx, audio.Frame{
			Samples:    audio.Downmix(samples, cfg.Channels),
			SampleRate: cfg.SampleRate,
			Seq:        seq,
			Timestamp:  time.Since(start),
		})
	}
}

// Stop releases the device. Once Stop returns no further frames are
// delivered. Stop is idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.cancel()
	// The reader finishes its current Read (at most one frame period) and
	// exits before the stream is closed underneath it.
	p.wg.Wait()

	if err := p.stream.Close(); err != nil {
		slog.Warn("capture: closing stream", "err", err)
	}
	p.stream = nil
	slog.Info("capture: stopped", "format", p.format.String())
}

// Running reports whether the pipeline currently holds the device.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Source opens blocking input streams. It implements [audio.Source].
type Source struct {
	device string
}

var _ audio.Source = (*Source)(nil)

// OpenCapture opens and starts an input stream with frameSize frames per read.
func (s *Source) OpenCapture(format audio.Format, frameSize int) (audio.CaptureStream, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("portaudio: invalid capture format %s, frame size %d", format, frameSize)
	}
	dev, err := resolve(s.device, input)
	if err != nil {
		return nil, err
	}
	if dev.MaxInputChannels < format.Channels {
		return nil, fmt.Errorf("portaudio: %q supports %d input channels, need %d",
			dev.Name, dev.MaxInputChannels, format.Channels)
	}

	buf := make([]float32, frameSize*format.Channels)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: format.Channels,
			Latency:  dev.DefaultHighInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: frameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input %q: %w", dev.Name, err)
	}

	slog.Info("portaudio: capture opened", "device", dev.Name, "format", format.String(), "frame_size", frameSize)
	return &captureStream{stream: stream, buf: buf}, nil
}

// inputStream is the part of *portaudio.Stream a capture stream uses.
type inputStream interface {
	Read() error
	Stop() error
	Close() error
}

type captureStream struct {
	stream inputStream
	buf    []float32

	closeOnce sync.Once
	closeErr  error

	overflows int
	lastWarn  time.Time
}

// Read fills dst with the next block. dst must hold exactly one block.
func (c *captureStream) Read(dst []float32) error {
	if len(dst) != len(c.buf) {
		return fmt.Errorf("portaudio: read buffer holds %d samples, stream delivers %d", len(dst), len(c.buf))
	}
	if err := c.stream.Read(); err != nil {
		if !errors.Is(err, portaudio.InputOverflowed) {
			return fmt.Errorf("portaudio: read: %w", err)
		}
		// The block is still valid; earlier samples were lost.
		c.overflows++
		if time.Since(c.lastWarn) > time.Second {
			slog.Warn("portaudio: input overflowed", "count", c.overflows)
			c.lastWarn = time.Now()
		}
	}
	copy(dst, c.buf)
	return nil
}

// Close stops the stream and releases the device.
func (c *captureStream) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.stream.Stop(), c.stream.Close())
	})
	return c.closeErr
}

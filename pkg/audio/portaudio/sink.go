package portaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// outputBlock is the number of frames written per blocking Write.
const outputBlock = 1024

// Sink plays buffers on an output device, one stream per buffer. It
// implements [audio.Sink].
type Sink struct {
	device string

	mu     sync.Mutex
	active map[*playback]struct{}
	closed bool
}

var _ audio.Sink = (*Sink)(nil)

// Play opens an output stream at sampleRate and writes samples scaled by gain
// from a background goroutine.
func (s *Sink) Play(samples []float32, sampleRate int, gain float32) (audio.Playback, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.New("portaudio: sink closed")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: invalid sample rate %d", sampleRate)
	}

	dev, err := resolve(s.device, output)
	if err != nil {
		return nil, err
	}
	buf := make([]float32, outputBlock)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: outputBlock,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start output %q: %w", dev.Name, err)
	}

	pb := newPlayback()
	s.track(pb)
	go func() {
		defer s.untrack(pb)
		pb.run(stream, buf, audio.Gain(samples, gain))
	}()
	return pb, nil
}

// Close stops every active playback and refuses new ones.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	active := make([]*playback, 0, len(s.active))
	for pb := range s.active {
		active = append(active, pb)
	}
	s.mu.Unlock()

	for _, pb := range active {
		pb.Stop()
		<-pb.Done()
	}
	return nil
}

func (s *Sink) track(pb *playback) {
	s.mu.Lock()
	s.active[pb] = struct{}{}
	s.mu.Unlock()
}

func (s *Sink) untrack(pb *playback) {
	s.mu.Lock()
	delete(s.active, pb)
	s.mu.Unlock()
}

// outputStream is the part of *portaudio.Stream a playback uses.
type outputStream interface {
	Write() error
	Stop() error
	Abort() error
	Close() error
}

type playback struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

func newPlayback() *playback {
	return &playback{stop: make(chan struct{}), done: make(chan struct{})}
}

func (p *playback) Done() <-chan struct{} { return p.done }

func (p *playback) Stop() { p.stopOnce.Do(func() { close(p.stop) }) }

func (p *playback) Err() error {
	<-p.done
	return p.err
}

// run writes samples through buf one block at a time. The final block is
// zero-padded. A stop request aborts the stream without draining it.
func (p *playback) run(stream outputStream, buf, samples []float32) {
	defer close(p.done)

	stopped := false
	var err error
	for off := 0; off < len(samples); off += len(buf) {
		select {
		case <-p.stop:
			stopped = true
		default:
		}
		if stopped {
			break
		}
		n := copy(buf, samples[off:])
		clear(buf[n:])
		if werr := stream.Write(); werr != nil && !errors.Is(werr, portaudio.OutputUnderflowed) {
			err = fmt.Errorf("portaudio: write: %w", werr)
			break
		}
	}

	var end error
	if stopped || err != nil {
		end = stream.Abort()
	} else {
		end = stream.Stop()
	}
	if cerr := stream.Close(); end == nil {
		end = cerr
	}
	if err == nil && !stopped && end != nil {
		err = fmt.Errorf("portaudio: finish: %w", end)
	}
	p.err = err
}

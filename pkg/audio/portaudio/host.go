// Package portaudio implements [audio.Source] and [audio.Sink] on top of the
// PortAudio host library using blocking-mode streams.
//
// A [Host] must be opened before any stream and closed after the last one.
// Devices are selected by name; an empty name selects the host default.
package portaudio

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// ErrNoDevice is returned when no device matches the requested name or the
// host has no default device for the direction.
var ErrNoDevice = errors.New("portaudio: no matching device")

// Device describes one PortAudio device.
type Device struct {
	Index             int
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	DefaultInput      bool
	DefaultOutput     bool
}

// Host owns the PortAudio library lifetime.
type Host struct {
	mu     sync.Mutex
	closed bool
}

// Open initialises PortAudio.
func Open() (*Host, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Host{}, nil
}

// Close terminates PortAudio. Streams must be closed first. Calling Close more
// than once is a no-op.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// Devices lists every device the host reports.
func (h *Host) Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	var defIn, defOut string
	if d, err := portaudio.DefaultInputDevice(); err == nil {
		defIn = d.Name
	}
	if d, err := portaudio.DefaultOutputDevice(); err == nil {
		defOut = d.Name
	}

	out := make([]Device, 0, len(infos))
	for _, info := range infos {
		d := Device{
			Index:             info.Index,
			Name:              info.Name,
			MaxInputChannels:  info.MaxInputChannels,
			MaxOutputChannels: info.MaxOutputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			DefaultInput:      info.Name == defIn,
			DefaultOutput:     info.Name == defOut,
		}
		if info.HostApi != nil {
			d.HostAPI = info.HostApi.Name
		}
		out = append(out, d)
	}
	return out, nil
}

// Source returns a capture source on the named input device.
func (h *Host) Source(device string) *Source { return &Source{device: device} }

// Sink returns a playback sink on the named output device.
func (h *Host) Sink(device string) *Sink {
	return &Sink{device: device, active: make(map[*playback]struct{})}
}

// direction selects input or output when resolving a device.
type direction int

const (
	input direction = iota
	output
)

func (d direction) String() string {
	if d == input {
		return "input"
	}
	return "output"
}

// resolve finds the device named name, or the default for dir when name is
// empty.
func resolve(name string, dir direction) (*portaudio.DeviceInfo, error) {
	if name == "" {
		var (
			info *portaudio.DeviceInfo
			err  error
		)
		if dir == input {
			info, err = portaudio.DefaultInputDevice()
		} else {
			info, err = portaudio.DefaultOutputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("%w: default %s: %v", ErrNoDevice, dir, err)
		}
		return info, nil
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	candidates := make([]candidate, len(infos))
	for i, info := range infos {
		candidates[i] = candidate{name: info.Name, in: info.MaxInputChannels, out: info.MaxOutputChannels}
	}
	i := match(candidates, name, dir)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s %q", ErrNoDevice, dir, name)
	}
	return infos[i], nil
}

type candidate struct {
	name    string
	in, out int
}

// match returns the index of the first device usable for dir whose name equals
// name, falling back to the first case-insensitive substring match. It
// returns -1 when nothing matches.
func match(devs []candidate, name string, dir direction) int {
	usable := func(c candidate) bool {
		if dir == input {
			return c.in > 0
		}
		return c.out > 0
	}
	for i, c := range devs {
		if usable(c) && c.name == name {
			return i
		}
	}
	lower := strings.ToLower(name)
	for i, c := range devs {
		if usable(c) && strings.Contains(strings.ToLower(c.name), lower) {
			return i
		}
	}
	return -1
}

// Package audio defines the sample types, PCM conversion routines and device
// interfaces used by the voxlink audio pipeline.
//
// The two device abstractions are:
//
//   - [Source] opens an exclusive microphone stream ([CaptureStream]).
//   - [Sink] plays a decoded buffer and reports completion via [Playback].
//
// Concrete implementations live in sub-packages (audio/portaudio for real
// hardware, audio/mock for tests). The capture pipeline and playback queue
// depend only on these interfaces.
package audio

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// Source opens capture streams on an input device.
type Source interface {
	// OpenCapture acquires the input device and starts a stream delivering
	// frameSize samples per channel per read. Acquisition may block while the
	// host asks for device permission.
	OpenCapture(format Format, frameSize int) (CaptureStream, error)
}

// CaptureStream is an exclusive handle on an input device.
//
// Read and Close are never called concurrently by the capture pipeline; Close
// is only called after the last Read has returned.
type CaptureStream interface {
	// Read blocks until dst is filled with the next block of samples.
	Read(dst []float32) error

	// Close stops the stream and releases the device.
	Close() error
}

// Sink plays decoded audio on an output device.
type Sink interface {
	// Play starts playback of samples (mono, sampleRate Hz) scaled by gain.
	// It returns as soon as playback has been scheduled; completion is
	// observed through the returned [Playback].
	Play(samples []float32, sampleRate int, gain float32) (Playback, error)

	// Close releases the output device.
	Close() error
}

// Playback is one in-flight buffer started by [Sink.Play].
type Playback interface {
	// Done is closed when playback finishes, is stopped, or fails.
	Done() <-chan struct{}

	// Stop halts output immediately. Done is closed shortly after. Safe to
	// call more than once and after completion.
	Stop()

	// Err reports a device failure once Done is closed. Stopped playback
	// reports nil.
	Err() error
}

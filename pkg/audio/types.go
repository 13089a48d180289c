package audio

import "time"

// Frame is one block of captured microphone audio. Samples are normalised
// float32 values in [-1, 1], mono, at SampleRate.
//
// A Frame is consumed by the encoder and the barge-in detector within one
// processing cycle and must not be retained afterwards.
type Frame struct {
	Samples []float32

	// SampleRate in Hz of Samples (16000 on the wire, or the device rate when
	// the capture device cannot run at the wire rate).
	SampleRate int

	// Seq is the monotonically increasing frame counter within one capture run.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Chunk is a received block of synthesized speech: little-endian signed
// 16-bit mono PCM at SampleRate. Chunks are immutable once created.
type Chunk struct {
	Data       []byte
	SampleRate int

	// Seq is assigned by the receiver in arrival order.
	Seq uint64
}

// Samples returns the number of int16 samples in the chunk, ignoring a
// trailing odd byte.
func (c Chunk) Samples() int { return len(c.Data) / 2 }

// Duration returns the playback duration of the chunk at its sample rate.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Samples()) * time.Second / time.Duration(c.SampleRate)
}

package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrInvalidChunk is returned by [DecodePCM16] for empty buffers and buffers
// with an odd byte count, which cannot hold whole int16 samples.
var ErrInvalidChunk = errors.New("audio: invalid PCM16 chunk")

// EncodePCM16 converts normalised float samples to little-endian int16 PCM.
// Each sample is clamped to [-1, 1], scaled by 32767 and rounded to the
// nearest integer. The output always holds exactly len(samples) samples.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

func quantize(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	return int16(math.Round(v * 32767))
}

// DecodePCM16 converts little-endian int16 PCM to float samples by dividing
// each sample by 32768. Empty input and odd byte counts yield
// [ErrInvalidChunk].
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return nil, ErrInvalidChunk
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out, nil
}

// Peak returns the maximum absolute amplitude in samples, or 0 for an empty
// slice.
func Peak(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// Encoder turns captured frames into the outbound wire format: int16 PCM at
// DstRate. When the frame was captured at a different rate it is resampled
// first. The zero value encodes without resampling.
type Encoder struct {
	// DstRate is the wire sample rate. Zero means "same as the frame".
	DstRate int
}

// Encode converts frame to PCM16 bytes at the encoder's destination rate.
func (e Encoder) Encode(frame Frame) []byte {
	samples := frame.Samples
	if e.DstRate > 0 && frame.SampleRate > 0 && frame.SampleRate != e.DstRate {
		samples = ResampleFloat(samples, frame.SampleRate, e.DstRate)
	}
	return EncodePCM16(samples)
}

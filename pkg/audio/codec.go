package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// ToPCM16 converts floating-point samples to 16-bit signed PCM. Each sample is
// clipped to [-1, 1]; negative values scale by 32768 and non-negative values by
// 32767. The asymmetry is part of the wire format.
func ToPCM16(frame []float32) []int16 {
	out := make([]int16, len(frame))
	for i, s := range frame {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		if v < 0 {
			out[i] = int16(math.Round(v * 32768))
		} else {
			out[i] = int16(math.Round(v * 32767))
		}
	}
	return out
}

// FromPCM16 converts 16-bit PCM back to floating point (each sample divided by
// 32768) and wraps it in a mono [Buffer]. A non-positive sampleRate selects
// [PlaybackSampleRate].
func FromPCM16(pcm []int16, sampleRate int) Buffer {
	if sampleRate <= 0 {
		sampleRate = PlaybackSampleRate
	}
	samples := make([]float32, len(pcm))
	for i, s := range pcm {
		samples[i] = float32(s) / 32768
	}
	return Buffer{Samples: samples, SampleRate: sampleRate}
}

// PCM16ToBytes serialises samples as little-endian int16.
func PCM16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 parses little-endian int16 samples. A trailing odd byte is
// ignored.
func BytesToPCM16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// EncodeTransport maps raw bytes to the text-safe encoding used on the wire
// (standard padded base64).
func EncodeTransport(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeTransport is the exact inverse of [EncodeTransport]. The empty string
// decodes to an empty, non-nil slice.
func DecodeTransport(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("audio: decode transport: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// EncodeFrame runs the full capture conversion: float samples to PCM16,
// little-endian bytes, transport encoding.
func EncodeFrame(frame []float32) string {
	return EncodeTransport(PCM16ToBytes(ToPCM16(frame)))
}

// DecodeFragment reverses the playback wire format: transport text to PCM16
// bytes to a [Buffer] at sampleRate.
func DecodeFragment(text string, sampleRate int) (Buffer, error) {
	data, err := DecodeTransport(text)
	if err != nil {
		return Buffer{}, err
	}
	return FromPCM16(BytesToPCM16(data), sampleRate), nil
}

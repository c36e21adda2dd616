package audio

import "time"

const (
	// CaptureSampleRate is the wire rate of outbound microphone audio.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the default wire rate of inbound model audio.
	PlaybackSampleRate = 24000

	// DefaultFrameSize is the number of samples handed to one capture
	// callback (≈256 ms at 16 kHz).
	DefaultFrameSize = 4096
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16k is the capture wire format.
var Mono16k = Format{SampleRate: CaptureSampleRate, Channels: 1}

// Buffer is a decoded, single-channel block of floating-point samples in
// [-1, 1], ready to be scheduled on an [Output].
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer. A buffer without a
// positive sample rate has zero duration.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

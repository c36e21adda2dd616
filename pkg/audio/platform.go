// Package audio defines the sample codec, formats, and device abstractions
// used by the voxview session engine.
//
// The device abstractions are:
//
//   - [InputDevice] — acquires the microphone and returns an [InputStream]
//     that delivers fixed-size float frames to an attached callback.
//   - [OutputDevice] — opens an [Output] on which decoded [Buffer] values are
//     scheduled at absolute device times and rendered as [Voice] handles.
//
// Implementations live in adapter packages (audio/rawio for byte streams,
// audio/mock for tests). The interfaces are kept narrow so the session
// engine stays decoupled from any particular audio backend.
//
// This package lives under pkg/ because external code (platform audio
// backends) is expected to implement [InputDevice] and [OutputDevice].
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeviceClosed is returned by operations on an [Output] or
	// [InputStream] that has already been closed.
	ErrDeviceClosed = errors.New("audio: device closed")

	// ErrVoiceStopped is returned by [Voice.Stop] when the voice already
	// finished or was stopped before.
	ErrVoiceStopped = errors.New("audio: voice already stopped")
)

// FrameFunc receives one captured frame. The slice is only valid for the
// duration of the call.
type FrameFunc func(frame []float32)

// InputStream is an acquired microphone stream.
//
// Implementations must be safe for concurrent use. Callbacks run on an
// internal goroutine and must not block.
type InputStream interface {
	// Format reports the format frames are delivered in. It may differ from
	// the format requested in [InputDevice.Open].
	Format() Format

	// Attach connects the processing callback. Frames are delivered to fn
	// one at a time; a capture failure (for example losing the device) is
	// reported once through onErr. Attaching again replaces the callbacks.
	Attach(fn FrameFunc, onErr func(error))

	// Detach disconnects the processing callback. No frame is delivered after
	// Detach returns: it waits for an in-flight frame callback, so fn must not
	// block on the caller of Detach. Safe to call more than once.
	Detach()

	// Close stops the stream and releases the device. Subsequent calls
	// return [ErrDeviceClosed].
	Close() error
}

// InputDevice is the entry point for microphone capture.
type InputDevice interface {
	// Open acquires the device, requesting format. The returned stream does
	// not deliver frames until [InputStream.Attach] is called.
	Open(ctx context.Context, format Format) (InputStream, error)
}

// Voice is one scheduled buffer on an [Output].
type Voice interface {
	// Stop cancels playback. Stopping a voice that already ended or was
	// stopped returns [ErrVoiceStopped].
	Stop() error
}

// Output is an opened playback device with a monotonic device clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current device time.
	Now() time.Duration

	// Play schedules buf to start exactly at device time at. onEnded is
	// invoked once, on an internal goroutine, when the voice finishes
	// naturally or is stopped. Returns [ErrDeviceClosed] after Close.
	Play(buf Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close releases the device. Closing an already closed output returns
	// [ErrDeviceClosed].
	Close() error
}

// OutputDevice is the entry point for playback.
type OutputDevice interface {
	// Open acquires the playback device at the given sample rate.
	Open(ctx context.Context, sampleRate int) (Output, error)
}

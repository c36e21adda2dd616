// Package mock provides in-memory implementations of the [audio.InputDevice],
// [audio.InputStream], [audio.OutputDevice], and [audio.Output] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// The [Output] runs on a manual clock: nothing plays until the test calls
// [Output.Advance], which fires the ended callback of every voice whose end
// time has been reached.
//
// Typical usage:
//
//	out := mock.NewOutput()
//	dev := &mock.OutputDevice{Output: out}
//	o, _ := dev.Open(ctx, 24000)
//	o.Play(buf, 0, func() { ... })
//	out.Advance(500 * time.Millisecond)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxview/pkg/audio"
)

// ─── Input ────────────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open creates a new [InputStream]
	// reporting the requested format.
	Stream *InputStream

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls records the format passed to every Open call.
	OpenCalls []audio.Format
}

// Open records the call and returns Stream, OpenErr.
func (d *InputDevice) Open(_ context.Context, format audio.Format) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, format)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.Stream == nil {
		d.Stream = NewInputStream(format)
	}
	return d.Stream, nil
}

// OpenCount returns the number of Open calls. Thread-safe.
func (d *InputDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

var _ audio.InputDevice = (*InputDevice)(nil)

// InputStream is a mock implementation of [audio.InputStream]. Frames and
// errors are injected by the test with [InputStream.Emit] and
// [InputStream.Fail].
type InputStream struct {
	mu     sync.Mutex
	format audio.Format
	fn     audio.FrameFunc
	onErr  func(error)
	closed bool
	emit   sync.RWMutex

	// AttachCalls, DetachCalls and CloseCalls count method invocations.
	AttachCalls int
	DetachCalls int
	CloseCalls  int
}

// NewInputStream returns a stream that reports format.
func NewInputStream(format audio.Format) *InputStream {
	return &InputStream{format: format}
}

// Format returns the format passed to [NewInputStream].
func (s *InputStream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Attach stores the callbacks.
func (s *InputStream) Attach(fn audio.FrameFunc, onErr func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AttachCalls++
	s.fn = fn
	s.onErr = onErr
}

// Detach clears the callbacks and waits for a concurrent [InputStream.Emit].
func (s *InputStream) Detach() {
	s.mu.Lock()
	s.DetachCalls++
	s.fn = nil
	s.onErr = nil
	s.mu.Unlock()
	s.emit.Lock()
	s.emit.Unlock() //nolint:staticcheck // barrier for in-flight frames
}

// Close marks the stream closed. Subsequent calls return [audio.ErrDeviceClosed].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if s.closed {
		return audio.ErrDeviceClosed
	}
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit delivers frame synchronously to the attached callback. It reports
// whether a callback was attached.
func (s *InputStream) Emit(frame []float32) bool {
	s.emit.RLock()
	defer s.emit.RUnlock()
	s.mu.Lock()
	fn := s.fn
	closed := s.closed
	s.mu.Unlock()
	if fn == nil || closed {
		return false
	}
	fn(frame)
	return true
}

// Fail reports err through the attached error callback. It reports whether a
// callback was attached.
func (s *InputStream) Fail(err error) bool {
	s.mu.Lock()
	onErr := s.onErr
	s.mu.Unlock()
	if onErr == nil {
		return false
	}
	onErr(err)
	return true
}

var _ audio.InputStream = (*InputStream)(nil)

// ─── Output ───────────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// Output is returned by Open. If nil, Open creates a new [Output].
	Output *Output

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls records the sample rate passed to every Open call.
	OpenCalls []int
}

// Open records the call and returns Output, OpenErr.
func (d *OutputDevice) Open(_ context.Context, sampleRate int) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, sampleRate)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.Output == nil {
		d.Output = NewOutput()
	}
	return d.Output, nil
}

var _ audio.OutputDevice = (*OutputDevice)(nil)

// Play records a single scheduled buffer.
type Play struct {
	// At is the requested start time.
	At time.Duration
	// Duration is the buffer's playback length.
	Duration time.Duration
	// Samples is the number of samples scheduled.
	Samples int
}

// Output is a mock implementation of [audio.Output] driven by a manual clock.
type Output struct {
	mu     sync.Mutex
	now    time.Duration
	closed bool
	plays  []Play
	voices []*Voice

	// PlayErr, if non-nil, is returned by every Play call.
	PlayErr error

	// CloseCalls counts Close invocations.
	CloseCalls int
}

// NewOutput returns an idle output whose clock starts at zero.
func NewOutput() *Output {
	return &Output{}
}

// Now returns the manual clock value.
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the clock to d without ending any voice.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Advance moves the clock forward by d and fires the ended callback of every
// voice whose end time is at or before the new clock value. Callbacks run
// synchronously on the caller's goroutine, outside the mock's lock.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var ended []*Voice
	for _, v := range o.voices {
		if !v.done && v.end <= o.now {
			v.done = true
			ended = append(ended, v)
		}
	}
	o.mu.Unlock()

	for _, v := range ended {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
}

// Play records the scheduled buffer and returns a [Voice].
func (o *Output) Play(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, audio.ErrDeviceClosed
	}
	if o.PlayErr != nil {
		return nil, o.PlayErr
	}
	d := buf.Duration()
	o.plays = append(o.plays, Play{At: at, Duration: d, Samples: len(buf.Samples)})
	v := &Voice{out: o, end: at + d, onEnded: onEnded}
	o.voices = append(o.voices, v)
	return v, nil
}

// Close marks the output closed. Subsequent calls return [audio.ErrDeviceClosed].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CloseCalls++
	if o.closed {
		return audio.ErrDeviceClosed
	}
	o.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Plays returns a copy of every recorded Play call in order.
func (o *Output) Plays() []Play {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([]Play, len(o.plays))
	copy(cp, o.plays)
	return cp
}

// Voices returns every voice created by Play in order.
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([]*Voice, len(o.voices))
	copy(cp, o.voices)
	return cp
}

var _ audio.Output = (*Output)(nil)

// Voice is the mock [audio.Voice] returned by [Output.Play].
type Voice struct {
	out     *Output
	end     time.Duration
	onEnded func()
	done    bool

	// StopCalls counts Stop invocations.
	StopCalls int
}

// Stop ends the voice and fires its ended callback. A voice that already
// ended returns [audio.ErrVoiceStopped].
func (v *Voice) Stop() error {
	v.out.mu.Lock()
	v.StopCalls++
	if v.done {
		v.out.mu.Unlock()
		return audio.ErrVoiceStopped
	}
	v.done = true
	v.out.mu.Unlock()

	if v.onEnded != nil {
		v.onEnded()
	}
	return nil
}

// Done reports whether the voice ended or was stopped.
func (v *Voice) Done() bool {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	return v.done
}

// Stops returns the number of Stop calls.
func (v *Voice) Stops() int {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	return v.StopCalls
}

var _ audio.Voice = (*Voice)(nil)

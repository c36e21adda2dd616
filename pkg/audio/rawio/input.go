// Package rawio implements [audio.InputDevice] and [audio.OutputDevice] over
// plain byte streams carrying 16-bit little-endian PCM. It lets the voxview
// CLI capture from stdin, a FIFO or a file, and render the model's voice to
// stdout (for example piped into `aplay` or `ffplay`).
package rawio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxview/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice = (*ReaderInput)(nil)
	_ audio.InputStream = (*readerStream)(nil)
)

// InputOption configures a [ReaderInput].
type InputOption func(*ReaderInput)

// WithFrameSize sets the number of samples per channel delivered per
// callback. The default is [audio.DefaultFrameSize].
func WithFrameSize(n int) InputOption {
	return func(r *ReaderInput) {
		if n > 0 {
			r.frameSize = n
		}
	}
}

// WithFormat declares the format of the PCM on the reader. The default is
// 16 kHz mono.
func WithFormat(f audio.Format) InputOption {
	return func(r *ReaderInput) {
		if f.SampleRate > 0 && f.Channels > 0 {
			r.format = f
		}
	}
}

// WithoutPacing delivers frames as fast as the reader yields them instead of
// at real-time cadence. Useful for pre-recorded files in tests.
func WithoutPacing() InputOption {
	return func(r *ReaderInput) { r.pace = false }
}

// ReaderInput captures PCM from an [io.Reader]. If the reader is also an
// [io.Closer] it is closed when the stream is closed.
type ReaderInput struct {
	r         io.Reader
	format    audio.Format
	frameSize int
	pace      bool

	mu     sync.Mutex
	opened bool
}

// NewReaderInput returns an input device reading s16le PCM from r.
func NewReaderInput(r io.Reader, opts ...InputOption) *ReaderInput {
	in := &ReaderInput{
		r:         r,
		format:    audio.Mono16k,
		frameSize: audio.DefaultFrameSize,
		pace:      true,
	}
	for _, o := range opts {
		o(in)
	}
	return in
}

// Open starts reading. The requested format is ignored; the stream reports
// the format configured with [WithFormat]. A reader can only be opened once.
func (in *ReaderInput) Open(ctx context.Context, _ audio.Format) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rawio: open input: %w", err)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.opened {
		return nil, fmt.Errorf("rawio: open input: reader already in use")
	}
	in.opened = true

	s := &readerStream{
		src:    in,
		done:   make(chan struct{}),
		frameN: in.frameSize * in.format.Channels,
	}
	go s.readLoop()
	return s, nil
}

type readerStream struct {
	src    *ReaderInput
	frameN int // samples per frame across all channels

	mu     sync.Mutex
	fn     audio.FrameFunc
	onErr  func(error)
	closed bool
	// pending holds a read error that occurred while nothing was attached.
	pending error

	// delivering is held by readLoop for the duration of each frame callback.
	delivering sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
}

func (s *readerStream) Format() audio.Format { return s.src.format }

// Attach connects the callbacks. A read error that happened before any
// error callback was attached is delivered to onErr right away.
func (s *readerStream) Attach(fn audio.FrameFunc, onErr func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
	s.onErr = onErr
	if s.pending != nil && onErr != nil && !s.closed {
		err := s.pending
		s.pending = nil
		go onErr(err)
	}
}

// Detach disconnects the callbacks and waits for an in-flight frame
// callback to return.
func (s *readerStream) Detach() {
	s.mu.Lock()
	s.fn = nil
	s.onErr = nil
	s.mu.Unlock()

	s.delivering.Lock()
	s.delivering.Unlock() //nolint:staticcheck // barrier for in-flight frames
}

func (s *readerStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return audio.ErrDeviceClosed
	}
	s.closed = true
	s.fn = nil
	s.onErr = nil
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })
	if c, ok := s.src.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// readLoop reads one frame at a time and hands it to the attached callback.
// Frames read while nothing is attached are discarded, like a live
// microphone without a processor. End of input stops delivery silently; a
// read error is reported once, on attach if nothing is attached yet.
func (s *readerStream) readLoop() {
	raw := make([]byte, s.frameN*2)
	frame := make([]float32, s.frameN)

	interval := time.Duration(s.src.frameSize) * time.Second / time.Duration(s.src.format.SampleRate)
	var tick <-chan time.Time
	if s.src.pace {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-s.done:
				return
			case <-tick:
			}
		} else {
			select {
			case <-s.done:
				return
			default:
			}
		}

		if _, err := io.ReadFull(s.src.r, raw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Debug("rawio: input exhausted")
				return
			}
			err = fmt.Errorf("rawio: read input: %w", err)
			s.mu.Lock()
			onErr, closed := s.onErr, s.closed
			if onErr == nil && !closed {
				s.pending = err
			}
			s.mu.Unlock()
			if onErr != nil && !closed {
				onErr(err)
			}
			return
		}

		for i, v := range audio.BytesToPCM16(raw) {
			frame[i] = float32(v) / 32768
		}

		s.delivering.RLock()
		s.mu.Lock()
		fn := s.fn
		s.mu.Unlock()
		if fn != nil {
			fn(frame)
		}
		s.delivering.RUnlock()
	}
}

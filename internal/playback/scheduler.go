// Package playback schedules inbound model speech for gapless playback.
//
// Every fragment starts exactly where the previous one ends, or immediately
// when the output has run dry: start = max(output clock, next free slot).
// The next free slot only ever moves forward. Scheduled voices are tracked
// in a registry keyed by increasing id so that teardown can stop them all.
//
// A Scheduler is owned by a single goroutine (the session control loop) and
// is not safe for concurrent use. Outputs that signal the end of a voice
// from their own goroutine must be paired with [WithDispatch] so that the
// registry update runs on the owner.
package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxview/internal/lifecycle"
	"github.com/MrWong99/voxview/internal/observe"
	"github.com/MrWong99/voxview/pkg/audio"
)

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithDispatch sets the function used to run ended-voice bookkeeping on the
// owning goroutine. The default runs it inline.
func WithDispatch(fn func(func())) Option {
	return func(s *Scheduler) { s.dispatch = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler renders fragments back to back on one output.
type Scheduler struct {
	ctx     context.Context
	out     audio.Output
	token   *lifecycle.Token
	metrics *observe.Metrics

	dispatch func(func())

	clock  time.Duration
	voices map[uint64]audio.Voice
	nextID uint64
	closed bool
}

// New creates a scheduler for out. ctx carries the session id for logs and
// metrics; fragments arriving after token is revoked are dropped.
func New(ctx context.Context, out audio.Output, token *lifecycle.Token, opts ...Option) *Scheduler {
	s := &Scheduler{
		ctx:      ctx,
		out:      out,
		token:    token,
		dispatch: func(fn func()) { fn() },
		voices:   make(map[uint64]audio.Voice),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Enqueue decodes a transport-encoded fragment at sampleRate (0 means
// 24 kHz) and schedules it. It returns the scheduled start time and whether
// the fragment was scheduled. Undecodable fragments are dropped.
func (s *Scheduler) Enqueue(encoded string, sampleRate int) (time.Duration, bool) {
	buf, err := audio.DecodeFragment(encoded, sampleRate)
	if err != nil {
		observe.Logger(s.ctx).Warn("playback: dropping undecodable fragment", "err", err)
		s.metrics.RecordPlaybackFragment(s.ctx, observe.FragmentDropped, 0)
		return 0, false
	}
	return s.Schedule(buf)
}

// Schedule plays buf at max(output clock, next free slot) and advances the
// slot by the buffer's duration. A fragment that arrives after the output
// was closed or the session was torn down is dropped without error.
func (s *Scheduler) Schedule(buf audio.Buffer) (time.Duration, bool) {
	if s.closed || !s.token.Alive() {
		s.metrics.RecordPlaybackFragment(s.ctx, observe.FragmentDropped, 0)
		return 0, false
	}

	now := s.out.Now()
	start := max(now, s.clock)

	id := s.nextID
	s.nextID++
	voice, err := s.out.Play(buf, start, func() { s.dispatch(func() { s.ended(id) }) })
	if err != nil {
		if errors.Is(err, audio.ErrDeviceClosed) {
			s.closed = true
			observe.Logger(s.ctx).Debug("playback: output closed, dropping fragment")
		} else {
			observe.Logger(s.ctx).Warn("playback: schedule failed", "err", err)
		}
		s.metrics.RecordPlaybackFragment(s.ctx, observe.FragmentDropped, 0)
		return 0, false
	}

	s.voices[id] = voice
	s.clock = start + buf.Duration()
	s.metrics.RecordPlaybackFragment(s.ctx, observe.FragmentScheduled, start-now)
	return start, true
}

// ended evicts a voice that finished or was stopped.
func (s *Scheduler) ended(id uint64) {
	delete(s.voices, id)
}

// Clock returns the next free slot on the output timeline.
func (s *Scheduler) Clock() time.Duration { return s.clock }

// Live returns the number of scheduled voices that have not ended.
func (s *Scheduler) Live() int { return len(s.voices) }

// Closed reports whether the output is known to be closed.
func (s *Scheduler) Closed() bool { return s.closed }

// StopAll stops and evicts every live voice. A voice that already finished
// is not an error. The remaining failures are returned joined; the registry
// is cleared either way. Safe to call repeatedly.
func (s *Scheduler) StopAll() error {
	var errs []error
	for id, v := range s.voices {
		if err := v.Stop(); err != nil && !errors.Is(err, audio.ErrVoiceStopped) {
			errs = append(errs, fmt.Errorf("playback: stop voice %d: %w", id, err))
		}
	}
	clear(s.voices)
	return errors.Join(errs...)
}

// CloseOutput closes the output device. An output that is already closed is
// not an error. Later fragments are dropped.
func (s *Scheduler) CloseOutput() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.out.Close(); err != nil && !errors.Is(err, audio.ErrDeviceClosed) {
		return fmt.Errorf("playback: close output: %w", err)
	}
	return nil
}

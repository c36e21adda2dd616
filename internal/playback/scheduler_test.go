package playback_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/voxview/internal/lifecycle"
	"github.com/MrWong99/voxview/internal/observe"
	"github.com/MrWong99/voxview/internal/playback"
	"github.com/MrWong99/voxview/pkg/audio"
	"github.com/MrWong99/voxview/pkg/audio/mock"
	"go.opentelemetry.io/otel/metric/noop"
)

// testMetrics returns metrics backed by a no-op provider.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// silence returns a 24 kHz buffer of duration d.
func silence(d time.Duration) audio.Buffer {
	n := int(d * audio.PlaybackSampleRate / time.Second)
	return audio.Buffer{Samples: make([]float32, n), SampleRate: audio.PlaybackSampleRate}
}

func newScheduler(t *testing.T) (*playback.Scheduler, *mock.Output, *lifecycle.Token) {
	t.Helper()
	out := mock.NewOutput()
	token := lifecycle.New()
	return playback.New(context.Background(), out, token, playback.WithMetrics(testMetrics(t))), out, token
}

func TestSchedule_BackToBackFromIdle(t *testing.T) {
	t.Parallel()

	s, out, _ := newScheduler(t)
	durations := []time.Duration{500 * time.Millisecond, 300 * time.Millisecond, 700 * time.Millisecond}
	want := []time.Duration{0, 500 * time.Millisecond, 800 * time.Millisecond}

	for i, d := range durations {
		start, ok := s.Schedule(silence(d))
		if !ok {
			t.Fatalf("fragment %d not scheduled", i)
		}
		if start != want[i] {
			t.Errorf("fragment %d start = %v, want %v", i, start, want[i])
		}
	}
	if got := s.Clock(); got != 1500*time.Millisecond {
		t.Errorf("clock = %v, want 1.5s", got)
	}

	plays := out.Plays()
	for i, p := range plays {
		if p.At != want[i] {
			t.Errorf("device play %d at %v, want %v", i, p.At, want[i])
		}
	}
}

func TestSchedule_StartsNowWhenDeviceOutranClock(t *testing.T) {
	t.Parallel()

	s, out, _ := newScheduler(t)
	s.Schedule(silence(200 * time.Millisecond))
	out.Advance(time.Second) // network stalled, queue ran dry

	start, ok := s.Schedule(silence(100 * time.Millisecond))
	if !ok {
		t.Fatal("fragment not scheduled")
	}
	if start != time.Second {
		t.Errorf("start = %v, want 1s (device time)", start)
	}
	if got := s.Clock(); got != 1100*time.Millisecond {
		t.Errorf("clock = %v, want 1.1s", got)
	}
}

func TestSchedule_NeverOverlapsAndClockMonotonic(t *testing.T) {
	t.Parallel()

	s, out, _ := newScheduler(t)
	rng := rand.New(rand.NewPCG(1, 2))

	var prevEnd, prevClock time.Duration
	for i := range 200 {
		d := time.Duration(rng.IntN(400)+1) * time.Millisecond
		// Device time moves forward by a random amount between arrivals.
		out.Advance(time.Duration(rng.IntN(300)) * time.Millisecond)

		start, ok := s.Schedule(silence(d))
		if !ok {
			t.Fatalf("fragment %d not scheduled", i)
		}
		if start < prevEnd {
			t.Fatalf("fragment %d starts at %v before previous end %v", i, start, prevEnd)
		}
		if c := s.Clock(); c < prevClock {
			t.Fatalf("clock decreased from %v to %v", prevClock, c)
		}
		prevEnd = start + silence(d).Duration()
		prevClock = s.Clock()
	}
}

func TestRegistry_RemovesEndedVoices(t *testing.T) {
	t.Parallel()

	s, out, _ := newScheduler(t)
	s.Schedule(silence(100 * time.Millisecond))
	s.Schedule(silence(100 * time.Millisecond))
	if got := s.Live(); got != 2 {
		t.Fatalf("live = %d, want 2", got)
	}

	out.Advance(100 * time.Millisecond)
	if got := s.Live(); got != 1 {
		t.Errorf("live after first ends = %d, want 1", got)
	}
	out.Advance(100 * time.Millisecond)
	if got := s.Live(); got != 0 {
		t.Errorf("live after both end = %d, want 0", got)
	}
}

func TestStopAll_ToleratesAlreadyStopped(t *testing.T) {
	t.Parallel()

	s, out, _ := newScheduler(t)
	s.Schedule(silence(100 * time.Millisecond))
	s.Schedule(silence(100 * time.Millisecond))
	s.Schedule(silence(100 * time.Millisecond))

	// One voice is stopped directly on the device first.
	voices := out.Voices()
	_ = voices[1].Stop()

	if err := s.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if got := s.Live(); got != 0 {
		t.Errorf("live = %d, want 0", got)
	}
	for i, v := range voices {
		if !v.Done() {
			t.Errorf("voice %d still playing", i)
		}
	}
	if err := s.StopAll(); err != nil {
		t.Errorf("second StopAll: %v", err)
	}
	if got := voices[0].Stops(); got != 1 {
		t.Errorf("voice 0 stopped %d times, want 1", got)
	}
}

func TestStopAll_StaleRegistryEntry(t *testing.T) {
	t.Parallel()

	// A dispatch that defers bookkeeping leaves finished voices registered
	// until the owner runs it, exactly like a session loop that has not yet
	// drained its queue.
	var pending []func()
	out := mock.NewOutput()
	s := playback.New(context.Background(), out, lifecycle.New(),
		playback.WithMetrics(testMetrics(t)),
		playback.WithDispatch(func(fn func()) { pending = append(pending, fn) }),
	)
	s.Schedule(silence(100 * time.Millisecond))
	out.Advance(time.Second) // voice ends, eviction still queued

	if got := s.Live(); got != 1 {
		t.Fatalf("live = %d, want 1 before dispatch runs", got)
	}
	if err := s.StopAll(); err != nil {
		t.Fatalf("StopAll on finished voice: %v", err)
	}
	for _, fn := range pending {
		fn()
	}
	if got := s.Live(); got != 0 {
		t.Errorf("live = %d, want 0", got)
	}
}

func TestSchedule_DropsAfterOutputClosed(t *testing.T) {
	t.Parallel()

	s, out, _ := newScheduler(t)
	if err := s.CloseOutput(); err != nil {
		t.Fatalf("CloseOutput: %v", err)
	}
	if err := s.CloseOutput(); err != nil {
		t.Errorf("second CloseOutput: %v", err)
	}
	if _, ok := s.Schedule(silence(100 * time.Millisecond)); ok {
		t.Error("fragment scheduled after output closed")
	}
	if n := len(out.Plays()); n != 0 {
		t.Errorf("device received %d plays, want 0", n)
	}
	if out.CloseCalls != 1 {
		t.Errorf("CloseCalls = %d, want 1", out.CloseCalls)
	}
}

func TestSchedule_DropsWhenDeviceClosedUnderneath(t *testing.T) {
	t.Parallel()

	s, out, _ := newScheduler(t)
	_ = out.Close()

	if _, ok := s.Schedule(silence(100 * time.Millisecond)); ok {
		t.Error("fragment scheduled on closed device")
	}
	if !s.Closed() {
		t.Error("scheduler did not notice closed device")
	}
	if err := s.CloseOutput(); err != nil {
		t.Errorf("CloseOutput on closed device = %v, want nil", err)
	}
}

func TestSchedule_DropsAfterRevoke(t *testing.T) {
	t.Parallel()

	s, out, token := newScheduler(t)
	token.Revoke()
	if _, ok := s.Schedule(silence(100 * time.Millisecond)); ok {
		t.Error("fragment scheduled after revoke")
	}
	if n := len(out.Plays()); n != 0 {
		t.Errorf("device received %d plays, want 0", n)
	}
}

func TestSchedule_PlayErrorDoesNotAdvanceClock(t *testing.T) {
	t.Parallel()

	s, out, _ := newScheduler(t)
	out.PlayErr = errors.New("buffer underrun")
	if _, ok := s.Schedule(silence(100 * time.Millisecond)); ok {
		t.Error("fragment reported scheduled despite device error")
	}
	if s.Clock() != 0 {
		t.Errorf("clock = %v, want 0", s.Clock())
	}
	if s.Closed() {
		t.Error("generic play error must not mark the output closed")
	}
}

func TestEnqueue_DecodesTransportFragment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples int
		rate    int
		want    time.Duration
	}{
		{name: "default rate", samples: 2400, rate: 0, want: 100 * time.Millisecond},
		{name: "declared 16k", samples: 1600, rate: 16000, want: 100 * time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, out, _ := newScheduler(t)
			encoded := audio.EncodeTransport(audio.PCM16ToBytes(make([]int16, tc.samples)))
			if _, ok := s.Enqueue(encoded, tc.rate); !ok {
				t.Fatal("fragment not scheduled")
			}
			if got := out.Plays()[0].Duration; got != tc.want {
				t.Errorf("duration = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEnqueue_DropsUndecodable(t *testing.T) {
	t.Parallel()

	s, out, _ := newScheduler(t)
	if _, ok := s.Enqueue("not base64!!", 0); ok {
		t.Error("undecodable fragment scheduled")
	}
	if n := len(out.Plays()); n != 0 {
		t.Errorf("device received %d plays, want 0", n)
	}
}

// Package resilience provides a circuit breaker and ordered provider failover
// used around report generation.
//
// [Breaker] is a three-state breaker (closed → open → half-open). [Failover]
// tries a list of named providers in order, each behind its own breaker, so a
// failing primary is bypassed in favour of the next healthy one. [LLM] applies
// this to [llm.Provider].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls with [ErrCircuitOpen] until the cool-down elapses.
	Open

	// HalfOpen lets a limited number of probes through. Any probe failure
	// re-opens the breaker; enough successes close it.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels log messages.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 3.
	Threshold int

	// CoolDown is how long the breaker stays open. Default: 30s.
	CoolDown time.Duration

	// Probes is the number of half-open calls that must succeed to close
	// the breaker. Default: 1.
	Probes int

	// Now is the clock. Default: [time.Now].
	Now func() time.Time
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int
	passed   int
}

// NewBreaker returns a closed breaker. Zero config fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn if the breaker admits it. Errors caused by ctx ending are
// returned but not counted as failures.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(probe, err, ctx.Err() != nil)
	return err
}

// admit decides whether a call may run and whether it is a half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.CoolDown {
			return false, ErrCircuitOpen
		}
		b.transition(HalfOpen)
	}
	if b.state == HalfOpen {
		if b.inFlight+b.passed >= b.cfg.Probes {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error, cancelled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.inFlight--
	}
	switch {
	case err != nil && cancelled:
		// The caller gave up; the provider is not at fault.
	case err != nil && probe:
		b.trip()
	case err != nil:
		b.failures++
		if b.state == Closed && b.failures >= b.cfg.Threshold {
			b.trip()
		}
	case probe:
		b.passed++
		if b.passed >= b.cfg.Probes {
			b.transition(Closed)
		}
	default:
		b.failures = 0
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.openedAt = b.cfg.Now()
	b.transition(Open)
}

// transition resets the counters for the new state. Must be called with b.mu
// held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.passed = 0
	level := slog.LevelInfo
	if to == Open {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state change",
		"name", b.cfg.Name, "from", from, "to", to)
}

// State reports the current state. An open breaker whose cool-down has
// elapsed reports [HalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cfg.CoolDown {
		return HalfOpen
	}
	return b.state
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [Failover] failed or was
// skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

type entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Failover holds named providers of one type, tried in the order added.
// Build it fully before sharing it between goroutines.
type Failover[T any] struct {
	cfg     BreakerConfig
	entries []entry[T]
}

// NewFailover returns a group with primary as its first entry. cfg is the
// template for every entry's breaker; Name is set per entry.
func NewFailover[T any](primaryName string, primary T, cfg BreakerConfig) *Failover[T] {
	f := &Failover[T]{cfg: cfg}
	f.Add(primaryName, primary)
	return f
}

// Add appends a fallback.
func (f *Failover[T]) Add(name string, value T) {
	cfg := f.cfg
	cfg.Name = name
	f.entries = append(f.entries, entry[T]{name: name, value: value, breaker: NewBreaker(cfg)})
}

// Names lists the entries in try order.
func (f *Failover[T]) Names() []string {
	names := make([]string, len(f.entries))
	for i, e := range f.entries {
		names[i] = e.name
	}
	return names
}

// Do calls fn with each entry until one succeeds and returns its result. It
// stops early when ctx ends. The returned error wraps [ErrAllFailed] and
// every attempt's error.
func Do[T, R any](ctx context.Context, f *Failover[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, e := range f.entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var res R
		err := e.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = fn(ctx, e.value)
			return err
		})
		if err == nil {
			return res, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", e.name)
			continue
		}
		slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

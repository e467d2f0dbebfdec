package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no member of a [Chain] produced a result.
// The last member's error is wrapped alongside it, so callers can still
// match on it with [errors.Is].
var ErrAllFailed = errors.New("resilience: all sources failed")

// Member is one named entry of a [Chain].
type Member[T any] struct {
	Name  string
	Value T
}

// EntryStatus is a snapshot of one [Chain] member's breaker.
type EntryStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type guarded[T any] struct {
	Member[T]
	breaker *CircuitBreaker
}

// Chain is an ordered failover list. Each member sits behind its own
// [CircuitBreaker]; calls go to the first member whose breaker admits them
// and fall through on failure.
type Chain[T any] struct {
	members []guarded[T]
}

// NewChain builds a chain from members in priority order. Every member gets
// a breaker configured from cb, named after the member.
func NewChain[T any](cb CircuitBreakerConfig, members ...Member[T]) (*Chain[T], error) {
	if len(members) == 0 {
		return nil, errors.New("resilience: chain needs at least one member")
	}
	c := &Chain[T]{members: make([]guarded[T], len(members))}
	for i, m := range members {
		cfg := cb
		cfg.Name = m.Name
		c.members[i] = guarded[T]{Member: m, breaker: NewCircuitBreaker(cfg)}
	}
	return c, nil
}

// Status reports every member's breaker state in priority order.
func (c *Chain[T]) Status() []EntryStatus {
	out := make([]EntryStatus, len(c.members))
	for i, m := range c.members {
		out[i] = EntryStatus{Name: m.Name, State: m.breaker.State().String()}
	}
	return out
}

// Try calls fn with each member in turn until one succeeds and returns its
// result. It stops early once ctx is done. It is a function rather than a
// method because Go has no method-level type parameters.
func Try[T, R any](ctx context.Context, c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, m := range c.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := m.breaker.Execute(func() error {
			var ferr error
			out, ferr = fn(m.Value)
			return ferr
		})
		if err == nil {
			return out, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("asset source skipped, circuit open", "source", m.Name)
		case m.breaker.cfg.Benign != nil && m.breaker.cfg.Benign(err):
			slog.Debug("asset source has no answer, trying next", "source", m.Name, "err", err)
		default:
			slog.Warn("asset source failed, trying next", "source", m.Name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

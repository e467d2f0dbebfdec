// Package resilience provides circuit breaker and failover primitives for
// Stagecraft's asset sources.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a failing remote mirror. [Chain] puts several sources of
// the same type behind one breaker each, so a failing primary is bypassed in
// favour of the next healthy member.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/stagecraft/internal/clock"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through; success
	// closes the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change notifications.
	Name string

	// MaxFailures is the failure streak that opens the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open, and
	// the number of successes needed to close again. Default: 3.
	HalfOpenMax int

	// Benign reports errors that are answers rather than faults (a missing
	// manifest, say). They are returned to the caller but neither count as
	// failures nor reset the failure streak. Nil treats every error as a
	// failure.
	Benign func(error) bool

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Clock supplies the time. Default: [clock.Real].
	Clock clock.Clock
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	streak   int
	openedAt time.Time
	probes   int
	probeOK  int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// transition is a state change to report once the lock is released.
type transition struct {
	from, to State
	ok       bool
}

// Execute runs fn if the breaker allows it. Rejected calls return
// [ErrCircuitOpen] without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, tr, err := cb.admit()
	cb.notify(tr)
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	switch {
	case err == nil:
		tr = cb.succeedLocked(probe)
	case cb.cfg.Benign != nil && cb.cfg.Benign(err):
		// An answer from a probing source still proves it is reachable.
		if probe {
			tr = cb.succeedLocked(true)
		}
	default:
		tr = cb.failLocked(probe)
	}
	cb.mu.Unlock()
	cb.notify(tr)
	return err
}

// admit decides whether a call may run and whether it is a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, tr transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		if cb.cfg.Clock.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, transition{}, ErrCircuitOpen
		}
		tr = cb.moveLocked(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, tr, ErrCircuitOpen
		}
		cb.probes++
		return true, tr, nil
	}
	return false, tr, nil
}

func (cb *CircuitBreaker) failLocked(probe bool) transition {
	cb.streak++
	if probe || cb.streak >= cb.cfg.MaxFailures {
		cb.openedAt = cb.cfg.Clock.Now()
		if cb.state != StateOpen {
			return cb.moveLocked(StateOpen)
		}
	}
	return transition{}
}

func (cb *CircuitBreaker) succeedLocked(probe bool) transition {
	if !probe {
		cb.streak = 0
		return transition{}
	}
	if cb.state != StateHalfOpen {
		// A concurrent probe already re-opened the breaker.
		return transition{}
	}
	cb.probeOK++
	if cb.probeOK >= cb.cfg.HalfOpenMax {
		return cb.moveLocked(StateClosed)
	}
	return transition{}
}

// moveLocked is the only place the state changes. Entering any state resets
// the bookkeeping that belongs to it.
func (cb *CircuitBreaker) moveLocked(to State) transition {
	from := cb.state
	cb.state = to
	switch to {
	case StateClosed:
		cb.streak = 0
	case StateHalfOpen:
		cb.probes, cb.probeOK = 0, 0
	}
	return transition{from: from, to: to, ok: from != to}
}

func (cb *CircuitBreaker) notify(tr transition) {
	if !tr.ok {
		return
	}
	level := slog.LevelInfo
	if tr.to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", cb.cfg.Name,
		"from", tr.from,
		"to", tr.to,
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, tr.from, tr.to)
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Clock.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	tr := cb.moveLocked(StateClosed)
	cb.mu.Unlock()
	cb.notify(tr)
}

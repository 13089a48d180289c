// Package resilience guards calls to remote dependencies that may be down for
// long stretches, such as the log store polled by the log feed.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open). While
// open it rejects calls without contacting the dependency; after a cooldown a
// single probe is let through to decide whether the dependency has recovered.
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

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen lets one probe call through at a time.
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

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels log messages.
	Name string

	// Threshold is the number of consecutive failures that opens the breaker.
	// Default: 3.
	Threshold int

	// Cooldown is how long the breaker stays open before probing. Default: 1m.
	Cooldown time.Duration

	// Probes is the number of consecutive successful probes needed to close
	// a half-open breaker. Default: 1.
	Probes int

	// OnStateChange, if set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probing   bool
	successes int
}

// NewBreaker creates a closed [Breaker]. Zero-value config fields take their
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn if the breaker allows it. Failures caused by ctx ending are not
// held against the dependency.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	switch {
	case err == nil:
		b.succeeded(probe)
	case ctx.Err() != nil:
		b.abandoned(probe)
	default:
		b.failed(probe)
	}
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var from State
	changed := false
	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return false, ErrOpen
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.successes = 0
		fallthrough
	case StateHalfOpen:
		if b.probing {
			b.mu.Unlock()
			b.notify(changed, from, StateHalfOpen)
			return false, ErrOpen
		}
		b.probing = true
		probe = true
	}
	b.mu.Unlock()
	b.notify(changed, from, StateHalfOpen)
	return probe, nil
}

func (b *Breaker) succeeded(probe bool) {
	b.mu.Lock()
	b.failures = 0
	if !probe {
		b.mu.Unlock()
		return
	}
	b.probing = false
	b.successes++
	if b.successes < b.cfg.Probes {
		b.mu.Unlock()
		return
	}
	b.state = StateClosed
	b.successes = 0
	b.mu.Unlock()
	b.notify(true, StateHalfOpen, StateClosed)
}

func (b *Breaker) failed(probe bool) {
	b.mu.Lock()
	from := b.state
	if probe {
		b.probing = false
	} else {
		b.failures++
		if b.failures < b.cfg.Threshold || b.state != StateClosed {
			b.mu.Unlock()
			return
		}
	}
	b.state = StateOpen
	b.openedAt = b.cfg.Now()
	b.successes = 0
	b.mu.Unlock()
	b.notify(from != StateOpen, from, StateOpen)
}

func (b *Breaker) abandoned(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) notify(changed bool, from, to State) {
	if !changed {
		return
	}
	if to == StateOpen {
		slog.Warn("resilience: circuit opened", "name", b.cfg.Name, "from", from.String())
	} else {
		slog.Info("resilience: circuit state changed", "name", b.cfg.Name, "from", from.String(), "to", to.String())
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose cooldown has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.mu.Unlock()
	b.notify(from != StateClosed, from, StateClosed)
}

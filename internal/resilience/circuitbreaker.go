// Package resilience provides the circuit breaker protecting calls to remote
// HTTP APIs, in particular the quota sync endpoint.
//
// [Breaker] is a three-state breaker (closed → open → half-open). Once the
// quota remote fails repeatedly the breaker rejects further calls outright,
// so the periodic sync degrades to the configured offline policy instead of
// piling up slow timeouts. In the half-open state exactly one trial call is
// admitted at a time; enough consecutive successes close the breaker again,
// a single failure re-opens it.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] when the breaker rejects the
// call without running it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately with [ErrCircuitOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits one trial call at a time to find out whether the
	// remote has recovered.
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
	// Name is a human-readable label used in log messages.
	Name string

	// Threshold is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before admitting trial
	// calls again. Default: 30s.
	Cooldown time.Duration

	// Recovery is the number of consecutive successful trial calls required
	// to close the breaker. Default: 3.
	Recovery int
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int // consecutive failures while closed
	recovered int // consecutive successful trial calls while half-open
	inFlight  bool
	openedAt  time.Time
}

// NewBreaker creates a [Breaker] with the supplied configuration. Zero-value
// config fields are replaced with their defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Recovery <= 0 {
		cfg.Recovery = 3
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn if the breaker admits the call and returns fn's error. When the
// call is rejected it returns [ErrCircuitOpen] without running fn.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.settle(err)
	return err
}

// admit decides whether a call may proceed, performing the open → half-open
// transition once the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.recovered = 0
		slog.Info("circuit breaker half-open, trialing remote", "name", b.cfg.Name)
		fallthrough
	case StateHalfOpen:
		// One trial call at a time; concurrent callers are rejected until
		// the in-flight one settles.
		if b.inFlight {
			return ErrCircuitOpen
		}
		b.inFlight = true
	}
	return nil
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.state = StateOpen
			b.openedAt = b.now()
			slog.Warn("circuit breaker opened",
				"name", b.cfg.Name,
				"consecutive_failures", b.failures)
		}

	case StateHalfOpen:
		b.inFlight = false
		if err != nil {
			b.state = StateOpen
			b.openedAt = b.now()
			b.recovered = 0
			slog.Warn("circuit breaker re-opened, remote still failing", "name", b.cfg.Name)
			return
		}
		b.recovered++
		if b.recovered >= b.cfg.Recovery {
			b.state = StateClosed
			b.failures = 0
			slog.Info("circuit breaker closed, remote recovered", "name", b.cfg.Name)
		}

	case StateOpen:
		// A call admitted while closed can settle after the breaker has
		// already tripped; its outcome no longer matters.
	}
}

// State returns the current [State]. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the actual transition happens on the next
// [Breaker.Do] call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Package breaker implements the three-state circuit breaker gating the
// Redis queue producer: Closed, Open, HalfOpen.
package breaker

import (
	"sync"
	"time"
)

// State enumerates the breaker's DAG positions.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a mutex-serialized state machine. All mutation happens inside
// ShouldAttempt, RecordSuccess and RecordFailure; callers never touch state
// directly.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time

	threshold int
	timeout   time.Duration
	now       func() time.Time
}

// Option configures a Breaker at construction.
type Option func(*Breaker)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New builds a Breaker with the given failure threshold and open-state
// timeout. Defaults: threshold=5, timeout=60s, matching the upstream source.
func New(threshold int, timeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	b := &Breaker{
		state:     Closed,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ShouldAttempt is the only gate a producer consults before touching Redis.
// In Closed it returns true. In Open it transitions to HalfOpen (returning
// true) once timeout has elapsed since opening, else returns false. In
// HalfOpen it returns true to every caller; it does not limit how many
// probes are in flight at once, matching the source's non-blocking
// should_attempt_redis check (the caller is responsible for recording each
// probe's outcome).
func (b *Breaker) ShouldAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.openedAt) > b.timeout {
			b.state = HalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess transitions any state back to Closed with a reset counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failureCount = 0
}

// RecordFailure increments the failure counter (or, from HalfOpen, re-opens
// immediately) and opens the breaker once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = b.now()
		return
	}

	b.failureCount++
	if b.failureCount >= b.threshold {
		b.state = Open
		b.openedAt = b.now()
	}
}

// Snapshot returns the current state and failure count for telemetry.
func (b *Breaker) Snapshot() (State, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failureCount
}

// Package breaker implements a per-key failure circuit breaker.
//
// After a configured number of consecutive failures for a key, calls for
// that key are short-circuited for a cooldown window so an unreachable
// remote store is not hammered. The first call after the cooldown is let
// through as a trial; any success clears the counter immediately.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Do when a call is short-circuited.
var ErrCircuitOpen = errors.New("circuit open")

// Status describes the breaker state for one key.
type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half_open"
)

type keyState struct {
	failures    int
	lastAttempt time.Time
}

// Breaker tracks consecutive failures per key.
type Breaker struct {
	mu          sync.Mutex
	maxFailures int
	cooldown    time.Duration
	keys        map[string]*keyState

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Breaker that opens after maxFailures consecutive failures
// and retries after cooldown.
func New(maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		keys:        make(map[string]*keyState),
		now:         time.Now,
	}
}

// Allow reports whether a call for key may proceed. When the breaker is open
// and the cooldown has elapsed, Allow admits a single trial call by stamping
// the attempt time.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.keys[key]
	if !ok || s.failures < b.maxFailures {
		return true
	}
	if b.now().Sub(s.lastAttempt) >= b.cooldown {
		// Half-open trial. Stamp the attempt so concurrent callers back off.
		s.lastAttempt = b.now()
		return true
	}
	return false
}

// Success clears the failure counter for key.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
}

// Failure records one failed call for key.
func (b *Breaker) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.keys[key]
	if !ok {
		s = &keyState{}
		b.keys[key] = s
	}
	s.failures++
	s.lastAttempt = b.now()
	if s.failures == b.maxFailures {
		slog.Warn("circuit opened", "key", key, "failures", s.failures, "cooldown", b.cooldown)
	}
}

// Do runs fn for key unless the circuit is open, recording the outcome.
// Returns ErrCircuitOpen when short-circuited.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		b.Failure(key)
		return err
	}
	b.Success(key)
	return nil
}

// State returns the current status for key.
func (b *Breaker) State(key string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.keys[key]
	if !ok || s.failures < b.maxFailures {
		return StatusClosed
	}
	if b.now().Sub(s.lastAttempt) >= b.cooldown {
		return StatusHalfOpen
	}
	return StatusOpen
}

// Reset drops all state for key. Used by the orchestrator's logout cleanup.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
}

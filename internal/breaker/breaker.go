// Package breaker implements a three-state (closed/open/half-open)
// CircuitBreaker per dependency, shedding load fast once a dependency
// is sustained-unhealthy (spec.md §4.5).
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

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
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is wrapped with the breaker name and returned by Allow/Do
// when the breaker is open; a half-open breaker lets every call through.
var ErrOpen = errors.New("circuit breaker open")

// OpenError carries the breaker name alongside ErrOpen so callers can
// attribute a failed run to a specific breaker (spec.md §4.7, §9 "S4").
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open", e.Name)
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// Config parametrizes a breaker.
type Config struct {
	FailureThreshold int
	Timeout          time.Duration
	SuccessThreshold int
}

// SoTBreakerConfig: threshold 5, timeout 60s, success 2 (spec.md §4.5).
func SoTBreakerConfig() Config {
	return Config{FailureThreshold: 5, Timeout: 60 * time.Second, SuccessThreshold: 2}
}

// MarketplaceBreakerConfig: threshold 10, timeout 120s, success 3.
// Higher threshold than SoT because 429s are expected and are not
// counted as breaker failures — they're handled by the Retrier and
// RateGovernor instead (spec.md §4.5).
func MarketplaceBreakerConfig() Config {
	return Config{FailureThreshold: 10, Timeout: 120 * time.Second, SuccessThreshold: 3}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	consecutiveSuccesses int
	openedAt            time.Time
}

func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// currentState reports the effective state, lazily transitioning
// open -> half-open when the timeout has elapsed (spec.md §4.5:
// "state is reported lazily").
func (b *Breaker) currentState() State {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.Timeout {
		b.state = HalfOpen
		b.consecutiveSuccesses = 0
	}
	return b.state
}

// State reports the breaker's current state, resolving a stale open
// state to half-open if its timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Allow reports whether a call may proceed, returning an *OpenError if
// not.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentState() == Open {
		return &OpenError{Name: b.name}
	}
	return nil
}

// Do runs fn if the breaker permits it, recording the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	switch state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	switch state {
	case HalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
		}
	case Closed:
		b.consecutiveFailures = 0
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
}

// Name returns the breaker's configured name, for metrics and the
// /circuit-breakers operator endpoint.
func (b *Breaker) Name() string { return b.name }

// Reset forces the breaker back to closed, used by the operator-only
// POST /circuit-breakers/reset/:name endpoint.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
}

// Registry holds the process's named breakers for the operator HTTP
// surface and metrics exporter.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

func (r *Registry) Register(b *Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[b.Name()] = b
}

func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

func (r *Registry) All() []*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	return out
}

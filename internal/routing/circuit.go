package routing

import (
	"sync"
	"time"

	manager "github.com/codexmgr/codexmgr/internal"
)

// CircuitState represents the per-account circuit breaker state.
type CircuitState int

const (
	// CircuitClosed allows all requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen allows a single probe request.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitConfig holds circuit breaker parameters.
type CircuitConfig struct {
	FailureThreshold int           // consecutive fatal errors to trip
	Cooldown         time.Duration // time in OPEN before a probe is allowed
}

// DefaultCircuitConfig returns the defaults: trip after 3 consecutive
// fatal errors, probe again after 60 seconds.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 3,
		Cooldown:         60 * time.Second,
	}
}

// breaker is a per-account consecutive-failure circuit breaker.
// Unlike an error-rate breaker, a single success fully resets it; only
// an unbroken run of fatal errors trips it.
type breaker struct {
	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	lastUsed  time.Time
	threshold int
	cooldown  time.Duration
}

func newBreaker(cfg CircuitConfig) *breaker {
	return &breaker{
		state:     CircuitClosed,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
	}
}

// canAttempt reports whether a request may be sent through this account.
// An OPEN breaker whose cooldown has elapsed transitions to HALF_OPEN
// here, so recovery never waits for the next account refresh.
func (b *breaker) canAttempt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if now.Sub(b.openedAt) >= b.cooldown {
			b.state = CircuitHalfOpen
			return true
		}
		return false
	}
	return false
}

// recordSuccess resets the breaker to CLOSED regardless of prior state.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failures = 0
}

// recordFatal counts a fatal error and reports whether this call opened
// the circuit. A HALF_OPEN probe failure reopens immediately; in CLOSED
// the breaker opens once the run reaches the threshold.
func (b *breaker) recordFatal(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.openedAt = now
		return true
	case CircuitClosed:
		if b.failures >= b.threshold {
			b.state = CircuitOpen
			b.openedAt = now
			return true
		}
	}
	return false
}

// touch records that the account was just selected.
func (b *breaker) touch(now time.Time) {
	b.mu.Lock()
	b.lastUsed = now
	b.mu.Unlock()
}

// currentState returns the state, applying the OPEN -> HALF_OPEN
// transition if the cooldown has elapsed.
func (b *breaker) currentState(now time.Time) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && now.Sub(b.openedAt) >= b.cooldown {
		b.state = CircuitHalfOpen
	}
	return b.state
}

// breakerRegistry manages per-account breaker instances.
type breakerRegistry struct {
	mu       sync.RWMutex
	breakers map[manager.AccountID]*breaker
	config   CircuitConfig
}

func newBreakerRegistry(cfg CircuitConfig) *breakerRegistry {
	return &breakerRegistry{
		breakers: make(map[manager.AccountID]*breaker),
		config:   cfg,
	}
}

// getOrCreate returns the breaker for the account, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (r *breakerRegistry) getOrCreate(id manager.AccountID) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[id]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[id]; ok {
		return b
	}
	b = newBreaker(r.config)
	r.breakers[id] = b
	return b
}

// openCount returns how many breakers are currently OPEN.
func (r *breakerRegistry) openCount(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, b := range r.breakers {
		if b.currentState(now) == CircuitOpen {
			n++
		}
	}
	return n
}

// retain drops breakers for accounts no longer in the catalog.
func (r *breakerRegistry) retain(ids map[manager.AccountID]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.breakers {
		if _, ok := ids[id]; !ok {
			delete(r.breakers, id)
		}
	}
}

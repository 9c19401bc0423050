package usage

import (
	"sync"
	"time"
)

const (
	defaultMinInterval = 60 * time.Second
	defaultMaxInterval = 3600 * time.Second
)

// Poller tracks per-account refresh scheduling with exponential backoff
// on consecutive failures. It owns no goroutine; the worker drives it.
type Poller struct {
	mu     sync.Mutex
	errors map[string]int // account id -> consecutive failures

	minInterval time.Duration
	maxInterval time.Duration
}

// NewPoller creates a poller with the default 60s..3600s interval bounds.
func NewPoller() *Poller {
	return &Poller{
		errors:      make(map[string]int),
		minInterval: defaultMinInterval,
		maxInterval: defaultMaxInterval,
	}
}

// RecordSuccess resets the account's failure count.
func (p *Poller) RecordSuccess(accountID string) {
	p.mu.Lock()
	delete(p.errors, accountID)
	p.mu.Unlock()
}

// RecordFailure increments the account's failure count.
func (p *Poller) RecordFailure(accountID string) {
	p.mu.Lock()
	p.errors[accountID]++
	p.mu.Unlock()
}

// NextInterval returns how long to wait before the account's next
// refresh: min_interval plus 2^errors seconds (exponent capped at 5),
// bounded by max_interval.
func (p *Poller) NextInterval(accountID string) time.Duration {
	p.mu.Lock()
	n := p.errors[accountID]
	p.mu.Unlock()
	return nextInterval(n, p.minInterval, p.maxInterval)
}

func nextInterval(errors int, minInterval, maxInterval time.Duration) time.Duration {
	exp := min(errors, 5)
	backoff := time.Duration(1<<exp) * time.Second
	return min(minInterval+backoff, maxInterval)
}

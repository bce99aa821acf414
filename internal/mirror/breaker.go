package mirror

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the publish circuit state.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0 // publishing normally
	BreakerOpen     BreakerState = 1 // rejecting until the cooldown passes
	BreakerHalfOpen BreakerState = 2 // one probe allowed through
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned while the breaker rejects calls.
var ErrBreakerOpen = errors.New("mirror: circuit breaker open")

// Breaker trips after limit consecutive failures and rejects calls for
// cooldown. The first call after the cooldown probes; its outcome
// decides whether the circuit closes again or reopens.
type Breaker struct {
	mu       sync.Mutex
	state    BreakerState
	fails    int
	limit    int
	cooldown time.Duration
	lastFail time.Time

	OnChange func(from, to BreakerState)
}

func NewBreaker(limit int, cooldown time.Duration) *Breaker {
	return &Breaker{limit: limit, cooldown: cooldown}
}

// Do runs fn unless the circuit is open.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.state == BreakerOpen {
		if time.Since(b.lastFail) <= b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.shift(BreakerHalfOpen)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.fails++
		b.lastFail = time.Now()
		if b.state == BreakerHalfOpen || b.fails >= b.limit {
			b.shift(BreakerOpen)
		}
		return err
	}
	if b.state == BreakerHalfOpen {
		b.shift(BreakerClosed)
	}
	b.fails = 0
	return nil
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) shift(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == BreakerClosed {
		b.fails = 0
	}
	if b.OnChange != nil {
		b.OnChange(from, to)
	}
}

package candles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
)

var (
	// ErrExhausted: the venue already reported no history older than the
	// series edge; the request was answered without a fetch.
	ErrExhausted = errors.New("history exhausted")
	// ErrBackfillBudget: the fetch failed after all retries. Recoverable,
	// the page can be requested again.
	ErrBackfillBudget = errors.New("backfill budget exhausted")
)

const (
	defaultPageLimit = 500
	maxPageLimit     = 1000
)

// Fetcher retrieves one page of historical candles ending just before
// the given time (exclusive), oldest-first, plus the venue's has-more
// marker. Implemented by the history REST client.
type Fetcher interface {
	FetchCandles(ctx context.Context, asset string, tf model.Timeframe, before int64, limit int) ([]model.Candle, bool, error)
}

// Backfill pulls history pages for one (asset, timeframe) on demand and
// merges them into the aggregator. Concurrent requests for the same page
// coalesce onto a single outstanding fetch; every waiter observes the
// shared outcome. Close cancels all outstanding fetches.
type Backfill struct {
	agg     *Aggregator
	fetcher Fetcher

	Timeout    time.Duration // per-attempt budget (default 5s)
	Retries    int           // attempts after the first (default 2)
	RetryDelay time.Duration // first retry delay, doubles per attempt (default 250ms)

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[int64]*page

	// Optional metrics hooks.
	OnRequest   func() // a page fetch actually started
	OnCoalesced func() // a caller attached to an in-flight page
	OnRetry     func()
	OnFailure   func()
}

// page is one outstanding fetch keyed by its before time.
type page struct {
	done chan struct{}
	err  error
}

// NewBackfill creates a backfill bound to the aggregator. parent scopes
// the whole subscription: cancelling it (or calling Close) fails all
// outstanding fetches.
func NewBackfill(parent context.Context, agg *Aggregator, fetcher Fetcher) *Backfill {
	base, cancel := context.WithCancel(parent)
	return &Backfill{
		agg:        agg,
		fetcher:    fetcher,
		Timeout:    5 * time.Second,
		Retries:    2,
		RetryDelay: 250 * time.Millisecond,
		base:       base,
		cancel:     cancel,
		inflight:   make(map[int64]*page),
	}
}

// Close cancels outstanding fetches. Waiters return promptly.
func (b *Backfill) Close() { b.cancel() }

// Fill requests candles older than before and blocks until the page is
// merged, the ctx is cancelled, or the fetch budget runs out. A request
// below an exhausted edge returns ErrExhausted without any network call.
func (b *Backfill) Fill(ctx context.Context, before int64, limit int) error {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	oldest := b.agg.OldestOpenTime()
	if !b.agg.HasMore() && (oldest == 0 || before <= oldest) {
		return ErrExhausted
	}

	b.mu.Lock()
	p, ok := b.inflight[before]
	if ok {
		b.mu.Unlock()
		if b.OnCoalesced != nil {
			b.OnCoalesced()
		}
	} else {
		p = &page{done: make(chan struct{})}
		b.inflight[before] = p
		b.mu.Unlock()
		if b.OnRequest != nil {
			b.OnRequest()
		}
		go b.fetch(p, before, limit)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return p.err
	}
}

// fetch runs one page under the subscription context so a cancelled
// waiter never kills the shared call.
func (b *Backfill) fetch(p *page, before int64, limit int) {
	defer func() {
		b.mu.Lock()
		delete(b.inflight, before)
		b.mu.Unlock()
		close(p.done)
	}()

	delay := b.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= b.Retries; attempt++ {
		if attempt > 0 {
			if b.OnRetry != nil {
				b.OnRetry()
			}
			select {
			case <-b.base.Done():
				p.err = b.base.Err()
				return
			case <-time.After(delay):
			}
			delay *= 2
		}

		actx, cancel := context.WithTimeout(b.base, b.Timeout)
		candles, hasMore, err := b.fetcher.FetchCandles(actx, b.agg.asset, b.agg.tf, before, limit)
		cancel()
		if err == nil {
			b.agg.MergeHistory(before, candles, hasMore)
			return
		}
		lastErr = err
		if b.base.Err() != nil {
			p.err = b.base.Err()
			return
		}
	}

	if b.OnFailure != nil {
		b.OnFailure()
	}
	p.err = fmt.Errorf("backfill %s/%s before %d: %w (last: %v)",
		b.agg.asset, b.agg.tf, before, ErrBackfillBudget, lastErr)
}

package model

// Level is a single price level on one side of the book.
// A Size of 0 is a tombstone: the level is removed from the book.
type Level struct {
	Px float64 `json:"px"`
	Sz float64 `json:"sz"`
}

// Book is an immutable published view of one asset's order book.
// Bids are sorted by price descending, asks ascending, prices unique
// within a side. Sequence is the venue's monotonic update counter for
// this asset; consumers use it only for display/debugging, gap handling
// happens before publication.
type Book struct {
	Asset    string  `json:"asset"`
	Sequence uint64  `json:"sequence"`
	Time     int64   `json:"time"` // venue timestamp, ms since epoch
	Bids     []Level `json:"bids"`
	Asks     []Level `json:"asks"`
	// Stale is set while the book is known to be behind the venue
	// (sequence gap or reconnect) and a fresh snapshot is pending.
	Stale bool `json:"stale"`
}

// BestBid returns the highest bid. ok is false while the side is empty.
func (b *Book) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask. ok is false while the side is empty.
func (b *Book) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Spread returns bestAsk - bestBid. ok is false while either side is empty.
func (b *Book) Spread() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return ask.Px - bid.Px, true
}

// SpreadPct returns the spread as a fraction of the mid price.
func (b *Book) SpreadPct() (float64, bool) {
	spread, ok := b.Spread()
	if !ok {
		return 0, false
	}
	mid, _ := b.Mid()
	if mid == 0 {
		return 0, false
	}
	return spread / mid, true
}

// Mid returns (bestBid + bestAsk) / 2. ok is false while either side is empty.
func (b *Book) Mid() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Px + ask.Px) / 2, true
}

// Crossed reports whether bestBid >= bestAsk. A crossed book is a
// reconciliation fault and is never published.
func (b *Book) Crossed() bool {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	return okB && okA && bid.Px >= ask.Px
}

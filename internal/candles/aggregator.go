// Package candles maintains the OHLCV series for one (asset, timeframe)
// subscription: live merge of ticks and venue candle updates at the hot
// edge, pull-based history backfill at the cold edge.
package candles

import (
	"sync"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
)

// Aggregator holds the candle series for a single (asset, timeframe).
// The series is oldest-first with strictly increasing, bucket-aligned
// open times; while live data flows, the last element is the forming
// candle. Every mutation republishes an immutable Series copy through
// OnPublish.
//
// Thread-safe: live updates and backfill merges may race.
type Aggregator struct {
	mu       sync.Mutex
	asset    string
	tf       model.Timeframe
	candles  []model.Candle
	forming  bool // last element is the forming candle
	hasMore  bool
	rejected uint64

	// Hooks run while the aggregator lock is held; they must not block.
	OnPublish  func(*model.Series) // every accepted mutation
	OnSealed   func(model.Candle)  // forming candle closed by rollover
	OnRejected func()              // late tick/update dropped
}

// New creates an empty aggregator. History is presumed available until
// the venue reports otherwise.
func New(asset string, tf model.Timeframe) *Aggregator {
	return &Aggregator{asset: asset, tf: tf, hasMore: true}
}

// ApplyTick folds one trade print into the forming candle. The first
// tick of a bucket seals the previous forming candle and opens a new
// one at open=high=low=close=px. Ticks older than the latest bucket are
// dropped.
func (a *Aggregator) ApplyTick(px, sz float64, ts int64) {
	bucket := a.tf.Bucket(ts)

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.candles) == 0 {
		a.candles = append(a.candles, model.Candle{
			OpenTime: bucket, Open: px, High: px, Low: px, Close: px, Volume: sz,
		})
		a.forming = true
		a.publish()
		return
	}

	last := len(a.candles) - 1
	switch lastOpen := a.candles[last].OpenTime; {
	case bucket == lastOpen:
		c := &a.candles[last]
		if px > c.High {
			c.High = px
		}
		if px < c.Low {
			c.Low = px
		}
		c.Close = px
		c.Volume += sz
		a.forming = true
		a.publish()

	case bucket > lastOpen:
		a.seal(last)
		a.candles = append(a.candles, model.Candle{
			OpenTime: bucket, Open: px, High: px, Low: px, Close: px, Volume: sz,
		})
		a.forming = true
		a.publish()

	default:
		// Late tick: its bucket is already sealed.
		a.reject()
	}
}

// ApplyUpdate upserts an authoritative candle from the venue's candle
// channel. Same-bucket updates replace the forming candle wholesale, a
// newer bucket seals and rolls over, older buckets are rejected.
func (a *Aggregator) ApplyUpdate(c model.Candle) {
	if c.OpenTime != a.tf.Bucket(c.OpenTime) {
		a.mu.Lock()
		a.reject()
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.candles) == 0 {
		a.candles = append(a.candles, c)
		a.forming = true
		a.publish()
		return
	}

	last := len(a.candles) - 1
	switch lastOpen := a.candles[last].OpenTime; {
	case c.OpenTime == lastOpen:
		a.candles[last] = c
		a.forming = true
		a.publish()

	case c.OpenTime > lastOpen:
		a.seal(last)
		a.candles = append(a.candles, c)
		a.forming = true
		a.publish()

	default:
		a.reject()
	}
}

// MergeHistory folds a backfill response for the window ending at
// before (exclusive) into the cold edge of the series, deduplicated by
// open time with existing entries winning. Returns how many candles
// were inserted.
func (a *Aggregator) MergeHistory(before int64, fetched []model.Candle, hasMore bool) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	prevOldest := int64(0)
	if len(a.candles) > 0 {
		prevOldest = a.candles[0].OpenTime
	}
	prevHasMore := a.hasMore

	have := make(map[int64]struct{}, len(a.candles))
	for _, c := range a.candles {
		have[c.OpenTime] = struct{}{}
	}

	var formingBucket int64 = -1
	if a.forming {
		formingBucket = a.candles[len(a.candles)-1].OpenTime
	}

	inserted := 0
	for _, c := range fetched {
		if c.OpenTime != a.tf.Bucket(c.OpenTime) {
			a.reject()
			continue
		}
		if formingBucket >= 0 && c.OpenTime > formingBucket {
			// History cannot postdate the live edge.
			a.reject()
			continue
		}
		if _, dup := have[c.OpenTime]; dup {
			continue
		}
		have[c.OpenTime] = struct{}{}
		a.candles = insertByOpenTime(a.candles, c)
		inserted++
	}

	// Exhaustion only applies when this response extended the old edge;
	// a redundant mid-series response must not clobber it.
	if prevOldest == 0 || before <= prevOldest {
		a.hasMore = hasMore
	}

	if inserted > 0 || a.hasMore != prevHasMore {
		a.publish()
	}
	return inserted
}

// Series returns an immutable copy of the current state.
func (a *Aggregator) Series() *model.Series {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.series()
}

// HasMore reports whether older history may still exist.
func (a *Aggregator) HasMore() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasMore
}

// OldestOpenTime returns the open time of the oldest candle, 0 if empty.
func (a *Aggregator) OldestOpenTime() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.candles) == 0 {
		return 0
	}
	return a.candles[0].OpenTime
}

// Rejected returns the lifetime count of dropped ticks/updates.
func (a *Aggregator) Rejected() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rejected
}

func (a *Aggregator) series() *model.Series {
	out := make([]model.Candle, len(a.candles))
	copy(out, a.candles)
	return &model.Series{Asset: a.asset, TF: a.tf, Candles: out, HasMore: a.hasMore}
}

func (a *Aggregator) publish() {
	if a.OnPublish != nil {
		a.OnPublish(a.series())
	}
}

func (a *Aggregator) seal(idx int) {
	if a.forming && a.OnSealed != nil {
		a.OnSealed(a.candles[idx])
	}
	a.forming = false
}

func (a *Aggregator) reject() {
	a.rejected++
	if a.OnRejected != nil {
		a.OnRejected()
	}
}

// insertByOpenTime inserts c keeping ascending open-time order. Backfill
// batches arrive oldest-first below the existing range, so the scan from
// the front stays short.
func insertByOpenTime(candles []model.Candle, c model.Candle) []model.Candle {
	idx := 0
	for idx < len(candles) && candles[idx].OpenTime < c.OpenTime {
		idx++
	}
	candles = append(candles, model.Candle{})
	copy(candles[idx+1:], candles[idx:])
	candles[idx] = c
	return candles
}


// Package book reconciles one asset's order book from the venue's
// snapshot/delta stream. It enforces the sequence contract (every delta
// must carry watermark+1) and never lets an inconsistent book escape:
// gaps and crossed results surface as errors and the previous good book
// stands until a fresh snapshot arrives.
package book

import (
	"errors"
	"sort"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
	"github.com/bowen31337/liquidVex-sub003/internal/wire"
)

var (
	// ErrGap: delta sequence does not extend the watermark. The caller
	// marks the published book stale and requests a fresh snapshot.
	ErrGap = errors.New("sequence gap")
	// ErrCrossed: applying the update would publish bestBid >= bestAsk.
	// Recovered the same way as a gap.
	ErrCrossed = errors.New("crossed book")
	// ErrAwaitingSnapshot: delta dropped while a resnapshot is pending.
	ErrAwaitingSnapshot = errors.New("awaiting snapshot")
)

// Reconciler holds the working book for a single asset. Not safe for
// concurrent use; the dispatch goroutine is the only caller.
type Reconciler struct {
	asset     string
	watermark uint64
	awaiting  bool // true until the next snapshot lands
	current   *model.Book
}

// New returns a reconciler that discards deltas until the first snapshot.
func New(asset string) *Reconciler {
	return &Reconciler{asset: asset, awaiting: true}
}

// Current returns the last accepted book, nil before the first snapshot.
func (r *Reconciler) Current() *model.Book { return r.current }

// Watermark returns the sequence of the last accepted update.
func (r *Reconciler) Watermark() uint64 { return r.watermark }

// Invalidate discards deltas until the next snapshot. Called when the
// connection drops or a resnapshot was requested out-of-band.
func (r *Reconciler) Invalidate() { r.awaiting = true }

// ApplySnapshot replaces the book wholesale and resets the watermark.
// Snapshot levels are normalized (sorted, tombstones dropped); a crossed
// snapshot is rejected with ErrCrossed.
func (r *Reconciler) ApplySnapshot(m *wire.BookMsg) (*model.Book, error) {
	b := &model.Book{
		Asset:    r.asset,
		Sequence: m.Sequence,
		Time:     m.Time,
		Bids:     normalize(m.Bids, true),
		Asks:     normalize(m.Asks, false),
	}
	if b.Crossed() {
		r.awaiting = true
		return nil, ErrCrossed
	}
	r.current = b
	r.watermark = m.Sequence
	r.awaiting = false
	return b, nil
}

// ApplyDelta applies an incremental update copy-on-write and returns the
// next book version. The stored book never changes on error.
func (r *Reconciler) ApplyDelta(m *wire.BookMsg) (*model.Book, error) {
	if r.awaiting || r.current == nil {
		return nil, ErrAwaitingSnapshot
	}
	if m.Sequence != r.watermark+1 {
		r.awaiting = true
		return nil, ErrGap
	}

	b := &model.Book{
		Asset:    r.asset,
		Sequence: m.Sequence,
		Time:     m.Time,
		Bids:     applySide(r.current.Bids, m.Bids, true),
		Asks:     applySide(r.current.Asks, m.Asks, false),
	}
	if b.Crossed() {
		r.awaiting = true
		return nil, ErrCrossed
	}
	r.current = b
	r.watermark = m.Sequence
	return b, nil
}

// normalize sorts snapshot levels and drops tombstones. Duplicate prices
// keep the last occurrence (venue order wins).
func normalize(pairs []wire.LevelPair, desc bool) []model.Level {
	byPx := make(map[float64]float64, len(pairs))
	order := make([]float64, 0, len(pairs))
	for _, p := range pairs {
		lv := p.Level()
		if _, seen := byPx[lv.Px]; !seen {
			order = append(order, lv.Px)
		}
		byPx[lv.Px] = lv.Sz
	}
	out := make([]model.Level, 0, len(order))
	for _, px := range order {
		if sz := byPx[px]; sz > 0 {
			out = append(out, model.Level{Px: px, Sz: sz})
		}
	}
	sortSide(out, desc)
	return out
}

// applySide copies levels and applies changes, keeping the side sorted
// and prices unique. A tombstone for an absent price is a no-op.
func applySide(levels []model.Level, changes []wire.LevelPair, desc bool) []model.Level {
	out := make([]model.Level, len(levels))
	copy(out, levels)
	for _, p := range changes {
		lv := p.Level()
		idx, found := search(out, lv.Px, desc)
		switch {
		case found && lv.Sz == 0:
			out = append(out[:idx], out[idx+1:]...)
		case found:
			out[idx].Sz = lv.Sz
		case lv.Sz == 0:
			// removing an absent level: no-op
		default:
			out = append(out, model.Level{})
			copy(out[idx+1:], out[idx:])
			out[idx] = lv
		}
	}
	return out
}

// search finds px in a sorted side. Returns the index holding px when
// found, otherwise the insertion index keeping the side sorted.
func search(levels []model.Level, px float64, desc bool) (int, bool) {
	idx := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Px <= px
		}
		return levels[i].Px >= px
	})
	if idx < len(levels) && levels[idx].Px == px {
		return idx, true
	}
	return idx, false
}

func sortSide(levels []model.Level, desc bool) {
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Px > levels[j].Px
		}
		return levels[i].Px < levels[j].Px
	})
}

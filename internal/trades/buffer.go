// Package trades keeps the bounded recent-trades window for one asset.
package trades

import (
	"sort"
	"sync"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
)

// Buffer is a fixed-capacity trade window ordered by (Time, Hash),
// oldest first, deduplicated by hash. When full, accepting a new trade
// evicts the oldest; a trade older than everything retained is dropped
// outright, since it would be the eviction victim itself.
//
// Thread-safe for concurrent writes and reads.
type Buffer struct {
	mu     sync.RWMutex
	buf    []model.Trade // (Time, Hash) ascending
	cap    int
	seen   map[string]struct{} // hashes currently retained
	dupes  uint64
	evicts uint64

	// Optional metrics hooks, called outside the hot lock.
	OnDuplicate func()
	OnEvict     func()
}

// NewBuffer creates a trade buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &Buffer{
		buf:  make([]model.Trade, 0, capacity),
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

// Append inserts one trade in (Time, Hash) order. Returns false when the
// trade was dropped: a duplicate hash, or older than the full window.
func (b *Buffer) Append(t model.Trade) bool {
	b.mu.Lock()
	accepted, dup, evicted := b.append(t)
	b.mu.Unlock()

	if dup && b.OnDuplicate != nil {
		b.OnDuplicate()
	}
	if evicted && b.OnEvict != nil {
		b.OnEvict()
	}
	return accepted
}

// AppendBatch inserts a batch as sent by the venue and returns how many
// trades were accepted.
func (b *Buffer) AppendBatch(ts []model.Trade) int {
	var accepted, dups, evictions int
	b.mu.Lock()
	for _, t := range ts {
		ok, dup, evicted := b.append(t)
		if ok {
			accepted++
		}
		if dup {
			dups++
		}
		if evicted {
			evictions++
		}
	}
	b.mu.Unlock()

	if b.OnDuplicate != nil {
		for i := 0; i < dups; i++ {
			b.OnDuplicate()
		}
	}
	if b.OnEvict != nil {
		for i := 0; i < evictions; i++ {
			b.OnEvict()
		}
	}
	return accepted
}

// append holds the lock. Returns (accepted, duplicate, evicted).
func (b *Buffer) append(t model.Trade) (bool, bool, bool) {
	if _, ok := b.seen[t.Hash]; ok {
		b.dupes++
		return false, true, false
	}

	idx := sort.Search(len(b.buf), func(i int) bool {
		return !b.buf[i].Before(&t)
	})

	if len(b.buf) == b.cap {
		if idx == 0 {
			// Older than the whole retained window.
			b.evicts++
			return false, false, true
		}
		// Evict the oldest to make room.
		delete(b.seen, b.buf[0].Hash)
		copy(b.buf, b.buf[1:])
		b.buf = b.buf[:len(b.buf)-1]
		idx--
		b.evicts++
		b.seen[t.Hash] = struct{}{}
		b.insertAt(idx, t)
		return true, false, true
	}

	b.seen[t.Hash] = struct{}{}
	b.insertAt(idx, t)
	return true, false, false
}

func (b *Buffer) insertAt(idx int, t model.Trade) {
	b.buf = append(b.buf, model.Trade{})
	copy(b.buf[idx+1:], b.buf[idx:])
	b.buf[idx] = t
}

// View returns a newest-first copy of the window.
func (b *Buffer) View() []model.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Trade, len(b.buf))
	for i, t := range b.buf {
		out[len(b.buf)-1-i] = t
	}
	return out
}

// Len returns the number of trades currently retained.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buf)
}

// Stats returns lifetime duplicate and eviction counts.
func (b *Buffer) Stats() (dupes, evicts uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dupes, b.evicts
}

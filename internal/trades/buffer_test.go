package trades

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
)

func trade(ts int64, hash string) model.Trade {
	return model.Trade{Coin: "BTC", Side: model.SideBuy, Px: 100, Sz: 1, Time: ts, Hash: hash}
}

func TestAppendOrdersByTimeThenHash(t *testing.T) {
	t.Parallel()

	b := NewBuffer(10)
	require.True(t, b.Append(trade(200, "0xbb")))
	require.True(t, b.Append(trade(100, "0xaa")))
	require.True(t, b.Append(trade(200, "0xab")))
	require.True(t, b.Append(trade(300, "0xcc")))

	view := b.View()
	require.Len(t, view, 4)
	// Newest first; ties at time 200 break on hash.
	assert.Equal(t, "0xcc", view[0].Hash)
	assert.Equal(t, "0xbb", view[1].Hash)
	assert.Equal(t, "0xab", view[2].Hash)
	assert.Equal(t, int64(100), view[3].Time)
}

func TestDuplicateHashIsNoop(t *testing.T) {
	t.Parallel()

	b := NewBuffer(10)
	var dupes int
	b.OnDuplicate = func() { dupes++ }

	require.True(t, b.Append(trade(100, "0xa")))
	before := b.View()

	assert.False(t, b.Append(trade(100, "0xa")))
	// Same hash at a different time is still the same trade.
	assert.False(t, b.Append(trade(150, "0xa")))

	assert.Equal(t, before, b.View())
	assert.Equal(t, 2, dupes)
}

func TestCapacityEvictsOldest(t *testing.T) {
	t.Parallel()

	b := NewBuffer(3)
	for i := 1; i <= 3; i++ {
		require.True(t, b.Append(trade(int64(i*100), fmt.Sprintf("0x%d", i))))
	}
	require.Equal(t, 3, b.Len())

	require.True(t, b.Append(trade(400, "0x4")))
	assert.Equal(t, 3, b.Len())

	view := b.View()
	assert.Equal(t, "0x4", view[0].Hash)
	assert.Equal(t, "0x2", view[2].Hash) // 0x1 evicted

	_, evicts := b.Stats()
	assert.Equal(t, uint64(1), evicts)
}

func TestOlderThanFullWindowDropped(t *testing.T) {
	t.Parallel()

	b := NewBuffer(2)
	require.True(t, b.Append(trade(200, "0xb")))
	require.True(t, b.Append(trade(300, "0xc")))

	assert.False(t, b.Append(trade(100, "0xa")))
	view := b.View()
	require.Len(t, view, 2)
	assert.Equal(t, "0xc", view[0].Hash)
	assert.Equal(t, "0xb", view[1].Hash)
}

func TestEvictionFreesHashForReuse(t *testing.T) {
	t.Parallel()

	// Dedup is scoped to the retained window: once evicted, a hash may
	// re-enter (venues recycle nothing in practice, but the window must
	// not grow a global seen-set).
	b := NewBuffer(2)
	require.True(t, b.Append(trade(100, "0xa")))
	require.True(t, b.Append(trade(200, "0xb")))
	require.True(t, b.Append(trade(300, "0xc"))) // evicts 0xa

	assert.True(t, b.Append(trade(400, "0xa")))
}

func TestAppendBatch(t *testing.T) {
	t.Parallel()

	b := NewBuffer(10)
	n := b.AppendBatch([]model.Trade{
		trade(100, "0xa"),
		trade(100, "0xa"), // duplicate inside the batch
		trade(200, "0xb"),
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, b.Len())

	dupes, _ := b.Stats()
	assert.Equal(t, uint64(1), dupes)
}

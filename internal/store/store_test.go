package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
)

func TestBookPublishAndRead(t *testing.T) {
	t.Parallel()

	s := New(4)
	_, ok := s.GetOrderBook("BTC")
	assert.False(t, ok)

	b := &model.Book{Asset: "BTC", Sequence: 7, Bids: []model.Level{{Px: 100, Sz: 1}}}
	s.SetBook(b)

	got, ok := s.GetOrderBook("BTC")
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestMarkBookStale(t *testing.T) {
	t.Parallel()

	s := New(4)
	s.MarkBookStale("BTC") // no book yet: no-op

	orig := &model.Book{Asset: "BTC", Sequence: 7}
	s.SetBook(orig)
	s.MarkBookStale("BTC")

	got, ok := s.GetOrderBook("BTC")
	require.True(t, ok)
	assert.True(t, got.Stale)
	assert.Equal(t, uint64(7), got.Sequence)
	// The previously published view is untouched.
	assert.False(t, orig.Stale)

	// Idempotent while already stale.
	s.MarkBookStale("BTC")
	again, _ := s.GetOrderBook("BTC")
	assert.Same(t, got, again)
}

func TestSeriesPerTimeframe(t *testing.T) {
	t.Parallel()

	s := New(4)
	s.SetSeries(&model.Series{Asset: "ETH", TF: model.TF1m, Candles: []model.Candle{{OpenTime: 60_000}}, HasMore: true})
	s.SetSeries(&model.Series{Asset: "ETH", TF: model.TF5m, Candles: []model.Candle{{OpenTime: 300_000}}, HasMore: false})

	m1, ok := s.GetCandleSeries("ETH", model.TF1m)
	require.True(t, ok)
	assert.Equal(t, int64(60_000), m1.Candles[0].OpenTime)

	m5, ok := s.GetCandleSeries("ETH", model.TF5m)
	require.True(t, ok)
	assert.False(t, m5.HasMore)

	_, ok = s.GetCandleSeries("ETH", model.TF1h)
	assert.False(t, ok)
}

func TestReleaseDropsViewsAndAsset(t *testing.T) {
	t.Parallel()

	s := New(4)
	s.SetBook(&model.Book{Asset: "BTC"})
	s.SetTrades("BTC", []model.Trade{{Hash: "0xa"}})
	s.SetSeries(&model.Series{Asset: "BTC", TF: model.TF1m})

	s.Release("BTC", model.ChannelOrderbook, "")
	_, ok := s.GetOrderBook("BTC")
	assert.False(t, ok)
	_, ok = s.GetRecentTrades("BTC")
	assert.True(t, ok)

	s.Release("BTC", model.ChannelTrades, "")
	s.Release("BTC", model.ChannelCandles, model.TF1m)
	assert.Empty(t, s.Assets())
}

func TestWatchFiltersAndCloses(t *testing.T) {
	t.Parallel()

	s := New(4)
	all := s.Watch("", "")
	btcBooks := s.Watch("BTC", model.ChannelOrderbook)

	s.SetBook(&model.Book{Asset: "BTC"})
	s.SetBook(&model.Book{Asset: "ETH"})
	s.SetTrades("BTC", nil)

	assert.Equal(t, Update{Asset: "BTC", Channel: model.ChannelOrderbook}, <-all.C())
	assert.Equal(t, Update{Asset: "ETH", Channel: model.ChannelOrderbook}, <-all.C())
	assert.Equal(t, Update{Asset: "BTC", Channel: model.ChannelTrades}, <-all.C())

	// The filtered watcher saw only the BTC book.
	assert.Equal(t, Update{Asset: "BTC", Channel: model.ChannelOrderbook}, <-btcBooks.C())
	assert.Empty(t, btcBooks.C())

	btcBooks.Close()
	s.SetBook(&model.Book{Asset: "BTC"})
	_, open := <-btcBooks.C()
	assert.False(t, open)

	all.Close()
	all.Close() // double close is safe
}

func TestWatchDropsWhenFull(t *testing.T) {
	t.Parallel()

	s := New(1)
	var drops int
	var mu sync.Mutex
	s.OnDrop = func(asset, channel string) {
		mu.Lock()
		drops++
		mu.Unlock()
	}

	w := s.Watch("", "")
	defer w.Close()

	s.SetBook(&model.Book{Asset: "BTC"}) // fills the buffer
	s.SetBook(&model.Book{Asset: "BTC"}) // dropped
	s.SetBook(&model.Book{Asset: "BTC"}) // dropped

	mu.Lock()
	assert.Equal(t, 2, drops)
	mu.Unlock()

	// The reader still converges on the latest state.
	<-w.C()
	got, ok := s.GetOrderBook("BTC")
	require.True(t, ok)
	assert.NotNil(t, got)
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	t.Parallel()

	s := New(4)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.SetBook(&model.Book{Asset: "BTC", Sequence: uint64(i + 1)})
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				if b, ok := s.GetOrderBook("BTC"); ok {
					// Sequences only move forward.
					assert.GreaterOrEqual(t, b.Sequence, last)
					last = b.Sequence
				}
				select {
				case <-stop:
					return
				default:
				}
			}
		}()
	}
	wg.Wait()
}

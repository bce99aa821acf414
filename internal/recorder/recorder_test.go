package recorder

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
)

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := New(Config{Path: filepath.Join(t.TempDir(), "market.db")})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecordAndFlush(t *testing.T) {
	t.Parallel()

	r := openTestRecorder(t)
	var commits atomic.Int32
	r.OnCommit = func(rows int, _ time.Duration) { commits.Add(int32(rows)) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	r.RecordCandle("BTC", model.TF1m, model.Candle{
		OpenTime: 1_700_000_040_000, Open: 1, High: 2, Low: 1, Close: 2, Volume: 3,
	})
	r.RecordCandle("BTC", model.TF1m, model.Candle{
		OpenTime: 1_700_000_100_000, Open: 2, High: 3, Low: 2, Close: 3, Volume: 4,
	})
	r.RecordTrades([]model.Trade{
		{Coin: "BTC", Side: model.SideBuy, Px: 100, Sz: 1, Time: 1_700_000_040_100, Hash: "0xaa"},
		{Coin: "BTC", Side: model.SideSell, Px: 101, Sz: 2, Time: 1_700_000_040_200, Hash: "0xab"},
	})

	require.Eventually(t, func() bool { return commits.Load() == 4 },
		5*time.Second, 10*time.Millisecond)

	last, err := r.LastCandleTime("BTC", model.TF1m)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_100_000), last)

	n, err := r.TradeCount("BTC")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cancel()
	<-done
}

func TestDuplicateTradeIgnored(t *testing.T) {
	t.Parallel()

	r := openTestRecorder(t)

	trade := model.Trade{Coin: "ETH", Side: model.SideBuy, Px: 10, Sz: 1, Time: 1, Hash: "0xcc"}
	require.NoError(t, r.commit(nil, []model.Trade{trade}))
	require.NoError(t, r.commit(nil, []model.Trade{trade}))

	n, err := r.TradeCount("ETH")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSealedCandleReplacedOnRewrite(t *testing.T) {
	t.Parallel()

	r := openTestRecorder(t)

	c := SealedCandle{Asset: "BTC", TF: model.TF5m, Candle: model.Candle{OpenTime: 600_000, Close: 5}}
	require.NoError(t, r.commit([]SealedCandle{c}, nil))

	c.Close = 7
	require.NoError(t, r.commit([]SealedCandle{c}, nil))

	var gotClose float64
	err := r.DB().QueryRow(
		`SELECT close FROM candles WHERE asset = ? AND tf = ? AND ts = ?`,
		"BTC", "5m", int64(600_000),
	).Scan(&gotClose)
	require.NoError(t, err)
	assert.Equal(t, 7.0, gotClose)
}

func TestEmptyTablesReportZero(t *testing.T) {
	t.Parallel()

	r := openTestRecorder(t)

	last, err := r.LastCandleTime("BTC", model.TF1m)
	require.NoError(t, err)
	assert.Zero(t, last)

	n, err := r.TradeCount("BTC")
	require.NoError(t, err)
	assert.Zero(t, n)
}

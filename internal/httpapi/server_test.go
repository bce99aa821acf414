package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowen31337/liquidVex-sub003/internal/candles"
	"github.com/bowen31337/liquidVex-sub003/internal/engine"
	"github.com/bowen31337/liquidVex-sub003/internal/model"
	"github.com/bowen31337/liquidVex-sub003/internal/subs"
)

type stubData struct {
	book   *model.Book
	trades []model.Trade
	series *model.Series
	subs   []subs.State

	histErr    error
	histCalls  int
	histBefore int64
}

func (s *stubData) Book(asset string) (*model.Book, bool) {
	if s.book == nil || s.book.Asset != asset {
		return nil, false
	}
	return s.book, true
}

func (s *stubData) Trades(asset string) ([]model.Trade, bool) {
	if s.trades == nil {
		return nil, false
	}
	return s.trades, true
}

func (s *stubData) Candles(asset string, tf model.Timeframe) (*model.Series, bool) {
	if s.series == nil || s.series.Asset != asset || s.series.TF != tf {
		return nil, false
	}
	return s.series, true
}

func (s *stubData) RequestHistory(_ context.Context, _ string, _ model.Timeframe, before int64) error {
	s.histCalls++
	s.histBefore = before
	return s.histErr
}

func (s *stubData) Subscriptions() []subs.State { return s.subs }
func (s *stubData) ConnState() model.ConnState  { return model.StateOpen }
func (s *stubData) Generation() uint64          { return 3 }

func doGet(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	router.ServeHTTP(rec, req)
	return rec
}

func newTestServer(data MarketData) *Server {
	return NewServer("", data, nil)
}

func TestGetOrderBook(t *testing.T) {
	stub := &stubData{book: &model.Book{
		Asset:    "BTC",
		Sequence: 11,
		Bids:     []model.Level{{Px: 100, Sz: 1}},
		Asks:     []model.Level{{Px: 101, Sz: 2}},
		Stale:    true,
	}}
	router := newTestServer(stub).Router()

	rec := doGet(t, router, "/api/market/orderbook?asset=BTC")
	assert.Equal(t, http.StatusOK, rec.Code)

	var b model.Book
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.Equal(t, uint64(11), b.Sequence)
	assert.True(t, b.Stale)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeaderKey))
}

func TestGetOrderBookErrors(t *testing.T) {
	router := newTestServer(&stubData{}).Router()

	rec := doGet(t, router, "/api/market/orderbook")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doGet(t, router, "/api/market/orderbook?asset=DOGE")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not subscribed", body["error"])
	assert.NotEmpty(t, body["request_id"])
}

func TestGetTrades(t *testing.T) {
	stub := &stubData{trades: []model.Trade{
		{Coin: "BTC", Side: model.SideBuy, Px: 100, Sz: 1, Time: 2, Hash: "0xab"},
		{Coin: "BTC", Side: model.SideSell, Px: 99, Sz: 2, Time: 1, Hash: "0xaa"},
	}}
	router := newTestServer(stub).Router()

	rec := doGet(t, router, "/api/market/trades?asset=BTC")
	assert.Equal(t, http.StatusOK, rec.Code)

	var ts []model.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ts))
	require.Len(t, ts, 2)
	assert.Equal(t, "0xab", ts[0].Hash)
}

func TestGetCandles(t *testing.T) {
	stub := &stubData{series: &model.Series{
		Asset:   "BTC",
		TF:      model.TF5m,
		Candles: []model.Candle{{OpenTime: 1_700_000_100_000, Close: 42}},
		HasMore: true,
	}}
	router := newTestServer(stub).Router()

	rec := doGet(t, router, "/api/market/candles?asset=BTC&timeframe=5m")
	assert.Equal(t, http.StatusOK, rec.Code)

	var sr model.Series
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sr))
	assert.True(t, sr.HasMore)
	assert.Zero(t, stub.histCalls)

	rec = doGet(t, router, "/api/market/candles?asset=BTC&timeframe=7x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCandlesWithBackfill(t *testing.T) {
	stub := &stubData{series: &model.Series{Asset: "BTC", TF: model.TF1m}}
	router := newTestServer(stub).Router()

	rec := doGet(t, router, "/api/market/candles?asset=BTC&before=1700000100000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, stub.histCalls)
	assert.Equal(t, int64(1_700_000_100_000), stub.histBefore)

	// exhausted history still answers with the current series
	stub.histErr = candles.ErrExhausted
	rec = doGet(t, router, "/api/market/candles?asset=BTC&before=1")
	assert.Equal(t, http.StatusOK, rec.Code)

	stub.histErr = engine.ErrNotSubscribed
	rec = doGet(t, router, "/api/market/candles?asset=BTC&before=1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	stub.histErr = errors.New("venue down")
	rec = doGet(t, router, "/api/market/candles?asset=BTC&before=1")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = doGet(t, router, "/api/market/candles?asset=BTC&before=nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStatus(t *testing.T) {
	stub := &stubData{subs: []subs.State{
		{Key: subs.Key{Channel: model.ChannelOrderbook, Asset: "BTC"}, Refs: 2, Acked: true},
	}}
	router := newTestServer(stub).Router()

	rec := doGet(t, router, "/api/market/status")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ConnState     string  `json:"conn_state"`
		Generation    uint64  `json:"generation"`
		Subscriptions []gin.H `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "open", body.ConnState)
	assert.Equal(t, uint64(3), body.Generation)
	require.Len(t, body.Subscriptions, 1)
}

func TestRequestIDEchoed(t *testing.T) {
	router := newTestServer(&stubData{}).Router()

	rec := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/market/status", nil)
	req.Header.Set(requestIDHeaderKey, "fixed-id-1")
	router.ServeHTTP(rec, req)

	assert.Equal(t, "fixed-id-1", rec.Header().Get(requestIDHeaderKey))
}

func TestCORSPreflights(t *testing.T) {
	router := newTestServer(&stubData{}).Router()

	rec := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodOptions, "/api/market/status", nil)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

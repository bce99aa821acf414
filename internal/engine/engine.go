// Package engine wires the connection, subscription registry, per-asset
// reconcilers, aggregators and trade buffers into one sync pipeline. A
// single dispatch goroutine consumes parsed frames and routes them; the
// published views live in the store and are safe to read from anywhere.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bowen31337/liquidVex-sub003/internal/book"
	"github.com/bowen31337/liquidVex-sub003/internal/candles"
	"github.com/bowen31337/liquidVex-sub003/internal/conn"
	"github.com/bowen31337/liquidVex-sub003/internal/model"
	"github.com/bowen31337/liquidVex-sub003/internal/store"
	"github.com/bowen31337/liquidVex-sub003/internal/subs"
	"github.com/bowen31337/liquidVex-sub003/internal/trades"
	"github.com/bowen31337/liquidVex-sub003/internal/wire"
)

// ErrNotSubscribed is returned for history requests on a tuple that has
// no active candle subscription.
var ErrNotSubscribed = errors.New("not subscribed")

// Conn is the transport the engine consumes. *conn.Manager satisfies it.
type Conn interface {
	Run(ctx context.Context) error
	Frames() <-chan conn.Frame
	Send(v any) error
	Generation() uint64
	State() model.ConnState
}

// Config assembles an engine.
type Config struct {
	Conn    Conn
	Fetcher candles.Fetcher // history pages; nil disables backfill
	Store   *store.Store    // created when nil

	// TradeDepth bounds each asset's trade window. 0 means the buffer
	// default.
	TradeDepth int
}

// Engine owns the market-data pipeline for one venue connection.
// Set hooks before Run; they fire on the dispatch goroutine (or a
// backfill goroutine for the backfill hooks) and must not block.
type Engine struct {
	conn    Conn
	subs    *subs.Registry
	store   *store.Store
	fetcher candles.Fetcher
	depth   int
	log     *slog.Logger

	gen atomic.Uint64 // generation whose frames we accept

	base       context.Context // scopes backfill fetches
	baseCancel context.CancelFunc

	mu      sync.RWMutex
	assets  map[string]*assetEntity
	lastGen uint64 // dispatch-local, guards reconciler invalidation

	OnFrame             func(channel string)
	OnStale             func()
	OnMalformed         func(err error)
	OnGap               func(asset string)
	OnCrossed           func(asset string)
	OnResnapshot        func(asset string)
	OnTrades            func(asset string, accepted []model.Trade)
	OnDuplicateTrade    func(asset string)
	OnSealed            func(asset string, tf model.Timeframe, c model.Candle)
	OnCandleReject      func(asset string, tf model.Timeframe)
	OnBackfillRequest   func()
	OnBackfillCoalesced func()
	OnBackfillRetry     func()
	OnBackfillFailure   func()
	OnDispatch          func(d time.Duration)
	OnStateChange       func(st model.ConnState)
}

// assetEntity groups the per-asset working state. Which fields are live
// depends on the active subscriptions.
type assetEntity struct {
	book    *book.Reconciler
	trades  *trades.Buffer
	candles map[model.Timeframe]*candleState
}

func (e *assetEntity) empty() bool {
	return e.book == nil && e.trades == nil && len(e.candles) == 0
}

type candleState struct {
	agg *candles.Aggregator
	bf  *candles.Backfill
}

func New(cfg Config) *Engine {
	st := cfg.Store
	if st == nil {
		st = store.New(0)
	}
	base, cancel := context.WithCancel(context.Background())
	e := &Engine{
		conn:       cfg.Conn,
		store:      st,
		fetcher:    cfg.Fetcher,
		depth:      cfg.TradeDepth,
		log:        slog.With("component", "engine"),
		base:       base,
		baseCancel: cancel,
		assets:     make(map[string]*assetEntity),
	}
	e.subs = subs.New(func(r wire.Request) error { return e.conn.Send(r) })
	e.subs.OnRelease = e.release
	return e
}

// Store exposes the published views for read-side consumers.
func (e *Engine) Store() *store.Store { return e.store }

// Generation returns the connection generation currently consumed.
func (e *Engine) Generation() uint64 { return e.gen.Load() }

// ConnState reports the transport state.
func (e *Engine) ConnState() model.ConnState { return e.conn.State() }

// Subscriptions returns the registry states, for health reporting.
func (e *Engine) Subscriptions() []subs.State { return e.subs.States() }

// Run drives the transport and dispatches frames until ctx is
// cancelled. Backfills die with Run.
func (e *Engine) Run(ctx context.Context) error {
	defer e.baseCancel()

	go e.conn.Run(ctx)

	for f := range e.conn.Frames() {
		if f.Gen < e.gen.Load() {
			if e.OnStale != nil {
				e.OnStale()
			}
			continue
		}
		start := time.Now()
		e.dispatch(f.Gen, f.Msg)
		if e.OnDispatch != nil {
			e.OnDispatch(time.Since(start))
		}
	}
	return ctx.Err()
}

// SessionUp replays the subscription set onto a fresh connection. Wire
// it to the transport's session hook.
func (e *Engine) SessionUp(gen uint64) {
	e.gen.Store(gen)
	n := e.subs.Replay(gen)
	e.log.Info("session up", "gen", gen, "replayed", n)
}

// ConnStateChanged tracks transport health. Books go stale the moment
// the connection is lost, not when the next frame arrives. Wire it to
// the transport's state hook.
func (e *Engine) ConnStateChanged(st model.ConnState) {
	if st == model.StateReconnecting || st == model.StateClosed {
		e.mu.RLock()
		for asset, ent := range e.assets {
			if ent.book != nil {
				e.store.MarkBookStale(asset)
			}
		}
		e.mu.RUnlock()
	}
	if e.OnStateChange != nil {
		e.OnStateChange(st)
	}
}

// Subscribe registers interest in a (channel, asset, timeframe) tuple
// and returns its release func. Releasing the last reference sends the
// unsubscribe frame and tears down the asset state.
func (e *Engine) Subscribe(channel, asset string, tf model.Timeframe) (func(), error) {
	e.mu.Lock()
	handle, err := e.subs.Subscribe(channel, asset, tf)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.ensureLocked(channel, asset, tf)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.subs.Unsubscribe(handle) })
	}, nil
}

// RequestHistory pulls one page of candles older than before into the
// aggregator. before == 0 means "older than everything loaded".
// Returns candles.ErrExhausted once the venue has no more history.
func (e *Engine) RequestHistory(ctx context.Context, asset string, tf model.Timeframe, before int64) error {
	e.mu.RLock()
	var cs *candleState
	if ent := e.assets[asset]; ent != nil {
		cs = ent.candles[tf]
	}
	e.mu.RUnlock()

	if cs == nil {
		return ErrNotSubscribed
	}
	if cs.bf == nil {
		return errors.New("backfill disabled: no fetcher configured")
	}
	return cs.bf.Fill(ctx, before, 0)
}

// Book returns the published order book view.
func (e *Engine) Book(asset string) (*model.Book, bool) {
	return e.store.GetOrderBook(asset)
}

// Trades returns the published trade window, newest first.
func (e *Engine) Trades(asset string) ([]model.Trade, bool) {
	return e.store.GetRecentTrades(asset)
}

// Candles returns the published series for one timeframe.
func (e *Engine) Candles(asset string, tf model.Timeframe) (*model.Series, bool) {
	return e.store.GetCandleSeries(asset, tf)
}

// Watch subscribes to store change notifications. "" matches any asset
// or channel.
func (e *Engine) Watch(asset, channel string) *store.Watcher {
	return e.store.Watch(asset, channel)
}

// ── Entity lifecycle ──

func (e *Engine) ensureLocked(channel, asset string, tf model.Timeframe) {
	ent := e.assets[asset]
	if ent == nil {
		ent = &assetEntity{candles: make(map[model.Timeframe]*candleState)}
		e.assets[asset] = ent
	}
	switch channel {
	case model.ChannelOrderbook:
		if ent.book == nil {
			ent.book = book.New(asset)
		}
	case model.ChannelTrades:
		if ent.trades == nil {
			ent.trades = e.newTradeBuffer(asset)
		}
	case model.ChannelCandles:
		if ent.candles[tf] == nil {
			ent.candles[tf] = e.newCandleState(asset, tf)
		}
	}
}

func (e *Engine) newTradeBuffer(asset string) *trades.Buffer {
	buf := trades.NewBuffer(e.depth)
	buf.OnDuplicate = func() {
		if f := e.OnDuplicateTrade; f != nil {
			f(asset)
		}
	}
	return buf
}

func (e *Engine) newCandleState(asset string, tf model.Timeframe) *candleState {
	agg := candles.New(asset, tf)
	agg.OnPublish = func(sr *model.Series) { e.store.SetSeries(sr) }
	agg.OnSealed = func(c model.Candle) {
		if f := e.OnSealed; f != nil {
			f(asset, tf, c)
		}
	}
	agg.OnRejected = func() {
		if f := e.OnCandleReject; f != nil {
			f(asset, tf)
		}
	}

	cs := &candleState{agg: agg}
	if e.fetcher != nil {
		bf := candles.NewBackfill(e.base, agg, e.fetcher)
		bf.OnRequest = func() {
			if f := e.OnBackfillRequest; f != nil {
				f()
			}
		}
		bf.OnCoalesced = func() {
			if f := e.OnBackfillCoalesced; f != nil {
				f()
			}
		}
		bf.OnRetry = func() {
			if f := e.OnBackfillRetry; f != nil {
				f()
			}
		}
		bf.OnFailure = func() {
			if f := e.OnBackfillFailure; f != nil {
				f()
			}
		}
		cs.bf = bf
	}
	return cs
}

// release fires when a tuple's refcount hits zero.
func (e *Engine) release(k subs.Key) {
	e.mu.Lock()
	if ent := e.assets[k.Asset]; ent != nil {
		switch k.Channel {
		case model.ChannelOrderbook:
			ent.book = nil
		case model.ChannelTrades:
			ent.trades = nil
		case model.ChannelCandles:
			if cs := ent.candles[k.TF]; cs != nil {
				if cs.bf != nil {
					cs.bf.Close()
				}
				delete(ent.candles, k.TF)
			}
		}
		if ent.empty() {
			delete(e.assets, k.Asset)
		}
	}
	e.mu.Unlock()

	e.store.Release(k.Asset, k.Channel, k.TF)
	e.log.Debug("released", "channel", k.Channel, "asset", k.Asset, "tf", k.TF)
}

// Package store is the single source of truth the UI reads from. It
// holds immutable published views per asset (order book, candle series
// per timeframe, recent trades) behind atomic pointers and notifies
// watchers on every publication. Readers never block writers: the mutex
// only guards the map shape, which changes on subscribe/unsubscribe.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
)

// Update tells a watcher that a fresh view for (Asset, Channel) was
// published. Watchers pull the current view through the getters; a
// dropped notification is harmless since the next read observes the
// latest state anyway.
type Update struct {
	Asset   string
	Channel string          // "orderbook" | "trades" | "candles"
	TF      model.Timeframe // set for candles updates
}

// assetState carries the published views for one asset.
type assetState struct {
	book   atomic.Pointer[model.Book]
	trades atomic.Pointer[[]model.Trade]

	smu    sync.RWMutex
	series map[model.Timeframe]*atomic.Pointer[model.Series]
}

// Store is the market data store. Thread-safe; any number of readers,
// one active writer per asset entity.
type Store struct {
	mu     sync.RWMutex
	assets map[string]*assetState

	wmu      sync.RWMutex
	watchers []*Watcher
	watchBuf int

	// OnDrop is called when a watcher's buffer is full and a
	// notification is discarded for it.
	OnDrop func(asset, channel string)
}

// New creates an empty store. watchBuf is the per-watcher notification
// buffer (defaults to 16).
func New(watchBuf int) *Store {
	if watchBuf <= 0 {
		watchBuf = 16
	}
	return &Store{
		assets:   make(map[string]*assetState),
		watchBuf: watchBuf,
	}
}

// ── Writers ──

// SetBook publishes a new order book view.
func (s *Store) SetBook(b *model.Book) {
	st := s.ensure(b.Asset)
	st.book.Store(b)
	s.notify(Update{Asset: b.Asset, Channel: model.ChannelOrderbook})
}

// MarkBookStale republishes the current book with the stale flag set.
// No-op when the asset has no book yet.
func (s *Store) MarkBookStale(asset string) {
	s.mu.RLock()
	st, ok := s.assets[asset]
	s.mu.RUnlock()
	if !ok {
		return
	}
	cur := st.book.Load()
	if cur == nil || cur.Stale {
		return
	}
	stale := *cur
	stale.Stale = true
	st.book.Store(&stale)
	s.notify(Update{Asset: asset, Channel: model.ChannelOrderbook})
}

// SetTrades publishes a newest-first recent trades view.
func (s *Store) SetTrades(asset string, view []model.Trade) {
	st := s.ensure(asset)
	st.trades.Store(&view)
	s.notify(Update{Asset: asset, Channel: model.ChannelTrades})
}

// SetSeries publishes a new candle series view.
func (s *Store) SetSeries(sr *model.Series) {
	st := s.ensure(sr.Asset)
	st.smu.Lock()
	p, ok := st.series[sr.TF]
	if !ok {
		p = &atomic.Pointer[model.Series]{}
		st.series[sr.TF] = p
	}
	st.smu.Unlock()
	p.Store(sr)
	s.notify(Update{Asset: sr.Asset, Channel: model.ChannelCandles, TF: sr.TF})
}

// ── Readers ──

// GetOrderBook returns the currently published book.
func (s *Store) GetOrderBook(asset string) (*model.Book, bool) {
	s.mu.RLock()
	st, ok := s.assets[asset]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	b := st.book.Load()
	if b == nil {
		return nil, false
	}
	return b, true
}

// GetCandleSeries returns the published series for (asset, tf).
func (s *Store) GetCandleSeries(asset string, tf model.Timeframe) (*model.Series, bool) {
	s.mu.RLock()
	st, ok := s.assets[asset]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	st.smu.RLock()
	p, ok := st.series[tf]
	st.smu.RUnlock()
	if !ok {
		return nil, false
	}
	sr := p.Load()
	if sr == nil {
		return nil, false
	}
	return sr, true
}

// GetRecentTrades returns the newest-first recent trades view.
func (s *Store) GetRecentTrades(asset string) ([]model.Trade, bool) {
	s.mu.RLock()
	st, ok := s.assets[asset]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	v := st.trades.Load()
	if v == nil {
		return nil, false
	}
	return *v, true
}

// Assets returns the assets currently holding any published view.
func (s *Store) Assets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.assets))
	for a := range s.assets {
		out = append(out, a)
	}
	return out
}

// ── Lifecycle ──

// Release drops the published view for one channel of an asset; the
// asset entry disappears with its last view. Called when the channel's
// subscription refcount reaches zero.
func (s *Store) Release(asset, channel string, tf model.Timeframe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.assets[asset]
	if !ok {
		return
	}
	switch channel {
	case model.ChannelOrderbook:
		st.book.Store(nil)
	case model.ChannelTrades:
		st.trades.Store(nil)
	case model.ChannelCandles:
		st.smu.Lock()
		delete(st.series, tf)
		st.smu.Unlock()
	}
	if st.empty() {
		delete(s.assets, asset)
	}
}

func (st *assetState) empty() bool {
	if st.book.Load() != nil || st.trades.Load() != nil {
		return false
	}
	st.smu.RLock()
	defer st.smu.RUnlock()
	return len(st.series) == 0
}

func (s *Store) ensure(asset string) *assetState {
	s.mu.RLock()
	st, ok := s.assets[asset]
	s.mu.RUnlock()
	if ok {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.assets[asset]; ok {
		return st
	}
	st = &assetState{series: make(map[model.Timeframe]*atomic.Pointer[model.Series])}
	s.assets[asset] = st
	return st
}

// ── Watch ──

// Watcher receives change notifications for matching updates. A slow
// watcher loses notifications, never blocks the publisher.
type Watcher struct {
	store   *Store
	ch      chan Update
	asset   string // "" matches every asset
	channel string // "" matches every channel
	closed  atomic.Bool
}

// Watch registers a watcher for (asset, channel); empty strings match
// everything. Close the watcher to release it.
func (s *Store) Watch(asset, channel string) *Watcher {
	w := &Watcher{
		store:   s,
		ch:      make(chan Update, s.watchBuf),
		asset:   asset,
		channel: channel,
	}
	s.wmu.Lock()
	s.watchers = append(s.watchers, w)
	s.wmu.Unlock()
	return w
}

// C is the notification channel. It closes when the watcher is closed.
func (w *Watcher) C() <-chan Update { return w.ch }

// Close unregisters the watcher and closes its channel.
func (w *Watcher) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	s := w.store
	s.wmu.Lock()
	for i, other := range s.watchers {
		if other == w {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			break
		}
	}
	s.wmu.Unlock()
	close(w.ch)
}

func (s *Store) notify(u Update) {
	s.wmu.RLock()
	defer s.wmu.RUnlock()
	for _, w := range s.watchers {
		if w.asset != "" && w.asset != u.Asset {
			continue
		}
		if w.channel != "" && w.channel != u.Channel {
			continue
		}
		select {
		case w.ch <- u:
		default:
			if s.OnDrop != nil {
				s.OnDrop(u.Asset, u.Channel)
			}
		}
	}
}

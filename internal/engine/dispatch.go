package engine

import (
	"encoding/json"
	"errors"

	"github.com/bowen31337/liquidVex-sub003/internal/book"
	"github.com/bowen31337/liquidVex-sub003/internal/model"
	"github.com/bowen31337/liquidVex-sub003/internal/wire"
)

// dispatch routes one frame. It runs on the single dispatch goroutine;
// the read lock keeps Subscribe and release from reshaping the asset
// map mid-frame.
func (e *Engine) dispatch(gen uint64, f *wire.Frame) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if gen > e.lastGen {
		// First frame of a new session: every book stream restarts, so
		// deltas are untrusted until their snapshot lands.
		for _, ent := range e.assets {
			if ent.book != nil {
				ent.book.Invalidate()
			}
		}
		e.lastGen = gen
	}

	if e.OnFrame != nil {
		e.OnFrame(f.Channel)
	}

	switch f.Channel {
	case model.ChannelOrderbook:
		e.handleBook(f.Data)
	case model.ChannelTrades:
		e.handleTrades(f.Data)
	case model.ChannelCandles:
		e.handleCandle(f.Data)
	case wire.ChannelSubAck:
		e.handleAck(f.Data)
	case wire.ChannelError:
		e.handleVenueError(f.Data)
	case wire.ChannelPong:
		// liveness only; the read deadline already accounted for it
	default:
		e.log.Debug("unhandled channel", "channel", f.Channel)
	}
}

func (e *Engine) handleBook(data json.RawMessage) {
	msg, err := wire.DecodeBook(data)
	if err != nil {
		e.malformed(err)
		return
	}

	ent := e.assets[msg.Asset]
	if ent == nil || ent.book == nil {
		// tail frames of a released subscription
		return
	}

	var b *model.Book
	if msg.Snapshot {
		b, err = ent.book.ApplySnapshot(msg)
	} else {
		b, err = ent.book.ApplyDelta(msg)
	}

	switch {
	case err == nil:
		e.store.SetBook(b)
	case errors.Is(err, book.ErrAwaitingSnapshot):
		// deltas stay discarded until the snapshot lands
	case errors.Is(err, book.ErrGap):
		if e.OnGap != nil {
			e.OnGap(msg.Asset)
		}
		e.resnapshot(msg.Asset)
	case errors.Is(err, book.ErrCrossed):
		if e.OnCrossed != nil {
			e.OnCrossed(msg.Asset)
		}
		e.resnapshot(msg.Asset)
	}
}

// resnapshot marks the published book stale and re-requests the stream.
// The venue answers a fresh subscribe with a full snapshot.
func (e *Engine) resnapshot(asset string) {
	e.store.MarkBookStale(asset)
	if err := e.subs.Refresh(model.ChannelOrderbook, asset, ""); err != nil {
		e.log.Warn("snapshot re-request failed", "asset", asset, "err", err)
		return
	}
	if e.OnResnapshot != nil {
		e.OnResnapshot(asset)
	}
	e.log.Warn("book invalidated, snapshot re-requested", "asset", asset)
}

// handleTrades folds a trade batch into the asset's window and previews
// the forming candle from the deduplicated prints. A frame carries
// trades for exactly one asset.
func (e *Engine) handleTrades(data json.RawMessage) {
	batch, err := wire.DecodeTrades(data)
	if err != nil {
		e.malformed(err)
		return
	}
	if len(batch) == 0 {
		return
	}

	asset := batch[0].Coin
	ent := e.assets[asset]
	if ent == nil || ent.trades == nil {
		return
	}

	accepted := batch[:0]
	for _, t := range batch {
		if ent.trades.Append(t) {
			accepted = append(accepted, t)
		}
	}
	if len(accepted) == 0 {
		return
	}

	e.store.SetTrades(asset, ent.trades.View())
	for _, cs := range ent.candles {
		for _, t := range accepted {
			cs.agg.ApplyTick(t.Px, t.Sz, t.Time)
		}
	}
	if e.OnTrades != nil {
		e.OnTrades(asset, accepted)
	}
}

func (e *Engine) handleCandle(data json.RawMessage) {
	msg, err := wire.DecodeCandle(data)
	if err != nil {
		e.malformed(err)
		return
	}

	ent := e.assets[msg.Asset]
	if ent == nil {
		return
	}
	cs := ent.candles[model.Timeframe(msg.Timeframe)]
	if cs == nil {
		return
	}
	cs.agg.ApplyUpdate(msg.Candle())
}

func (e *Engine) handleAck(data json.RawMessage) {
	ack, err := wire.DecodeAck(data)
	if err != nil {
		e.malformed(err)
		return
	}
	key, ok := e.subs.Ack(ack.ReqID, ack.Sequence)
	if !ok {
		// superseded by a replay or refresh since the request went out
		e.log.Debug("stale ack", "reqId", ack.ReqID)
		return
	}
	e.log.Debug("subscription acked",
		"channel", key.Channel, "asset", key.Asset, "seq", ack.Sequence)
}

func (e *Engine) handleVenueError(data json.RawMessage) {
	em, err := wire.DecodeError(data)
	if err != nil {
		e.malformed(err)
		return
	}
	e.log.Warn("venue rejected request", "reqId", em.ReqID, "message", em.Message)
}

func (e *Engine) malformed(err error) {
	if e.OnMalformed != nil {
		e.OnMalformed(err)
	}
	e.log.Warn("malformed payload", "err", err)
}

// Package subs tracks which (channel, asset, params) tuples the engine
// is subscribed to. Identical tuples share one wire subscription behind
// a refcount; every tuple is replayed with a fresh request id after a
// reconnect, so channel state can be rebuilt from the new session.
package subs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
	"github.com/bowen31337/liquidVex-sub003/internal/wire"
	"github.com/bowen31337/liquidVex-sub003/pkg/ident"
)

// Key identifies one wire subscription tuple. TF is set for candles only.
type Key struct {
	Channel string
	Asset   string
	TF      model.Timeframe
}

func (k Key) String() string {
	if k.TF != "" {
		return k.Channel + ":" + k.Asset + ":" + string(k.TF)
	}
	return k.Channel + ":" + k.Asset
}

// entry is the shared state behind all handles of one tuple.
type entry struct {
	key    Key
	refs   int
	order  int    // first-subscribe ordinal, fixes replay order
	reqID  string // id of the latest subscribe sent for this tuple
	gen    uint64 // connection generation that request was sent under
	acked  bool
	ackSeq uint64
}

// State is a read-only view of one subscription, for health reporting.
type State struct {
	Key    Key
	Refs   int
	Acked  bool
	AckSeq uint64
}

// Registry is the subscription table. Thread-safe.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
	handles map[string]Key
	byReqID map[string]Key
	nextOrd int
	gen     uint64 // current connection generation, 0 before first session

	send func(wire.Request) error

	// OnRelease fires when a tuple's refcount reaches zero, after the
	// unsubscribe frame went out. The engine tears down the asset
	// entity and cancels its backfills here.
	OnRelease func(Key)
}

// New creates a registry that transmits requests through send. Send
// errors are swallowed: a tuple that failed to transmit is still
// registered and goes out with the next session replay.
func New(send func(wire.Request) error) *Registry {
	return &Registry{
		entries: make(map[Key]*entry),
		handles: make(map[string]Key),
		byReqID: make(map[string]Key),
		send:    send,
	}
}

// Subscribe registers interest in a tuple and returns a handle. The
// first handle for a tuple sends the subscribe frame; later ones share
// the existing wire subscription.
func (r *Registry) Subscribe(channel, asset string, tf model.Timeframe) (string, error) {
	if err := validate(channel, asset, tf); err != nil {
		return "", err
	}
	key := Key{Channel: channel, Asset: asset, TF: tf}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = &entry{key: key, order: r.nextOrd}
		r.nextOrd++
		r.entries[key] = e
		r.sendSubscribe(e)
	}
	e.refs++

	handle := ident.New()
	r.handles[handle] = key
	return handle, nil
}

// Unsubscribe drops one handle. When the tuple's last handle goes, the
// unsubscribe frame is sent and OnRelease fires.
func (r *Registry) Unsubscribe(handle string) error {
	r.mu.Lock()
	key, ok := r.handles[handle]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown subscription handle %q", handle)
	}
	delete(r.handles, handle)

	e := r.entries[key]
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}

	delete(r.entries, key)
	delete(r.byReqID, e.reqID)
	_ = r.send(wire.Request{
		Op:      wire.OpUnsubscribe,
		Channel: key.Channel,
		Asset:   key.Asset,
		Params:  wire.Params{Timeframe: string(key.TF)},
		ReqID:   ident.New(),
	})
	release := r.OnRelease
	r.mu.Unlock()

	if release != nil {
		release(key)
	}
	return nil
}

// Refresh re-sends the subscribe frame for a live tuple. The venue
// answers a repeated subscribe with a fresh snapshot, which is how gap
// and crossed-book recovery resynchronizes the order book.
func (r *Registry) Refresh(channel, asset string, tf model.Timeframe) error {
	key := Key{Channel: channel, Asset: asset, TF: tf}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("refresh %s: not subscribed", key)
	}
	r.sendSubscribe(e)
	return nil
}

// Replay re-sends every live tuple in first-subscribed order under the
// new connection generation. Returns the number of frames sent.
func (r *Registry) Replay(gen uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen = gen
	ordered := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	for _, e := range ordered {
		r.sendSubscribe(e)
	}
	return len(ordered)
}

// Ack matches a subscription ack to its tuple. Acks carrying a request
// id that is no longer current (an earlier generation, or superseded by
// a refresh) are reported stale and ignored.
func (r *Registry) Ack(reqID string, seq uint64) (Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.byReqID[reqID]
	if !ok {
		return Key{}, false
	}
	e := r.entries[key]
	if e == nil || e.reqID != reqID {
		return Key{}, false
	}
	e.acked = true
	e.ackSeq = seq
	return key, true
}

// Generation returns the generation of the current session.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// States returns all live subscriptions in replay order.
func (r *Registry) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	out := make([]State, len(ordered))
	for i, e := range ordered {
		out[i] = State{Key: e.key, Refs: e.refs, Acked: e.acked, AckSeq: e.ackSeq}
	}
	return out
}

// sendSubscribe issues a fresh request id for the tuple and transmits.
// Caller holds the lock.
func (r *Registry) sendSubscribe(e *entry) {
	if e.reqID != "" {
		delete(r.byReqID, e.reqID)
	}
	e.reqID = ident.New()
	e.gen = r.gen
	e.acked = false
	r.byReqID[e.reqID] = e.key

	_ = r.send(wire.Request{
		Op:      wire.OpSubscribe,
		Channel: e.key.Channel,
		Asset:   e.key.Asset,
		Params:  wire.Params{Timeframe: string(e.key.TF)},
		ReqID:   e.reqID,
	})
}

func validate(channel, asset string, tf model.Timeframe) error {
	if asset == "" {
		return fmt.Errorf("subscribe: empty asset")
	}
	switch channel {
	case model.ChannelOrderbook, model.ChannelTrades:
		if tf != "" {
			return fmt.Errorf("subscribe %s: timeframe not applicable", channel)
		}
	case model.ChannelCandles:
		if !tf.Valid() {
			return fmt.Errorf("subscribe candles: invalid timeframe %q", tf)
		}
	default:
		return fmt.Errorf("subscribe: unknown channel %q", channel)
	}
	return nil
}

package subs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
	"github.com/bowen31337/liquidVex-sub003/internal/wire"
)

type sendLog struct {
	frames []wire.Request
}

func (l *sendLog) send(q wire.Request) error {
	l.frames = append(l.frames, q)
	return nil
}

func (l *sendLog) ops() []string {
	out := make([]string, len(l.frames))
	for i, f := range l.frames {
		out[i] = f.Op + ":" + f.Channel + ":" + f.Asset
	}
	return out
}

func TestSharedTupleSingleWireSubscription(t *testing.T) {
	t.Parallel()

	log := &sendLog{}
	r := New(log.send)
	var released []Key
	r.OnRelease = func(k Key) { released = append(released, k) }

	h1, err := r.Subscribe(model.ChannelOrderbook, "BTC", "")
	require.NoError(t, err)
	h2, err := r.Subscribe(model.ChannelOrderbook, "BTC", "")
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	// One wire frame for the shared tuple.
	require.Len(t, log.frames, 1)
	assert.Equal(t, wire.OpSubscribe, log.frames[0].Op)

	require.NoError(t, r.Unsubscribe(h1))
	assert.Len(t, log.frames, 1) // still one ref, no unsubscribe sent
	assert.Empty(t, released)

	require.NoError(t, r.Unsubscribe(h2))
	require.Len(t, log.frames, 2)
	assert.Equal(t, wire.OpUnsubscribe, log.frames[1].Op)
	assert.Equal(t, []Key{{Channel: model.ChannelOrderbook, Asset: "BTC"}}, released)
	assert.Empty(t, r.States())
}

func TestReplaySendsAllInFirstSubscribeOrder(t *testing.T) {
	t.Parallel()

	log := &sendLog{}
	r := New(log.send)

	_, err := r.Subscribe(model.ChannelOrderbook, "BTC", "")
	require.NoError(t, err)
	_, err = r.Subscribe(model.ChannelTrades, "BTC", "")
	require.NoError(t, err)
	_, err = r.Subscribe(model.ChannelCandles, "ETH", model.TF1m)
	require.NoError(t, err)
	// A second ref must not influence replay.
	_, err = r.Subscribe(model.ChannelOrderbook, "BTC", "")
	require.NoError(t, err)

	firstIDs := map[string]bool{}
	for _, f := range log.frames {
		firstIDs[f.ReqID] = true
	}
	log.frames = nil

	n := r.Replay(1)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{
		"subscribe:orderbook:BTC",
		"subscribe:trades:BTC",
		"subscribe:candles:ETH",
	}, log.ops())
	assert.Equal(t, "1m", log.frames[2].Params.Timeframe)

	// Every replayed frame carries a fresh request id.
	for _, f := range log.frames {
		assert.False(t, firstIDs[f.ReqID], "replay reused request id %s", f.ReqID)
	}
	assert.Equal(t, uint64(1), r.Generation())
}

func TestAckMatchesOnlyCurrentRequestID(t *testing.T) {
	t.Parallel()

	log := &sendLog{}
	r := New(log.send)

	_, err := r.Subscribe(model.ChannelOrderbook, "BTC", "")
	require.NoError(t, err)
	oldID := log.frames[0].ReqID

	key, ok := r.Ack(oldID, 42)
	require.True(t, ok)
	assert.Equal(t, "BTC", key.Asset)
	st := r.States()
	require.Len(t, st, 1)
	assert.True(t, st[0].Acked)
	assert.Equal(t, uint64(42), st[0].AckSeq)

	// Reconnect: replay regenerates the request id; the old ack is stale.
	log.frames = nil
	r.Replay(2)
	newID := log.frames[0].ReqID
	require.NotEqual(t, oldID, newID)

	_, ok = r.Ack(oldID, 50)
	assert.False(t, ok)
	assert.False(t, r.States()[0].Acked)

	_, ok = r.Ack(newID, 50)
	assert.True(t, ok)
}

func TestRefreshResendsSubscribe(t *testing.T) {
	t.Parallel()

	log := &sendLog{}
	r := New(log.send)

	_, err := r.Subscribe(model.ChannelOrderbook, "BTC", "")
	require.NoError(t, err)
	first := log.frames[0].ReqID

	require.NoError(t, r.Refresh(model.ChannelOrderbook, "BTC", ""))
	require.Len(t, log.frames, 2)
	assert.Equal(t, wire.OpSubscribe, log.frames[1].Op)
	assert.NotEqual(t, first, log.frames[1].ReqID)

	err = r.Refresh(model.ChannelOrderbook, "DOGE", "")
	assert.Error(t, err)
}

func TestSubscribeValidation(t *testing.T) {
	t.Parallel()

	r := New(func(wire.Request) error { return nil })

	_, err := r.Subscribe(model.ChannelCandles, "BTC", "")
	assert.Error(t, err)
	_, err = r.Subscribe(model.ChannelCandles, "BTC", "7m")
	assert.Error(t, err)
	_, err = r.Subscribe(model.ChannelOrderbook, "BTC", model.TF1m)
	assert.Error(t, err)
	_, err = r.Subscribe("positions", "BTC", "")
	assert.Error(t, err)
	_, err = r.Subscribe(model.ChannelOrderbook, "", "")
	assert.Error(t, err)

	err = r.Unsubscribe("no-such-handle")
	assert.Error(t, err)
}

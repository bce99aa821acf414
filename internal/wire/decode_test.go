package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	t.Parallel()

	f, err := ParseFrame([]byte(`{"channel":"orderbook","data":{"asset":"BTC"}}`))
	require.NoError(t, err)
	assert.Equal(t, "orderbook", f.Channel)

	_, err = ParseFrame([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseFrame([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNumAcceptsNumbersAndStrings(t *testing.T) {
	t.Parallel()

	var v struct {
		A Num `json:"a"`
		B Num `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":101.25,"b":"0.0042"}`), &v))
	assert.Equal(t, Num(101.25), v.A)
	assert.Equal(t, Num(0.0042), v.B)

	err := json.Unmarshal([]byte(`{"a":"abc"}`), &v)
	assert.Error(t, err)
}

func TestDecodeBook(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{
		"asset":"BTC","snapshot":true,"sequence":10,"time":1700000000000,
		"bids":[[100,2],["99.5","1"]],
		"asks":[[101,3]]
	}`)
	m, err := DecodeBook(raw)
	require.NoError(t, err)
	assert.True(t, m.Snapshot)
	assert.Equal(t, uint64(10), m.Sequence)
	require.Len(t, m.Bids, 2)
	assert.Equal(t, 99.5, m.Bids[1].Level().Px)
	assert.Equal(t, 1.0, m.Bids[1].Level().Sz)

	// A one-element level would read as a tombstone; it must be rejected.
	_, err = DecodeBook(json.RawMessage(`{"asset":"BTC","sequence":2,"bids":[[100]],"asks":[]}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeBook(json.RawMessage(`{"sequence":2,"bids":[],"asks":[]}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeBook(json.RawMessage(`{"asset":"BTC","bids":[],"asks":[]}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeTrades(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`[
		{"coin":"ETH","side":"buy","px":"2010.5","sz":0.25,"time":1700000000123,"hash":"0xab"},
		{"coin":"ETH","side":"sell","px":2009.5,"sz":"1","time":1700000000124,"hash":"0xcd"}
	]`)
	trades, err := DecodeTrades(raw)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, 2010.5, trades[0].Px)
	assert.Equal(t, "0xcd", trades[1].Hash)

	_, err = DecodeTrades(json.RawMessage(`[{"coin":"ETH","side":"hold","px":1,"sz":1,"time":1,"hash":"0x1"}]`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeTrades(json.RawMessage(`[{"coin":"ETH","side":"buy","px":1,"sz":1,"time":1}]`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeCandle(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"asset":"BTC","timeframe":"1m","t":1700000040000,"o":100,"h":"102","l":99,"c":101,"v":"12.5"}`)
	m, err := DecodeCandle(raw)
	require.NoError(t, err)
	c := m.Candle()
	assert.Equal(t, int64(1700000040000), c.OpenTime)
	assert.Equal(t, 102.0, c.High)
	assert.Equal(t, 12.5, c.Volume)

	_, err = DecodeCandle(json.RawMessage(`{"asset":"BTC","timeframe":"7m","t":1700000040000}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeAck(t *testing.T) {
	t.Parallel()

	m, err := DecodeAck(json.RawMessage(`{"reqId":"01ABC","channel":"orderbook","asset":"BTC","sequence":77}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(77), m.Sequence)

	_, err = DecodeAck(json.RawMessage(`{"channel":"orderbook"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

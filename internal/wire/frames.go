// Package wire defines the feed protocol frames and their boundary
// decoding. Everything arriving from the venue passes through here;
// anything that fails to decode is reported as ErrMalformed and never
// reaches the reconciliation layer.
package wire

import "encoding/json"

// Ops for client → server requests.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Inbound envelope channels beyond the three data channels.
const (
	ChannelSubAck = "subAck"
	ChannelError  = "error"
	ChannelPong   = "pong"
)

// ── Client → Server ──

// Params carries channel-specific subscription parameters.
type Params struct {
	Timeframe string `json:"timeframe,omitempty"` // candles only, e.g. "1m"
}

// Request is the client → server subscribe/unsubscribe frame.
type Request struct {
	Op      string `json:"op"`      // "subscribe" | "unsubscribe"
	Channel string `json:"channel"` // "orderbook" | "trades" | "candles"
	Asset   string `json:"asset"`
	Params  Params `json:"params,omitempty"`
	ReqID   string `json:"reqId"` // client-generated, echoed in the ack
}

// ── Server → Client ──

// Frame is the envelope every inbound message arrives in. Data stays raw
// until the channel-specific decoder runs.
type Frame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// BookMsg is an order book snapshot or delta.
// Snapshot is true for full replacements; deltas carry only changed levels,
// with Sz 0 removing a level. Levels arrive as [px, sz] pairs.
type BookMsg struct {
	Asset    string      `json:"asset"`
	Snapshot bool        `json:"snapshot"`
	Sequence uint64      `json:"sequence"`
	Time     int64       `json:"time"` // ms since epoch
	Bids     []LevelPair `json:"bids"`
	Asks     []LevelPair `json:"asks"`
}

// TradeMsg is a single fill inside a trades batch.
type TradeMsg struct {
	Coin string `json:"coin"`
	Side string `json:"side"` // "buy" | "sell"
	Px   Num    `json:"px"`
	Sz   Num    `json:"sz"`
	Time int64  `json:"time"` // ms since epoch
	Hash string `json:"hash"`
}

// CandleMsg is a live candle update for one (asset, timeframe) bucket.
type CandleMsg struct {
	Asset     string `json:"asset"`
	Timeframe string `json:"timeframe"`
	T         int64  `json:"t"` // bucket open, ms since epoch
	O         Num    `json:"o"`
	H         Num    `json:"h"`
	L         Num    `json:"l"`
	C         Num    `json:"c"`
	V         Num    `json:"v"`
}

// AckMsg confirms a subscribe/unsubscribe request.
// Sequence is the venue's current sequence for the channel at ack time.
type AckMsg struct {
	ReqID    string `json:"reqId"`
	Channel  string `json:"channel"`
	Asset    string `json:"asset"`
	Sequence uint64 `json:"sequence,omitempty"`
}

// ErrorMsg is the venue's rejection of a request.
type ErrorMsg struct {
	ReqID   string `json:"reqId,omitempty"`
	Message string `json:"message"`
}

// ── History REST ──

// HistoryRequest is the POST body for the candleSnapshot info endpoint.
type HistoryRequest struct {
	Type      string `json:"type"` // "candleSnapshot"
	Asset     string `json:"asset"`
	Timeframe string `json:"timeframe"`
	Before    int64  `json:"before"` // ms since epoch, exclusive upper bound
	Limit     int    `json:"limit"`
}

// HistoryResponse is the candleSnapshot reply.
type HistoryResponse struct {
	Candles []CandlePoint `json:"candles"` // oldest-first
	HasMore bool          `json:"hasMore"`
}

// CandlePoint is one historical candle in a HistoryResponse.
type CandlePoint struct {
	T int64 `json:"t"`
	O Num   `json:"o"`
	H Num   `json:"h"`
	L Num   `json:"l"`
	C Num   `json:"c"`
	V Num   `json:"v"`
}

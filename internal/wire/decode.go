package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
)

// ErrMalformed marks frames that fail boundary decoding. Callers count
// these and drop the frame; a malformed frame never mutates state.
var ErrMalformed = errors.New("malformed frame")

// Num is a float64 that accepts both JSON numbers and numeric strings,
// since venues disagree on how to encode prices and sizes.
type Num float64

func (n *Num) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("empty number")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("numeric string %q: %w", s, err)
		}
		*n = Num(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = Num(f)
	return nil
}

func (n Num) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(n))
}

// LevelPair is a [px, sz] book level. Exactly two elements; anything else
// is malformed (a missing size would silently read as a tombstone).
type LevelPair [2]Num

func (p *LevelPair) UnmarshalJSON(b []byte) error {
	var vals []Num
	if err := json.Unmarshal(b, &vals); err != nil {
		return err
	}
	if len(vals) != 2 {
		return fmt.Errorf("level has %d elements, want 2", len(vals))
	}
	p[0], p[1] = vals[0], vals[1]
	return nil
}

// Level converts the pair to a model level.
func (p LevelPair) Level() model.Level {
	return model.Level{Px: float64(p[0]), Sz: float64(p[1])}
}

// ParseFrame decodes the outer envelope. The payload stays raw.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if f.Channel == "" {
		return nil, fmt.Errorf("%w: missing channel", ErrMalformed)
	}
	return &f, nil
}

// DecodeBook decodes an orderbook payload and validates the fields the
// reconciler relies on.
func DecodeBook(data json.RawMessage) (*BookMsg, error) {
	var m BookMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: orderbook: %v", ErrMalformed, err)
	}
	if m.Asset == "" {
		return nil, fmt.Errorf("%w: orderbook: missing asset", ErrMalformed)
	}
	if m.Sequence == 0 {
		return nil, fmt.Errorf("%w: orderbook: missing sequence", ErrMalformed)
	}
	return &m, nil
}

// DecodeTrades decodes a trades batch into model trades, oldest-first as
// sent. Entries without a hash are malformed: the hash is the dedup key.
func DecodeTrades(data json.RawMessage) ([]model.Trade, error) {
	var msgs []TradeMsg
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("%w: trades: %v", ErrMalformed, err)
	}
	out := make([]model.Trade, 0, len(msgs))
	for _, m := range msgs {
		if m.Coin == "" || m.Hash == "" {
			return nil, fmt.Errorf("%w: trades: missing coin or hash", ErrMalformed)
		}
		if m.Side != model.SideBuy && m.Side != model.SideSell {
			return nil, fmt.Errorf("%w: trades: bad side %q", ErrMalformed, m.Side)
		}
		out = append(out, model.Trade{
			Coin: m.Coin,
			Side: m.Side,
			Px:   float64(m.Px),
			Sz:   float64(m.Sz),
			Time: m.Time,
			Hash: m.Hash,
		})
	}
	return out, nil
}

// DecodeCandle decodes a live candle update.
func DecodeCandle(data json.RawMessage) (*CandleMsg, error) {
	var m CandleMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: candles: %v", ErrMalformed, err)
	}
	if m.Asset == "" || m.T == 0 {
		return nil, fmt.Errorf("%w: candles: missing asset or open time", ErrMalformed)
	}
	if !model.Timeframe(m.Timeframe).Valid() {
		return nil, fmt.Errorf("%w: candles: bad timeframe %q", ErrMalformed, m.Timeframe)
	}
	return &m, nil
}

// Candle converts the update to a model candle.
func (m *CandleMsg) Candle() model.Candle {
	return model.Candle{
		OpenTime: m.T,
		Open:     float64(m.O),
		High:     float64(m.H),
		Low:      float64(m.L),
		Close:    float64(m.C),
		Volume:   float64(m.V),
	}
}

// DecodeAck decodes a subscription ack.
func DecodeAck(data json.RawMessage) (*AckMsg, error) {
	var m AckMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: subAck: %v", ErrMalformed, err)
	}
	if m.ReqID == "" {
		return nil, fmt.Errorf("%w: subAck: missing reqId", ErrMalformed)
	}
	return &m, nil
}

// DecodeError decodes a venue error message.
func DecodeError(data json.RawMessage) (*ErrorMsg, error) {
	var m ErrorMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: error payload: %v", ErrMalformed, err)
	}
	return &m, nil
}

// ToCandles converts a history response into model candles.
func (r *HistoryResponse) ToCandles() []model.Candle {
	out := make([]model.Candle, 0, len(r.Candles))
	for _, p := range r.Candles {
		out = append(out, model.Candle{
			OpenTime: p.T,
			Open:     float64(p.O),
			High:     float64(p.H),
			Low:      float64(p.L),
			Close:    float64(p.C),
			Volume:   float64(p.V),
		})
	}
	return out
}

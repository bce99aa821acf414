package model

// Trade aggressor sides as they appear on the wire.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trade is a single fill from the venue's trade feed.
// Hash uniquely identifies the fill and is the dedup key; the pair
// (Time, Hash) gives trades a total order.
type Trade struct {
	Coin string  `json:"coin"`
	Side string  `json:"side"` // "buy" or "sell"
	Px   float64 `json:"px"`
	Sz   float64 `json:"sz"`
	Time int64   `json:"time"` // ms since epoch
	Hash string  `json:"hash"`
}

// Before reports whether t sorts before other in (Time, Hash) order.
func (t *Trade) Before(other *Trade) bool {
	if t.Time != other.Time {
		return t.Time < other.Time
	}
	return t.Hash < other.Hash
}

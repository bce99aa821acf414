package model

// Candle is one OHLCV bucket. OpenTime is the bucket's opening timestamp
// in ms since epoch, aligned to the timeframe (OpenTime % TF.Millis() == 0).
type Candle struct {
	OpenTime int64   `json:"t"`
	Open     float64 `json:"o"`
	High     float64 `json:"h"`
	Low      float64 `json:"l"`
	Close    float64 `json:"c"`
	Volume   float64 `json:"v"`
}

// Series is an immutable published candle history for one (asset, timeframe).
// Candles are oldest-first with strictly increasing, timeframe-aligned
// OpenTimes. The last element is the forming candle while the bucket is open.
// HasMore is false once the venue reported history exhausted before the
// oldest element; pagination stops there.
type Series struct {
	Asset   string    `json:"asset"`
	TF      Timeframe `json:"timeframe"`
	Candles []Candle  `json:"candles"`
	HasMore bool      `json:"hasMore"`
}

// Latest returns the most recent candle. ok is false for an empty series.
func (s *Series) Latest() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// OldestOpenTime returns the OpenTime of the first candle, or 0 when empty.
func (s *Series) OldestOpenTime() int64 {
	if len(s.Candles) == 0 {
		return 0
	}
	return s.Candles[0].OpenTime
}

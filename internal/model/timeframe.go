package model

import (
	"fmt"
	"time"
)

// Timeframe is a candle bucket width as it appears on the wire ("1m", "1h").
type Timeframe string

// Supported timeframes.
const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF8h  Timeframe = "8h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
)

var tfMillis = map[Timeframe]int64{
	TF1m:  60_000,
	TF3m:  180_000,
	TF5m:  300_000,
	TF15m: 900_000,
	TF30m: 1_800_000,
	TF1h:  3_600_000,
	TF2h:  7_200_000,
	TF4h:  14_400_000,
	TF8h:  28_800_000,
	TF12h: 43_200_000,
	TF1d:  86_400_000,
}

// ParseTimeframe validates s against the supported set.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := tfMillis[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Valid reports whether the timeframe is one of the supported values.
func (tf Timeframe) Valid() bool {
	_, ok := tfMillis[tf]
	return ok
}

// Millis returns the bucket width in milliseconds (0 for invalid timeframes).
func (tf Timeframe) Millis() int64 {
	return tfMillis[tf]
}

// Duration returns the bucket width as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tfMillis[tf]) * time.Millisecond
}

// Bucket floors ts (ms since epoch) to the opening timestamp of its bucket.
func (tf Timeframe) Bucket(ts int64) int64 {
	w := tfMillis[tf]
	if w == 0 {
		return ts
	}
	return ts - ts%w
}

func (tf Timeframe) String() string { return string(tf) }

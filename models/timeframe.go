package models

import (
	"fmt"
	"time"
)

// Timeframe is a candle granularity supported by the exchange.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe3m  Timeframe = "3m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
	Timeframe1M  Timeframe = "1M"
)

var timeframeMinutes = map[Timeframe]int{
	Timeframe1m:  1,
	Timeframe3m:  3,
	Timeframe5m:  5,
	Timeframe15m: 15,
	Timeframe30m: 30,
	Timeframe1h:  60,
	Timeframe4h:  240,
	Timeframe1d:  1440,
	Timeframe1w:  10080,
	Timeframe1M:  43200,
}

// ParseTimeframe validates the string form of a timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeMinutes[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// Minutes returns the candle width in minutes, 0 for an unknown timeframe.
func (t Timeframe) Minutes() int {
	return timeframeMinutes[t]
}

// Duration returns the candle width as a time.Duration.
func (t Timeframe) Duration() time.Duration {
	return time.Duration(t.Minutes()) * time.Minute
}

// Valid reports whether the timeframe is one of the supported granularities.
func (t Timeframe) Valid() bool {
	_, ok := timeframeMinutes[t]
	return ok
}

// BucketStart truncates ts to the start of the candle bucket containing it.
func (t Timeframe) BucketStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(t.Duration())
}

func (t Timeframe) String() string {
	return string(t)
}

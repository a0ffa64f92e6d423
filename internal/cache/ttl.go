package cache

import (
	"time"

	"marketrouter/config"
	"marketrouter/models"
)

// Session multipliers. TTLs shrink during the busy London/New York overlap
// and stretch through the quiet Asian early hours, so cached rows stay
// proportional to how fast the market actually moves.
const (
	sessionBusyFactor  = 0.75
	sessionQuietFactor = 1.5
)

// Activity multipliers keyed off the caller's request pattern: symbols
// polled heavily get fresher data, idle symbols keep entries longer.
const (
	activityHotFactor  = 0.5
	activityIdleFactor = 1.5
)

// baseTTL returns the configured per-type slow tier TTL.
func baseTTL(cfg config.CacheConfig, dataType models.DataType) time.Duration {
	switch dataType {
	case models.DataTypeTicker:
		return cfg.TickerTTL
	case models.DataTypeOrderbook:
		return cfg.OrderbookTTL
	case models.DataTypeTrades:
		return cfg.TradesTTL
	case models.DataTypeCandles:
		return cfg.CandlesTTL
	}
	return cfg.FastTTL
}

// adaptiveTTL derives the slow tier TTL for one entry from its base TTL,
// the request activity on the key, and the current trading session.
func adaptiveTTL(cfg config.CacheConfig, dataType models.DataType, pattern models.RequestPattern, highFrequencyPerMin float64, now time.Time) time.Duration {
	ttl := float64(baseTTL(cfg, dataType))

	switch {
	case pattern.RequestsPerMinute >= highFrequencyPerMin:
		ttl *= activityHotFactor
	case pattern.SampleCount == 0:
		ttl *= activityIdleFactor
	}

	ttl *= sessionFactor(now)
	return time.Duration(ttl)
}

// sessionFactor classifies the UTC hour into a trading session.
func sessionFactor(now time.Time) float64 {
	hour := now.UTC().Hour()
	switch {
	case hour >= 12 && hour < 20:
		return sessionBusyFactor
	case hour < 6:
		return sessionQuietFactor
	default:
		return 1.0
	}
}

package models

import "time"

// RoutingTier is one of the five latency/cost levels in the adaptive
// routing model, ordered cheapest first.
type RoutingTier int

const (
	TierHotCache RoutingTier = iota
	TierLiveSubscription
	TierBatchSnapshot
	TierWarmCacheREST
	TierColdREST
)

// AllTiers lists the tiers in their natural order.
var AllTiers = []RoutingTier{TierHotCache, TierLiveSubscription, TierBatchSnapshot, TierWarmCacheREST, TierColdREST}

func (t RoutingTier) String() string {
	switch t {
	case TierHotCache:
		return "hot_cache"
	case TierLiveSubscription:
		return "live_subscription"
	case TierBatchSnapshot:
		return "batch_snapshot"
	case TierWarmCacheREST:
		return "warm_cache_rest"
	case TierColdREST:
		return "cold_rest"
	default:
		return "unknown"
	}
}

// TierProfile holds the fixed capacity parameters of one tier.
type TierProfile struct {
	MaxLatency           time.Duration
	MaxSymbolsPerRequest int
	NetworkEfficiency    float64
}

// TierProfiles is the fixed capacity table for the five tiers.
var TierProfiles = map[RoutingTier]TierProfile{
	TierHotCache:         {MaxLatency: 1 * time.Millisecond, MaxSymbolsPerRequest: 50, NetworkEfficiency: 1.0},
	TierLiveSubscription: {MaxLatency: 50 * time.Millisecond, MaxSymbolsPerRequest: 20, NetworkEfficiency: 0.9},
	TierBatchSnapshot:    {MaxLatency: 500 * time.Millisecond, MaxSymbolsPerRequest: 100, NetworkEfficiency: 0.7},
	TierWarmCacheREST:    {MaxLatency: 200 * time.Millisecond, MaxSymbolsPerRequest: 50, NetworkEfficiency: 0.8},
	TierColdREST:         {MaxLatency: 5 * time.Second, MaxSymbolsPerRequest: 10, NetworkEfficiency: 0.4},
}

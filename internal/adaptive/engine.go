package adaptive

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"marketrouter/config"
	"marketrouter/internal/cache"
	"marketrouter/internal/frequency"
	"marketrouter/internal/metrics"
	"marketrouter/internal/ratelimit"
	"marketrouter/internal/transport"
	"marketrouter/internal/unify"
	"marketrouter/logger"
	"marketrouter/models"
)

// Fitness weights. Context preference dominates, then how well the
// tier's capacity fits the request, network cost, and a small bonus for
// special affinities.
const (
	weightContext    = 0.4
	weightCapacity   = 0.3
	weightEfficiency = 0.2
	weightBonus      = 0.1
)

// freshnessScore rates how current each tier's data is at read time.
var freshnessScore = map[models.RoutingTier]float64{
	models.TierHotCache:         0.6,
	models.TierLiveSubscription: 1.0,
	models.TierBatchSnapshot:    0.8,
	models.TierWarmCacheREST:    0.5,
	models.TierColdREST:         0.9,
}

// LiveReader is the stream-side surface the engine needs.
type LiveReader interface {
	Subscribe(ctx context.Context, symbol models.TradingSymbol, dataType models.DataType, interval models.Timeframe) error
	IsSubscribed(symbol models.TradingSymbol, dataType models.DataType) bool
	WaitLatest(ctx context.Context, symbol models.TradingSymbol, dataType models.DataType) (*models.UnifiedPayload, error)
}

// StreamHealth reports stream connection health.
type StreamHealth interface {
	Healthy() bool
}

// Engine is the adaptive routing engine: it scores the five routing tiers
// for fitness against one request and walks them best-first until a tier
// delivers complete data. A tier returning fewer symbols than requested
// counts as failed; its partial payload is never served.
type Engine struct {
	config   config.AdaptiveConfig
	cacheCfg config.CacheConfig
	selCfg   config.SelectorConfig
	wsWait   time.Duration

	cache    *cache.Cache
	live     LiveReader
	rest     transport.RESTClient
	health   StreamHealth
	tracker  *ratelimit.Tracker
	analyzer *frequency.Analyzer
	unifier  *unify.Unifier
	log      *logger.Log
}

// NewEngine wires the adaptive engine.
func NewEngine(
	cfg config.AdaptiveConfig,
	cacheCfg config.CacheConfig,
	selCfg config.SelectorConfig,
	wsWait time.Duration,
	c *cache.Cache,
	live LiveReader,
	rest transport.RESTClient,
	health StreamHealth,
	tracker *ratelimit.Tracker,
	analyzer *frequency.Analyzer,
	unifier *unify.Unifier,
) *Engine {
	return &Engine{
		config:   cfg,
		cacheCfg: cacheCfg,
		selCfg:   selCfg,
		wsWait:   wsWait,
		cache:    c,
		live:     live,
		rest:     rest,
		health:   health,
		tracker:  tracker,
		analyzer: analyzer,
		unifier:  unifier,
		log:      logger.GetLogger(),
	}
}

// BatchThreshold is the symbol count from which a request counts as a
// batch workload.
func (e *Engine) BatchThreshold() int {
	return e.config.BatchThreshold
}

// scoredTier pairs a tier with its computed fitness.
type scoredTier struct {
	tier  models.RoutingTier
	score float64
}

// Route serves one validated request through the tier walk.
func (e *Engine) Route(ctx context.Context, req *models.DataRequest) *models.UnifiedResponse {
	requestID := uuid.NewString()
	start := time.Now()

	for _, sym := range req.Symbols() {
		e.analyzer.RecordRequest(sym, req.DataType())
	}

	ranked := e.rankTiers(req)
	log := e.log.WithComponent("adaptive").WithFields(logger.Fields{
		"request_id": requestID,
		"data_type":  req.DataType(),
		"tiers":      len(ranked),
	})

	var attempted []string
	var lastErr error
	for _, st := range ranked {
		payload, err := e.attempt(ctx, st.tier, req)
		if err != nil {
			attempted = append(attempted, st.tier.String())
			metrics.IncrementTierAttempt(st.tier.String(), "failure")
			lastErr = err
			log.WithError(err).WithFields(logger.Fields{"tier": st.tier.String()}).Debug("tier attempt failed")
			continue
		}

		metrics.IncrementTierAttempt(st.tier.String(), "success")
		metrics.IncrementRouted(string(req.DataType()), st.tier.String())
		return &models.UnifiedResponse{
			Success: true,
			Data:    payload,
			Metadata: models.ResponseMetadata{
				RequestID:      requestID,
				Channel:        payload.Source,
				Reason:         fmt.Sprintf("tier %s (score %.2f)", st.tier, st.score),
				Confidence:     st.score,
				ResponseTimeMs: msSince(start),
				CacheHit:       st.tier == models.TierHotCache,
				TierUsed:       st.tier.String(),
				TiersAttempted: attempted,
			},
		}
	}

	metrics.IncrementRouteError(models.ErrCodeExhausted)
	msg := "all routing tiers exhausted"
	if lastErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, lastErr)
	}
	log.WithError(lastErr).Error("all routing tiers exhausted")
	return &models.UnifiedResponse{
		Success: false,
		Error:   models.NewRouteError(models.ErrCodeExhausted, msg, attempted, lastErr),
		Metadata: models.ResponseMetadata{
			RequestID:      requestID,
			ResponseTimeMs: msSince(start),
			TiersAttempted: attempted,
		},
	}
}

// rankTiers filters the eligible tiers for the request and orders them by
// fitness, best first.
func (e *Engine) rankTiers(req *models.DataRequest) []scoredTier {
	restUsage := e.tracker.UsageFraction(models.ChannelREST)
	healthy := e.health.Healthy()
	symbolCount := len(req.Symbols())

	var ranked []scoredTier
	for _, tier := range models.AllTiers {
		if !e.eligible(tier, req, symbolCount, healthy) {
			continue
		}
		ranked = append(ranked, scoredTier{tier: tier, score: e.score(tier, req, symbolCount, restUsage)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked
}

func (e *Engine) eligible(tier models.RoutingTier, req *models.DataRequest, symbolCount int, healthy bool) bool {
	profile := models.TierProfiles[tier]
	if symbolCount > profile.MaxSymbolsPerRequest {
		return false
	}
	switch tier {
	case models.TierHotCache, models.TierWarmCacheREST:
		// Cache reads are meaningless for freshness-critical requests.
		return !req.RealtimePriority()
	case models.TierLiveSubscription:
		return !req.IsHistorical() && healthy
	case models.TierBatchSnapshot:
		return symbolCount >= e.config.BatchThreshold
	case models.TierColdREST:
		return true
	}
	return false
}

// score is the tier's fitness for one request: weighted context
// preference, capacity fit, pressure-adjusted network efficiency and a
// special-affinity bonus.
func (e *Engine) score(tier models.RoutingTier, req *models.DataRequest, symbolCount int, restUsage float64) float64 {
	profile := models.TierProfiles[tier]

	// Log scale keeps the millisecond tiers meaningfully apart; a linear
	// ramp to the 5s ceiling would rate them all near 1.
	latencyMs := float64(profile.MaxLatency) / float64(time.Millisecond)
	latency := 1.0 - clamp01(math.Log10(latencyMs+1)/math.Log10(5000))

	// Freshness-critical requests care about latency alone; everything
	// else balances latency against how current the tier's data is.
	context := (latency + freshnessScore[tier]) / 2
	if req.RealtimePriority() {
		context = latency
	}

	// Graded headroom: a tier near its symbol ceiling is a worse home
	// for the request than one with room to spare.
	capacity := 1.0 - float64(symbolCount-1)/float64(profile.MaxSymbolsPerRequest)

	efficiency := profile.NetworkEfficiency
	if tierUsesREST(tier) {
		efficiency *= 1.0 - e.config.PressureWeight*restUsage
	}

	bonus := 0.0
	if req.RealtimePriority() && profile.MaxLatency <= 50*time.Millisecond {
		bonus += e.config.LowLatencyBonus
	}
	if tier == models.TierBatchSnapshot && symbolCount >= e.config.BatchThreshold {
		bonus += e.config.BatchBonus
	}

	return weightContext*context +
		weightCapacity*clamp01(capacity) +
		weightEfficiency*efficiency +
		weightBonus*clamp01(bonus)
}

func tierUsesREST(tier models.RoutingTier) bool {
	switch tier {
	case models.TierBatchSnapshot, models.TierWarmCacheREST, models.TierColdREST:
		return true
	}
	return false
}

func (e *Engine) attempt(ctx context.Context, tier models.RoutingTier, req *models.DataRequest) (*models.UnifiedPayload, error) {
	switch tier {
	case models.TierHotCache:
		return e.attemptHotCache(req)
	case models.TierLiveSubscription:
		return e.attemptLive(ctx, req)
	case models.TierBatchSnapshot:
		return e.attemptREST(ctx, req, true)
	case models.TierWarmCacheREST:
		return e.attemptWarmCache(ctx, req)
	case models.TierColdREST:
		return e.attemptREST(ctx, req, false)
	}
	return nil, fmt.Errorf("unknown tier %v", tier)
}

func (e *Engine) attemptHotCache(req *models.DataRequest) (*models.UnifiedPayload, error) {
	payload, ok := e.cache.Get(req.CacheKey())
	if !ok {
		return nil, fmt.Errorf("cache miss")
	}
	return e.completeOrFail(req, payload)
}

func (e *Engine) attemptLive(ctx context.Context, req *models.DataRequest) (*models.UnifiedPayload, error) {
	for _, sym := range req.Symbols() {
		if e.live.IsSubscribed(sym, req.DataType()) {
			continue
		}
		if err := e.live.Subscribe(ctx, sym, req.DataType(), req.Interval()); err != nil {
			return nil, err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.wsWait)
	defer cancel()

	merged := &models.UnifiedPayload{DataType: req.DataType(), Source: models.ChannelWebSocket}
	for _, sym := range req.Symbols() {
		payload, err := e.live.WaitLatest(waitCtx, sym, req.DataType())
		if err != nil {
			return nil, err
		}
		appendPayload(merged, payload)
	}
	merged.MarkUnified()
	return e.completeOrFail(req, merged)
}

// attemptWarmCache is cache-aside: serve the cached value when present,
// otherwise fetch over REST and keep the result warm for the next read.
func (e *Engine) attemptWarmCache(ctx context.Context, req *models.DataRequest) (*models.UnifiedPayload, error) {
	if payload, ok := e.cache.Get(req.CacheKey()); ok {
		return e.completeOrFail(req, payload)
	}
	payload, err := e.attemptREST(ctx, req, false)
	if err != nil {
		return nil, err
	}
	pattern := e.analyzer.Pattern(req.Symbols()[0], req.DataType())
	e.cache.Put(req.CacheKey(), payload, req.DataType(), pattern, e.selCfg.HighFrequencyPerMin)
	return payload, nil
}

func (e *Engine) attemptREST(ctx context.Context, req *models.DataRequest, batch bool) (*models.UnifiedPayload, error) {
	merged := &models.UnifiedPayload{DataType: req.DataType(), Source: models.ChannelREST}
	for _, sym := range req.Symbols() {
		raw, err := e.fetchOne(ctx, req, sym)
		if err != nil {
			if batch {
				// A batch pass keeps going and reports what is missing.
				continue
			}
			return nil, err
		}
		payload, err := e.unifier.Unify(raw)
		if err != nil {
			if batch {
				continue
			}
			return nil, err
		}
		appendPayload(merged, payload)
	}
	merged.MarkUnified()
	return e.completeOrFail(req, merged)
}

func (e *Engine) fetchOne(ctx context.Context, req *models.DataRequest, sym models.TradingSymbol) (models.RawMessage, error) {
	switch req.DataType() {
	case models.DataTypeTicker:
		return e.rest.FetchTicker(ctx, sym)
	case models.DataTypeOrderbook:
		return e.rest.FetchOrderbook(ctx, sym, 100)
	case models.DataTypeTrades:
		return e.rest.FetchTrades(ctx, sym, req.Count(), req.To())
	case models.DataTypeCandles:
		return e.rest.FetchCandles(ctx, sym, req.Interval(), req.Count(), req.To())
	}
	return models.RawMessage{}, fmt.Errorf("unreachable data type %q", req.DataType())
}

// completeOrFail enforces the all-or-nothing rule: a payload missing any
// requested symbol fails the tier.
func (e *Engine) completeOrFail(req *models.DataRequest, payload *models.UnifiedPayload) (*models.UnifiedPayload, error) {
	present := payload.SymbolSet()
	var missing []models.TradingSymbol
	for _, sym := range req.Symbols() {
		if _, ok := present[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	if len(missing) > 0 {
		return nil, &models.PartialDataError{Missing: missing, Partial: payload}
	}
	return payload, nil
}

func appendPayload(dst, src *models.UnifiedPayload) {
	switch dst.DataType {
	case models.DataTypeTicker:
		dst.Tickers = append(dst.Tickers, src.Tickers...)
	case models.DataTypeOrderbook:
		dst.Orderbook = append(dst.Orderbook, src.Orderbook...)
	case models.DataTypeTrades:
		dst.Trades = append(dst.Trades, src.Trades...)
	case models.DataTypeCandles:
		dst.Candles = append(dst.Candles, src.Candles...)
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

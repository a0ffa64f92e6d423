package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketrouter/config"
	"marketrouter/internal/cache"
	"marketrouter/internal/frequency"
	"marketrouter/internal/metrics"
	"marketrouter/internal/ratelimit"
	"marketrouter/internal/selector"
	"marketrouter/internal/subscription"
	"marketrouter/internal/transport"
	"marketrouter/internal/unify"
	"marketrouter/logger"
	"marketrouter/models"
)

// SubscriptionService is the slice of the subscription manager the router
// needs: ensure coverage, check coverage, read the live value.
type SubscriptionService interface {
	Subscribe(ctx context.Context, symbol models.TradingSymbol, dataType models.DataType, interval models.Timeframe) error
	IsSubscribed(symbol models.TradingSymbol, dataType models.DataType) bool
	WaitLatest(ctx context.Context, symbol models.TradingSymbol, dataType models.DataType) (*models.UnifiedPayload, error)
}

// StreamHealth reports whether the stream connection can currently serve.
type StreamHealth interface {
	Healthy() bool
}

// BatchRouter handles multi-symbol workloads that outgrow the single
// stream-or-REST decision, walking the routing tiers instead.
type BatchRouter interface {
	Route(ctx context.Context, req *models.DataRequest) *models.UnifiedResponse
	BatchThreshold() int
}

// SmartRouter turns validated data requests into unified responses. Per
// request it consults the cache, asks the selector for a channel, and
// falls back from the stream to REST at most once. Every outcome is
// counted exactly once.
type SmartRouter struct {
	config   config.RouterConfig
	selCfg   config.SelectorConfig
	selector selector.Selector
	analyzer *frequency.Analyzer
	tracker  *ratelimit.Tracker
	cache    *cache.Cache
	subs     SubscriptionService
	rest     transport.RESTClient
	health   StreamHealth
	unifier  *unify.Unifier
	batch    BatchRouter
	latency  *latencyWindow
	log      *logger.Log
}

// New wires the router. All dependencies are required; there are no
// global fallbacks.
func New(
	cfg config.RouterConfig,
	selCfg config.SelectorConfig,
	sel selector.Selector,
	analyzer *frequency.Analyzer,
	tracker *ratelimit.Tracker,
	c *cache.Cache,
	subs SubscriptionService,
	rest transport.RESTClient,
	health StreamHealth,
	unifier *unify.Unifier,
	batch BatchRouter,
) *SmartRouter {
	return &SmartRouter{
		config:   cfg,
		selCfg:   selCfg,
		selector: sel,
		analyzer: analyzer,
		tracker:  tracker,
		cache:    c,
		subs:     subs,
		rest:     rest,
		health:   health,
		unifier:  unifier,
		batch:    batch,
		latency:  newLatencyWindow(128),
		log:      logger.GetLogger(),
	}
}

// AverageLatencyMs reports the rolling mean response time of recent
// attempts on the channel, in milliseconds. Zero until the channel has
// served traffic.
func (r *SmartRouter) AverageLatencyMs(ch models.Channel) float64 {
	return r.latency.Average(ch)
}

// GetTicker serves the latest ticker for the symbols.
func (r *SmartRouter) GetTicker(ctx context.Context, syms []models.TradingSymbol, opts ...models.RequestOption) *models.UnifiedResponse {
	return r.request(ctx, syms, models.DataTypeTicker, opts...)
}

// GetOrderbook serves the current order book for the symbols.
func (r *SmartRouter) GetOrderbook(ctx context.Context, syms []models.TradingSymbol, opts ...models.RequestOption) *models.UnifiedResponse {
	return r.request(ctx, syms, models.DataTypeOrderbook, opts...)
}

// GetTrades serves the most recent trades.
func (r *SmartRouter) GetTrades(ctx context.Context, syms []models.TradingSymbol, count int, opts ...models.RequestOption) *models.UnifiedResponse {
	opts = append([]models.RequestOption{models.WithCount(count)}, opts...)
	return r.request(ctx, syms, models.DataTypeTrades, opts...)
}

// GetCandles serves recent candles at the given granularity.
func (r *SmartRouter) GetCandles(ctx context.Context, syms []models.TradingSymbol, interval models.Timeframe, count int, opts ...models.RequestOption) *models.UnifiedResponse {
	opts = append([]models.RequestOption{models.WithInterval(interval), models.WithCount(count)}, opts...)
	return r.request(ctx, syms, models.DataTypeCandles, opts...)
}

func (r *SmartRouter) request(ctx context.Context, syms []models.TradingSymbol, dataType models.DataType, opts ...models.RequestOption) *models.UnifiedResponse {
	req, err := models.NewDataRequest(syms, dataType, opts...)
	if err != nil {
		metrics.IncrementRouteError(models.ErrCodeValidation)
		return &models.UnifiedResponse{
			Success: false,
			Error:   models.NewRouteError(models.ErrCodeValidation, err.Error(), nil, err),
			Metadata: models.ResponseMetadata{
				RequestID: uuid.NewString(),
			},
		}
	}
	return r.Route(ctx, req)
}

// Route serves one validated request.
func (r *SmartRouter) Route(ctx context.Context, req *models.DataRequest) *models.UnifiedResponse {
	// Batch workloads go through the adaptive tier walk; the stream-or-
	// REST decision below is sized for small symbol sets.
	if r.batch != nil && len(req.Symbols()) >= r.batch.BatchThreshold() {
		return r.batch.Route(ctx, req)
	}

	requestID := uuid.NewString()
	start := time.Now()

	log := r.log.WithComponent("router").WithFields(logger.Fields{
		"request_id": requestID,
		"data_type":  req.DataType(),
		"symbols":    len(req.Symbols()),
	})

	for _, sym := range req.Symbols() {
		r.analyzer.RecordRequest(sym, req.DataType())
	}

	cacheKey := req.CacheKey()
	if !req.RealtimePriority() {
		if payload, ok := r.cache.Get(cacheKey); ok {
			metrics.IncrementRouted(string(req.DataType()), "cache")
			return r.success(requestID, start, payload, models.ChannelDecision{
				Channel:    payload.Source,
				Reason:     "served from cache",
				Confidence: 1.0,
			}, true, nil)
		}
	}

	primary := req.Symbols()[0]
	pattern := r.analyzer.Pattern(primary, req.DataType())
	decision := r.selector.Select(selector.Inputs{
		Request:       req,
		Pattern:       pattern,
		StreamHealthy: r.health.Healthy(),
		Subscribed:    r.subs.IsSubscribed(primary, req.DataType()),
		RESTUsage:     r.tracker.UsageFraction(models.ChannelREST),
		WSUsage:       r.tracker.UsageFraction(models.ChannelWebSocket),
	})

	var attempted []string

	if decision.Channel == models.ChannelWebSocket {
		wsStart := time.Now()
		payload, err := r.tryStream(ctx, req)
		r.latency.Record(models.ChannelWebSocket, msSince(wsStart))
		if err == nil {
			r.cache.Put(cacheKey, payload, req.DataType(), pattern, r.selCfg.HighFrequencyPerMin)
			metrics.IncrementRouted(string(req.DataType()), string(models.ChannelWebSocket))
			return r.success(requestID, start, payload, decision, false, attempted)
		}
		attempted = append(attempted, string(models.ChannelWebSocket))
		log.WithError(err).Warn("stream attempt failed, downgrading to rest")
		logger.IncrementDowngrade()
		metrics.IncrementDowngrade()
		decision = models.ChannelDecision{
			Channel:    models.ChannelREST,
			Reason:     fmt.Sprintf("downgraded: %s", decision.Reason),
			Confidence: decision.Confidence,
		}
	}

	restStart := time.Now()
	payload, err := r.tryREST(ctx, req)
	r.latency.Record(models.ChannelREST, msSince(restStart))
	if err != nil {
		attempted = append(attempted, string(models.ChannelREST))
		metrics.IncrementRouteError(models.ErrCodeExhausted)
		log.WithError(err).Error("all channels exhausted")
		return &models.UnifiedResponse{
			Success: false,
			Error:   models.NewRouteError(models.ErrCodeExhausted, err.Error(), attempted, err),
			Metadata: models.ResponseMetadata{
				RequestID:      requestID,
				Channel:        models.ChannelREST,
				Reason:         decision.Reason,
				Confidence:     decision.Confidence,
				ResponseTimeMs: msSince(start),
			},
		}
	}

	r.cache.Put(cacheKey, payload, req.DataType(), pattern, r.selCfg.HighFrequencyPerMin)
	metrics.IncrementRouted(string(req.DataType()), string(models.ChannelREST))
	return r.success(requestID, start, payload, decision, false, attempted)
}

// tryStream serves the request from held subscriptions. Coverage is
// established on demand; running out of slots is an ordinary reason to
// use REST, not an error surfaced to the caller.
func (r *SmartRouter) tryStream(ctx context.Context, req *models.DataRequest) (*models.UnifiedPayload, error) {
	for _, sym := range req.Symbols() {
		if r.subs.IsSubscribed(sym, req.DataType()) {
			continue
		}
		if err := r.subs.Subscribe(ctx, sym, req.DataType(), req.Interval()); err != nil {
			if errors.Is(err, subscription.ErrNoSlots) {
				return nil, err
			}
			return nil, &models.ChannelUnavailableError{Channel: models.ChannelWebSocket, Cause: err}
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.config.WSWaitTimeout)
	defer cancel()

	merged := &models.UnifiedPayload{DataType: req.DataType(), Source: models.ChannelWebSocket}
	for _, sym := range req.Symbols() {
		payload, err := r.subs.WaitLatest(waitCtx, sym, req.DataType())
		if err != nil {
			return nil, err
		}
		appendPayload(merged, payload)
	}
	merged.MarkUnified()

	if missing := missingSymbols(req.Symbols(), merged); len(missing) > 0 {
		return nil, &models.PartialDataError{Missing: missing, Partial: merged}
	}
	return merged, nil
}

// tryREST serves the request with one snapshot fetch per symbol.
func (r *SmartRouter) tryREST(ctx context.Context, req *models.DataRequest) (*models.UnifiedPayload, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.config.RESTTimeout)
	defer cancel()

	merged := &models.UnifiedPayload{DataType: req.DataType(), Source: models.ChannelREST}
	for _, sym := range req.Symbols() {
		raw, err := r.fetchOne(fetchCtx, req, sym)
		if err != nil {
			return nil, err
		}
		payload, err := r.unifier.Unify(raw)
		if err != nil {
			return nil, err
		}
		appendPayload(merged, payload)
	}
	merged.MarkUnified()
	return merged, nil
}

func (r *SmartRouter) fetchOne(ctx context.Context, req *models.DataRequest, sym models.TradingSymbol) (models.RawMessage, error) {
	switch req.DataType() {
	case models.DataTypeTicker:
		return r.rest.FetchTicker(ctx, sym)
	case models.DataTypeOrderbook:
		return r.rest.FetchOrderbook(ctx, sym, 100)
	case models.DataTypeTrades:
		return r.rest.FetchTrades(ctx, sym, req.Count(), req.To())
	case models.DataTypeCandles:
		return r.rest.FetchCandles(ctx, sym, req.Interval(), req.Count(), req.To())
	}
	return models.RawMessage{}, fmt.Errorf("unreachable data type %q", req.DataType())
}

func (r *SmartRouter) success(requestID string, start time.Time, payload *models.UnifiedPayload, decision models.ChannelDecision, cacheHit bool, attempted []string) *models.UnifiedResponse {
	return &models.UnifiedResponse{
		Success: true,
		Data:    payload,
		Metadata: models.ResponseMetadata{
			RequestID:      requestID,
			Channel:        decision.Channel,
			Reason:         decision.Reason,
			Confidence:     decision.Confidence,
			ResponseTimeMs: msSince(start),
			CacheHit:       cacheHit,
			TiersAttempted: attempted,
		},
	}
}

// appendPayload merges the rows of src into dst; both carry the same
// data type.
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

// missingSymbols lists requested symbols absent from the payload.
func missingSymbols(requested []models.TradingSymbol, payload *models.UnifiedPayload) []models.TradingSymbol {
	present := payload.SymbolSet()
	var missing []models.TradingSymbol
	for _, sym := range requested {
		if _, ok := present[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	return missing
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

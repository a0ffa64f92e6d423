package adaptive

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketrouter/config"
	"marketrouter/internal/cache"
	"marketrouter/internal/frequency"
	"marketrouter/internal/ratelimit"
	"marketrouter/internal/unify"
	"marketrouter/models"
)

type fakeLive struct {
	subscribed map[string]bool
	waitErr    error
	payloads   map[string]*models.UnifiedPayload
}

func newFakeLive() *fakeLive {
	return &fakeLive{subscribed: make(map[string]bool), payloads: make(map[string]*models.UnifiedPayload)}
}

func (f *fakeLive) Subscribe(ctx context.Context, sym models.TradingSymbol, dt models.DataType, interval models.Timeframe) error {
	f.subscribed[sym.Native()+":"+string(dt)] = true
	return nil
}

func (f *fakeLive) IsSubscribed(sym models.TradingSymbol, dt models.DataType) bool {
	return f.subscribed[sym.Native()+":"+string(dt)]
}

func (f *fakeLive) WaitLatest(ctx context.Context, sym models.TradingSymbol, dt models.DataType) (*models.UnifiedPayload, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	p, ok := f.payloads[sym.Native()+":"+string(dt)]
	if !ok {
		return nil, &models.TimeoutError{Channel: models.ChannelWebSocket, Waited: time.Second}
	}
	return p, nil
}

type fakeREST struct {
	calls   int
	fail    bool
	failFor map[string]bool
}

func (f *fakeREST) fetch(sym models.TradingSymbol, dt models.DataType, body []byte) (models.RawMessage, error) {
	f.calls++
	if f.fail || f.failFor[sym.Native()] {
		return models.RawMessage{}, &models.ChannelUnavailableError{Channel: models.ChannelREST, Cause: errors.New("down")}
	}
	return models.RawMessage{
		Exchange:    "binance",
		Symbol:      sym.Native(),
		DataType:    dt,
		Data:        body,
		Timestamp:   time.Now().UTC(),
		MessageType: "snapshot",
	}, nil
}

func (f *fakeREST) FetchTicker(ctx context.Context, sym models.TradingSymbol) (models.RawMessage, error) {
	return f.fetch(sym, models.DataTypeTicker, []byte(`{"symbol":"`+sym.Native()+`","lastPrice":"50000","bidPrice":"49999","askPrice":"50001","volume":"10","priceChangePercent":"1","closeTime":1756100000000}`))
}
func (f *fakeREST) FetchOrderbook(ctx context.Context, sym models.TradingSymbol, limit int) (models.RawMessage, error) {
	return f.fetch(sym, models.DataTypeOrderbook, []byte(`{"lastUpdateId":1,"bids":[["49999","1"]],"asks":[["50001","1"]]}`))
}
func (f *fakeREST) FetchTrades(ctx context.Context, sym models.TradingSymbol, count int, to *time.Time) (models.RawMessage, error) {
	return f.fetch(sym, models.DataTypeTrades, []byte(`[{"id":1,"price":"50000","qty":"0.1","isBuyerMaker":true,"time":1756100000000}]`))
}
func (f *fakeREST) FetchCandles(ctx context.Context, sym models.TradingSymbol, interval models.Timeframe, count int, to *time.Time) (models.RawMessage, error) {
	return f.fetch(sym, models.DataTypeCandles, []byte(`[[1756100000000,"50000","50100","49900","50050","1",1756100059999]]`))
}

type fakeHealth struct{ healthy bool }

func (f *fakeHealth) Healthy() bool { return f.healthy }

type deps struct {
	engine *Engine
	cache  *cache.Cache
	live   *fakeLive
	rest   *fakeREST
	health *fakeHealth
}

func newTestEngine() *deps {
	c := cache.New(config.CacheConfig{FastTTL: 200 * time.Millisecond, Capacity: 64, SweepInterval: time.Minute, TickerTTL: time.Second, OrderbookTTL: time.Second, TradesTTL: 30 * time.Second, CandlesTTL: time.Minute})
	live := newFakeLive()
	rest := &fakeREST{failFor: make(map[string]bool)}
	health := &fakeHealth{healthy: true}

	e := NewEngine(
		config.AdaptiveConfig{BatchThreshold: 5, PressureWeight: 0.5, LowLatencyBonus: 0.5, BatchBonus: 0.5},
		config.CacheConfig{FastTTL: 200 * time.Millisecond, Capacity: 64, SweepInterval: time.Minute, TickerTTL: time.Second, OrderbookTTL: time.Second, TradesTTL: 30 * time.Second, CandlesTTL: time.Minute},
		config.SelectorConfig{HighFrequencyPerMin: 10},
		100*time.Millisecond,
		c,
		live,
		rest,
		health,
		ratelimit.NewTracker(config.RateLimitConfig{RESTWeightPerMinute: 1200, WSOpsPerMinute: 300, Window: time.Minute, RequestsPerSecond: 1000, BurstSize: 1000}),
		frequency.NewAnalyzer(config.FrequencyConfig{WindowMinutes: 5, RingSize: 64, PruneInterval: time.Hour, PruneMaxAge: time.Hour}),
		unify.NewUnifier(),
	)
	return &deps{engine: e, cache: c, live: live, rest: rest, health: health}
}

func mustRequest(t *testing.T, syms []models.TradingSymbol, dt models.DataType, opts ...models.RequestOption) *models.DataRequest {
	t.Helper()
	req, err := models.NewDataRequest(syms, dt, opts...)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func btc() []models.TradingSymbol { return []models.TradingSymbol{models.MustSymbol("BTC-USDT")} }

func manySymbols() []models.TradingSymbol {
	bases := []string{"BTC", "ETH", "SOL", "ADA", "XRP"}
	syms := make([]models.TradingSymbol, 0, len(bases))
	for _, b := range bases {
		syms = append(syms, models.TradingSymbol{Base: b, Quote: "USDT"})
	}
	return syms
}

func TestTierOrderFavorsHotCache(t *testing.T) {
	d := newTestEngine()
	req := mustRequest(t, btc(), models.DataTypeTicker)

	ranked := d.engine.rankTiers(req)
	if len(ranked) == 0 {
		t.Fatal("no eligible tiers")
	}
	if ranked[0].tier != models.TierHotCache {
		t.Errorf("top tier = %v, want hot_cache", ranked[0].tier)
	}
	for _, st := range ranked {
		if st.tier == models.TierBatchSnapshot {
			t.Error("batch tier eligible below threshold")
		}
	}
}

func TestRealtimeSkipsCacheTiers(t *testing.T) {
	d := newTestEngine()
	req := mustRequest(t, btc(), models.DataTypeTicker, models.WithRealtimePriority())

	ranked := d.engine.rankTiers(req)
	for _, st := range ranked {
		if st.tier == models.TierHotCache || st.tier == models.TierWarmCacheREST {
			t.Errorf("cache tier %v eligible for realtime request", st.tier)
		}
	}
	if ranked[0].tier != models.TierLiveSubscription {
		t.Errorf("top tier = %v, want live_subscription", ranked[0].tier)
	}
}

func TestHistoricalExcludesLive(t *testing.T) {
	d := newTestEngine()
	req := mustRequest(t, btc(), models.DataTypeTrades, models.WithCount(100))

	for _, st := range d.engine.rankTiers(req) {
		if st.tier == models.TierLiveSubscription {
			t.Fatal("live tier eligible for historical request")
		}
	}
}

func TestHotCacheServes(t *testing.T) {
	d := newTestEngine()
	req := mustRequest(t, btc(), models.DataTypeTicker)

	p := &models.UnifiedPayload{
		DataType: models.DataTypeTicker,
		Source:   models.ChannelREST,
		Tickers:  []models.TickerData{{Symbol: models.MustSymbol("BTC-USDT"), LastPrice: 49000}},
	}
	p.MarkUnified()
	d.cache.Put(req.CacheKey(), p, models.DataTypeTicker, models.NeutralPattern(3), 10)

	resp := d.engine.Route(context.Background(), req)
	if !resp.Success {
		t.Fatalf("route failed: %+v", resp.Error)
	}
	if resp.Metadata.TierUsed != "hot_cache" {
		t.Errorf("tier = %s, want hot_cache", resp.Metadata.TierUsed)
	}
	if !resp.Metadata.CacheHit {
		t.Error("cache hit flag missing")
	}
	if d.rest.calls != 0 {
		t.Errorf("rest calls = %d, want 0", d.rest.calls)
	}
}

func TestFallbackWalkToREST(t *testing.T) {
	d := newTestEngine()
	req := mustRequest(t, btc(), models.DataTypeTicker)

	// Empty cache, silent stream: the walk must end on a REST tier.
	resp := d.engine.Route(context.Background(), req)
	if !resp.Success {
		t.Fatalf("route failed: %+v", resp.Error)
	}
	if resp.Metadata.TierUsed != "warm_cache_rest" && resp.Metadata.TierUsed != "cold_rest" {
		t.Errorf("tier = %s, want a rest tier", resp.Metadata.TierUsed)
	}
	if len(resp.Metadata.TiersAttempted) == 0 {
		t.Error("failed tiers not recorded")
	}
	if d.rest.calls == 0 {
		t.Error("rest never called")
	}
}

func TestPartialDataFailsTier(t *testing.T) {
	d := newTestEngine()
	syms := manySymbols()
	req := mustRequest(t, syms, models.DataTypeTicker)

	// One symbol fails on REST, so the batch tier returns partial data
	// and the walk must not serve it.
	d.rest.failFor["ETHUSDT"] = true
	resp := d.engine.Route(context.Background(), req)
	if resp.Success {
		t.Fatalf("partial data served: %d rows", resp.Data.Len())
	}
	if resp.Error.Code != models.ErrCodeExhausted {
		t.Errorf("code = %s", resp.Error.Code)
	}
	for _, tier := range resp.Error.Attempted {
		if tier == "batch_snapshot" {
			return
		}
	}
	t.Errorf("batch tier missing from attempts: %v", resp.Error.Attempted)
}

func TestAggregatedFailure(t *testing.T) {
	d := newTestEngine()
	d.rest.fail = true
	d.health.healthy = false

	resp := d.engine.Route(context.Background(), mustRequest(t, btc(), models.DataTypeTicker))
	if resp.Success {
		t.Fatal("expected failure")
	}
	if len(resp.Error.Attempted) < 2 {
		t.Errorf("attempted = %v, want multiple tiers", resp.Error.Attempted)
	}
}

func TestScoreCapacityAndPressure(t *testing.T) {
	d := newTestEngine()
	req := mustRequest(t, btc(), models.DataTypeTicker)

	// More symbols eat into a tier's headroom.
	if crowded, roomy := d.engine.score(models.TierColdREST, req, 10, 0), d.engine.score(models.TierColdREST, req, 1, 0); crowded >= roomy {
		t.Errorf("crowded score %v not below roomy score %v", crowded, roomy)
	}

	// REST pressure discounts REST-backed tiers only.
	if pressured, idle := d.engine.score(models.TierColdREST, req, 1, 0.9), d.engine.score(models.TierColdREST, req, 1, 0); pressured >= idle {
		t.Errorf("pressured score %v not below idle score %v", pressured, idle)
	}
	if pressured, idle := d.engine.score(models.TierLiveSubscription, req, 1, 0.9), d.engine.score(models.TierLiveSubscription, req, 1, 0); pressured != idle {
		t.Errorf("stream tier moved under REST pressure: %v != %v", pressured, idle)
	}
}

func TestScoreBatchBonus(t *testing.T) {
	d := newTestEngine()
	req := mustRequest(t, manySymbols(), models.DataTypeTicker)

	// At the batch threshold the snapshot tier earns its affinity bonus,
	// which outweighs the extra symbol's capacity cost.
	atThreshold := d.engine.score(models.TierBatchSnapshot, req, 5, 0)
	below := d.engine.score(models.TierBatchSnapshot, req, 4, 0)
	if atThreshold <= below {
		t.Errorf("batch score at threshold %v not above %v", atThreshold, below)
	}
}

func TestLiveTierServes(t *testing.T) {
	d := newTestEngine()
	p := &models.UnifiedPayload{
		DataType: models.DataTypeTicker,
		Source:   models.ChannelWebSocket,
		Tickers:  []models.TickerData{{Symbol: models.MustSymbol("BTC-USDT"), LastPrice: 50200}},
	}
	p.MarkUnified()
	d.live.payloads["BTCUSDT:ticker"] = p

	req := mustRequest(t, btc(), models.DataTypeTicker, models.WithRealtimePriority())
	resp := d.engine.Route(context.Background(), req)
	if !resp.Success {
		t.Fatalf("route failed: %+v", resp.Error)
	}
	if resp.Metadata.TierUsed != "live_subscription" {
		t.Errorf("tier = %s", resp.Metadata.TierUsed)
	}
	if resp.Data.Tickers[0].LastPrice != 50200 {
		t.Errorf("price = %v", resp.Data.Tickers[0].LastPrice)
	}
}

package cache

import (
	"testing"
	"time"

	"marketrouter/config"
	"marketrouter/models"
)

func testConfig() config.CacheConfig {
	return config.CacheConfig{
		FastTTL:       200 * time.Millisecond,
		Capacity:      3,
		SweepInterval: 30 * time.Second,
		TickerTTL:     200 * time.Millisecond,
		OrderbookTTL:  300 * time.Millisecond,
		TradesTTL:     30 * time.Second,
		CandlesTTL:    60 * time.Second,
	}
}

func newTestCache(start time.Time) (*Cache, *time.Time) {
	c := New(testConfig())
	current := start
	c.now = func() time.Time { return current }
	return c, &current
}

func tickerPayload(last float64) *models.UnifiedPayload {
	p := &models.UnifiedPayload{
		DataType: models.DataTypeTicker,
		Source:   models.ChannelREST,
		Tickers:  []models.TickerData{{Symbol: models.MustSymbol("BTC-USDT"), LastPrice: last}},
	}
	p.MarkUnified()
	return p
}

// Morning UTC hour keeps the session factor at 1.0 in these tests.
var base = time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)

func TestFastTierHitWithinWindow(t *testing.T) {
	c, clock := newTestCache(base)

	c.Put("k", tickerPayload(50000), models.DataTypeTicker, models.NeutralPattern(5), 10)

	*clock = base.Add(100 * time.Millisecond)
	if p, ok := c.Get("k"); !ok || p.Tickers[0].LastPrice != 50000 {
		t.Fatalf("expected fast tier hit, got ok=%v", ok)
	}

	hits, misses, _, _ := c.Stats()
	if hits != 1 || misses != 0 {
		t.Errorf("hits=%d misses=%d, want 1/0", hits, misses)
	}
}

func TestExpiryIsAMiss(t *testing.T) {
	c, clock := newTestCache(base)
	c.Put("k", tickerPayload(1), models.DataTypeTicker, models.NeutralPattern(5), 10)

	// Past both the fast TTL (200ms) and the ticker slow TTL (200ms).
	*clock = base.Add(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry served")
	}
	_, misses, fastLen, slowLen := c.Stats()
	if misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}
	if fastLen != 0 || slowLen != 0 {
		t.Errorf("expired entries not removed: fast=%d slow=%d", fastLen, slowLen)
	}
}

func TestSlowTierOutlivesFastTier(t *testing.T) {
	c, clock := newTestCache(base)
	c.Put("k", tickerPayload(2), models.DataTypeTrades, models.NeutralPattern(5), 10)

	// Fast tier expired, trades slow TTL (30s) still valid.
	*clock = base.Add(5 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("slow tier should still hold trades payload")
	}
}

func TestLRUEviction(t *testing.T) {
	c, _ := newTestCache(base)
	for _, k := range []string{"a", "b", "c"} {
		c.Put(k, tickerPayload(1), models.DataTypeTrades, models.NeutralPattern(5), 10)
	}
	// Touch "a" so "b" becomes the LRU victim.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("warmup get failed")
	}
	c.Put("d", tickerPayload(1), models.DataTypeTrades, models.NeutralPattern(5), 10)

	_, _, _, slowLen := c.Stats()
	if slowLen != 3 {
		t.Fatalf("slow len = %d, want capacity 3", slowLen)
	}
	c.mu.RLock()
	_, hasB := c.slow["b"]
	_, hasA := c.slow["a"]
	c.mu.RUnlock()
	if hasB || !hasA {
		t.Errorf("LRU evicted wrong key: a=%v b=%v", hasA, hasB)
	}
}

func TestAdaptiveTTLFactors(t *testing.T) {
	cfg := testConfig()

	hot := models.RequestPattern{RequestsPerMinute: 20, SampleCount: 50}
	idle := models.RequestPattern{}
	normal := models.RequestPattern{RequestsPerMinute: 2, SampleCount: 10}

	morning := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	overlap := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	night := time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)

	if got := adaptiveTTL(cfg, models.DataTypeTrades, hot, 10, morning); got != 15*time.Second {
		t.Errorf("hot ttl = %v, want 15s", got)
	}
	if got := adaptiveTTL(cfg, models.DataTypeTrades, idle, 10, morning); got != 45*time.Second {
		t.Errorf("idle ttl = %v, want 45s", got)
	}
	if got := adaptiveTTL(cfg, models.DataTypeTrades, normal, 10, overlap); got != 22500*time.Millisecond {
		t.Errorf("overlap ttl = %v, want 22.5s", got)
	}
	if got := adaptiveTTL(cfg, models.DataTypeTrades, normal, 10, night); got != 45*time.Second {
		t.Errorf("night ttl = %v, want 45s", got)
	}
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(base)
	c.Put("k", tickerPayload(1), models.DataTypeTrades, models.NeutralPattern(5), 10)
	c.Invalidate("k")
	if _, ok := c.Get("k"); ok {
		t.Fatal("invalidated entry served")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	c, clock := newTestCache(base)
	c.Put("short", tickerPayload(1), models.DataTypeTicker, models.NeutralPattern(5), 10)
	c.Put("long", tickerPayload(1), models.DataTypeCandles, models.NeutralPattern(5), 10)

	*clock = base.Add(5 * time.Second)
	c.sweep()

	c.mu.RLock()
	_, hasShort := c.slow["short"]
	_, hasLong := c.slow["long"]
	fastLen := len(c.fast)
	c.mu.RUnlock()
	if hasShort || !hasLong {
		t.Errorf("sweep wrong: short=%v long=%v", hasShort, hasLong)
	}
	if fastLen != 0 {
		t.Errorf("fast tier not swept: %d", fastLen)
	}
}

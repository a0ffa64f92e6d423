package models

import (
	"errors"
	"testing"
	"time"
)

func TestParseSymbolForms(t *testing.T) {
	cases := []struct {
		in    string
		base  string
		quote string
	}{
		{"BTC-USDT", "BTC", "USDT"},
		{"btc/usdt", "BTC", "USDT"},
		{"BTCUSDT", "BTC", "USDT"},
		{"ETHBTC", "ETH", "BTC"},
		{"pepeusdc", "PEPE", "USDC"},
	}
	for _, c := range cases {
		sym, err := ParseSymbol(c.in)
		if err != nil {
			t.Fatalf("ParseSymbol(%q): %v", c.in, err)
		}
		if sym.Base != c.base || sym.Quote != c.quote {
			t.Fatalf("ParseSymbol(%q) = %v, want %s/%s", c.in, sym, c.base, c.quote)
		}
	}

	for _, bad := range []string{"", "-USDT", "BTC-", "XYZ"} {
		if _, err := ParseSymbol(bad); err == nil {
			t.Fatalf("ParseSymbol(%q): expected error", bad)
		}
	}
}

func TestSymbolRoundTrip(t *testing.T) {
	sym := MustSymbol("BTC-USDT")
	if sym.Canonical() != "BTC-USDT" {
		t.Fatalf("canonical: %s", sym.Canonical())
	}
	if sym.Native() != "BTCUSDT" {
		t.Fatalf("native: %s", sym.Native())
	}
	back, err := ParseSymbol(sym.Native())
	if err != nil || back != sym {
		t.Fatalf("native round trip: %v %v", back, err)
	}
}

func TestTimeframeMinutes(t *testing.T) {
	if Timeframe1m.Minutes() != 1 || Timeframe4h.Minutes() != 240 || Timeframe1d.Minutes() != 1440 {
		t.Fatal("unexpected timeframe minutes")
	}
	if _, err := ParseTimeframe("2h"); err == nil {
		t.Fatal("expected error for unsupported timeframe")
	}
	start := Timeframe5m.BucketStart(time.Date(2024, 3, 1, 10, 13, 42, 0, time.UTC))
	want := time.Date(2024, 3, 1, 10, 10, 0, 0, time.UTC)
	if !start.Equal(want) {
		t.Fatalf("bucket start %v, want %v", start, want)
	}
}

func TestNewDataRequestValidation(t *testing.T) {
	sym := []TradingSymbol{MustSymbol("BTC-USDT")}

	if _, err := NewDataRequest(nil, DataTypeTicker); err == nil {
		t.Fatal("expected error for empty symbols")
	}
	if _, err := NewDataRequest(sym, DataType("depth")); err == nil {
		t.Fatal("expected error for unknown data type")
	}
	if _, err := NewDataRequest(sym, DataTypeTicker, WithCount(2)); err == nil {
		t.Fatal("ticker with count>1 must fail")
	}
	if _, err := NewDataRequest(sym, DataTypeTicker, WithTo(time.Now().Add(-time.Hour))); err == nil {
		t.Fatal("ticker with cursor must fail")
	}
	if _, err := NewDataRequest(sym, DataTypeTrades, WithCount(501)); err == nil {
		t.Fatal("trades count cap must be enforced")
	}
	if _, err := NewDataRequest(sym, DataTypeCandles, WithCount(10)); err == nil {
		t.Fatal("candles without interval must fail")
	}
	if _, err := NewDataRequest(sym, DataTypeCandles, WithInterval(Timeframe1m), WithCount(201)); err == nil {
		t.Fatal("candles count cap must be enforced")
	}
	if _, err := NewDataRequest(sym, DataTypeCandles, WithInterval(Timeframe1m), WithTo(time.Now().Add(time.Hour))); err == nil {
		t.Fatal("future cursor must fail")
	}

	req, err := NewDataRequest(sym, DataTypeCandles, WithInterval(Timeframe1m), WithCount(200))
	if err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	if !req.IsHistorical() {
		t.Fatal("count=200 must be historical")
	}

	var verr *ValidationError
	_, err = NewDataRequest(sym, DataTypeTrades, WithCount(0))
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCacheKeyDistinguishesRequests(t *testing.T) {
	sym := []TradingSymbol{MustSymbol("BTC-USDT")}
	a, _ := NewDataRequest(sym, DataTypeCandles, WithInterval(Timeframe1m))
	b, _ := NewDataRequest(sym, DataTypeCandles, WithInterval(Timeframe5m))
	c, _ := NewDataRequest(sym, DataTypeCandles, WithInterval(Timeframe1m), WithCount(10))
	if a.CacheKey() == b.CacheKey() || a.CacheKey() == c.CacheKey() {
		t.Fatal("cache keys must differ for different requests")
	}
	a2, _ := NewDataRequest(sym, DataTypeCandles, WithInterval(Timeframe1m))
	if a.CacheKey() != a2.CacheKey() {
		t.Fatal("identical requests must share a cache key")
	}
}

func TestUnifiedPayloadLenAndSymbols(t *testing.T) {
	p := &UnifiedPayload{
		DataType: DataTypeTicker,
		Tickers: []TickerData{
			{Symbol: MustSymbol("BTC-USDT"), LastPrice: 50000},
			{Symbol: MustSymbol("ETH-USDT"), LastPrice: 3000},
		},
	}
	if p.Len() != 2 {
		t.Fatalf("len: %d", p.Len())
	}
	set := p.SymbolSet()
	if len(set) != 2 {
		t.Fatalf("symbol set: %v", set)
	}
	if p.IsUnified() {
		t.Fatal("payload must not start unified")
	}
	p.MarkUnified()
	if !p.IsUnified() {
		t.Fatal("MarkUnified must stick")
	}
}

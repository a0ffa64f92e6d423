package unify

import (
	"errors"
	"testing"

	"marketrouter/models"
)

func restMsg(dataType models.DataType, symbol, body string) models.RawMessage {
	return models.RawMessage{
		Exchange:    "binance",
		Symbol:      symbol,
		DataType:    dataType,
		Data:        []byte(body),
		MessageType: "snapshot",
	}
}

func streamMsg(dataType models.DataType, symbol, body string) models.RawMessage {
	m := restMsg(dataType, symbol, body)
	m.MessageType = "stream"
	return m
}

func TestTickerBothChannelsSameShape(t *testing.T) {
	u := NewUnifier()

	rest := restMsg(models.DataTypeTicker, "BTCUSDT",
		`{"symbol":"BTCUSDT","lastPrice":"50000.5","bidPrice":"50000.1","askPrice":"50000.9","volume":"1234.5","priceChangePercent":"2.5","closeTime":1756100000000}`)
	stream := streamMsg(models.DataTypeTicker, "BTCUSDT",
		`{"e":"24hrTicker","E":1756100000000,"s":"BTCUSDT","c":"50000.5","b":"50000.1","a":"50000.9","v":"1234.5","P":"2.5"}`)

	pr, err := u.Unify(rest)
	if err != nil {
		t.Fatalf("rest unify failed: %v", err)
	}
	ps, err := u.Unify(stream)
	if err != nil {
		t.Fatalf("stream unify failed: %v", err)
	}

	if len(pr.Tickers) != 1 || len(ps.Tickers) != 1 {
		t.Fatalf("expected one ticker each, got %d and %d", len(pr.Tickers), len(ps.Tickers))
	}
	if pr.Tickers[0].LastPrice != ps.Tickers[0].LastPrice {
		t.Errorf("last price differs across channels: %v vs %v", pr.Tickers[0].LastPrice, ps.Tickers[0].LastPrice)
	}
	if pr.Tickers[0].Symbol != ps.Tickers[0].Symbol {
		t.Errorf("symbol differs across channels")
	}
	if pr.Source != models.ChannelREST || ps.Source != models.ChannelWebSocket {
		t.Errorf("sources not tagged: %v / %v", pr.Source, ps.Source)
	}
	if !pr.IsUnified() || !ps.IsUnified() {
		t.Error("payloads not marked unified")
	}
}

func TestOrderbookRESTAndStream(t *testing.T) {
	u := NewUnifier()

	p, err := u.Unify(restMsg(models.DataTypeOrderbook, "ETHUSDT",
		`{"lastUpdateId":42,"bids":[["3000.1","2.5"],["3000.0","1.0"]],"asks":[["3000.5","0.7"]]}`))
	if err != nil {
		t.Fatalf("rest unify failed: %v", err)
	}
	book := p.Orderbook[0]
	if len(book.Bids) != 2 || len(book.Asks) != 1 {
		t.Fatalf("levels = %d/%d, want 2/1", len(book.Bids), len(book.Asks))
	}
	if book.Bids[0].Price != 3000.1 || book.Bids[0].Quantity != 2.5 {
		t.Errorf("bad top bid: %+v", book.Bids[0])
	}
	if book.LastUpdateID != 42 {
		t.Errorf("update id = %d, want 42", book.LastUpdateID)
	}
	if book.Symbol.Canonical() != "ETH-USDT" {
		t.Errorf("symbol = %s", book.Symbol.Canonical())
	}

	ps, err := u.Unify(streamMsg(models.DataTypeOrderbook, "ETHUSDT",
		`{"e":"depthUpdate","E":1756100000000,"s":"ETHUSDT","u":43,"b":[["3000.2","1.1"]],"a":[["3000.6","0.2"]]}`))
	if err != nil {
		t.Fatalf("stream unify failed: %v", err)
	}
	if ps.Orderbook[0].LastUpdateID != 43 {
		t.Errorf("stream update id = %d, want 43", ps.Orderbook[0].LastUpdateID)
	}
}

func TestEmptyTradesIsValidZeroRows(t *testing.T) {
	u := NewUnifier()
	p, err := u.Unify(restMsg(models.DataTypeTrades, "BTCUSDT", `[]`))
	if err != nil {
		t.Fatalf("empty trades must not be an error: %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("len = %d, want 0", p.Len())
	}
	if !p.IsUnified() {
		t.Error("empty payload not marked unified")
	}
}

func TestTradesRESTArrayAndStreamFrame(t *testing.T) {
	u := NewUnifier()

	p, err := u.Unify(restMsg(models.DataTypeTrades, "BTCUSDT",
		`[{"id":100,"price":"50000.5","qty":"0.01","isBuyerMaker":true,"time":1756100000000},{"id":101,"price":"50001.0","qty":"0.02","isBuyerMaker":false,"time":1756100000100}]`))
	if err != nil {
		t.Fatalf("rest unify failed: %v", err)
	}
	if p.Len() != 2 {
		t.Fatalf("len = %d, want 2", p.Len())
	}
	if p.Trades[0].TradeID != 100 || !p.Trades[0].IsBuyerMaker {
		t.Errorf("bad first trade: %+v", p.Trades[0])
	}

	ps, err := u.Unify(streamMsg(models.DataTypeTrades, "BTCUSDT",
		`{"e":"trade","E":1756100000000,"s":"BTCUSDT","t":102,"p":"50002.0","q":"0.03","m":false,"T":1756100000200}`))
	if err != nil {
		t.Fatalf("stream unify failed: %v", err)
	}
	if ps.Len() != 1 || ps.Trades[0].TradeID != 102 {
		t.Fatalf("bad stream trade: %+v", ps.Trades)
	}
	if ps.Trades[0].Price != 50002.0 {
		t.Errorf("price = %v, want 50002.0", ps.Trades[0].Price)
	}
}

func TestCandlesRESTRowsAndStreamFrame(t *testing.T) {
	u := NewUnifier()

	p, err := u.Unify(restMsg(models.DataTypeCandles, "BTCUSDT",
		`[[1756100000000,"50000","50100","49900","50050","12.5",1756100059999]]`))
	if err != nil {
		t.Fatalf("rest unify failed: %v", err)
	}
	c := p.Candles[0]
	if c.Open != 50000 || c.High != 50100 || c.Low != 49900 || c.Close != 50050 {
		t.Errorf("bad ohlc: %+v", c)
	}
	if !c.Closed {
		t.Error("rest klines are always closed rows")
	}

	ps, err := u.Unify(streamMsg(models.DataTypeCandles, "BTCUSDT",
		`{"e":"kline","s":"BTCUSDT","k":{"t":1756100000000,"o":"50000","h":"50100","l":"49900","c":"50050","v":"12.5","x":false,"i":"1m"}}`))
	if err != nil {
		t.Fatalf("stream unify failed: %v", err)
	}
	sc := ps.Candles[0]
	if sc.Closed {
		t.Error("open stream candle marked closed")
	}
	if sc.Interval != models.Timeframe1m {
		t.Errorf("interval = %v, want 1m", sc.Interval)
	}
}

func TestMalformedPayloads(t *testing.T) {
	u := NewUnifier()

	cases := []models.RawMessage{
		restMsg(models.DataTypeTicker, "BTCUSDT", `{"symbol":"BTCUSDT"}`),
		restMsg(models.DataTypeTicker, "BTCUSDT", `not json`),
		restMsg(models.DataTypeOrderbook, "BTCUSDT", `{"bids":[["only-price"]],"asks":[]}`),
		restMsg(models.DataTypeTrades, "BTCUSDT", `[{"id":1,"price":"abc","qty":"0.1"}]`),
		restMsg(models.DataTypeCandles, "BTCUSDT", `{"no":"kline"}`),
	}
	for i, msg := range cases {
		if _, err := u.Unify(msg); !errors.Is(err, models.ErrMalformedPayload) {
			t.Errorf("case %d: err = %v, want ErrMalformedPayload", i, err)
		}
	}
}

func TestUnifyPayloadIdempotent(t *testing.T) {
	u := NewUnifier()
	p := &models.UnifiedPayload{DataType: models.DataTypeTicker}
	out := u.UnifyPayload(p)
	if !out.IsUnified() {
		t.Fatal("payload not marked")
	}
	if u.UnifyPayload(out) != out {
		t.Fatal("second pass must return the same payload")
	}
}

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketrouter/config"
	"marketrouter/internal/channel"
	"marketrouter/internal/ratelimit"
	"marketrouter/models"
)

func TestStreamNameRoundTrip(t *testing.T) {
	sym := models.MustSymbol("BTC-USDT")

	cases := []struct {
		dataType models.DataType
		interval models.Timeframe
		want     string
	}{
		{models.DataTypeTicker, "", "btcusdt@ticker"},
		{models.DataTypeOrderbook, "", "btcusdt@depth"},
		{models.DataTypeTrades, "", "btcusdt@trade"},
		{models.DataTypeCandles, models.Timeframe1m, "btcusdt@kline_1m"},
	}
	for _, tc := range cases {
		name := StreamName(sym, tc.dataType, tc.interval)
		if name != tc.want {
			t.Errorf("StreamName(%s) = %q, want %q", tc.dataType, name, tc.want)
			continue
		}
		gotSym, gotType, err := ParseStreamName(name)
		if err != nil {
			t.Errorf("ParseStreamName(%q) failed: %v", name, err)
			continue
		}
		if gotSym != sym || gotType != tc.dataType {
			t.Errorf("round trip %q = %v/%v", name, gotSym, gotType)
		}
	}

	if _, _, err := ParseStreamName("garbage"); err == nil {
		t.Error("expected error for malformed stream name")
	}
}

func TestDepthWeightScales(t *testing.T) {
	if depthWeight(50) != 2 || depthWeight(500) != 5 || depthWeight(1000) != 10 {
		t.Errorf("unexpected depth weights: %d %d %d", depthWeight(50), depthWeight(500), depthWeight(1000))
	}
}

func testRateConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		RESTWeightPerMinute: 1200,
		WSOpsPerMinute:      300,
		Window:              time.Minute,
		RequestsPerSecond:   1000,
		BurstSize:           1000,
	}
}

func TestRESTFetchTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/ticker/24hr" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected symbol %s", r.URL.Query().Get("symbol"))
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"50000"}`))
	}))
	defer srv.Close()

	tr := newTestRESTTransport(srv.URL)
	msg, err := tr.FetchTicker(context.Background(), models.MustSymbol("BTC-USDT"))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if msg.DataType != models.DataTypeTicker || msg.MessageType != "snapshot" {
		t.Errorf("bad message tags: %+v", msg)
	}
	if len(msg.Data) == 0 {
		t.Error("empty body")
	}
}

func TestRESTRetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	tr := newTestRESTTransport(srv.URL)
	_, err := tr.FetchTrades(context.Background(), models.MustSymbol("BTC-USDT"), 10, nil)
	if err != nil {
		t.Fatalf("fetch failed after retries: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRESTDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	tr := newTestRESTTransport(srv.URL)
	_, err := tr.FetchTicker(context.Background(), models.MustSymbol("BTC-USDT"))
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*models.ChannelUnavailableError); !ok {
		t.Errorf("err type = %T, want ChannelUnavailableError", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a 4xx", attempts)
	}
}

func TestRESTFetchCandlesEncodesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("interval") != "1m" {
			t.Errorf("unexpected interval %s", r.URL.Query().Get("interval"))
		}
		w.Write([]byte(`[[1756100000000,"50000","50100","49900","50050","1",1756100059999,"50000",10,"0.5","25000","0"]]`))
	}))
	defer srv.Close()

	tr := newTestRESTTransport(srv.URL)
	msg, err := tr.FetchCandles(context.Background(), models.MustSymbol("BTC-USDT"), models.Timeframe1m, 1, nil)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	var rows [][]interface{}
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		t.Fatalf("body not array-of-arrays: %v", err)
	}
	if len(rows) != 1 || len(rows[0]) < 6 {
		t.Fatalf("bad row shape: %v", rows)
	}
	if got := rows[0][0].(float64); int64(got) != 1756100000000 {
		t.Errorf("open time = %v", got)
	}
}

func TestRESTRefusesOverBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := testRateConfig()
	cfg.RESTWeightPerMinute = 1
	tracker := ratelimit.NewTracker(cfg)
	tracker.RecordREST(1)

	tr := NewRESTTransport(sourceConfig(srv.URL), retryConfig(), tracker, time.Second)
	_, err := tr.FetchTicker(context.Background(), models.MustSymbol("BTC-USDT"))
	if _, ok := err.(*models.RateLimitError); !ok {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
}

func TestStreamDeclareWithoutConnection(t *testing.T) {
	ch := channel.NewChannels(8)
	defer ch.Close()
	st := NewStreamTransport(sourceConfig("http://x"), ch, ratelimit.NewTracker(testRateConfig()))

	err := st.Declare(context.Background(), []string{"btcusdt@ticker"})
	if _, ok := err.(*models.ChannelUnavailableError); !ok {
		t.Fatalf("err = %v, want ChannelUnavailableError", err)
	}
	// A rejected declare must leave no trace: callers roll their own
	// state back, and a reconnect must not resubscribe streams nobody
	// owns anymore.
	if got := st.DeclaredStreams(); len(got) != 0 {
		t.Errorf("declared set mutated despite rejected declare: %v", got)
	}
	if st.Healthy() {
		t.Error("disconnected transport reported healthy")
	}
}

func sourceConfig(baseURL string) config.SourceConfig {
	return config.SourceConfig{
		Exchange:       "binance",
		RESTBaseURL:    baseURL,
		WebSocketURL:   "ws://127.0.0.1:1/ws",
		Heartbeat:      20 * time.Second,
		ReconnectDelay: time.Second,
		ConnectionPool: config.ConnectionPoolConfig{
			MaxIdleConns:    4,
			MaxConnsPerHost: 4,
			IdleConnTimeout: time.Minute,
		},
	}
}

func retryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func newTestRESTTransport(baseURL string) *RESTTransport {
	return NewRESTTransport(sourceConfig(baseURL), retryConfig(), ratelimit.NewTracker(testRateConfig()), time.Second)
}

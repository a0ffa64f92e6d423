package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketrouter/config"
	"marketrouter/internal/metrics"
	"marketrouter/logger"
	"marketrouter/models"
)

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	log := logger.Logger()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, RefreshInterval: time.Second, MetricsHistory: 10, LogHistory: 10}, StatusProviders{}, log)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected non-nil server")
	}
	t.Cleanup(srv.cleanup)

	metrics.EmitMetric(log, "component", "stream_buffer_length", 5, "gauge", logger.Fields{"capacity": 10})

	router, err := srv.buildRouter("app")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if len(srv.metricStore.snapshot()) == 0 {
		t.Fatalf("metrics store empty")
	}
}

func TestStatusEndpointRendersProviders(t *testing.T) {
	log := logger.Logger()
	providers := StatusProviders{
		Cache: func() CacheStatus {
			return CacheStatus{Hits: 10, Misses: 4, FastLen: 2, SlowLen: 6}
		},
		Subscription: func() SubscriptionStatus {
			return SubscriptionStatus{UsedSlots: 2, MaxSlots: 4, Streams: []string{"btcusdt@ticker"}}
		},
		Stream: func() StreamStatus {
			return StreamStatus{Healthy: true}
		},
	}
	srv, err := NewServer(config.DashboardConfig{Enabled: true, RefreshInterval: time.Second}, providers, log)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	t.Cleanup(srv.cleanup)

	router, err := srv.buildRouter("marketrouter")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}

	var body struct {
		App   string `json:"app"`
		Cache struct {
			Hits int64 `json:"hits"`
		} `json:"cache"`
		Subscription struct {
			UsedSlots int `json:"used_slots"`
		} `json:"subscription"`
		Stream struct {
			Healthy bool `json:"healthy"`
		} `json:"stream"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status body: %v", err)
	}
	if body.App != "marketrouter" {
		t.Errorf("app = %q", body.App)
	}
	if body.Cache.Hits != 10 || body.Subscription.UsedSlots != 2 || !body.Stream.Healthy {
		t.Errorf("unexpected status payload: %s", res.Body.String())
	}
}

func TestBackfillEndpointValidatesAndDispatches(t *testing.T) {
	log := logger.Logger()

	var gotSym models.TradingSymbol
	var gotTf models.Timeframe
	providers := StatusProviders{
		Backfill: func(ctx context.Context, sym models.TradingSymbol, tf models.Timeframe, from, to time.Time) error {
			gotSym = sym
			gotTf = tf
			return nil
		},
	}
	srv, err := NewServer(config.DashboardConfig{Enabled: true}, providers, log)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	t.Cleanup(srv.cleanup)

	router, err := srv.buildRouter("marketrouter")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost,
		"/api/backfill?symbol=BTC-USDT&timeframe=1m&from=2026-08-25T00:00:00Z&to=2026-08-25T01:00:00Z", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", res.Code, res.Body.String())
	}
	if gotSym.Canonical() != "BTC-USDT" || gotTf != models.Timeframe1m {
		t.Errorf("backfill dispatched with %s %s", gotSym.Canonical(), gotTf)
	}

	// Bad inputs are rejected before the provider runs.
	req = httptest.NewRequest(http.MethodPost, "/api/backfill?symbol=nope&timeframe=1m", nil)
	res = httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("invalid symbol accepted: %d", res.Code)
	}
}

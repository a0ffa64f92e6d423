package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/avast/retry-go"

	"marketrouter/config"
	"marketrouter/internal/ratelimit"
	"marketrouter/internal/symbols"
	"marketrouter/logger"
	"marketrouter/models"
)

// Endpoint request weights per the exchange's published limits.
const (
	weightTicker  = 1
	weightTrades  = 1
	weightCandles = 2
)

// depthWeight scales with the requested level count.
func depthWeight(limit int) int {
	switch {
	case limit <= 100:
		return 2
	case limit <= 500:
		return 5
	default:
		return 10
	}
}

// wireOrderbook is the depth snapshot re-encoded in the exchange's wire
// shape, price levels as [price, quantity] string pairs.
type wireOrderbook struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// wireTrade matches the recent-trades wire shape so historical
// aggregate trades unify through the same path.
type wireTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
	Time         int64  `json:"time"`
}

// RESTTransport fetches market data snapshots through the exchange SDK.
// Requests are paced through the rate tracker and retried with backoff
// on transient failures.
type RESTTransport struct {
	config  config.SourceConfig
	retry   config.RetryConfig
	client  *futures.Client
	tracker *ratelimit.Tracker
	log     *logger.Log
}

// NewRESTTransport builds the snapshot transport with a pooled HTTP
// client behind the exchange SDK.
func NewRESTTransport(cfg config.SourceConfig, retryCfg config.RetryConfig, tracker *ratelimit.Tracker, timeout time.Duration) *RESTTransport {
	log := logger.GetLogger()

	httpTransport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}
	httpClient := &http.Client{
		Transport: httpTransport,
		Timeout:   timeout,
	}

	client := futures.NewClient("", "")
	client.HTTPClient = httpClient
	if parsed, err := url.Parse(cfg.RESTBaseURL); err == nil {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}

	log.WithComponent("rest_transport").WithFields(logger.Fields{
		"base_url":           cfg.RESTBaseURL,
		"max_idle_conns":     cfg.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.ConnectionPool.MaxConnsPerHost,
		"timeout":            timeout.String(),
	}).Info("rest transport initialized")

	return &RESTTransport{
		config:  cfg,
		retry:   retryCfg,
		client:  client,
		tracker: tracker,
		log:     log,
	}
}

func (t *RESTTransport) FetchTicker(ctx context.Context, symbol models.TradingSymbol) (models.RawMessage, error) {
	native := symbols.ToNative(symbol)
	return t.fetch(ctx, symbol, models.DataTypeTicker, weightTicker, func(ctx context.Context) ([]byte, error) {
		stats, err := t.client.NewListPriceChangeStatsService().Symbol(native).Do(ctx)
		if err != nil {
			return nil, err
		}
		if len(stats) == 0 {
			return nil, fmt.Errorf("no 24hr stats for %s", native)
		}
		return json.Marshal(stats[0])
	})
}

func (t *RESTTransport) FetchOrderbook(ctx context.Context, symbol models.TradingSymbol, limit int) (models.RawMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	native := symbols.ToNative(symbol)
	return t.fetch(ctx, symbol, models.DataTypeOrderbook, depthWeight(limit), func(ctx context.Context) ([]byte, error) {
		depth, err := t.client.NewDepthService().Symbol(native).Limit(limit).Do(ctx)
		if err != nil {
			return nil, err
		}
		book := wireOrderbook{
			LastUpdateID: depth.LastUpdateID,
			Bids:         make([][]string, 0, len(depth.Bids)),
			Asks:         make([][]string, 0, len(depth.Asks)),
		}
		for _, bid := range depth.Bids {
			book.Bids = append(book.Bids, []string{bid.Price, bid.Quantity})
		}
		for _, ask := range depth.Asks {
			book.Asks = append(book.Asks, []string{ask.Price, ask.Quantity})
		}
		return json.Marshal(book)
	})
}

func (t *RESTTransport) FetchTrades(ctx context.Context, symbol models.TradingSymbol, count int, to *time.Time) (models.RawMessage, error) {
	native := symbols.ToNative(symbol)
	return t.fetch(ctx, symbol, models.DataTypeTrades, weightTrades, func(ctx context.Context) ([]byte, error) {
		if to == nil {
			trades, err := t.client.NewRecentTradesService().Symbol(native).Limit(count).Do(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(trades)
		}
		// Only the aggregate endpoint accepts a time cursor.
		aggs, err := t.client.NewAggTradesService().Symbol(native).Limit(count).EndTime(to.UnixMilli()).Do(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]wireTrade, 0, len(aggs))
		for _, agg := range aggs {
			rows = append(rows, wireTrade{
				ID:           agg.AggTradeID,
				Price:        agg.Price,
				Qty:          agg.Quantity,
				IsBuyerMaker: agg.IsBuyerMaker,
				Time:         agg.Timestamp,
			})
		}
		return json.Marshal(rows)
	})
}

func (t *RESTTransport) FetchCandles(ctx context.Context, symbol models.TradingSymbol, interval models.Timeframe, count int, to *time.Time) (models.RawMessage, error) {
	native := symbols.ToNative(symbol)
	return t.fetch(ctx, symbol, models.DataTypeCandles, weightCandles, func(ctx context.Context) ([]byte, error) {
		svc := t.client.NewKlinesService().Symbol(native).Interval(string(interval)).Limit(count)
		if to != nil {
			svc = svc.EndTime(to.UnixMilli())
		}
		klines, err := svc.Do(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([][]interface{}, 0, len(klines))
		for _, k := range klines {
			rows = append(rows, []interface{}{k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.CloseTime})
		}
		return json.Marshal(rows)
	})
}

// fetch paces one SDK call through the rate tracker and the retry
// policy, then wraps the wire-shaped body as a raw snapshot message.
func (t *RESTTransport) fetch(ctx context.Context, symbol models.TradingSymbol, dataType models.DataType, weight int, call func(context.Context) ([]byte, error)) (models.RawMessage, error) {
	log := t.log.WithComponent("rest_transport").WithFields(logger.Fields{
		"symbol":    symbol.Canonical(),
		"data_type": dataType,
	})

	if t.tracker.WouldExceed(models.ChannelREST, weight) {
		return models.RawMessage{}, &models.RateLimitError{
			Channel:    models.ChannelREST,
			Usage:      t.tracker.UsageFraction(models.ChannelREST),
			RetryAfter: 10 * time.Second,
		}
	}
	if err := t.tracker.WaitREST(ctx); err != nil {
		return models.RawMessage{}, err
	}

	var body []byte
	start := time.Now()
	err := retry.Do(
		func() error {
			var attemptErr error
			body, attemptErr = call(ctx)
			return attemptErr
		},
		retry.Context(ctx),
		retry.Attempts(uint(t.retry.MaxAttempts)),
		retry.Delay(t.retry.BaseDelay),
		retry.MaxDelay(t.retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
	)
	duration := time.Since(start)

	if err != nil {
		log.WithError(err).Warn("rest fetch failed")
		return models.RawMessage{}, &models.ChannelUnavailableError{Channel: models.ChannelREST, Cause: err}
	}

	t.tracker.RecordREST(weight)
	logger.IncrementRESTCall(len(body))
	logger.LogPerformanceEntry(log, "rest_transport", "api_request", duration, logger.Fields{
		"symbol": symbol.Canonical(),
	})

	return models.RawMessage{
		Exchange:    t.config.Exchange,
		Symbol:      symbols.ToNative(symbol),
		DataType:    dataType,
		Data:        body,
		Timestamp:   time.Now().UTC(),
		MessageType: "snapshot",
	}, nil
}

// isRetryable keeps request errors out of the retry loop: an exchange
// answer carrying a request-level code will not change on a second
// attempt. Server-side codes and answers without a parseable code stay
// retryable.
func isRetryable(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if !apiErr.IsValid() {
			return true
		}
		switch apiErr.Code {
		case -1000, -1001, -1003, -1007, -1008, -1016:
			return true
		}
		return false
	}
	return true
}

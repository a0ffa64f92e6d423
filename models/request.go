package models

import (
	"fmt"
	"time"
)

// DataType is one of the four market data kinds served by the router.
type DataType string

const (
	DataTypeTicker    DataType = "ticker"
	DataTypeOrderbook DataType = "orderbook"
	DataTypeTrades    DataType = "trades"
	DataTypeCandles   DataType = "candles"
)

// AllDataTypes lists the data types in slot order.
var AllDataTypes = []DataType{DataTypeTicker, DataTypeOrderbook, DataTypeTrades, DataTypeCandles}

// Valid reports whether the data type is one of the four served kinds.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeTicker, DataTypeOrderbook, DataTypeTrades, DataTypeCandles:
		return true
	}
	return false
}

func (d DataType) String() string {
	return string(d)
}

// Request limits enforced at construction.
const (
	MaxTradesCount  = 500
	MaxCandlesCount = 200
)

// DataRequest is one validated routing request. Construct it through
// NewDataRequest; a zero or hand-built value is not guaranteed to pass the
// router's invariants.
type DataRequest struct {
	symbols          []TradingSymbol
	dataType         DataType
	count            int
	interval         Timeframe
	to               *time.Time
	realtimePriority bool
	createdAt        time.Time
}

// RequestOption mutates a request during construction only.
type RequestOption func(*DataRequest)

// WithCount sets the number of rows requested (trades/candles).
func WithCount(n int) RequestOption {
	return func(r *DataRequest) { r.count = n }
}

// WithInterval sets the candle granularity.
func WithInterval(tf Timeframe) RequestOption {
	return func(r *DataRequest) { r.interval = tf }
}

// WithTo sets the exclusive upper time cursor for historical reads.
func WithTo(t time.Time) RequestOption {
	return func(r *DataRequest) { r.to = &t }
}

// WithRealtimePriority marks the request as freshness-critical.
func WithRealtimePriority() RequestOption {
	return func(r *DataRequest) { r.realtimePriority = true }
}

// NewDataRequest builds and validates a request. Validation failures are
// ValidationErrors and are never retried or dispatched.
func NewDataRequest(symbols []TradingSymbol, dataType DataType, opts ...RequestOption) (*DataRequest, error) {
	r := &DataRequest{
		symbols:   append([]TradingSymbol(nil), symbols...),
		dataType:  dataType,
		count:     1,
		createdAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if len(r.symbols) == 0 {
		return nil, NewValidationError("symbols", "at least one symbol is required")
	}
	for _, s := range r.symbols {
		if s.IsZero() {
			return nil, NewValidationError("symbols", "symbol with empty base or quote")
		}
	}
	if !dataType.Valid() {
		return nil, NewValidationError("dataType", fmt.Sprintf("unknown data type %q", string(dataType)))
	}
	if r.count < 1 {
		return nil, NewValidationError("count", "count must be at least 1")
	}

	switch dataType {
	case DataTypeTicker, DataTypeOrderbook:
		if r.count != 1 {
			return nil, NewValidationError("count", "count is only valid for trades and candles")
		}
		if r.to != nil {
			return nil, NewValidationError("to", "time cursor is only valid for trades and candles")
		}
	case DataTypeTrades:
		if r.count > MaxTradesCount {
			return nil, NewValidationError("count", fmt.Sprintf("trades count must not exceed %d", MaxTradesCount))
		}
	case DataTypeCandles:
		if r.count > MaxCandlesCount {
			return nil, NewValidationError("count", fmt.Sprintf("candles count must not exceed %d", MaxCandlesCount))
		}
		if !r.interval.Valid() {
			return nil, NewValidationError("interval", "candle requests require a valid interval")
		}
	}

	if r.to != nil && r.to.After(time.Now().UTC()) {
		return nil, NewValidationError("to", "time cursor must be in the past")
	}

	return r, nil
}

// Symbols returns a copy of the requested symbols.
func (r *DataRequest) Symbols() []TradingSymbol {
	return append([]TradingSymbol(nil), r.symbols...)
}

// DataType returns the requested data kind.
func (r *DataRequest) DataType() DataType { return r.dataType }

// Count returns the requested row count (1 for ticker/orderbook).
func (r *DataRequest) Count() int { return r.count }

// Interval returns the candle granularity, empty for non-candle requests.
func (r *DataRequest) Interval() Timeframe { return r.interval }

// To returns the historical upper cursor, nil when absent.
func (r *DataRequest) To() *time.Time {
	if r.to == nil {
		return nil
	}
	t := *r.to
	return &t
}

// RealtimePriority reports whether the caller demanded maximum freshness.
func (r *DataRequest) RealtimePriority() bool { return r.realtimePriority }

// CreatedAt returns the construction timestamp.
func (r *DataRequest) CreatedAt() time.Time { return r.createdAt }

// IsHistorical reports whether the request reaches into the past: more than
// the latest row, or an explicit past cursor. WebSocket streams can only
// deliver latest-one semantics, so historical requests are structurally
// pinned to REST.
func (r *DataRequest) IsHistorical() bool {
	return r.count > 1 || r.to != nil
}

// CacheKey returns the cache identity of the request: every field that
// changes the response participates.
func (r *DataRequest) CacheKey() string {
	key := string(r.dataType)
	for _, s := range r.symbols {
		key += ":" + s.Native()
	}
	if r.interval != "" {
		key += ":" + string(r.interval)
	}
	if r.count != 1 {
		key += fmt.Sprintf(":n%d", r.count)
	}
	if r.to != nil {
		key += fmt.Sprintf(":to%d", r.to.UnixMilli())
	}
	return key
}

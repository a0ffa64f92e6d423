package models

import (
	"fmt"
	"time"
)

// TickerData is the canonical ticker shape, identical for both channels.
type TickerData struct {
	Symbol       TradingSymbol `json:"symbol"`
	LastPrice    float64       `json:"last_price"`
	BidPrice     float64       `json:"bid_price"`
	AskPrice     float64       `json:"ask_price"`
	Volume24h    float64       `json:"volume_24h"`
	PriceChange  float64       `json:"price_change_24h"`
	EventTimeMs  int64         `json:"event_time_ms"`
}

// OrderbookLevel is one price level on either side of the book.
type OrderbookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderbookData is the canonical order book shape.
type OrderbookData struct {
	Symbol       TradingSymbol    `json:"symbol"`
	Bids         []OrderbookLevel `json:"bids"`
	Asks         []OrderbookLevel `json:"asks"`
	LastUpdateID int64            `json:"last_update_id"`
	EventTimeMs  int64            `json:"event_time_ms"`
}

// TradeData is the canonical single-trade shape.
type TradeData struct {
	Symbol       TradingSymbol `json:"symbol"`
	TradeID      int64         `json:"trade_id"`
	Price        float64       `json:"price"`
	Quantity     float64       `json:"quantity"`
	IsBuyerMaker bool          `json:"is_buyer_maker"`
	TradeTimeMs  int64         `json:"trade_time_ms"`
}

// CandleData is the canonical OHLCV shape.
type CandleData struct {
	Symbol      TradingSymbol `json:"symbol"`
	Interval    Timeframe     `json:"interval"`
	OpenTimeMs  int64         `json:"open_time_ms"`
	Open        float64       `json:"open"`
	High        float64       `json:"high"`
	Low         float64       `json:"low"`
	Close       float64       `json:"close"`
	Volume      float64       `json:"volume"`
	Closed      bool          `json:"closed"`
}

// UnifiedPayload carries exactly one typed result slice, tagged by
// DataType. The unified flag is internal: it makes unification idempotent
// without leaking a marker key into responses.
type UnifiedPayload struct {
	DataType  DataType        `json:"data_type"`
	Tickers   []TickerData    `json:"tickers,omitempty"`
	Orderbook []OrderbookData `json:"orderbook,omitempty"`
	Trades    []TradeData     `json:"trades,omitempty"`
	Candles   []CandleData    `json:"candles,omitempty"`
	Source    Channel         `json:"source"`

	unified bool
}

// MarkUnified stamps the payload as produced by the unifier.
func (p *UnifiedPayload) MarkUnified() { p.unified = true }

// IsUnified reports whether the payload already passed the unifier.
func (p *UnifiedPayload) IsUnified() bool { return p.unified }

// Len returns the number of rows regardless of data type.
func (p *UnifiedPayload) Len() int {
	switch p.DataType {
	case DataTypeTicker:
		return len(p.Tickers)
	case DataTypeOrderbook:
		return len(p.Orderbook)
	case DataTypeTrades:
		return len(p.Trades)
	case DataTypeCandles:
		return len(p.Candles)
	}
	return 0
}

// SymbolSet returns the distinct symbols present in the payload.
func (p *UnifiedPayload) SymbolSet() map[TradingSymbol]struct{} {
	set := make(map[TradingSymbol]struct{})
	switch p.DataType {
	case DataTypeTicker:
		for _, t := range p.Tickers {
			set[t.Symbol] = struct{}{}
		}
	case DataTypeOrderbook:
		for _, o := range p.Orderbook {
			set[o.Symbol] = struct{}{}
		}
	case DataTypeTrades:
		for _, t := range p.Trades {
			set[t.Symbol] = struct{}{}
		}
	case DataTypeCandles:
		for _, c := range p.Candles {
			set[c.Symbol] = struct{}{}
		}
	}
	return set
}

// ResponseMetadata describes how a response was produced.
type ResponseMetadata struct {
	RequestID      string   `json:"request_id"`
	Channel        Channel  `json:"channel"`
	Reason         string   `json:"reason"`
	Confidence     float64  `json:"confidence"`
	ResponseTimeMs float64  `json:"response_time_ms"`
	CacheHit       bool     `json:"cache_hit"`
	TierUsed       string   `json:"tier_used,omitempty"`
	TiersAttempted []string `json:"tiers_attempted,omitempty"`
}

// UnifiedResponse is the single response envelope for every router
// operation, identical in shape regardless of the channel used.
type UnifiedResponse struct {
	Success  bool             `json:"success"`
	Data     *UnifiedPayload  `json:"data,omitempty"`
	Error    *RouteError      `json:"error,omitempty"`
	Metadata ResponseMetadata `json:"metadata"`
}

// RawMessage is one unparsed payload read from a channel, tagged with its
// origin before unification.
type RawMessage struct {
	Exchange    string
	Symbol      string
	DataType    DataType
	Data        []byte
	Timestamp   time.Time
	MessageType string
}

func (m RawMessage) String() string {
	return fmt.Sprintf("%s/%s %s (%d bytes)", m.Exchange, m.Symbol, m.DataType, len(m.Data))
}

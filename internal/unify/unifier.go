package unify

import (
	"encoding/json"
	"fmt"
	"strconv"

	"marketrouter/internal/symbols"
	"marketrouter/logger"
	"marketrouter/models"
)

// fieldTable maps a canonical field name onto the keys it may arrive
// under, REST key first, stream key second. Lookup stops at the first
// key present in the payload.
type fieldTable map[string][]string

var tickerFields = fieldTable{
	"last":   {"lastPrice", "c"},
	"bid":    {"bidPrice", "b"},
	"ask":    {"askPrice", "a"},
	"volume": {"volume", "v"},
	"change": {"priceChangePercent", "P"},
	"time":   {"closeTime", "E"},
	"symbol": {"symbol", "s"},
}

var tradeFields = fieldTable{
	"id":     {"id", "t"},
	"price":  {"price", "p"},
	"qty":    {"qty", "q"},
	"maker":  {"isBuyerMaker", "m"},
	"time":   {"time", "T"},
	"symbol": {"symbol", "s"},
}

// Unifier converts raw channel payloads into the canonical typed shapes.
// Both channels produce the same output for the same market event, so
// consumers never branch on the data source.
type Unifier struct {
	log *logger.Log
}

func NewUnifier() *Unifier {
	return &Unifier{log: logger.GetLogger()}
}

// Unify parses one raw message into a unified payload. An empty result
// set (no trades yet, empty book) is valid data with zero rows; a payload
// whose shape cannot be mapped wraps ErrMalformedPayload instead.
func (u *Unifier) Unify(msg models.RawMessage) (*models.UnifiedPayload, error) {
	var (
		payload *models.UnifiedPayload
		err     error
	)
	switch msg.DataType {
	case models.DataTypeTicker:
		payload, err = u.unifyTicker(msg)
	case models.DataTypeOrderbook:
		payload, err = u.unifyOrderbook(msg)
	case models.DataTypeTrades:
		payload, err = u.unifyTrades(msg)
	case models.DataTypeCandles:
		payload, err = u.unifyCandles(msg)
	default:
		return nil, fmt.Errorf("%w: unknown data type %q", models.ErrMalformedPayload, msg.DataType)
	}
	if err != nil {
		u.log.WithComponent("unify").WithFields(logger.Fields{
			"data_type": msg.DataType,
			"symbol":    msg.Symbol,
			"bytes":     len(msg.Data),
		}).WithError(err).Warn("failed to unify payload")
		return nil, err
	}
	payload.MarkUnified()
	return payload, nil
}

// UnifyPayload is the idempotent entry point for payloads that may have
// already passed through unification, such as cache reads.
func (u *Unifier) UnifyPayload(p *models.UnifiedPayload) *models.UnifiedPayload {
	if p == nil || p.IsUnified() {
		return p
	}
	p.MarkUnified()
	return p
}

func (u *Unifier) unifyTicker(msg models.RawMessage) (*models.UnifiedPayload, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(msg.Data, &obj); err != nil {
		return nil, fmt.Errorf("%w: ticker: %v", models.ErrMalformedPayload, err)
	}
	if len(obj) == 0 {
		return &models.UnifiedPayload{DataType: models.DataTypeTicker, Source: channelOf(msg)}, nil
	}

	sym, err := u.resolveSymbol(obj, tickerFields, msg)
	if err != nil {
		return nil, err
	}
	last, err := lookupFloat(obj, tickerFields, "last")
	if err != nil {
		return nil, err
	}
	bid, _ := lookupFloat(obj, tickerFields, "bid")
	ask, _ := lookupFloat(obj, tickerFields, "ask")
	volume, _ := lookupFloat(obj, tickerFields, "volume")
	change, _ := lookupFloat(obj, tickerFields, "change")
	eventTime, _ := lookupFloat(obj, tickerFields, "time")

	return &models.UnifiedPayload{
		DataType: models.DataTypeTicker,
		Source:   channelOf(msg),
		Tickers: []models.TickerData{{
			Symbol:      sym,
			LastPrice:   last,
			BidPrice:    bid,
			AskPrice:    ask,
			Volume24h:   volume,
			PriceChange: change,
			EventTimeMs: int64(eventTime),
		}},
	}, nil
}

func (u *Unifier) unifyOrderbook(msg models.RawMessage) (*models.UnifiedPayload, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(msg.Data, &obj); err != nil {
		return nil, fmt.Errorf("%w: orderbook: %v", models.ErrMalformedPayload, err)
	}

	sym, err := u.fallbackSymbol(obj, msg)
	if err != nil {
		return nil, err
	}

	bids, err := parseLevels(obj, "bids", "b")
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(obj, "asks", "a")
	if err != nil {
		return nil, err
	}

	updateID, _ := lookupFloatKeys(obj, "lastUpdateId", "u")
	eventTime, _ := lookupFloatKeys(obj, "E", "T")

	return &models.UnifiedPayload{
		DataType: models.DataTypeOrderbook,
		Source:   channelOf(msg),
		Orderbook: []models.OrderbookData{{
			Symbol:       sym,
			Bids:         bids,
			Asks:         asks,
			LastUpdateID: int64(updateID),
			EventTimeMs:  int64(eventTime),
		}},
	}, nil
}

func (u *Unifier) unifyTrades(msg models.RawMessage) (*models.UnifiedPayload, error) {
	// REST returns an array of trades, the stream one trade per frame.
	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(msg.Data, &rows); err != nil {
		var single map[string]json.RawMessage
		if err2 := json.Unmarshal(msg.Data, &single); err2 != nil {
			return nil, fmt.Errorf("%w: trades: %v", models.ErrMalformedPayload, err)
		}
		rows = append(rows, single)
	}

	trades := make([]models.TradeData, 0, len(rows))
	for _, row := range rows {
		sym, err := u.fallbackSymbol(row, msg)
		if err != nil {
			return nil, err
		}
		id, err := lookupFloat(row, tradeFields, "id")
		if err != nil {
			return nil, err
		}
		price, err := lookupFloat(row, tradeFields, "price")
		if err != nil {
			return nil, err
		}
		qty, err := lookupFloat(row, tradeFields, "qty")
		if err != nil {
			return nil, err
		}
		maker, _ := lookupBool(row, tradeFields, "maker")
		tradeTime, _ := lookupFloat(row, tradeFields, "time")

		trades = append(trades, models.TradeData{
			Symbol:       sym,
			TradeID:      int64(id),
			Price:        price,
			Quantity:     qty,
			IsBuyerMaker: maker,
			TradeTimeMs:  int64(tradeTime),
		})
	}

	return &models.UnifiedPayload{
		DataType: models.DataTypeTrades,
		Source:   channelOf(msg),
		Trades:   trades,
	}, nil
}

func (u *Unifier) unifyCandles(msg models.RawMessage) (*models.UnifiedPayload, error) {
	sym, err := u.messageSymbol(msg)

	// REST klines arrive as an array of arrays.
	var rows [][]json.RawMessage
	if jsonErr := json.Unmarshal(msg.Data, &rows); jsonErr == nil {
		if err != nil {
			return nil, err
		}
		candles := make([]models.CandleData, 0, len(rows))
		for _, row := range rows {
			c, rowErr := parseKlineRow(row, sym)
			if rowErr != nil {
				return nil, rowErr
			}
			candles = append(candles, c)
		}
		return &models.UnifiedPayload{
			DataType: models.DataTypeCandles,
			Source:   channelOf(msg),
			Candles:  candles,
		}, nil
	}

	// Stream klines arrive wrapped in a "k" object.
	var frame struct {
		Symbol string `json:"s"`
		K      *struct {
			OpenTime int64  `json:"t"`
			Open     string `json:"o"`
			High     string `json:"h"`
			Low      string `json:"l"`
			Close    string `json:"c"`
			Volume   string `json:"v"`
			Closed   bool   `json:"x"`
			Interval string `json:"i"`
		} `json:"k"`
	}
	if jsonErr := json.Unmarshal(msg.Data, &frame); jsonErr != nil || frame.K == nil {
		return nil, fmt.Errorf("%w: candles: unrecognized shape", models.ErrMalformedPayload)
	}
	if frame.Symbol != "" {
		sym, err = symbols.ToCanonical(frame.Symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: candles: %v", models.ErrMalformedPayload, err)
	}

	open, err := parseFloat(frame.K.Open)
	if err != nil {
		return nil, err
	}
	high, err := parseFloat(frame.K.High)
	if err != nil {
		return nil, err
	}
	low, err := parseFloat(frame.K.Low)
	if err != nil {
		return nil, err
	}
	closePrice, err := parseFloat(frame.K.Close)
	if err != nil {
		return nil, err
	}
	volume, err := parseFloat(frame.K.Volume)
	if err != nil {
		return nil, err
	}

	interval, err := models.ParseTimeframe(frame.K.Interval)
	if err != nil {
		return nil, fmt.Errorf("%w: candles: %v", models.ErrMalformedPayload, err)
	}

	return &models.UnifiedPayload{
		DataType: models.DataTypeCandles,
		Source:   channelOf(msg),
		Candles: []models.CandleData{{
			Symbol:     sym,
			Interval:   interval,
			OpenTimeMs: frame.K.OpenTime,
			Open:       open,
			High:       high,
			Low:        low,
			Close:      closePrice,
			Volume:     volume,
			Closed:     frame.K.Closed,
		}},
	}, nil
}

func parseKlineRow(row []json.RawMessage, sym models.TradingSymbol) (models.CandleData, error) {
	if len(row) < 6 {
		return models.CandleData{}, fmt.Errorf("%w: kline row has %d fields", models.ErrMalformedPayload, len(row))
	}
	openTime, err := coerceFloat(row[0])
	if err != nil {
		return models.CandleData{}, err
	}
	vals := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		v, err := coerceFloat(row[i])
		if err != nil {
			return models.CandleData{}, err
		}
		vals[i-1] = v
	}
	return models.CandleData{
		Symbol:     sym,
		OpenTimeMs: int64(openTime),
		Open:       vals[0],
		High:       vals[1],
		Low:        vals[2],
		Close:      vals[3],
		Volume:     vals[4],
		Closed:     true,
	}, nil
}

// parseLevels reads a bids/asks array of [price, qty] string pairs.
func parseLevels(obj map[string]json.RawMessage, keys ...string) ([]models.OrderbookLevel, error) {
	var raw json.RawMessage
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			raw = v
			break
		}
	}
	if raw == nil {
		return []models.OrderbookLevel{}, nil
	}
	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("%w: book levels: %v", models.ErrMalformedPayload, err)
	}
	levels := make([]models.OrderbookLevel, 0, len(pairs))
	for _, p := range pairs {
		if len(p) < 2 {
			return nil, fmt.Errorf("%w: book level has %d fields", models.ErrMalformedPayload, len(p))
		}
		price, err := parseFloat(p[0])
		if err != nil {
			return nil, err
		}
		qty, err := parseFloat(p[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, models.OrderbookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

func (u *Unifier) resolveSymbol(obj map[string]json.RawMessage, table fieldTable, msg models.RawMessage) (models.TradingSymbol, error) {
	for _, k := range table["symbol"] {
		if raw, ok := obj[k]; ok {
			var native string
			if err := json.Unmarshal(raw, &native); err == nil && native != "" {
				sym, err := symbols.ToCanonical(native)
				if err != nil {
					return models.TradingSymbol{}, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
				}
				return sym, nil
			}
		}
	}
	return u.messageSymbol(msg)
}

func (u *Unifier) fallbackSymbol(obj map[string]json.RawMessage, msg models.RawMessage) (models.TradingSymbol, error) {
	if raw, ok := obj["s"]; ok {
		var native string
		if err := json.Unmarshal(raw, &native); err == nil && native != "" {
			sym, err := symbols.ToCanonical(native)
			if err != nil {
				return models.TradingSymbol{}, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
			}
			return sym, nil
		}
	}
	return u.messageSymbol(msg)
}

func (u *Unifier) messageSymbol(msg models.RawMessage) (models.TradingSymbol, error) {
	if msg.Symbol == "" {
		return models.TradingSymbol{}, fmt.Errorf("%w: no symbol on payload or message", models.ErrMalformedPayload)
	}
	sym, err := symbols.ToCanonical(msg.Symbol)
	if err != nil {
		return models.TradingSymbol{}, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	return sym, nil
}

func lookupFloat(obj map[string]json.RawMessage, table fieldTable, field string) (float64, error) {
	for _, k := range table[field] {
		if raw, ok := obj[k]; ok {
			return coerceFloat(raw)
		}
	}
	return 0, fmt.Errorf("%w: missing field %q", models.ErrMalformedPayload, field)
}

func lookupFloatKeys(obj map[string]json.RawMessage, keys ...string) (float64, error) {
	for _, k := range keys {
		if raw, ok := obj[k]; ok {
			return coerceFloat(raw)
		}
	}
	return 0, fmt.Errorf("%w: missing keys %v", models.ErrMalformedPayload, keys)
}

func lookupBool(obj map[string]json.RawMessage, table fieldTable, field string) (bool, error) {
	for _, k := range table[field] {
		if raw, ok := obj[k]; ok {
			var b bool
			if err := json.Unmarshal(raw, &b); err != nil {
				return false, fmt.Errorf("%w: field %q: %v", models.ErrMalformedPayload, field, err)
			}
			return b, nil
		}
	}
	return false, fmt.Errorf("%w: missing field %q", models.ErrMalformedPayload, field)
}

// coerceFloat accepts the number-or-quoted-string encodings exchanges mix
// freely across REST and stream payloads.
func coerceFloat(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: not numeric: %s", models.ErrMalformedPayload, string(raw))
	}
	return parseFloat(s)
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: not numeric: %q", models.ErrMalformedPayload, s)
	}
	return f, nil
}

func channelOf(msg models.RawMessage) models.Channel {
	if msg.MessageType == "stream" {
		return models.ChannelWebSocket
	}
	return models.ChannelREST
}

package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"marketrouter/internal/symbols"
	"marketrouter/models"
)

// RESTClient is the snapshot side of the exchange. Every call returns the
// raw exchange payload; unification happens downstream so both channels
// share one code path.
type RESTClient interface {
	FetchTicker(ctx context.Context, symbol models.TradingSymbol) (models.RawMessage, error)
	FetchOrderbook(ctx context.Context, symbol models.TradingSymbol, limit int) (models.RawMessage, error)
	FetchTrades(ctx context.Context, symbol models.TradingSymbol, count int, to *time.Time) (models.RawMessage, error)
	FetchCandles(ctx context.Context, symbol models.TradingSymbol, interval models.Timeframe, count int, to *time.Time) (models.RawMessage, error)
}

// StreamClient is the streaming side. Declare replaces the full desired
// stream set; the client reconciles it against what is on the wire.
type StreamClient interface {
	Start(ctx context.Context) error
	Stop() error
	Declare(ctx context.Context, streams []string) error
	Healthy() bool
}

// StreamName renders the exchange stream identifier for one
// (symbol, dataType) pair.
func StreamName(symbol models.TradingSymbol, dataType models.DataType, interval models.Timeframe) string {
	native := strings.ToLower(symbols.ToNative(symbol))
	switch dataType {
	case models.DataTypeTicker:
		return native + "@ticker"
	case models.DataTypeOrderbook:
		return native + "@depth"
	case models.DataTypeTrades:
		return native + "@trade"
	case models.DataTypeCandles:
		return fmt.Sprintf("%s@kline_%s", native, interval)
	}
	return ""
}

// ParseStreamName splits a stream identifier back into its symbol and
// data type.
func ParseStreamName(stream string) (models.TradingSymbol, models.DataType, error) {
	parts := strings.SplitN(stream, "@", 2)
	if len(parts) != 2 {
		return models.TradingSymbol{}, "", fmt.Errorf("malformed stream name %q", stream)
	}
	sym, err := symbols.ToCanonical(strings.ToUpper(parts[0]))
	if err != nil {
		return models.TradingSymbol{}, "", err
	}
	suffix := parts[1]
	switch {
	case suffix == "ticker":
		return sym, models.DataTypeTicker, nil
	case suffix == "depth" || strings.HasPrefix(suffix, "depth@"):
		return sym, models.DataTypeOrderbook, nil
	case suffix == "trade":
		return sym, models.DataTypeTrades, nil
	case strings.HasPrefix(suffix, "kline_"):
		return sym, models.DataTypeCandles, nil
	}
	return models.TradingSymbol{}, "", fmt.Errorf("unknown stream suffix %q", suffix)
}

// eventDataType maps a stream event type field onto the served data type.
func eventDataType(eventType string) (models.DataType, bool) {
	switch eventType {
	case "24hrTicker":
		return models.DataTypeTicker, true
	case "depthUpdate":
		return models.DataTypeOrderbook, true
	case "trade", "aggTrade":
		return models.DataTypeTrades, true
	case "kline":
		return models.DataTypeCandles, true
	}
	return "", false
}

package models

import (
	"fmt"
	"strings"
)

// TradingSymbol identifies a base/quote currency pair independent of any
// exchange's naming scheme.
type TradingSymbol struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// knownQuotes lists quote currencies recognised when parsing the
// separator-less exchange-native form, longest first.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB", "EUR", "TRY", "USD"}

// ParseSymbol accepts both the canonical form ("BTC-USDT") and the
// exchange-native form ("BTCUSDT") and returns the parsed symbol.
func ParseSymbol(s string) (TradingSymbol, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return TradingSymbol{}, fmt.Errorf("empty symbol")
	}

	if i := strings.IndexAny(s, "-/"); i > 0 {
		base, quote := s[:i], s[i+1:]
		if base == "" || quote == "" {
			return TradingSymbol{}, fmt.Errorf("invalid symbol %q", s)
		}
		return TradingSymbol{Base: base, Quote: quote}, nil
	}

	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return TradingSymbol{Base: s[:len(s)-len(q)], Quote: q}, nil
		}
	}
	return TradingSymbol{}, fmt.Errorf("cannot split symbol %q into base/quote", s)
}

// MustSymbol is a ParseSymbol variant for fixed test and config values.
func MustSymbol(s string) TradingSymbol {
	sym, err := ParseSymbol(s)
	if err != nil {
		panic(err)
	}
	return sym
}

// Canonical returns the exchange-independent "BASE-QUOTE" form.
func (s TradingSymbol) Canonical() string {
	return s.Base + "-" + s.Quote
}

// Native returns the separator-less exchange form ("BTCUSDT").
func (s TradingSymbol) Native() string {
	return s.Base + s.Quote
}

func (s TradingSymbol) String() string {
	return s.Canonical()
}

// IsZero reports whether the symbol is unset.
func (s TradingSymbol) IsZero() bool {
	return s.Base == "" || s.Quote == ""
}

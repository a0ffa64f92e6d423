package symbols

import (
	"strings"

	"marketrouter/models"
)

// multiplierAliases maps exchange listings that carry a contract multiplier
// prefix back to the plain asset name. The reverse table is derived from it.
var multiplierAliases = map[string]string{
	"1000BONK":  "BONK",
	"1000PEPE":  "PEPE",
	"1000SHIB":  "SHIB",
	"1000FLOKI": "FLOKI",
}

var reverseAliases = func() map[string]string {
	m := make(map[string]string, len(multiplierAliases))
	for native, plain := range multiplierAliases {
		m[plain] = native
	}
	return m
}()

// ToNative converts a trading symbol into the exchange's wire form:
// uppercase, no separator, multiplier prefix restored where the exchange
// lists one.
func ToNative(sym models.TradingSymbol) string {
	base := strings.ToUpper(sym.Base)
	if alias, ok := reverseAliases[base]; ok {
		base = alias
	}
	return base + strings.ToUpper(sym.Quote)
}

// ToCanonical converts an exchange wire symbol back into the
// exchange-independent model, stripping multiplier prefixes and the XBT
// spelling of BTC.
func ToCanonical(native string) (models.TradingSymbol, error) {
	s := strings.ToUpper(strings.TrimSpace(native))
	if strings.HasPrefix(s, "XBT") {
		s = "BTC" + s[3:]
	}
	sym, err := models.ParseSymbol(s)
	if err != nil {
		return models.TradingSymbol{}, err
	}
	if plain, ok := multiplierAliases[sym.Base]; ok {
		sym.Base = plain
	}
	return sym, nil
}

// NativeList converts a symbol slice into wire form, preserving order.
func NativeList(syms []models.TradingSymbol) []string {
	out := make([]string, len(syms))
	for i, s := range syms {
		out[i] = ToNative(s)
	}
	return out
}

package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCIES - supported codes and minor-unit exponents
// =============================================================================

// currencyExponents maps supported ISO codes to their minor-unit exponent
// (USD cents → 2, JPY has no minor unit → 0). Entry validation rejects
// anything not listed here.
var currencyExponents = map[string]int32{
	"AUD": 2,
	"BRL": 2,
	"CAD": 2,
	"CHF": 2,
	"EUR": 2,
	"GBP": 2,
	"INR": 2,
	"JPY": 0,
	"SEK": 2,
	"USD": 2,
}

// SupportedCurrency reports whether the code may appear on an entry.
func SupportedCurrency(code string) bool {
	_, ok := currencyExponents[code]
	return ok
}

// SupportedCurrencies returns the supported codes, sorted.
func SupportedCurrencies() []string {
	codes := make([]string, 0, len(currencyExponents))
	for c := range currencyExponents {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// CurrencyExponent returns the minor-unit exponent for a supported code,
// defaulting to 2 for unknown codes so display formatting never panics.
func CurrencyExponent(code string) int32 {
	if exp, ok := currencyExponents[code]; ok {
		return exp
	}
	return 2
}

// DisplayAmount renders minor units as a decimal string in major units:
// 12345 USD → "123.45", 500 JPY → "500".
func DisplayAmount(value int64, currency string) string {
	return decimal.New(value, -CurrencyExponent(currency)).StringFixed(CurrencyExponent(currency))
}

// SignedDisplayAmount renders a debit/credit pair the way statements do:
// the side matching the account's normal balance is positive.
func SignedDisplayAmount(value int64, side EntrySide, normal NormalBalance, currency string) string {
	signed := value
	if string(side) != string(normal) {
		signed = -signed
	}
	return DisplayAmount(signed, currency)
}

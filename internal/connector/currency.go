package connector

import "strings"

// DefaultCurrencyCodes collapses chain-suffixed or partner-specific tickers to
// the base asset used for rate lookups. Keys and values are upper case.
var DefaultCurrencyCodes = map[string]string{
	"USDTERC20":  "USDT",
	"USDTTRC20":  "USDT",
	"USDTBSC":    "USDT",
	"USDTSOL":    "USDT",
	"USDTMATIC":  "USDT",
	"USDTPOLY":   "USDT",
	"USDCERC20":  "USDC",
	"USDCSOL":    "USDC",
	"USDCMATIC":  "USDC",
	"USDCBSC":    "USDC",
	"BNBBSC":     "BNB",
	"BNBMAINNET": "BNB",
	"ETHBSC":     "ETH",
	"ETHARB":     "ETH",
	"ETHOP":      "ETH",
	"ETHBASE":    "ETH",
	"MATICPOLY":  "MATIC",
	"WBTC":       "BTC",
	"BTCBSC":     "BTC",
	"XDAI":       "DAI",
}

// CurrencyTable maps partner currency codes to standard ones.
type CurrencyTable map[string]string

// NewCurrencyTable returns the defaults overlaid with overlay.
func NewCurrencyTable(overlay map[string]string) CurrencyTable {
	t := make(CurrencyTable, len(DefaultCurrencyCodes)+len(overlay))
	for k, v := range DefaultCurrencyCodes {
		t[k] = v
	}
	for k, v := range overlay {
		t[strings.ToUpper(k)] = strings.ToUpper(v)
	}
	return t
}

// Standardize returns the standard code for code. Unknown codes pass through upper-cased.
// Example: "usdttrc20" -> "USDT"
func (t CurrencyTable) Standardize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if std, ok := t[code]; ok {
		return std
	}
	return code
}

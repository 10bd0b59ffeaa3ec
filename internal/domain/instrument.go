package domain

import (
	"strings"
)

// InstrumentClass drives pip size and contract-multiplier selection for P&L.
// Classification happens once, when a symbol first enters the system, and the
// resolved class travels with the position.
type InstrumentClass int

const (
	ClassContract InstrumentClass = iota // equities/indices: quantity is the contract count
	ClassCurrencyPair
	ClassCrypto
	ClassGold
	ClassSilver
)

// String returns the class name for logging.
func (c InstrumentClass) String() string {
	switch c {
	case ClassCurrencyPair:
		return "currency_pair"
	case ClassCrypto:
		return "crypto"
	case ClassGold:
		return "gold"
	case ClassSilver:
		return "silver"
	default:
		return "contract"
	}
}

// currencyCodes covers the majors quoted on FX venues. A six-letter symbol
// built from two of these is a currency pair.
var currencyCodes = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"AUD": true, "NZD": true, "CAD": true, "SGD": true, "HKD": true,
	"SEK": true, "NOK": true, "DKK": true, "MXN": true, "ZAR": true,
	"TRY": true, "PLN": true, "CNH": true,
}

var cryptoBases = []string{"BTC", "ETH", "SOL", "XRP", "ADA", "DOGE", "LTC", "BNB", "DOT", "AVAX"}

// ClassifySymbol maps a normalized symbol to its instrument class. Symbols
// are expected with provider prefixes already stripped.
func ClassifySymbol(symbol string) InstrumentClass {
	s := strings.ToUpper(strings.NewReplacer("/", "", "-", "", "_", "").Replace(symbol))

	switch {
	case strings.HasPrefix(s, "XAU"):
		return ClassGold
	case strings.HasPrefix(s, "XAG"):
		return ClassSilver
	}

	for _, base := range cryptoBases {
		if strings.HasPrefix(s, base) {
			return ClassCrypto
		}
	}

	if len(s) == 6 && currencyCodes[s[:3]] && currencyCodes[s[3:]] {
		return ClassCurrencyPair
	}

	return ClassContract
}

// PipSize returns the minimum meaningful price increment used to convert a
// points distance into an absolute price offset.
func (c InstrumentClass) PipSize(symbol string) float64 {
	switch c {
	case ClassGold, ClassSilver:
		return 0.01
	case ClassCrypto:
		return 1
	case ClassCurrencyPair:
		if strings.HasSuffix(strings.ToUpper(symbol), "JPY") {
			return 0.01
		}
		return 0.0001
	default:
		return 0.0001
	}
}

// ContractMultiplier returns the per-unit contract size applied to a price
// difference when computing profit.
func (c InstrumentClass) ContractMultiplier() float64 {
	switch c {
	case ClassCrypto:
		return 1
	case ClassGold:
		return 100
	case ClassSilver:
		return 5000
	case ClassCurrencyPair:
		return 100_000
	default:
		return 1
	}
}

// priceDiff returns the signed move in the position's favor.
func priceDiff(d Direction, entry, current float64) float64 {
	if d == DirectionSell {
		return entry - current
	}
	return current - entry
}

// Profit computes the instrument-aware P&L for a position of the given size.
func Profit(c InstrumentClass, d Direction, quantity, entry, current float64) float64 {
	return quantity * priceDiff(d, entry, current) * c.ContractMultiplier()
}

// ProfitPercent computes the sign-adjusted percentage move against entry.
// Returns 0 for a zero entry price.
func ProfitPercent(d Direction, entry, current float64) float64 {
	if entry == 0 {
		return 0
	}
	return priceDiff(d, entry, current) / entry * 100
}

// ComputeStopLevel converts a stop config into an absolute price. isStopLoss
// selects which side of the entry the level sits on: a BUY subtracts the
// distance for the stop-loss and adds it for the take-profit, a SELL mirrors.
// A nil config or non-positive value yields 0 (unset).
func ComputeStopLevel(c InstrumentClass, d Direction, symbol string, entry float64, cfg *StopConfig, isStopLoss bool) float64 {
	if cfg == nil || cfg.Value <= 0 {
		return 0
	}

	var distance float64
	switch cfg.Type {
	case StopPrice:
		return cfg.Value
	case StopPoints:
		distance = cfg.Value * c.PipSize(symbol)
	case StopPercentage:
		distance = entry * cfg.Value / 100
	default:
		return 0
	}

	sub := isStopLoss
	if d == DirectionSell {
		sub = !isStopLoss
	}
	if sub {
		return entry - distance
	}
	return entry + distance
}

// ComputeStops resolves both levels at once from a strategy's configuration.
func ComputeStops(c InstrumentClass, d Direction, symbol string, entry float64, sl, tp *StopConfig) (stopLoss, takeProfit float64) {
	stopLoss = ComputeStopLevel(c, d, symbol, entry, sl, true)
	takeProfit = ComputeStopLevel(c, d, symbol, entry, tp, false)
	return
}

// StopHit reports whether the current price crosses the stop-loss level.
// BUY positions stop out at or below the level, SELL at or above.
func StopHit(d Direction, current, stopLoss float64) bool {
	if stopLoss <= 0 {
		return false
	}
	if d == DirectionSell {
		return current >= stopLoss
	}
	return current <= stopLoss
}

// TakeProfitHit reports whether the current price crosses the take-profit
// level. BUY positions take profit at or above the level, SELL at or below.
func TakeProfitHit(d Direction, current, takeProfit float64) bool {
	if takeProfit <= 0 {
		return false
	}
	if d == DirectionSell {
		return current <= takeProfit
	}
	return current >= takeProfit
}

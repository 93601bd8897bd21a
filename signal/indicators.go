package signal

import (
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INDICATORS - Pure helpers over sampled price rings
// ═══════════════════════════════════════════════════════════════════════════════

const (
	rsiPeriod     = 14
	atrBaseline   = 20
	atrMinSamples = 21
)

var (
	hundred = decimal.NewFromInt(100)

	regimeQuietBelow = decimal.NewFromFloat(0.8)
	regimeWildAbove  = decimal.NewFromFloat(1.6)
	regimeQuietScale = decimal.NewFromFloat(0.5)
	regimeWildScale  = decimal.NewFromFloat(1.2)
)

// RSI computes a simple-average RSI over the last `rsiPeriod` deltas.
// Returns false when there is not enough history.
func RSI(prices []decimal.Decimal) (decimal.Decimal, bool) {
	if len(prices) < rsiPeriod+1 {
		return decimal.Zero, false
	}

	gains, losses := decimal.Zero, decimal.Zero
	start := len(prices) - rsiPeriod
	for i := start; i < len(prices); i++ {
		delta := prices[i].Sub(prices[i-1])
		if delta.IsPositive() {
			gains = gains.Add(delta)
		} else {
			losses = losses.Add(delta.Neg())
		}
	}

	if losses.IsZero() {
		if gains.IsZero() {
			return decimal.NewFromInt(50), true
		}
		return hundred, true
	}

	rs := gains.Div(losses)
	rsi := hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
	return rsi, true
}

// ChangeOver returns the fractional change across the last n samples
func ChangeOver(prices []decimal.Decimal, n int) (decimal.Decimal, bool) {
	if len(prices) < 2 {
		return decimal.Zero, false
	}
	i := len(prices) - 1 - n
	if i < 0 {
		i = 0
	}
	base := prices[i]
	if base.IsZero() {
		return decimal.Zero, false
	}
	return prices[len(prices)-1].Sub(base).Div(base), true
}

// RegimeFactor grades the latest bar-to-bar move against the mean of the
// trailing 20 moves. A quiet tape halves the score, a wild one boosts it.
// Needs at least 21 samples; anything less returns the neutral factor.
func RegimeFactor(prices []decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if len(prices) < atrMinSamples {
		return one
	}

	// True range of a sampled series collapses to |delta|
	deltas := make([]decimal.Decimal, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		deltas = append(deltas, prices[i].Sub(prices[i-1]).Abs())
	}

	current := deltas[len(deltas)-1]

	// Baseline window includes the current delta
	start := len(deltas) - atrBaseline
	if start < 0 {
		start = 0
	}
	sum := decimal.Zero
	for _, d := range deltas[start:] {
		sum = sum.Add(d)
	}
	baseline := sum.Div(decimal.NewFromInt(int64(len(deltas) - start)))
	if baseline.IsZero() {
		return one
	}

	ratio := current.Div(baseline)
	switch {
	case ratio.LessThan(regimeQuietBelow):
		return regimeQuietScale
	case ratio.GreaterThan(regimeWildAbove):
		return regimeWildScale
	default:
		return one
	}
}

package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Direction is the side of a binary up/down market
type Direction string

const (
	DirUp   Direction = "UP"
	DirDown Direction = "DOWN"
	DirNone Direction = ""
)

// Opposite returns the other side
func (d Direction) Opposite() Direction {
	switch d {
	case DirUp:
		return DirDown
	case DirDown:
		return DirUp
	}
	return DirNone
}

// Quote is an aggregated spot price observation
type Quote struct {
	Asset     string // "BTC", "ETH", ...
	Price     decimal.Decimal
	Source    string // "binance", "coinbase", "avg(binance,coinbase)", "coingecko"
	Timestamp time.Time
}

// Window represents an active short-horizon up/down market window
type Window struct {
	Slug        string // Market slug, unique per window
	ConditionID string
	Asset       string
	Question    string
	StartTime   time.Time // Parsed from slug epoch
	EndTime     time.Time
	Duration    time.Duration // 5m, 10m or 15m
	UpTokenID   string
	DownTokenID string
	UpPrice     decimal.Decimal // Current UP odds
	DownPrice   decimal.Decimal // Current DOWN odds
	PriceToBeat decimal.Decimal // Spot reference the window resolves against
	SpotAtOpen  decimal.Decimal // Our spot sample at window start
	LastUpdated time.Time
}

// TimeRemaining returns duration until the window closes
func (w *Window) TimeRemaining() time.Duration {
	return time.Until(w.EndTime)
}

// Elapsed returns duration since the window opened
func (w *Window) Elapsed() time.Duration {
	return time.Since(w.StartTime)
}

// IsExpired returns true if the window has ended
func (w *Window) IsExpired() bool {
	return time.Now().After(w.EndTime)
}

// TokenFor returns the outcome token for a direction
func (w *Window) TokenFor(d Direction) string {
	if d == DirUp {
		return w.UpTokenID
	}
	return w.DownTokenID
}

// OddsFor returns the current odds for a direction
func (w *Window) OddsFor(d Direction) decimal.Decimal {
	if d == DirUp {
		return w.UpPrice
	}
	return w.DownPrice
}

// Signal family names used for gate tier counting
const (
	FamTechnical   = "technical"
	FamOdds        = "odds"
	FamSentiment   = "sentiment"
	FamCorrelation = "correlation"
	FamBreaking    = "breaking"
	FamArb         = "arb"
	FamMomentum    = "momentum"
	FamOrderflow   = "orderflow"
	FamLiquidation = "liquidation"
)

// Signal is the synthesized directional view for one asset/window
type Signal struct {
	Asset      string
	Slug       string
	Direction  Direction
	Score      decimal.Decimal // Signed accumulated score
	Confidence decimal.Decimal // 0.50 .. 0.80
	Edge       decimal.Decimal // Confidence minus market odds for Direction
	MarketOdds decimal.Decimal // Odds quoted for Direction when synthesized
	Families   []string        // Contributing families (deduped)
	Breaking   bool            // Carried a breaking-news term
	Arb        bool            // Carried an arb discrepancy term
	ArbDisc    decimal.Decimal // Signed odds discrepancy when Arb
	NewsHash   string          // Headline hash when Breaking
	Reasons    []string        // Human-readable contributions
	At         time.Time
}

// FamilyCount returns the number of distinct contributing families
func (s *Signal) FamilyCount() int {
	return len(s.Families)
}

// NewsItem is an externally supplied breaking headline
type NewsItem struct {
	Asset      string
	Headline   string
	Direction  Direction
	Confidence decimal.Decimal // Classifier confidence 0..1
	At         time.Time
}

// WhaleFlow summarizes tracked-wallet flow for one window slug
type WhaleFlow struct {
	Slug          string
	FlowImbalance decimal.Decimal // (up - down) / total, -1..1
	DominantSide  Direction       // Set when |FlowImbalance| > threshold
	TradeCount    int
	TotalUSDC     decimal.Decimal
	Confidence    decimal.Decimal // min(TradeCount/20, 1)
}

// DepthSignal summarizes the order book state for scoring
type DepthSignal struct {
	Imbalance  decimal.Decimal // bid dollars / ask dollars over top 10
	Pressure   Direction       // Up when imbalance > 3, Down when < 0.33
	LargeSweep bool            // Single level worth > $500k
	SweepSide  Direction
	MMPull     bool // A side's depth dropped >50% in ~2s
	PullSide   Direction
	Stale      bool // No book update for 60s
	At         time.Time
}

// LiquidationLevel grades a liquidation cascade
type LiquidationLevel int

const (
	LiqNone LiquidationLevel = iota
	LiqModerate
	LiqStrong
	LiqExtreme
)

func (l LiquidationLevel) String() string {
	switch l {
	case LiqModerate:
		return "moderate"
	case LiqStrong:
		return "strong"
	case LiqExtreme:
		return "extreme"
	default:
		return "none"
	}
}

// MacroBias is the directional read from a just-released macro event
type MacroBias struct {
	Event       string
	Direction   Direction
	Confidence  decimal.Decimal
	ReleasedAt  time.Time
	VolatileFor time.Duration
}

package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyedge/poly15m/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL SYNTHESIZER - Multi-family scoring for one asset/window
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pure computation: the decision loop assembles Inputs from the feeds and
// gets back a Signal or nil. Positive score reads UP, negative DOWN. The
// score is the sum of independent family terms, with breaking news applied
// as an amplifier and the volatility regime as the final scaler.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Scoring constants. Each term's weight reflects how fast its information
// decays inside a 5-15 minute window.
var (
	rsiOversold   = decimal.NewFromInt(30)
	rsiOverbought = decimal.NewFromInt(70)
	rsiWeight     = decimal.NewFromInt(2)

	momentumThreshold = decimal.NewFromFloat(0.05) // 5% over 5 minutes
	momentumWeight    = decimal.NewFromFloat(1.5)

	underdogOdds   = decimal.NewFromFloat(0.35)
	underdogWeight = decimal.NewFromFloat(1.5)

	sentimentMinConf = decimal.NewFromFloat(0.6)
	sentimentScale   = decimal.NewFromInt(2)

	breakingAmplifier = decimal.NewFromFloat(1.5)
	breakingWeight    = decimal.NewFromInt(3)
	breakingMaxAge    = 5 * time.Minute

	correlationThreshold = decimal.NewFromFloat(0.03) // BTC 3% in 5 minutes
	correlationWeight    = decimal.NewFromInt(2)

	arbMinMove       = decimal.NewFromFloat(0.003) // 0.3% since window open
	arbMoveOddsScale = decimal.NewFromInt(10)
	arbMaxShift      = decimal.NewFromFloat(0.3)
	arbMinDisc       = decimal.NewFromFloat(0.02)
	arbBaseWeight    = decimal.NewFromInt(3)
	arbDiscScale     = decimal.NewFromInt(10)

	confirmThreshold = decimal.NewFromFloat(0.001)
	confirmBonus     = decimal.NewFromFloat(0.5)
	confirmPenalty   = decimal.NewFromInt(1)

	orderflowCap   = decimal.NewFromFloat(1.0)
	imbalanceScale = decimal.NewFromFloat(0.5)
	sweepWeight    = decimal.NewFromFloat(0.3)
	pullWeight     = decimal.NewFromFloat(0.2)

	vwapThreshold = decimal.NewFromFloat(0.01)
	vwapWeight    = decimal.NewFromInt(1)

	fundingThreshold = decimal.NewFromFloat(0.0005) // 0.05%
	fundingWeight    = decimal.NewFromFloat(0.5)

	minScore       = decimal.NewFromInt(1)
	confidenceBase = decimal.NewFromFloat(0.50)
	confidenceSpan = decimal.NewFromFloat(0.30)
	confidenceCap  = decimal.NewFromFloat(0.80)
	scoreForFull   = decimal.NewFromInt(6)
)

// SentimentRead is an externally supplied market-sentiment classification
type SentimentRead struct {
	Direction  types.Direction
	Confidence decimal.Decimal
}

// Inputs carries everything the synthesizer scores for one asset/window
type Inputs struct {
	Asset  string
	Window *types.Window
	Quote  types.Quote

	Prices []decimal.Decimal // Sampled spot history, oldest first
	VWAP   decimal.Decimal   // Zero when unavailable

	FundingRate decimal.Decimal
	HasFunding  bool

	Depth        types.DepthSignal
	Liquidation  types.LiquidationLevel
	LiqDirection types.Direction

	News      *types.NewsItem
	Sentiment *SentimentRead

	// BTC 5-minute change, for the correlation term on alts
	BTCChange5m    decimal.Decimal
	HasBTCChange5m bool
}

// Synthesize scores the inputs. Returns nil when no actionable signal.
func Synthesize(in Inputs) *types.Signal {
	if in.Window == nil || in.Quote.Price.IsZero() {
		return nil
	}

	score := decimal.Zero
	families := make(map[string]bool)
	var reasons []string
	sig := &types.Signal{
		Asset: in.Asset,
		Slug:  in.Window.Slug,
		At:    time.Now(),
	}

	add := func(term decimal.Decimal, family, reason string) {
		if term.IsZero() {
			return
		}
		score = score.Add(term)
		families[family] = true
		reasons = append(reasons, reason)
	}

	// RSI extremes fade the move
	if rsi, ok := RSI(in.Prices); ok {
		if rsi.LessThan(rsiOversold) {
			add(rsiWeight, types.FamTechnical, fmt.Sprintf("RSI %s oversold", rsi.StringFixed(0)))
		} else if rsi.GreaterThan(rsiOverbought) {
			add(rsiWeight.Neg(), types.FamTechnical, fmt.Sprintf("RSI %s overbought", rsi.StringFixed(0)))
		}
	}

	// 5-minute momentum (10 samples at the 30s cycle)
	chg5, has5 := ChangeOver(in.Prices, 10)
	if has5 && chg5.Abs().GreaterThanOrEqual(momentumThreshold) {
		term := momentumWeight
		if chg5.IsNegative() {
			term = term.Neg()
		}
		add(term, types.FamTechnical, fmt.Sprintf("5m move %s%%", chg5.Mul(hundred).StringFixed(2)))
	}

	// Cross-correlation: a violent BTC move drags the alts
	if in.Asset != "BTC" && in.HasBTCChange5m && in.BTCChange5m.Abs().GreaterThanOrEqual(correlationThreshold) {
		term := correlationWeight
		if in.BTCChange5m.IsNegative() {
			term = term.Neg()
		}
		add(term, types.FamCorrelation, fmt.Sprintf("BTC 5m move %s%%", in.BTCChange5m.Mul(hundred).StringFixed(2)))
	}

	// Spot vs quoted odds discrepancy since window open
	if disc, dir, ok := arbDiscrepancy(in); ok {
		term := arbBaseWeight.Add(disc.Abs().Mul(arbDiscScale))
		if dir == types.DirDown {
			term = term.Neg()
		}
		sig.Arb = true
		sig.ArbDisc = disc
		add(term, types.FamArb, fmt.Sprintf("odds lag %s%% behind spot", disc.Mul(hundred).StringFixed(1)))
	}

	// Sentiment classifier
	if in.Sentiment != nil && in.Sentiment.Confidence.GreaterThan(sentimentMinConf) {
		term := in.Sentiment.Confidence.Mul(sentimentScale)
		if in.Sentiment.Direction == types.DirDown {
			term = term.Neg()
		}
		add(term, types.FamSentiment, fmt.Sprintf("sentiment %s conf %s", in.Sentiment.Direction, in.Sentiment.Confidence.StringFixed(2)))
	}

	// Order flow, capped so microstructure noise cannot dominate
	if term := orderflowTerm(in.Depth); !term.IsZero() {
		add(term, types.FamOrderflow, fmt.Sprintf("orderflow %s", term.StringFixed(2)))
	}

	// Liquidation cascades
	if in.Liquidation != types.LiqNone && in.LiqDirection != types.DirNone {
		term := decimal.NewFromInt(int64(in.Liquidation))
		if in.LiqDirection == types.DirDown {
			term = term.Neg()
		}
		add(term, types.FamLiquidation, fmt.Sprintf("liquidation cascade level %d", in.Liquidation))
	}

	// VWAP stretch mean-reverts
	if !in.VWAP.IsZero() {
		dev := in.Quote.Price.Sub(in.VWAP).Div(in.VWAP)
		if dev.Abs().GreaterThan(vwapThreshold) {
			term := vwapWeight
			if dev.IsPositive() {
				term = term.Neg()
			}
			add(term, types.FamTechnical, fmt.Sprintf("VWAP dev %s%%", dev.Mul(hundred).StringFixed(2)))
		}
	}

	// Crowded funding fades the crowd
	if in.HasFunding && in.FundingRate.Abs().GreaterThan(fundingThreshold) {
		term := fundingWeight
		if in.FundingRate.IsPositive() {
			term = term.Neg()
		}
		add(term, types.FamTechnical, fmt.Sprintf("funding %s%%", in.FundingRate.Mul(hundred).StringFixed(3)))
	}

	// Contrarian value on whichever side the market prices as the underdog
	if up := in.Window.OddsFor(types.DirUp); !up.IsZero() && up.LessThan(underdogOdds) {
		add(underdogWeight, types.FamOdds, fmt.Sprintf("UP underdog at %s", up.StringFixed(2)))
	} else if down := in.Window.OddsFor(types.DirDown); !down.IsZero() && down.LessThan(underdogOdds) {
		add(underdogWeight.Neg(), types.FamOdds, fmt.Sprintf("DOWN underdog at %s", down.StringFixed(2)))
	}

	// Longer momentum confirms or fights the read. Needs enough ring to be
	// a genuinely longer horizon than the 5-minute term (40 samples ~ 20m).
	if !score.IsZero() && len(in.Prices) >= 40 {
		if chg30, ok := ChangeOver(in.Prices, len(in.Prices)); ok && chg30.Abs().GreaterThanOrEqual(confirmThreshold) {
			if directionOf(chg30) == directionOf(score) {
				term := confirmBonus
				if score.IsNegative() {
					term = term.Neg()
				}
				add(term, types.FamMomentum, "long momentum confirms")
			} else {
				term := confirmPenalty
				if score.IsPositive() {
					term = term.Neg()
				}
				add(term, types.FamMomentum, "long momentum opposes")
			}
		}
	}

	// Breaking news amplifies whatever is there, then shoves hard
	if in.News != nil && time.Since(in.News.At) < breakingMaxAge && in.News.Direction != types.DirNone {
		score = score.Mul(breakingAmplifier)
		term := breakingWeight
		if in.News.Direction == types.DirDown {
			term = term.Neg()
		}
		score = score.Add(term)
		families[types.FamBreaking] = true
		reasons = append(reasons, fmt.Sprintf("breaking: %s", in.News.Headline))
		sig.Breaking = true
		sig.NewsHash = HashHeadline(in.News.Headline)
	}

	// Volatility regime scales the whole read
	score = score.Mul(RegimeFactor(in.Prices))

	if score.Abs().LessThan(minScore) {
		return nil
	}

	sig.Score = score
	sig.Direction = directionOf(score)
	sig.Confidence = confidenceFor(score)
	sig.MarketOdds = in.Window.OddsFor(sig.Direction)
	sig.Edge = sig.Confidence.Sub(sig.MarketOdds)
	sig.Families = sortedFamilies(families)
	sig.Reasons = reasons

	log.Debug().
		Str("asset", sig.Asset).
		Str("direction", string(sig.Direction)).
		Str("score", sig.Score.StringFixed(2)).
		Str("confidence", sig.Confidence.StringFixed(3)).
		Str("edge", sig.Edge.StringFixed(3)).
		Strs("families", sig.Families).
		Msg("📶 Signal synthesized")

	return sig
}

// arbDiscrepancy compares the spot move since window open with quoted odds
func arbDiscrepancy(in Inputs) (decimal.Decimal, types.Direction, bool) {
	if in.Window.SpotAtOpen.IsZero() {
		return decimal.Zero, types.DirNone, false
	}

	move := in.Quote.Price.Sub(in.Window.SpotAtOpen).Div(in.Window.SpotAtOpen)
	if move.Abs().LessThan(arbMinMove) {
		return decimal.Zero, types.DirNone, false
	}

	dir := directionOf(move)
	shift := move.Abs().Mul(arbMoveOddsScale)
	if shift.GreaterThan(arbMaxShift) {
		shift = arbMaxShift
	}
	expected := decimal.NewFromFloat(0.5).Add(shift)

	quoted := in.Window.OddsFor(dir)
	if quoted.IsZero() {
		return decimal.Zero, types.DirNone, false
	}

	// Only lagging odds count; the market overpricing the move side is
	// not an arb condition
	disc := expected.Sub(quoted)
	if disc.LessThan(arbMinDisc) {
		return decimal.Zero, types.DirNone, false
	}
	return disc, dir, true
}

// orderflowTerm folds the depth read into one capped term
func orderflowTerm(d types.DepthSignal) decimal.Decimal {
	if d.Stale || d.Imbalance.IsZero() {
		return decimal.Zero
	}

	term := decimal.NewFromFloat(math.Log(d.Imbalance.InexactFloat64())).Mul(imbalanceScale)
	if term.GreaterThan(imbalanceScale) {
		term = imbalanceScale
	}
	if term.LessThan(imbalanceScale.Neg()) {
		term = imbalanceScale.Neg()
	}

	if d.LargeSweep {
		if d.SweepSide == types.DirUp {
			term = term.Add(sweepWeight)
		} else if d.SweepSide == types.DirDown {
			term = term.Sub(sweepWeight)
		}
	}
	if d.MMPull {
		if d.PullSide == types.DirUp {
			term = term.Add(pullWeight)
		} else if d.PullSide == types.DirDown {
			term = term.Sub(pullWeight)
		}
	}

	if term.GreaterThan(orderflowCap) {
		term = orderflowCap
	}
	if term.LessThan(orderflowCap.Neg()) {
		term = orderflowCap.Neg()
	}
	return term
}

// confidenceFor maps |score| into [0.50, 0.80]
func confidenceFor(score decimal.Decimal) decimal.Decimal {
	conf := confidenceBase.Add(score.Abs().Mul(confidenceSpan).Div(scoreForFull))
	if conf.GreaterThan(confidenceCap) {
		return confidenceCap
	}
	return conf
}

func directionOf(v decimal.Decimal) types.Direction {
	if v.IsPositive() {
		return types.DirUp
	}
	if v.IsNegative() {
		return types.DirDown
	}
	return types.DirNone
}

// sortedFamilies returns the family set in a stable order
func sortedFamilies(set map[string]bool) []string {
	order := []string{
		types.FamTechnical, types.FamOdds, types.FamSentiment,
		types.FamCorrelation, types.FamBreaking, types.FamArb,
		types.FamMomentum, types.FamOrderflow, types.FamLiquidation,
	}
	var out []string
	for _, f := range order {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}

// HashHeadline gives the stable identity used by the news dedup gate
func HashHeadline(headline string) string {
	sum := sha256.Sum256([]byte(headline))
	return hex.EncodeToString(sum[:8])
}

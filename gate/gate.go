package gate

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyedge/poly15m/internal/config"
	"github.com/polyedge/poly15m/storage"
	"github.com/polyedge/poly15m/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DECISION GATE - Central qualification system
// ═══════════════════════════════════════════════════════════════════════════════
//
// Signal asks → Gate qualifies/rejects → Executor executes
//
// Path order is a deliberate priority and decides which reason and stake
// get recorded: arb → breaking news → confidence tiers → whale flow.
// Safety rails (kill switch, macro blackout, window phase, duplicate bet,
// odds floor) run before any path and no path may bypass them.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Path names the rule that qualified a trade
type Path string

const (
	PathArb      Path = "arb"
	PathBreaking Path = "breaking-news"
	PathTier1    Path = "tier1"
	PathTier2    Path = "tier2"
	PathTier3    Path = "tier3"
	PathWhale    Path = "whale-flow"
)

const (
	minWindowElapsed   = 2 * time.Minute
	minWindowRemaining = 5 * time.Minute
)

var hundred = decimal.NewFromInt(100)

// Input is everything one gate evaluation reads. The caller assembles it
// from a single consistent view of the asset's state.
type Input struct {
	Signal     *types.Signal
	Window     *types.Window
	News       *types.NewsItem  // Set when Signal.Breaking
	Whale      *types.WhaleFlow // May be nil
	MacroAvoid bool
	KillActive bool
}

// Decision is the gate verdict for one signal/window pair
type Decision struct {
	Qualified bool
	Path      Path
	Stake     decimal.Decimal // USDC, sized by the confidence ladder
	Reason    string
}

// Gate evaluates signals against the qualification paths
type Gate struct {
	db   *storage.Database
	news *NewsGuard
}

// New creates the gate
func New(db *storage.Database, news *NewsGuard) *Gate {
	return &Gate{db: db, news: news}
}

// Evaluate runs the safety rails and qualification paths in order.
// First match wins.
func (g *Gate) Evaluate(in Input, snap *config.Snapshot) Decision {
	sig := in.Signal
	win := in.Window

	// Build rejection helper
	reject := func(msg string) Decision {
		log.Debug().
			Str("asset", sig.Asset).
			Str("slug", win.Slug).
			Str("reason", msg).
			Msg("🚫 Signal rejected")
		return Decision{Qualified: false, Reason: msg}
	}

	// ══════════════════════════════════════════════════════════════════════════
	// SAFETY RAILS (no path bypasses these)
	// ══════════════════════════════════════════════════════════════════════════

	// 1. Kill switch
	if in.KillActive {
		return reject("kill switch active")
	}

	// 2. Macro blackout
	if snap.MacroEnabled && in.MacroAvoid {
		return reject("macro release imminent")
	}

	// 3. Window phase
	if win.Elapsed() < minWindowElapsed {
		return reject(fmt.Sprintf("window too young (%s elapsed, odds not settled)",
			win.Elapsed().Round(time.Second)))
	}
	if win.TimeRemaining() < minWindowRemaining {
		return reject(fmt.Sprintf("window too close to resolution (%s remaining)",
			win.TimeRemaining().Round(time.Second)))
	}

	// 4. One bet per window
	already, err := g.db.HasTradeForSlug(win.Slug)
	if err != nil {
		return reject(fmt.Sprintf("trade history unavailable: %v", err))
	}
	if already {
		return reject("already bet on this window")
	}

	// 5. Odds floor on the chosen side
	if sig.MarketOdds.LessThan(snap.MinMarketOdds) {
		return reject(fmt.Sprintf("odds %s below floor %s",
			sig.MarketOdds.StringFixed(2), snap.MinMarketOdds.StringFixed(2)))
	}

	// ══════════════════════════════════════════════════════════════════════════
	// QUALIFICATION PATHS (priority order)
	// ══════════════════════════════════════════════════════════════════════════

	rawEdge := sig.Edge
	weightedEdge := sig.Edge.Add(snap.AssetWeight(sig.Asset))

	// 6. Arb bypass: a priced-in move the market has not caught up with
	// qualifies with a lower confidence floor and no edge requirement.
	if snap.ArbEnabled && sig.Arb &&
		sig.ArbDisc.Abs().GreaterThanOrEqual(snap.ArbMinDiscrepancy) &&
		sig.Confidence.GreaterThanOrEqual(snap.ArbMinConfidence) {
		return g.qualify(sig, snap, PathArb,
			fmt.Sprintf("arb discrepancy %s%%", sig.ArbDisc.Abs().Mul(hundred).StringFixed(1)))
	}

	// 7. Breaking-news bypass: confidence floor plus the four news checks
	if snap.NewsEnabled && sig.Breaking && in.News != nil {
		if sig.Confidence.GreaterThanOrEqual(snap.NewsMinConfidence) {
			if msg := g.news.Check(sig, in.News, snap); msg == "" {
				return g.qualify(sig, snap, PathBreaking,
					fmt.Sprintf("breaking news (conf %s)", sig.Confidence.StringFixed(2)))
			} else {
				log.Debug().Str("asset", sig.Asset).Str("gate", msg).Msg("📰 News path blocked")
			}
		}
	}

	// 8. Confidence tiers on the raw edge
	cats := sig.FamilyCount()
	if rawEdge.GreaterThanOrEqual(snap.MinEdge) {
		if path, ok := tierFor(sig.Confidence, cats, snap); ok {
			return g.qualify(sig, snap, path,
				fmt.Sprintf("%d categories at conf %s, edge %s",
					cats, sig.Confidence.StringFixed(2), rawEdge.StringFixed(3)))
		}
	}

	// Same tiers against the weighted edge, only when an asset weight is
	// in play
	if bonus := snap.AssetWeight(sig.Asset); !bonus.IsZero() && weightedEdge.GreaterThanOrEqual(snap.MinEdge) {
		if path, ok := tierFor(sig.Confidence, cats, snap); ok {
			return g.qualify(sig, snap, path,
				fmt.Sprintf("%d categories at conf %s, weighted edge %s",
					cats, sig.Confidence.StringFixed(2), weightedEdge.StringFixed(3)))
		}
	}

	// 9. Whale flow: tracked-wallet agreement substitutes for category count
	if snap.WhaleEnabled && in.Whale != nil &&
		in.Whale.FlowImbalance.Abs().GreaterThanOrEqual(snap.WhaleMinImbalance) &&
		in.Whale.DominantSide == sig.Direction &&
		rawEdge.GreaterThanOrEqual(snap.MinEdge) {
		return g.qualify(sig, snap, PathWhale,
			fmt.Sprintf("whale flow %s%% agreeing over %d trades",
				in.Whale.FlowImbalance.Mul(hundred).StringFixed(0), in.Whale.TradeCount))
	}

	// 10. Nothing matched
	return reject(fmt.Sprintf(
		"no path qualified (conf %s, %d categories, edge %s raw / %s weighted)",
		sig.Confidence.StringFixed(2), sig.FamilyCount(),
		rawEdge.StringFixed(3), weightedEdge.StringFixed(3)))
}

// tierFor picks the first confidence/category tier the signal clears
func tierFor(conf decimal.Decimal, cats int, snap *config.Snapshot) (Path, bool) {
	switch {
	case conf.GreaterThanOrEqual(snap.Tier1Confidence) && cats >= snap.Tier1Categories:
		return PathTier1, true
	case conf.GreaterThanOrEqual(snap.Tier2Confidence) && cats >= snap.Tier2Categories:
		return PathTier2, true
	case conf.GreaterThanOrEqual(snap.Tier3Confidence) && cats >= snap.Tier3Categories:
		return PathTier3, true
	}
	return "", false
}

// qualify builds the positive verdict with the confidence-laddered stake
func (g *Gate) qualify(sig *types.Signal, snap *config.Snapshot, path Path, why string) Decision {
	stake := StakeFor(sig.Confidence, snap)
	log.Info().
		Str("asset", sig.Asset).
		Str("direction", string(sig.Direction)).
		Str("path", string(path)).
		Str("stake", stake.StringFixed(2)).
		Str("why", why).
		Msg("✅ Signal qualified")
	return Decision{Qualified: true, Path: path, Stake: stake, Reason: why}
}

// StakeFor sizes the bet from the confidence ladder, capped at the
// per-trade maximum
func StakeFor(confidence decimal.Decimal, snap *config.Snapshot) decimal.Decimal {
	mult := decimal.NewFromFloat(0.5)
	switch {
	case confidence.GreaterThanOrEqual(decimal.NewFromFloat(0.75)):
		mult = decimal.NewFromInt(2)
	case confidence.GreaterThanOrEqual(decimal.NewFromFloat(0.70)):
		mult = decimal.NewFromFloat(1.5)
	case confidence.GreaterThanOrEqual(decimal.NewFromFloat(0.60)):
		mult = decimal.NewFromInt(1)
	}

	stake := snap.BaseStake.Mul(mult)
	if stake.GreaterThan(snap.MaxStakePerTrade) {
		stake = snap.MaxStakePerTrade
	}
	return stake
}

// CommitNews records an accepted breaking headline after the order is placed
func (g *Gate) CommitNews(sig *types.Signal, news *types.NewsItem) {
	g.news.Commit(sig, news)
}

package gate

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/polyedge/poly15m/feeds"
	"github.com/polyedge/poly15m/internal/config"
	"github.com/polyedge/poly15m/storage"
	"github.com/polyedge/poly15m/types"
)

// NewsGuard holds the persisted state behind the breaking-news checks.
// Breaking headlines are the easiest trigger to abuse (replays, floods,
// stale items), so all four checks are backed by the database and a live
// price read rather than in-process memory.
type NewsGuard struct {
	db   *storage.Database
	hist *feeds.History
	now  func() time.Time
}

// NewNewsGuard creates the guard
func NewNewsGuard(db *storage.Database, hist *feeds.History) *NewsGuard {
	return &NewsGuard{db: db, hist: hist, now: time.Now}
}

// Check runs the four breaking-news checks in order. It returns an empty
// string when the headline may trade, otherwise the failing check.
func (g *NewsGuard) Check(sig *types.Signal, news *types.NewsItem, snap *config.Snapshot) string {
	now := g.now()

	// 1. Per-asset cooldown
	last, err := g.db.LastNewsForAsset(sig.Asset)
	if err != nil {
		return fmt.Sprintf("news history unavailable: %v", err)
	}
	if !last.IsZero() && now.Sub(last) < snap.NewsCooldown() {
		return fmt.Sprintf("news cooldown (%s since last %s headline)",
			now.Sub(last).Round(time.Second), sig.Asset)
	}

	// 2. Hourly cap across all assets
	count, err := g.db.NewsCountSince(now.Add(-time.Hour))
	if err != nil {
		return fmt.Sprintf("news history unavailable: %v", err)
	}
	if count >= snap.NewsMaxPerHour {
		return fmt.Sprintf("news hourly cap reached (%d/h)", count)
	}

	// 3. Headline dedup
	seen, err := g.db.HasNewsHash(sig.NewsHash)
	if err != nil {
		return fmt.Sprintf("news history unavailable: %v", err)
	}
	if seen {
		return "headline already traded"
	}

	// 4. Spot must have started moving the way the headline says
	ref, ok := g.hist.PriceAt(sig.Asset, news.At)
	if !ok || ref.IsZero() {
		return "no spot reference at headline time"
	}
	latest, ok := g.hist.PriceAt(sig.Asset, now)
	if !ok {
		return "no current spot sample"
	}
	move := latest.Sub(ref).Div(ref)
	confirmed := (sig.Direction == types.DirUp && move.GreaterThanOrEqual(snap.NewsPriceConfirmPct)) ||
		(sig.Direction == types.DirDown && move.LessThanOrEqual(snap.NewsPriceConfirmPct.Neg()))
	if !confirmed {
		return fmt.Sprintf("price has not confirmed headline (moved %s%%)",
			move.Mul(hundred).StringFixed(3))
	}

	return ""
}

// Commit records an accepted headline so dedup, cooldown and the hourly
// cap all see it. Called only after the order is actually submitted.
func (g *NewsGuard) Commit(sig *types.Signal, news *types.NewsItem) {
	err := g.db.RecordNews(&storage.NewsEntry{
		Hash:       sig.NewsHash,
		Asset:      sig.Asset,
		Headline:   news.Headline,
		RecordedAt: g.now(),
	})
	if err != nil {
		log.Error().Err(err).Str("asset", sig.Asset).Msg("Failed to record accepted headline")
	}
}

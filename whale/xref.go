package whale

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyedge/poly15m/storage"
	"github.com/polyedge/poly15m/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CROSS-REFERENCE - Bot trades vs smart-money flow, per window
// ═══════════════════════════════════════════════════════════════════════════════
//
// Offline report joining the trade ledger with stored whale activity on the
// same window slugs. Reads storage only; safe to run while the bot trades.
//
// ═══════════════════════════════════════════════════════════════════════════════

// XrefRow compares one bot trade against whale flow on the same window
type XrefRow struct {
	Slug         string
	Asset        string
	BotSide      types.Direction
	BotOdds      decimal.Decimal
	BotAt        time.Time
	WhaleSide    types.Direction
	WhaleAvgOdds decimal.Decimal
	WhaleTrades  int
	WhaleUSDC    decimal.Decimal
	Agreed       bool
	BotLead      time.Duration // Positive when the bot entered before the first whale trade
}

// XrefReport is the aggregate comparison
type XrefReport struct {
	Rows          []XrefRow
	TradesTotal   int
	TradesMatched int
	Agreements    int
}

// AgreementRate returns agreements / matched windows
func (r *XrefReport) AgreementRate() decimal.Decimal {
	if r.TradesMatched == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(r.Agreements)).
		Div(decimal.NewFromInt(int64(r.TradesMatched)))
}

// BuildXref joins the full ledger with whale activity
func BuildXref(db *storage.Database) (*XrefReport, error) {
	trades, err := db.AllTrades()
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	report := &XrefReport{}
	for _, tr := range trades {
		if tr.Status != "filled" && tr.Status != "paper" {
			continue
		}
		report.TradesTotal++

		whaleTrades, err := db.WhaleTradesForSlug(tr.Slug)
		if err != nil {
			return nil, fmt.Errorf("load whale trades: %w", err)
		}
		if len(whaleTrades) == 0 {
			continue
		}

		flow := FlowFromTrades(tr.Slug, whaleTrades)
		if flow.DominantSide == types.DirNone {
			continue
		}
		report.TradesMatched++

		row := XrefRow{
			Slug:         tr.Slug,
			Asset:        tr.Asset,
			BotSide:      types.Direction(tr.Direction),
			BotOdds:      tr.EntryOdds,
			BotAt:        tr.PlacedAt,
			WhaleSide:    flow.DominantSide,
			WhaleAvgOdds: avgOdds(whaleTrades),
			WhaleTrades:  flow.TradeCount,
			WhaleUSDC:    flow.TotalUSDC,
			Agreed:       string(flow.DominantSide) == tr.Direction,
			BotLead:      whaleTrades[0].TradedAt.Sub(tr.PlacedAt),
		}
		if row.Agreed {
			report.Agreements++
		}
		report.Rows = append(report.Rows, row)
	}

	return report, nil
}

// avgOdds returns the USDC-weighted average entry price of whale trades
func avgOdds(trades []storage.WhaleTrade) decimal.Decimal {
	sum, weight := decimal.Zero, decimal.Zero
	for _, t := range trades {
		sum = sum.Add(t.Price.Mul(t.SizeUSDC))
		weight = weight.Add(t.SizeUSDC)
	}
	if weight.IsZero() {
		return decimal.Zero
	}
	return sum.Div(weight)
}

// String renders the report for the CLI
func (r *XrefReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Smart-money cross-reference\n")
	fmt.Fprintf(&b, "  trades: %d, with whale flow: %d, agreement: %s\n\n",
		r.TradesTotal, r.TradesMatched, r.AgreementRate().Mul(decimal.NewFromInt(100)).StringFixed(1)+"%")

	for _, row := range r.Rows {
		mark := "✗"
		if row.Agreed {
			mark = "✓"
		}
		lead := "after whales"
		if row.BotLead > 0 {
			lead = fmt.Sprintf("led by %s", row.BotLead.Round(time.Second))
		}
		fmt.Fprintf(&b, "  %s %-5s %-4s bot@%s whales %s@%s (%d trades, $%s) %s\n",
			mark, row.Asset, row.BotSide,
			row.BotOdds.StringFixed(2),
			row.WhaleSide, row.WhaleAvgOdds.StringFixed(2),
			row.WhaleTrades, row.WhaleUSDC.StringFixed(0),
			lead,
		)
	}
	return b.String()
}

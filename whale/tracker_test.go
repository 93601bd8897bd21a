package whale

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polyedge/poly15m/storage"
	"github.com/polyedge/poly15m/types"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func whaleTrade(side types.Direction, usdc float64) storage.WhaleTrade {
	return storage.WhaleTrade{
		Wallet:   "0xabc",
		Slug:     "btc-updown-15m-1756400000",
		Asset:    "BTC",
		Side:     string(side),
		Price:    d(0.55),
		SizeUSDC: d(usdc),
		TradedAt: time.Now(),
	}
}

func TestFlowImbalanceMath(t *testing.T) {
	trades := []storage.WhaleTrade{
		whaleTrade(types.DirUp, 100),
		whaleTrade(types.DirUp, 100),
		whaleTrade(types.DirUp, 100),
		whaleTrade(types.DirDown, 100),
	}

	flow := FlowFromTrades("btc-updown-15m-1756400000", trades)
	// (300 - 100) / 400
	if !flow.FlowImbalance.Equal(d(0.5)) {
		t.Errorf("imbalance = %s, want 0.5", flow.FlowImbalance)
	}
	if flow.DominantSide != types.DirUp {
		t.Errorf("dominant = %s, want UP", flow.DominantSide)
	}
	if !flow.Confidence.Equal(d(0.2)) {
		t.Errorf("confidence = %s, want 0.2 from 4 of 20 trades", flow.Confidence)
	}
	if !flow.TotalUSDC.Equal(d(400)) || flow.TradeCount != 4 {
		t.Errorf("total=%s count=%d", flow.TotalUSDC, flow.TradeCount)
	}
}

func TestFlowNearBalanceHasNoDominantSide(t *testing.T) {
	trades := []storage.WhaleTrade{
		whaleTrade(types.DirUp, 110),
		whaleTrade(types.DirDown, 90),
	}

	// Imbalance 0.10 sits under the 0.15 dominance threshold
	flow := FlowFromTrades("slug", trades)
	if flow.DominantSide != types.DirNone {
		t.Errorf("dominant = %s, want none at imbalance %s", flow.DominantSide, flow.FlowImbalance)
	}
}

func TestFlowConfidenceCapped(t *testing.T) {
	var trades []storage.WhaleTrade
	for i := 0; i < 30; i++ {
		trades = append(trades, whaleTrade(types.DirUp, 50))
	}

	flow := FlowFromTrades("slug", trades)
	if !flow.Confidence.Equal(decimal.NewFromInt(1)) {
		t.Errorf("confidence = %s, want capped at 1", flow.Confidence)
	}
}

func TestFlowEmpty(t *testing.T) {
	flow := FlowFromTrades("slug", nil)
	if flow.TradeCount != 0 || flow.DominantSide != types.DirNone {
		t.Errorf("empty flow = %+v", flow)
	}
}

func TestDedupKeyStable(t *testing.T) {
	key := DedupKey("0xdeadbeef", d(0.55), d(100))
	if key != "0xdeadbeef|0.55|100" {
		t.Errorf("key = %q", key)
	}
	if key == DedupKey("0xdeadbeef", d(0.56), d(100)) {
		t.Error("different price must produce a different key")
	}
}

func TestConvertRowFilters(t *testing.T) {
	at := time.Now().UTC()

	row := activityRow{
		Type: "TRADE", Side: "BUY", Outcome: "Up",
		Slug:  "btc-updown-15m-1756400000",
		Price: d(0.55), Size: d(100), USDCSize: d(55), TxHash: "0x1",
	}
	trade, ok := convertRow("0xabc", row, at)
	if !ok || trade.Asset != "BTC" || trade.Side != string(types.DirUp) {
		t.Errorf("trade=%+v ok=%v", trade, ok)
	}

	// Selling the Up side is flow toward Down
	row.Side = "SELL"
	trade, ok = convertRow("0xabc", row, at)
	if !ok || trade.Side != string(types.DirDown) {
		t.Errorf("sell side = %s, want DOWN", trade.Side)
	}

	// Non-trade rows and foreign markets are dropped
	row.Side, row.Type = "BUY", "REDEEM"
	if _, ok := convertRow("0xabc", row, at); ok {
		t.Error("redeem rows must be dropped")
	}
	row.Type, row.Slug = "TRADE", "presidential-election-2028"
	if _, ok := convertRow("0xabc", row, at); ok {
		t.Error("non up/down markets must be dropped")
	}
}

func TestBuildXrefAgreement(t *testing.T) {
	db, err := storage.New("", ":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	slugAgree := "btc-updown-15m-1756400000"
	slugDisagree := "eth-updown-15m-1756400000"
	placedAt := time.Now().UTC().Add(-10 * time.Minute)

	for i, tr := range []storage.TradeRecord{
		{ID: "t1", Slug: slugAgree, Asset: "BTC", Direction: "UP", Status: "paper", EntryOdds: d(0.55)},
		{ID: "t2", Slug: slugDisagree, Asset: "ETH", Direction: "UP", Status: "paper", EntryOdds: d(0.60)},
		{ID: "t3", Slug: "sol-updown-15m-1756400000", Asset: "SOL", Direction: "UP", Status: "failed"},
	} {
		tr.PlacedAt = placedAt.Add(time.Duration(i) * time.Second)
		if err := db.RecordTrade(&tr); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	whales := []storage.WhaleTrade{
		{DedupKey: "w1", Wallet: "0xa", Slug: slugAgree, Asset: "BTC", Side: "UP", Price: d(0.50), SizeUSDC: d(500), TradedAt: placedAt.Add(2 * time.Minute)},
		{DedupKey: "w2", Wallet: "0xa", Slug: slugDisagree, Asset: "ETH", Side: "DOWN", Price: d(0.45), SizeUSDC: d(800), TradedAt: placedAt.Add(3 * time.Minute)},
	}
	if _, err := db.SaveWhaleTrades(whales); err != nil {
		t.Fatalf("save whales: %v", err)
	}

	report, err := BuildXref(db)
	if err != nil {
		t.Fatalf("xref: %v", err)
	}
	// Failed trades never count; both paper fills matched whale flow
	if report.TradesTotal != 2 || report.TradesMatched != 2 {
		t.Fatalf("total=%d matched=%d, want 2/2", report.TradesTotal, report.TradesMatched)
	}
	if report.Agreements != 1 {
		t.Errorf("agreements = %d, want 1", report.Agreements)
	}
	if !report.AgreementRate().Equal(d(0.5)) {
		t.Errorf("rate = %s, want 0.5", report.AgreementRate())
	}

	for _, row := range report.Rows {
		if row.Slug == slugAgree {
			if !row.Agreed || row.BotLead <= 0 {
				t.Errorf("agree row = %+v, want agreed with positive lead", row)
			}
		}
		if row.Slug == slugDisagree && row.Agreed {
			t.Error("disagree row marked agreed")
		}
	}
}

package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New("", ":memory:")
	require.NoError(t, err)
	return db
}

func TestDailyStateCreateAndMutate(t *testing.T) {
	db := openTestDB(t)
	day := DayKey(time.Now())

	state, err := db.GetDailyState(day)
	require.NoError(t, err)
	assert.Equal(t, 0, state.TradesPlaced)
	assert.True(t, state.RealizedPnl.IsZero())

	state.TradesPlaced = 3
	state.RealizedPnl = decimal.NewFromFloat(-12.5)
	require.NoError(t, db.SaveDailyState(state))

	reloaded, err := db.GetDailyState(day)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.TradesPlaced)
	assert.True(t, reloaded.RealizedPnl.Equal(decimal.NewFromFloat(-12.5)))

	// A different day gets its own fresh row
	other, err := db.GetDailyState(DayKey(time.Now().AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, 0, other.TradesPlaced)
}

func TestHasTradeForSlugCountsFillsOnly(t *testing.T) {
	db := openTestDB(t)
	slug := "btc-updown-15m-1756400000"

	require.NoError(t, db.RecordTrade(&TradeRecord{
		ID: "t1", Slug: slug, Asset: "BTC", Status: "failed", PlacedAt: time.Now(),
	}))
	has, err := db.HasTradeForSlug(slug)
	require.NoError(t, err)
	assert.False(t, has, "failed attempts leave the window available")

	require.NoError(t, db.RecordTrade(&TradeRecord{
		ID: "t2", Slug: slug, Asset: "BTC", Status: "paper", PlacedAt: time.Now(),
	}))
	has, err = db.HasTradeForSlug(slug)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSettleTrade(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordTrade(&TradeRecord{
		ID: "t1", Slug: "s", Asset: "BTC", Status: "filled", PlacedAt: time.Now(),
	}))

	require.NoError(t, db.SettleTrade("t1", decimal.NewFromFloat(4.5)))

	trades, err := db.AllTrades()
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Settled)
	assert.True(t, trades[0].Pnl.Equal(decimal.NewFromFloat(4.5)))
}

func TestWhaleTradeDedup(t *testing.T) {
	db := openTestDB(t)
	trade := WhaleTrade{
		DedupKey: "0xabc|0.55|100", Wallet: "0xw", Slug: "s", Asset: "BTC",
		Side: "UP", SizeUSDC: decimal.NewFromInt(55), TradedAt: time.Now().UTC(),
	}

	saved, err := db.SaveWhaleTrades([]WhaleTrade{trade})
	require.NoError(t, err)
	assert.Equal(t, 1, saved)

	// Replaying the same activity page inserts nothing
	saved, err = db.SaveWhaleTrades([]WhaleTrade{trade})
	require.NoError(t, err)
	assert.Equal(t, 0, saved)

	stored, err := db.WhaleTradesForSlug("s")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestLastWhaleTradeAt(t *testing.T) {
	db := openTestDB(t)

	at, err := db.LastWhaleTradeAt("0xw")
	require.NoError(t, err)
	assert.True(t, at.IsZero(), "unknown wallet reads zero time")

	newest := time.Now().UTC().Truncate(time.Second)
	_, err = db.SaveWhaleTrades([]WhaleTrade{
		{DedupKey: "a", Wallet: "0xw", Slug: "s", Asset: "BTC", Side: "UP", TradedAt: newest.Add(-time.Hour)},
		{DedupKey: "b", Wallet: "0xw", Slug: "s", Asset: "BTC", Side: "UP", TradedAt: newest},
	})
	require.NoError(t, err)

	at, err = db.LastWhaleTradeAt("0xw")
	require.NoError(t, err)
	assert.True(t, at.Equal(newest), "got %s want %s", at, newest)
}

func TestNewsPruneKeepsNewestFifty(t *testing.T) {
	db := openTestDB(t)
	base := time.Now().UTC().Add(-2 * time.Hour)

	for i := 0; i < 60; i++ {
		require.NoError(t, db.RecordNews(&NewsEntry{
			Hash:       fmt.Sprintf("hash-%02d", i),
			Asset:      "BTC",
			Headline:   fmt.Sprintf("headline %d", i),
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	count, err := db.NewsCountSince(base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 50, count)

	// The oldest entries are the pruned ones
	has, err := db.HasNewsHash("hash-00")
	require.NoError(t, err)
	assert.False(t, has)
	has, err = db.HasNewsHash("hash-59")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestLastNewsForAsset(t *testing.T) {
	db := openTestDB(t)
	at := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, db.RecordNews(&NewsEntry{Hash: "h1", Asset: "ETH", RecordedAt: at}))

	got, err := db.LastNewsForAsset("ETH")
	require.NoError(t, err)
	assert.True(t, got.Equal(at))

	got, err = db.LastNewsForAsset("SOL")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestBotStatusSingleRow(t *testing.T) {
	db := openTestDB(t)

	status, err := db.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, uint(1), status.ID)

	status.Status = "running"
	status.ConsecutiveErrors = 2
	require.NoError(t, db.SaveStatus(status))

	reloaded, err := db.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, "running", reloaded.Status)
	assert.Equal(t, 2, reloaded.ConsecutiveErrors)
}

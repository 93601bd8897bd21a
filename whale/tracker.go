package whale

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/polyedge/poly15m/markets"
	"github.com/polyedge/poly15m/storage"
	"github.com/polyedge/poly15m/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WHALE TRACKER - Tracked-wallet activity on crypto up/down windows
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls the public activity feed for each configured wallet, keeps the
// crypto up/down trades, and persists them deduped so restarts never
// double-count flow. FlowSignal aggregates per-window USDC flow into the
// imbalance the gate's whale path consumes.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	pollInterval  = 60 * time.Second
	pageSize      = 100
	maxPageOffset = 3000
)

var (
	updownSlugRe     = markets.UpdownSlug()
	dominantMinFlow  = decimal.NewFromFloat(0.15)
	confidenceTrades = decimal.NewFromInt(20)
)

// Tracker polls and persists tracked-wallet trades
type Tracker struct {
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	apiURL  string
	wallets []string
	db      *storage.Database

	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewTracker creates the tracker
func NewTracker(apiURL string, wallets []string, db *storage.Database) *Tracker {
	return &Tracker{
		stopCh:  make(chan struct{}),
		apiURL:  apiURL,
		wallets: wallets,
		db:      db,
		// Activity pagination pacing: 2 requests/second with a small burst
		limiter:    rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Start begins polling
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	if len(t.wallets) == 0 {
		log.Warn().Msg("🐋 Whale tracker idle, no wallets configured")
		return
	}

	go t.pollLoop()
	log.Info().Int("wallets", len(t.wallets)).Msg("🐋 Whale tracker started")
}

// Stop stops polling
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)
}

func (t *Tracker) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	t.pollAll()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.pollAll()
		}
	}
}

func (t *Tracker) pollAll() {
	for _, wallet := range t.wallets {
		if err := t.pollWallet(wallet); err != nil {
			log.Warn().Err(err).Str("wallet", shorten(wallet)).Msg("Whale poll failed")
		}
	}
}

// activityRow is one row of the public activity feed
type activityRow struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Side      string          `json:"side"` // BUY or SELL
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	USDCSize  decimal.Decimal `json:"usdcSize"`
	TxHash    string          `json:"transactionHash"`
	Slug      string          `json:"slug"`
	Outcome   string          `json:"outcome"` // Up or Down
}

// pollWallet pages through a wallet's activity until known territory
func (t *Tracker) pollWallet(wallet string) error {
	lastSeen, err := t.db.LastWhaleTradeAt(wallet)
	if err != nil {
		return fmt.Errorf("load last seen: %w", err)
	}

	var collected []storage.WhaleTrade

	for offset := 0; offset <= maxPageOffset; offset += pageSize {
		t.limiter.Wait(context.Background())

		rows, err := t.fetchPage(wallet, offset)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		reachedKnown := false
		for _, row := range rows {
			tradedAt := time.Unix(row.Timestamp, 0).UTC()
			if !lastSeen.IsZero() && !tradedAt.After(lastSeen) {
				reachedKnown = true
				continue
			}
			if trade, ok := convertRow(wallet, row, tradedAt); ok {
				collected = append(collected, trade)
			}
		}
		if reachedKnown || len(rows) < pageSize {
			break
		}
	}

	saved, err := t.db.SaveWhaleTrades(collected)
	if err != nil {
		return fmt.Errorf("save trades: %w", err)
	}
	if saved > 0 {
		log.Info().Str("wallet", shorten(wallet)).Int("new_trades", saved).Msg("🐋 Whale trades recorded")
	}
	return nil
}

func (t *Tracker) fetchPage(wallet string, offset int) ([]activityRow, error) {
	url := fmt.Sprintf("%s/activity?user=%s&limit=%d&offset=%d", t.apiURL, wallet, pageSize, offset)

	resp, err := t.httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("activity fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("activity fetch: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("activity fetch: HTTP %d", resp.StatusCode)
	}

	var rows []activityRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("activity parse: %w", err)
	}
	return rows, nil
}

// convertRow keeps crypto up/down trades and normalizes them
func convertRow(wallet string, row activityRow, tradedAt time.Time) (storage.WhaleTrade, bool) {
	if !strings.EqualFold(row.Type, "TRADE") {
		return storage.WhaleTrade{}, false
	}
	slug := strings.ToLower(row.Slug)
	if !updownSlugRe.MatchString(slug) {
		return storage.WhaleTrade{}, false
	}
	asset := markets.DetectAsset(slug)
	if asset == "" {
		return storage.WhaleTrade{}, false
	}

	dir := directionFromOutcome(row.Outcome)
	if dir == types.DirNone {
		return storage.WhaleTrade{}, false
	}
	// Selling a side is flow against it
	if strings.EqualFold(row.Side, "SELL") {
		dir = dir.Opposite()
	}

	return storage.WhaleTrade{
		DedupKey: DedupKey(row.TxHash, row.Price, row.Size),
		Wallet:   wallet,
		Slug:     row.Slug,
		Asset:    asset,
		Side:     string(dir),
		Price:    row.Price,
		SizeUSDC: row.USDCSize,
		TradedAt: tradedAt,
	}, true
}

// DedupKey builds the stable identity for one activity row
func DedupKey(txHash string, price, size decimal.Decimal) string {
	return txHash + "|" + price.String() + "|" + size.String()
}

func directionFromOutcome(outcome string) types.Direction {
	switch strings.ToLower(outcome) {
	case "up", "yes":
		return types.DirUp
	case "down", "no":
		return types.DirDown
	}
	return types.DirNone
}

// ═══════════════════════════════════════════════════════════════════════════════
// FLOW SIGNALS
// ═══════════════════════════════════════════════════════════════════════════════

// FlowSignal aggregates stored whale flow for one window
func (t *Tracker) FlowSignal(slug string) (*types.WhaleFlow, error) {
	trades, err := t.db.WhaleTradesForSlug(slug)
	if err != nil {
		return nil, err
	}
	return FlowFromTrades(slug, trades), nil
}

// FlowFromTrades computes the imbalance read from a trade set
func FlowFromTrades(slug string, trades []storage.WhaleTrade) *types.WhaleFlow {
	flow := &types.WhaleFlow{Slug: slug}
	if len(trades) == 0 {
		return flow
	}

	up, down := decimal.Zero, decimal.Zero
	for _, tr := range trades {
		if tr.Side == string(types.DirUp) {
			up = up.Add(tr.SizeUSDC)
		} else {
			down = down.Add(tr.SizeUSDC)
		}
	}

	total := up.Add(down)
	flow.TradeCount = len(trades)
	flow.TotalUSDC = total
	if total.IsZero() {
		return flow
	}

	flow.FlowImbalance = up.Sub(down).Div(total)
	if flow.FlowImbalance.Abs().GreaterThan(dominantMinFlow) {
		if flow.FlowImbalance.IsPositive() {
			flow.DominantSide = types.DirUp
		} else {
			flow.DominantSide = types.DirDown
		}
	}

	flow.Confidence = decimal.NewFromInt(int64(len(trades))).Div(confidenceTrades)
	if flow.Confidence.GreaterThan(decimal.NewFromInt(1)) {
		flow.Confidence = decimal.NewFromInt(1)
	}
	return flow
}

// Activity returns recent stored whale trades for an asset
func (t *Tracker) Activity(asset string, lookback time.Duration) ([]storage.WhaleTrade, error) {
	return t.db.WhaleTradesSince(asset, time.Now().Add(-lookback))
}

func shorten(wallet string) string {
	if len(wallet) <= 10 {
		return wallet
	}
	return wallet[:6] + "…" + wallet[len(wallet)-4:]
}

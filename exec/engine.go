package exec

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyedge/poly15m/internal/config"
	"github.com/polyedge/poly15m/storage"
	"github.com/polyedge/poly15m/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION ENGINE - Order placement state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
// Gate qualifies → Engine places → Ledger records
//
// Two strategies: maker posts a limit at the signal's implied price and
// polls for a fill inside a hard timeout; taker validates the live
// midpoint and fires a capped FOK. The engine is the single writer over
// daily trading state and the only component allowed to trip the kill
// switch automatically.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	fillResolveAttempts = 3
	fillResolveDelay    = 3 * time.Second
)

var (
	minLimitPrice = decimal.NewFromFloat(0.01)
	maxLimitPrice = decimal.NewFromFloat(0.99)
)

// Request is one qualified trade handed down from the gate
type Request struct {
	Window *types.Window
	Signal *types.Signal
	Path   string
	Stake  decimal.Decimal
}

// Attempt statuses mirror the ledger's trade statuses
const (
	AttemptFilled   = "filled"
	AttemptUnfilled = "unfilled"
	AttemptFailed   = "failed"
	AttemptPaper    = "paper"
)

// Attempt is the recorded outcome of one placement
type Attempt struct {
	TradeID   string
	Status    string
	OrderType string // "maker", "taker" or "paper"
	OrderID   string
	FillOdds  decimal.Decimal
	Reason    string
}

// Filled reports whether the attempt resulted in a position
func (a *Attempt) Filled() bool {
	return a.Status == AttemptFilled || a.Status == AttemptPaper
}

// Engine owns order placement and daily trading state
type Engine struct {
	mu    sync.Mutex // Serializes daily-state mutation across markets
	db    *storage.Database
	ks    *KillSwitch
	venue Venue

	now   func() time.Time
	sleep func(time.Duration)
}

// NewEngine creates the execution engine
func NewEngine(db *storage.Database, ks *KillSwitch, venue Venue) *Engine {
	return &Engine{
		db:    db,
		ks:    ks,
		venue: venue,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// CanTrade runs the pre-placement checks in order. The kill switch is
// checked first and a daily-loss breach trips it for the rest of the day.
func (e *Engine) CanTrade(stake decimal.Decimal, snap *config.Snapshot, mode config.Mode) (bool, string) {
	if active, reason := e.ks.Active(); active {
		return false, fmt.Sprintf("kill switch active: %s", reason)
	}

	if mode == config.ModeDisabled {
		return false, "trading disabled"
	}

	state, err := e.db.GetDailyState(storage.DayKey(e.now()))
	if err != nil {
		return false, fmt.Sprintf("daily state unavailable: %v", err)
	}

	if state.RealizedPnl.LessThanOrEqual(snap.MaxDailyLoss.Neg()) {
		reason := fmt.Sprintf("daily loss limit breached (%s USDC)", state.RealizedPnl.StringFixed(2))
		if err := e.ks.Activate(reason); err != nil {
			log.Error().Err(err).Msg("Failed to activate kill switch on loss breach")
		}
		return false, reason
	}
	if state.TradesPlaced >= snap.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade cap reached (%d)", state.TradesPlaced)
	}
	if state.OpenPositions >= snap.MaxConcurrentPositions {
		return false, fmt.Sprintf("concurrent position cap reached (%d)", state.OpenPositions)
	}
	if stake.GreaterThan(snap.MaxStakePerTrade) {
		return false, fmt.Sprintf("stake %s exceeds per-trade cap %s",
			stake.StringFixed(2), snap.MaxStakePerTrade.StringFixed(2))
	}

	if mode == config.ModeReal {
		balance, err := e.venue.Balance()
		if err != nil {
			return false, fmt.Sprintf("balance check failed: %v", err)
		}
		if balance.LessThan(stake) {
			return false, fmt.Sprintf("insufficient balance (%s < %s)",
				balance.StringFixed(2), stake.StringFixed(2))
		}
	}

	return true, ""
}

// Execute places one qualified trade and records the outcome
func (e *Engine) Execute(req Request, snap *config.Snapshot, mode config.Mode) *Attempt {
	if allowed, reason := e.CanTrade(req.Stake, snap, mode); !allowed {
		return e.record(req, &Attempt{
			TradeID: uuid.NewString(),
			Status:  AttemptFailed,
			Reason:  reason,
		})
	}

	if mode == config.ModePaper {
		return e.executePaper(req)
	}

	if snap.UseMakerOrders {
		return e.executeMaker(req, snap)
	}
	return e.executeTaker(req, snap)
}

// executePaper simulates a fill at the quoted odds without touching the venue
func (e *Engine) executePaper(req Request) *Attempt {
	att := &Attempt{
		TradeID:   uuid.NewString(),
		Status:    AttemptPaper,
		OrderType: "paper",
		FillOdds:  req.Signal.MarketOdds,
		Reason:    "paper fill at quoted odds",
	}
	log.Info().
		Str("asset", req.Signal.Asset).
		Str("direction", string(req.Signal.Direction)).
		Str("odds", req.Signal.MarketOdds.StringFixed(2)).
		Str("stake", req.Stake.StringFixed(2)).
		Msg("📝 Paper trade recorded")
	return e.record(req, att)
}

// executeMaker posts a resting limit at the signal's implied price and
// polls for a fill until the timeout
func (e *Engine) executeMaker(req Request, snap *config.Snapshot) *Attempt {
	price := clampLimit(req.Signal.Confidence)
	size := sharesFor(req.Stake, price)
	att := &Attempt{TradeID: uuid.NewString(), OrderType: "maker"}

	orderID, err := e.venue.PlaceOrder(OrderRequest{
		TokenID: req.Window.TokenFor(req.Signal.Direction),
		Side:    "BUY",
		Price:   price,
		Size:    size,
		Type:    OrderGTC,
	})
	if err != nil {
		att.Status = AttemptFailed
		att.Reason = fmt.Sprintf("maker placement failed: %v", err)
		e.classifyVenueError(err)
		return e.record(req, att)
	}
	att.OrderID = orderID

	deadline := e.now().Add(snap.MakerTimeout())
	for e.now().Before(deadline) {
		e.sleep(snap.FillPollInterval())

		state, err := e.venue.OrderStatus(orderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", orderID).Msg("Order status poll failed")
			continue
		}
		if state.Status == StatusMatched || state.Filled.GreaterThanOrEqual(state.Size) {
			att.Status = AttemptFilled
			att.FillOdds = e.resolveFill(req.Window.TokenFor(req.Signal.Direction), price)
			att.Reason = "maker filled"
			return e.record(req, att)
		}
		if state.Status == StatusCancelled {
			att.Status = AttemptFailed
			att.Reason = "maker order cancelled by venue"
			return e.record(req, att)
		}
	}

	// Unfilled inside the window: pull the order
	if err := e.venue.CancelOrder(orderID); err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("Failed to cancel stale maker order")
	}
	att.Status = AttemptUnfilled
	att.Reason = fmt.Sprintf("not filled within %ds", snap.MakerTimeoutSec)
	return e.record(req, att)
}

// executeTaker validates the live midpoint and fires a capped FOK
func (e *Engine) executeTaker(req Request, snap *config.Snapshot) *Attempt {
	att := &Attempt{TradeID: uuid.NewString(), OrderType: "taker"}
	tokenID := req.Window.TokenFor(req.Signal.Direction)
	sigPrice := clampLimit(req.Signal.Confidence)

	mid, err := e.venue.Midpoint(tokenID)
	if err != nil {
		att.Status = AttemptFailed
		att.Reason = fmt.Sprintf("midpoint unavailable: %v", err)
		return e.record(req, att)
	}
	if mid.LessThan(snap.MidpointFloor) {
		att.Status = AttemptFailed
		att.Reason = fmt.Sprintf("midpoint %s below floor %s",
			mid.StringFixed(2), snap.MidpointFloor.StringFixed(2))
		return e.record(req, att)
	}
	if mid.Sub(sigPrice).Abs().GreaterThan(snap.MaxDivergencePts) {
		att.Status = AttemptFailed
		att.Reason = fmt.Sprintf("midpoint %s diverges from signal price %s by more than %s",
			mid.StringFixed(2), sigPrice.StringFixed(2), snap.MaxDivergencePts.StringFixed(2))
		return e.record(req, att)
	}

	capPrice := sigPrice.Add(snap.SlippageCapPts)
	if capPrice.GreaterThan(maxLimitPrice) {
		capPrice = maxLimitPrice
	}
	size := sharesFor(req.Stake, capPrice)

	var lastErr error
	for try := 1; try <= snap.TakerRetries; try++ {
		orderID, err := e.venue.PlaceOrder(OrderRequest{
			TokenID: tokenID,
			Side:    "BUY",
			Price:   capPrice,
			Size:    size,
			Type:    OrderFOK,
		})
		if err == nil {
			att.OrderID = orderID
			att.Status = AttemptFilled
			att.FillOdds = e.resolveFill(tokenID, capPrice)
			att.Reason = "taker filled"
			return e.record(req, att)
		}
		lastErr = err

		if isWalletError(err) {
			// Wallet state is wrong; nothing later this day can succeed
			if kerr := e.ks.Activate(fmt.Sprintf("wallet error during placement: %v", err)); kerr != nil {
				log.Error().Err(kerr).Msg("Failed to activate kill switch on wallet error")
			}
			att.Status = AttemptFailed
			att.Reason = fmt.Sprintf("wallet error: %v", err)
			return e.record(req, att)
		}
		if isDepthError(err) {
			att.Status = AttemptFailed
			att.Reason = fmt.Sprintf("insufficient depth: %v", err)
			return e.record(req, att)
		}

		log.Warn().Err(err).Int("try", try).Msg("FOK rejected, retrying")
	}

	att.Status = AttemptFailed
	att.Reason = fmt.Sprintf("taker rejected after %d tries: %v", snap.TakerRetries, lastErr)
	return e.record(req, att)
}

// resolveFill reads the realized entry price from the position book.
// The nominal cap is only an upper bound; FOK fills can land below it.
func (e *Engine) resolveFill(tokenID string, fallback decimal.Decimal) decimal.Decimal {
	for try := 0; try < fillResolveAttempts; try++ {
		positions, err := e.venue.Positions()
		if err == nil {
			for _, p := range positions {
				if p.TokenID == tokenID && p.AvgPrice.IsPositive() {
					return p.AvgPrice
				}
			}
		}
		e.sleep(fillResolveDelay)
	}
	log.Warn().Str("token", shortToken(tokenID)).Msg("Fill price unresolved, using submitted price")
	return fallback
}

// classifyVenueError trips the kill switch for wallet-level failures
// surfaced outside the taker retry loop
func (e *Engine) classifyVenueError(err error) {
	if isWalletError(err) {
		if kerr := e.ks.Activate(fmt.Sprintf("wallet error during placement: %v", err)); kerr != nil {
			log.Error().Err(kerr).Msg("Failed to activate kill switch on wallet error")
		}
	}
}

// record persists the ledger row and, on a fill, advances daily state.
// Single writer: this is the only place daily counters move.
func (e *Engine) record(req Request, att *Attempt) *Attempt {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := &storage.TradeRecord{
		ID:        att.TradeID,
		Slug:      req.Window.Slug,
		Asset:     req.Signal.Asset,
		Direction: string(req.Signal.Direction),
		Path:      req.Path,
		OrderType: att.OrderType,
		OrderID:   att.OrderID,
		Stake:     req.Stake,
		EntryOdds: req.Signal.MarketOdds,
		FillOdds:  att.FillOdds,
		Status:    att.Status,
		Reason:    att.Reason,
		PlacedAt:  e.now(),
	}
	if err := e.db.RecordTrade(rec); err != nil {
		log.Error().Err(err).Str("slug", req.Window.Slug).Msg("Failed to record trade")
	}

	if att.Filled() {
		state, err := e.db.GetDailyState(storage.DayKey(e.now()))
		if err != nil {
			log.Error().Err(err).Msg("Daily state unavailable after fill")
			return att
		}
		state.TradesPlaced++
		state.OpenPositions++
		if err := e.db.SaveDailyState(state); err != nil {
			log.Error().Err(err).Msg("Failed to persist daily state")
		}
	}

	return att
}

// Settle books the realized outcome of a resolved position
func (e *Engine) Settle(tradeID string, pnl decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.db.SettleTrade(tradeID, pnl); err != nil {
		return err
	}
	state, err := e.db.GetDailyState(storage.DayKey(e.now()))
	if err != nil {
		return err
	}
	state.RealizedPnl = state.RealizedPnl.Add(pnl)
	if state.OpenPositions > 0 {
		state.OpenPositions--
	}
	return e.db.SaveDailyState(state)
}

// clampLimit bounds a limit price to the venue's valid odds range
func clampLimit(price decimal.Decimal) decimal.Decimal {
	if price.LessThan(minLimitPrice) {
		return minLimitPrice
	}
	if price.GreaterThan(maxLimitPrice) {
		return maxLimitPrice
	}
	return price
}

// sharesFor converts a USDC stake into outcome shares at a price
func sharesFor(stake, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return stake.Div(price).Round(2)
}

func isWalletError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient balance") ||
		strings.Contains(msg, "allowance") ||
		strings.Contains(msg, "not enough balance")
}

func isDepthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient depth") ||
		strings.Contains(msg, "no liquidity")
}

func shortToken(tokenID string) string {
	if len(tokenID) <= 16 {
		return tokenID
	}
	return tokenID[:16] + "..."
}

package feeds

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyedge/poly15m/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIQUIDATION FEED - Forced-order cascades from Binance futures
// ═══════════════════════════════════════════════════════════════════════════════
//
// The all-symbols force-order stream is cheap and already carries notional
// per event. Events are kept in a one-minute rolling window per asset and
// graded by total notional. Forced longs (SELL) read as a down cascade.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	liqWSURL     = "wss://fstream.binance.com/ws/!forceOrder@arr"
	liqReconnect = 5 * time.Second
	liqDialRetry = 10 * time.Second
	liqWindow    = time.Minute
)

var (
	liqModerateUSD = decimal.NewFromInt(1_000_000)
	liqStrongUSD   = decimal.NewFromInt(5_000_000)
	liqExtremeUSD  = decimal.NewFromInt(20_000_000)
)

type liqEvent struct {
	usd  decimal.Decimal
	side types.Direction // Direction the cascade pushes price
	at   time.Time
}

// LiquidationFeed grades forced-order cascades per asset
type LiquidationFeed struct {
	mu        sync.RWMutex
	running   bool
	connected bool
	stopCh    chan struct{}
	conn      *websocket.Conn

	assets map[string]bool
	events map[string][]liqEvent
	now    func() time.Time
}

// NewLiquidationFeed creates the feed for a set of assets
func NewLiquidationFeed(assets []string) *LiquidationFeed {
	set := make(map[string]bool, len(assets))
	for _, a := range assets {
		set[a] = true
	}
	return &LiquidationFeed{
		stopCh: make(chan struct{}),
		assets: set,
		events: make(map[string][]liqEvent),
		now:    time.Now,
	}
}

// Start connects and begins processing
func (f *LiquidationFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Msg("💥 Liquidation feed started")
}

// Stop closes the connection
func (f *LiquidationFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)

	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("Liquidation feed stopped")
}

func (f *LiquidationFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(liqWSURL, nil)
		if err != nil {
			log.Error().Err(err).Msg("Liquidation dial failed, retrying...")
			time.Sleep(liqDialRetry)
			continue
		}

		f.mu.Lock()
		f.conn = conn
		f.connected = true
		f.mu.Unlock()

		log.Info().Msg("🔌 Liquidation WebSocket connected")
		f.readLoop()
		time.Sleep(liqReconnect)
	}
}

func (f *LiquidationFeed) readLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Liquidation read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

// forceOrderMsg is one forced-order event
type forceOrderMsg struct {
	Event string `json:"e"`
	Order struct {
		Symbol   string `json:"s"`
		Side     string `json:"S"` // SELL = forced long
		Quantity string `json:"q"`
		AvgPrice string `json:"ap"`
	} `json:"o"`
}

func (f *LiquidationFeed) processMessage(data []byte) {
	var msg forceOrderMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Event != "forceOrder" {
		return
	}

	asset := strings.TrimSuffix(strings.ToUpper(msg.Order.Symbol), "USDT")
	if !f.assets[asset] {
		return
	}

	qty, err := decimal.NewFromString(msg.Order.Quantity)
	if err != nil {
		return
	}
	price, err := decimal.NewFromString(msg.Order.AvgPrice)
	if err != nil {
		return
	}

	side := types.DirDown // forced longs dump price
	if strings.EqualFold(msg.Order.Side, "BUY") {
		side = types.DirUp
	}

	f.Record(asset, qty.Mul(price), side)
}

// Record adds one liquidation event to the rolling window
func (f *LiquidationFeed) Record(asset string, usd decimal.Decimal, side types.Direction) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	ring := append(f.events[asset], liqEvent{usd: usd, side: side, at: now})

	// Drop everything outside the window
	cutoff := now.Add(-liqWindow)
	for len(ring) > 0 && ring[0].at.Before(cutoff) {
		ring = ring[1:]
	}
	f.events[asset] = ring
}

// Cascade grades the last minute of forced orders for an asset
func (f *LiquidationFeed) Cascade(asset string) (types.LiquidationLevel, types.Direction) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cutoff := f.now().Add(-liqWindow)
	up, down := decimal.Zero, decimal.Zero
	for _, e := range f.events[asset] {
		if e.at.Before(cutoff) {
			continue
		}
		if e.side == types.DirUp {
			up = up.Add(e.usd)
		} else {
			down = down.Add(e.usd)
		}
	}

	total := up.Add(down)
	var level types.LiquidationLevel
	switch {
	case total.GreaterThanOrEqual(liqExtremeUSD):
		level = types.LiqExtreme
	case total.GreaterThanOrEqual(liqStrongUSD):
		level = types.LiqStrong
	case total.GreaterThanOrEqual(liqModerateUSD):
		level = types.LiqModerate
	default:
		return types.LiqNone, types.DirNone
	}

	dir := types.DirDown
	if up.GreaterThan(down) {
		dir = types.DirUp
	}
	return level, dir
}

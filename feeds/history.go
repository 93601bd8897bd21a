package feeds

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HISTORY - Sampled price and odds rings per asset
// ═══════════════════════════════════════════════════════════════════════════════
//
// The decision loop samples one spot price per cycle (30s) and the quoted
// odds whenever a window is seen. With 50 price samples the ring covers
// roughly 25 minutes, enough for RSI(14), the 5-minute momentum read and
// the longer confirmation look-back.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	priceHistorySize = 50
	oddsHistorySize  = 100
)

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

type oddsPoint struct {
	up decimal.Decimal
	at time.Time
}

// History holds per-asset sampled prices and odds
type History struct {
	mu     sync.RWMutex
	prices map[string][]pricePoint
	odds   map[string][]oddsPoint
	now    func() time.Time
}

// NewHistory creates empty rings
func NewHistory() *History {
	return &History{
		prices: make(map[string][]pricePoint),
		odds:   make(map[string][]oddsPoint),
		now:    time.Now,
	}
}

// AddPrice appends a sampled spot price
func (h *History) AddPrice(asset string, price decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := append(h.prices[asset], pricePoint{price: price, at: h.now()})
	if len(ring) > priceHistorySize {
		ring = ring[1:]
	}
	h.prices[asset] = ring
}

// AddOdds appends a sampled UP odds quote
func (h *History) AddOdds(asset string, up decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring := append(h.odds[asset], oddsPoint{up: up, at: h.now()})
	if len(ring) > oddsHistorySize {
		ring = ring[1:]
	}
	h.odds[asset] = ring
}

// Prices returns the sampled prices, oldest first
func (h *History) Prices(asset string) []decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring := h.prices[asset]
	out := make([]decimal.Decimal, len(ring))
	for i, p := range ring {
		out[i] = p.price
	}
	return out
}

// PriceAt returns the sample closest to (but not after) a moment
func (h *History) PriceAt(asset string, at time.Time) (decimal.Decimal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring := h.prices[asset]
	for i := len(ring) - 1; i >= 0; i-- {
		if !ring[i].at.After(at) {
			return ring[i].price, true
		}
	}
	return decimal.Zero, false
}

// ChangeOver returns the fractional price change over the last n samples
func (h *History) ChangeOver(asset string, n int) (decimal.Decimal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring := h.prices[asset]
	if len(ring) < 2 {
		return decimal.Zero, false
	}
	i := len(ring) - 1 - n
	if i < 0 {
		i = 0
	}
	base := ring[i].price
	if base.IsZero() {
		return decimal.Zero, false
	}
	return ring[len(ring)-1].price.Sub(base).Div(base), true
}

// LastSampleAge returns the age of the newest price sample
func (h *History) LastSampleAge(asset string) (time.Duration, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring := h.prices[asset]
	if len(ring) == 0 {
		return 0, false
	}
	return h.now().Sub(ring[len(ring)-1].at), true
}

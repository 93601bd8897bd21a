package feeds

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyedge/poly15m/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DEPTH FEED - Coinbase level2 order book for BTC-USD
// ═══════════════════════════════════════════════════════════════════════════════
//
// Maintains the top of the BTC-USD book and derives three microstructure
// reads used by the synthesizer:
//   - Imbalance: top-10 bid dollars vs ask dollars
//   - LargeSweep: a single resting level worth > $500k
//   - MMPull: a side's depth dropping >50% within ~2 seconds
//
// Depth is sampled every 1.5s into a short ring so the pull detector can
// compare against the recent past without replaying the raw feed.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	depthProduct     = "BTC-USD"
	depthReconnect   = 5 * time.Second
	depthDialRetry   = 10 * time.Second
	depthMaxLevels   = 50
	depthPruneAt     = 60
	depthTopLevels   = 10
	depthSampleEvery = 1500 * time.Millisecond
	depthHistorySize = 10
	depthStaleAfter  = 60 * time.Second
)

var (
	largeSweepUSD      = decimal.NewFromInt(500_000)
	imbalanceUpLevel   = decimal.NewFromFloat(3.0)
	imbalanceDownLevel = decimal.NewFromFloat(0.33)
	pullDropFraction   = decimal.NewFromFloat(0.5)
)

// PriceLevel is a single resting level
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// depthSample is one point of the depth ring
type depthSample struct {
	bidUSD decimal.Decimal
	askUSD decimal.Decimal
	at     time.Time
}

// DepthFeed maintains the BTC-USD level2 book
type DepthFeed struct {
	mu        sync.RWMutex
	running   bool
	connected bool
	stopCh    chan struct{}
	conn      *websocket.Conn

	bids map[string]PriceLevel // price string -> level
	asks map[string]PriceLevel

	samples    []depthSample
	lastUpdate time.Time
	now        func() time.Time
}

// NewDepthFeed creates the feed
func NewDepthFeed() *DepthFeed {
	return &DepthFeed{
		stopCh: make(chan struct{}),
		bids:   make(map[string]PriceLevel),
		asks:   make(map[string]PriceLevel),
		now:    time.Now,
	}
}

// Start connects and begins sampling
func (f *DepthFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	go f.sampleLoop()
	log.Info().Str("product", depthProduct).Msg("📚 Depth feed started")
}

// Stop closes the connection
func (f *DepthFeed) Stop() {
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
	log.Info().Msg("Depth feed stopped")
}

// connectionLoop maintains the WebSocket connection
func (f *DepthFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Depth feed dial failed, retrying...")
			time.Sleep(depthDialRetry)
			continue
		}

		f.readLoop()
		time.Sleep(depthReconnect)
	}
}

// connect dials and subscribes level2_batch
func (f *DepthFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(coinbaseWSURL, nil)
	if err != nil {
		return err
	}

	sub := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": []string{depthProduct},
		"channels":    []string{"level2_batch"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	log.Info().Msg("🔌 Depth WebSocket connected")
	return nil
}

// readLoop reads messages until the connection drops
func (f *DepthFeed) readLoop() {
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
			log.Warn().Err(err).Msg("Depth feed read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

// depthMsg covers both snapshot and l2update events
type depthMsg struct {
	Type    string     `json:"type"`
	Bids    [][]string `json:"bids"`    // snapshot
	Asks    [][]string `json:"asks"`    // snapshot
	Changes [][]string `json:"changes"` // l2update: [side, price, size]
}

// processMessage routes book events
func (f *DepthFeed) processMessage(data []byte) {
	var msg depthMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "snapshot":
		f.ApplySnapshot(msg.Bids, msg.Asks)
	case "l2update":
		f.ApplyUpdate(msg.Changes)
	}
}

// ApplySnapshot replaces the book with the top levels of a full snapshot
func (f *DepthFeed) ApplySnapshot(bids, asks [][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bids = topLevels(bids, true)
	f.asks = topLevels(asks, false)
	f.lastUpdate = f.now()
}

// ApplyUpdate patches levels; size zero deletes
func (f *DepthFeed) ApplyUpdate(changes [][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range changes {
		if len(ch) < 3 {
			continue
		}
		side, priceStr, sizeStr := ch[0], ch[1], ch[2]
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(sizeStr)
		if err != nil {
			continue
		}

		book := f.bids
		if side == "sell" {
			book = f.asks
		}

		if size.IsZero() {
			delete(book, priceStr)
		} else {
			book[priceStr] = PriceLevel{Price: price, Size: size}
		}
	}

	// Keep the book bounded
	if len(f.bids) > depthPruneAt {
		f.bids = pruneBook(f.bids, true)
	}
	if len(f.asks) > depthPruneAt {
		f.asks = pruneBook(f.asks, false)
	}

	f.lastUpdate = f.now()
}

// sampleLoop pushes periodic depth samples for the pull detector
func (f *DepthFeed) sampleLoop() {
	ticker := time.NewTicker(depthSampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.TakeSample()
		}
	}
}

// TakeSample records the current top-10 depth into the ring
func (f *DepthFeed) TakeSample() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.bids) == 0 && len(f.asks) == 0 {
		return
	}

	sample := depthSample{
		bidUSD: sideDollars(sortedLevels(f.bids, true), depthTopLevels),
		askUSD: sideDollars(sortedLevels(f.asks, false), depthTopLevels),
		at:     f.now(),
	}

	f.samples = append(f.samples, sample)
	if len(f.samples) > depthHistorySize {
		f.samples = f.samples[1:]
	}
}

// Signal derives the current microstructure read
func (f *DepthFeed) Signal() types.DepthSignal {
	f.mu.RLock()
	defer f.mu.RUnlock()

	now := f.now()
	sig := types.DepthSignal{At: now}

	if f.lastUpdate.IsZero() || now.Sub(f.lastUpdate) > depthStaleAfter {
		sig.Stale = true
		return sig
	}

	bids := sortedLevels(f.bids, true)
	asks := sortedLevels(f.asks, false)

	bidUSD := sideDollars(bids, depthTopLevels)
	askUSD := sideDollars(asks, depthTopLevels)
	if askUSD.IsZero() || bidUSD.IsZero() {
		sig.Stale = true
		return sig
	}

	sig.Imbalance = bidUSD.Div(askUSD)
	switch {
	case sig.Imbalance.GreaterThan(imbalanceUpLevel):
		sig.Pressure = types.DirUp
	case sig.Imbalance.LessThan(imbalanceDownLevel):
		sig.Pressure = types.DirDown
	}

	// A single resting wall on the bid side reads bullish, on the ask bearish
	if levelOver(bids, largeSweepUSD) {
		sig.LargeSweep = true
		sig.SweepSide = types.DirUp
	} else if levelOver(asks, largeSweepUSD) {
		sig.LargeSweep = true
		sig.SweepSide = types.DirDown
	}

	// Bid depth vanishing reads bearish, ask depth vanishing bullish
	if ref, ok := f.sampleBetween(now.Add(-3*time.Second), now.Add(-depthSampleEvery)); ok {
		if !ref.bidUSD.IsZero() && bidUSD.LessThan(ref.bidUSD.Mul(pullDropFraction)) {
			sig.MMPull = true
			sig.PullSide = types.DirDown
		} else if !ref.askUSD.IsZero() && askUSD.LessThan(ref.askUSD.Mul(pullDropFraction)) {
			sig.MMPull = true
			sig.PullSide = types.DirUp
		}
	}

	return sig
}

// sampleBetween finds the newest sample inside [oldest, newest]
func (f *DepthFeed) sampleBetween(oldest, newest time.Time) (depthSample, bool) {
	for i := len(f.samples) - 1; i >= 0; i-- {
		s := f.samples[i]
		if s.at.After(oldest) && s.at.Before(newest) {
			return s, true
		}
	}
	return depthSample{}, false
}

// Helpers

// topLevels parses raw [price, size] pairs keeping the best N
func topLevels(raw [][]string, descending bool) map[string]PriceLevel {
	levels := make([]PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(pair[1])
		if err != nil || size.LessThanOrEqual(decimal.Zero) {
			continue
		}
		levels = append(levels, PriceLevel{Price: price, Size: size})
	}

	sortLevels(levels, descending)
	if len(levels) > depthMaxLevels {
		levels = levels[:depthMaxLevels]
	}

	book := make(map[string]PriceLevel, len(levels))
	for _, l := range levels {
		book[l.Price.String()] = l
	}
	return book
}

// pruneBook trims a grown book back to the best levels
func pruneBook(book map[string]PriceLevel, descending bool) map[string]PriceLevel {
	levels := make([]PriceLevel, 0, len(book))
	for _, l := range book {
		levels = append(levels, l)
	}
	sortLevels(levels, descending)
	if len(levels) > depthMaxLevels {
		levels = levels[:depthMaxLevels]
	}

	pruned := make(map[string]PriceLevel, len(levels))
	for _, l := range levels {
		pruned[l.Price.String()] = l
	}
	return pruned
}

// sortedLevels returns book levels best-first
func sortedLevels(book map[string]PriceLevel, descending bool) []PriceLevel {
	levels := make([]PriceLevel, 0, len(book))
	for _, l := range book {
		levels = append(levels, l)
	}
	sortLevels(levels, descending)
	return levels
}

func sortLevels(levels []PriceLevel, descending bool) {
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
}

// sideDollars sums price*size over the top N levels
func sideDollars(levels []PriceLevel, n int) decimal.Decimal {
	total := decimal.Zero
	for i := 0; i < n && i < len(levels); i++ {
		total = total.Add(levels[i].Price.Mul(levels[i].Size))
	}
	return total
}

// levelOver reports whether any level is worth more than the threshold
func levelOver(levels []PriceLevel, threshold decimal.Decimal) bool {
	for _, l := range levels {
		if l.Price.Mul(l.Size).GreaterThan(threshold) {
			return true
		}
	}
	return false
}

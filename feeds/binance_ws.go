package feeds

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE WEBSOCKET FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// Combined trade streams for all traded assets. Every trade updates the
// shared price book and a per-asset session VWAP (reset each UTC hour).
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	binanceWSBase    = "wss://stream.binance.com:9443/stream?streams="
	binanceReconnect = 5 * time.Second
	binanceDialRetry = 10 * time.Second
	binancePingEvery = 30 * time.Second
)

// vwapState accumulates price*qty / qty for one asset
type vwapState struct {
	cumPV decimal.Decimal
	cumV  decimal.Decimal
	hour  int
}

// BinanceWS streams trades into the price book
type BinanceWS struct {
	mu        sync.RWMutex
	running   bool
	connected bool
	stopCh    chan struct{}
	conn      *websocket.Conn

	assets []string
	book   *PriceBook
	vwap   map[string]*vwapState
}

// NewBinanceWS creates the feed for a set of assets
func NewBinanceWS(book *PriceBook, assets []string) *BinanceWS {
	return &BinanceWS{
		stopCh: make(chan struct{}),
		assets: assets,
		book:   book,
		vwap:   make(map[string]*vwapState),
	}
}

// Start connects and begins processing
func (f *BinanceWS) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Strs("assets", f.assets).Msg("📈 Binance feed started")
}

// Stop closes the connection
func (f *BinanceWS) Stop() {
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
	log.Info().Msg("Binance feed stopped")
}

// VWAP returns the current session VWAP for an asset (zero before first trade)
func (f *BinanceWS) VWAP(asset string) decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st, ok := f.vwap[asset]
	if !ok || st.cumV.IsZero() {
		return decimal.Zero
	}
	return st.cumPV.Div(st.cumV)
}

// streamURL builds the combined-stream endpoint
func (f *BinanceWS) streamURL() string {
	streams := make([]string, 0, len(f.assets))
	for _, a := range f.assets {
		streams = append(streams, BinanceSymbol(a)+"@trade")
	}
	return binanceWSBase + strings.Join(streams, "/")
}

// connectionLoop maintains the WebSocket connection
func (f *BinanceWS) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Binance dial failed, retrying...")
			time.Sleep(binanceDialRetry)
			continue
		}

		f.readLoop()
		time.Sleep(binanceReconnect)
	}
}

// connect establishes the WebSocket connection
func (f *BinanceWS) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.streamURL(), nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	log.Info().Msg("🔌 Binance WebSocket connected")

	go f.pingLoop()
	return nil
}

// pingLoop keeps the connection alive
func (f *BinanceWS) pingLoop() {
	ticker := time.NewTicker(binancePingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.mu.RLock()
			conn := f.conn
			connected := f.connected
			f.mu.RUnlock()

			if connected && conn != nil {
				conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

// readLoop reads messages until the connection drops
func (f *BinanceWS) readLoop() {
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
			log.Warn().Err(err).Msg("Binance read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

// binanceTradeMsg is a combined-stream trade event
type binanceTradeMsg struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol   string `json:"s"`
		Price    string `json:"p"`
		Quantity string `json:"q"`
		TradeTs  int64  `json:"T"`
	} `json:"data"`
}

// processMessage handles a trade event
func (f *BinanceWS) processMessage(data []byte) {
	var msg binanceTradeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Data.Symbol == "" {
		return
	}

	asset := strings.TrimSuffix(strings.ToUpper(msg.Data.Symbol), "USDT")
	price, err := decimal.NewFromString(msg.Data.Price)
	if err != nil || price.LessThanOrEqual(decimal.Zero) {
		return
	}
	qty, err := decimal.NewFromString(msg.Data.Quantity)
	if err != nil {
		qty = decimal.Zero
	}

	f.book.Record("binance", asset, price)
	f.updateVWAP(asset, price, qty)
}

// updateVWAP folds a trade into the hourly session VWAP
func (f *BinanceWS) updateVWAP(asset string, price, qty decimal.Decimal) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	hour := time.Now().UTC().Hour()
	st, ok := f.vwap[asset]
	if !ok || st.hour != hour {
		st = &vwapState{hour: hour}
		f.vwap[asset] = st
	}
	st.cumPV = st.cumPV.Add(price.Mul(qty))
	st.cumV = st.cumV.Add(qty)
}

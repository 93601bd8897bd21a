package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COINBASE WEBSOCKET FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// Ticker channel for all traded assets. Acts as the second leg of the spot
// price quorum next to Binance.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	coinbaseWSURL     = "wss://ws-feed.exchange.coinbase.com"
	coinbaseReconnect = 5 * time.Second
	coinbaseDialRetry = 10 * time.Second
	coinbasePingEvery = 30 * time.Second
)

// CoinbaseWS streams ticker prices into the price book
type CoinbaseWS struct {
	mu        sync.RWMutex
	running   bool
	connected bool
	stopCh    chan struct{}
	conn      *websocket.Conn

	assets []string
	book   *PriceBook
}

// NewCoinbaseWS creates the feed for a set of assets
func NewCoinbaseWS(book *PriceBook, assets []string) *CoinbaseWS {
	return &CoinbaseWS{
		stopCh: make(chan struct{}),
		assets: assets,
		book:   book,
	}
}

// Start connects and begins processing
func (f *CoinbaseWS) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Strs("assets", f.assets).Msg("📊 Coinbase feed started")
}

// Stop closes the connection
func (f *CoinbaseWS) Stop() {
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
	log.Info().Msg("Coinbase feed stopped")
}

// connectionLoop maintains the WebSocket connection
func (f *CoinbaseWS) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Coinbase dial failed, retrying...")
			time.Sleep(coinbaseDialRetry)
			continue
		}

		f.readLoop()
		time.Sleep(coinbaseReconnect)
	}
}

// connect dials and subscribes the ticker channel
func (f *CoinbaseWS) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(coinbaseWSURL, nil)
	if err != nil {
		return err
	}

	products := make([]string, 0, len(f.assets))
	for _, a := range f.assets {
		products = append(products, CoinbaseProduct(a))
	}

	sub := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": products,
		"channels":    []string{"ticker"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	log.Info().Msg("🔌 Coinbase WebSocket connected")

	go f.pingLoop()
	return nil
}

// pingLoop keeps the connection alive
func (f *CoinbaseWS) pingLoop() {
	ticker := time.NewTicker(coinbasePingEvery)
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
func (f *CoinbaseWS) readLoop() {
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
			log.Warn().Err(err).Msg("Coinbase read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

// coinbaseTickerMsg is a ticker channel event
type coinbaseTickerMsg struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
}

// processMessage handles a ticker event
func (f *CoinbaseWS) processMessage(data []byte) {
	var msg coinbaseTickerMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Type != "ticker" || msg.Price == "" {
		return
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil || price.LessThanOrEqual(decimal.Zero) {
		return
	}

	f.book.Record("coinbase", AssetFromCoinbaseProduct(msg.ProductID), price)
}

package feeds

import (
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

	"github.com/polyedge/poly15m/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE BOOK - Aggregated spot prices across sources
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two streaming sources (Binance, Coinbase) write into the book; Latest()
// averages whatever is fresh. When both streams are stale a single REST
// fallback to CoinGecko is attempted, rate limited so a flapping network
// cannot hammer the API.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	maxQuoteAge  = 30 * time.Second
	coingeckoURL = "https://api.coingecko.com/api/v3/simple/price"
)

// coingeckoIDs maps assets to CoinGecko identifiers
var coingeckoIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"XRP":  "ripple",
	"DOGE": "dogecoin",
}

// BinanceSymbol returns the Binance stream symbol for an asset
func BinanceSymbol(asset string) string {
	return strings.ToLower(asset) + "usdt"
}

// CoinbaseProduct returns the Coinbase product id for an asset
func CoinbaseProduct(asset string) string {
	return strings.ToUpper(asset) + "-USD"
}

// AssetFromCoinbaseProduct inverts CoinbaseProduct ("BTC-USD" -> "BTC")
func AssetFromCoinbaseProduct(product string) string {
	if i := strings.Index(product, "-"); i > 0 {
		return product[:i]
	}
	return product
}

type sourceQuote struct {
	price decimal.Decimal
	at    time.Time
}

// PriceBook aggregates per-source spot quotes
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]map[string]sourceQuote // source -> asset -> quote

	fallback   *rate.Limiter
	httpClient *http.Client
	now        func() time.Time
}

// NewPriceBook creates an empty book
func NewPriceBook() *PriceBook {
	return &PriceBook{
		quotes: make(map[string]map[string]sourceQuote),
		// One CoinGecko call every 2s across all assets
		fallback:   rate.NewLimiter(rate.Every(2*time.Second), 1),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// Record stores a quote from a streaming source
func (b *PriceBook) Record(source, asset string, price decimal.Decimal) {
	if price.LessThanOrEqual(decimal.Zero) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	byAsset, ok := b.quotes[source]
	if !ok {
		byAsset = make(map[string]sourceQuote)
		b.quotes[source] = byAsset
	}
	byAsset[asset] = sourceQuote{price: price, at: b.now()}
}

// Latest returns the freshest aggregated quote for an asset. Sources older
// than 30s are excluded; with none fresh a single REST fallback is tried.
func (b *PriceBook) Latest(asset string) (types.Quote, error) {
	b.mu.RLock()
	now := b.now()

	var sum decimal.Decimal
	var names []string
	for source, byAsset := range b.quotes {
		q, ok := byAsset[asset]
		if !ok || now.Sub(q.at) > maxQuoteAge {
			continue
		}
		sum = sum.Add(q.price)
		names = append(names, source)
	}
	b.mu.RUnlock()

	switch len(names) {
	case 0:
		return b.fetchFallback(asset)
	case 1:
		return types.Quote{Asset: asset, Price: sum, Source: names[0], Timestamp: now}, nil
	default:
		avg := sum.Div(decimal.NewFromInt(int64(len(names))))
		return types.Quote{
			Asset:     asset,
			Price:     avg,
			Source:    "avg(" + strings.Join(names, ",") + ")",
			Timestamp: now,
		}, nil
	}
}

// fetchFallback performs the one-shot CoinGecko REST lookup
func (b *PriceBook) fetchFallback(asset string) (types.Quote, error) {
	id, ok := coingeckoIDs[asset]
	if !ok {
		return types.Quote{}, fmt.Errorf("no fallback mapping for %s", asset)
	}

	if !b.fallback.Allow() {
		return types.Quote{}, fmt.Errorf("%s: all sources stale, fallback rate limited", asset)
	}

	url := fmt.Sprintf("%s?ids=%s&vs_currencies=usd", coingeckoURL, id)
	resp, err := b.httpClient.Get(url)
	if err != nil {
		return types.Quote{}, fmt.Errorf("coingecko fallback: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Quote{}, fmt.Errorf("coingecko fallback: %w", err)
	}
	if resp.StatusCode >= 400 {
		return types.Quote{}, fmt.Errorf("coingecko fallback: HTTP %d", resp.StatusCode)
	}

	var result map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return types.Quote{}, fmt.Errorf("coingecko fallback: %w", err)
	}

	entry, ok := result[id]
	if !ok || entry.USD.LessThanOrEqual(decimal.Zero) {
		return types.Quote{}, fmt.Errorf("coingecko fallback: no price for %s", asset)
	}

	log.Warn().Str("asset", asset).Str("price", entry.USD.String()).
		Msg("⚠️ Streaming sources stale, used REST fallback")

	return types.Quote{
		Asset:     asset,
		Price:     entry.USD,
		Source:    "coingecko",
		Timestamp: b.now(),
	}, nil
}

// SourceAge returns how old a source's quote is (false when never seen)
func (b *PriceBook) SourceAge(source, asset string) (time.Duration, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byAsset, ok := b.quotes[source]
	if !ok {
		return 0, false
	}
	q, ok := byAsset[asset]
	if !ok {
		return 0, false
	}
	return b.now().Sub(q.at), true
}

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
)

// ═══════════════════════════════════════════════════════════════════════════════
// FUNDING RATES - Perp funding as a crowding read
// ═══════════════════════════════════════════════════════════════════════════════

const (
	fundingURL      = "https://fapi.binance.com/fapi/v1/premiumIndex"
	fundingCacheTTL = 5 * time.Minute
)

type fundingEntry struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// FundingRates fetches and caches perp funding per asset
type FundingRates struct {
	mu         sync.Mutex
	cache      map[string]fundingEntry
	httpClient *http.Client
	now        func() time.Time
}

// NewFundingRates creates the cache
func NewFundingRates() *FundingRates {
	return &FundingRates{
		cache:      make(map[string]fundingEntry),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// Rate returns the last funding rate for an asset, cached for 5 minutes.
// Zero with an error means the caller should skip the funding term.
func (f *FundingRates) Rate(asset string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if entry, ok := f.cache[asset]; ok && f.now().Sub(entry.fetchedAt) < fundingCacheTTL {
		return entry.rate, nil
	}

	rate, err := f.fetch(asset)
	if err != nil {
		return decimal.Zero, err
	}

	f.cache[asset] = fundingEntry{rate: rate, fetchedAt: f.now()}
	return rate, nil
}

func (f *FundingRates) fetch(asset string) (decimal.Decimal, error) {
	symbol := strings.ToUpper(asset) + "USDT"
	resp, err := f.httpClient.Get(fmt.Sprintf("%s?symbol=%s", fundingURL, symbol))
	if err != nil {
		return decimal.Zero, fmt.Errorf("funding fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("funding fetch: %w", err)
	}
	if resp.StatusCode >= 400 {
		return decimal.Zero, fmt.Errorf("funding fetch: HTTP %d", resp.StatusCode)
	}

	var result struct {
		LastFundingRate string `json:"lastFundingRate"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, fmt.Errorf("funding parse: %w", err)
	}

	rate, err := decimal.NewFromString(result.LastFundingRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("funding parse: %w", err)
	}

	log.Debug().Str("asset", asset).Str("rate", rate.String()).Msg("Funding rate refreshed")
	return rate, nil
}

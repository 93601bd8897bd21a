package markets

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyedge/poly15m/feeds"
	"github.com/polyedge/poly15m/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WINDOW SCANNER - Tracks active 5-15 minute crypto up/down windows
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls the Gamma API for open up/down markets, parses the window start
// from the slug epoch and the duration from the slug text, and caches the
// spot price seen when a window first appears (the arb reference).
//
// ═══════════════════════════════════════════════════════════════════════════════

const scanInterval = 10 * time.Second

var (
	updownRe   = regexp.MustCompile(`(?i)up.?or.?down|updown`)
	epochRe    = regexp.MustCompile(`(\d{10})$`)
	durationRe = regexp.MustCompile(`(?i)(\d+)[-_ ]?m(?:in(?:ute)?s?)?\b`)
)

// assetSlugHints maps slug fragments to assets
var assetSlugHints = map[string]string{
	"bitcoin":  "BTC",
	"btc":      "BTC",
	"ethereum": "ETH",
	"eth":      "ETH",
	"solana":   "SOL",
	"sol":      "SOL",
	"xrp":      "XRP",
	"ripple":   "XRP",
	"doge":     "DOGE",
	"dogecoin": "DOGE",
}

// Scanner discovers and tracks active windows
type Scanner struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}

	apiURL string
	assets map[string]bool
	book   *feeds.PriceBook

	windows map[string]*types.Window // by slug

	httpClient *http.Client
}

// NewScanner creates a scanner for the given assets
func NewScanner(apiURL string, assets []string, book *feeds.PriceBook) *Scanner {
	set := make(map[string]bool, len(assets))
	for _, a := range assets {
		set[a] = true
	}
	return &Scanner{
		stopCh:     make(chan struct{}),
		apiURL:     apiURL,
		assets:     set,
		book:       book,
		windows:    make(map[string]*types.Window),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Start begins scanning
func (s *Scanner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.scanLoop()
	log.Info().Msg("🔍 Window scanner started")
}

// Stop stops the scanner
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	log.Info().Msg("Window scanner stopped")
}

// ActiveWindows returns all non-expired windows
func (s *Scanner) ActiveWindows() []*types.Window {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*types.Window
	for _, w := range s.windows {
		if !w.IsExpired() {
			result = append(result, w)
		}
	}
	return result
}

// Window returns a tracked window by slug
func (s *Scanner) Window(slug string) *types.Window {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.windows[slug]
}

// scanLoop periodically refreshes windows
func (s *Scanner) scanLoop() {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	s.fetchWindows()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.fetchWindows()
			s.cleanupExpired()
		}
	}
}

// gammaMarket is the Gamma API market shape we care about
type gammaMarket struct {
	ID            string    `json:"id"`
	ConditionID   string    `json:"conditionId"`
	Question      string    `json:"question"`
	Slug          string    `json:"slug"`
	EndDate       time.Time `json:"endDate"`
	Outcomes      string    `json:"outcomes"`      // JSON string ["Up","Down"]
	OutcomePrices string    `json:"outcomePrices"` // JSON string ["0.55","0.45"]
	ClobTokenIDs  string    `json:"clobTokenIds"`  // JSON string [upToken, downToken]
}

// fetchWindows pulls open markets and keeps the up/down windows
func (s *Scanner) fetchWindows() {
	url := fmt.Sprintf("%s/markets?active=true&closed=false&limit=300", s.apiURL)

	resp, err := s.httpClient.Get(url)
	if err != nil {
		log.Debug().Err(err).Msg("Window fetch failed")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}

	var markets []gammaMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		log.Debug().Err(err).Msg("Window parse failed")
		return
	}

	for _, m := range markets {
		w, ok := s.parseWindow(m)
		if !ok {
			continue
		}
		s.updateWindow(w)
	}
}

// parseWindow validates and converts one Gamma market
func (s *Scanner) parseWindow(m gammaMarket) (*types.Window, bool) {
	slug := strings.ToLower(m.Slug)
	if !updownRe.MatchString(slug) {
		return nil, false
	}

	asset := DetectAsset(slug)
	if asset == "" || !s.assets[asset] {
		return nil, false
	}

	duration, ok := ParseDuration(slug)
	if !ok || duration < 5*time.Minute || duration > 15*time.Minute {
		return nil, false
	}

	start, ok := ParseStart(slug)
	if !ok {
		// Fall back to end date minus duration
		if m.EndDate.IsZero() {
			return nil, false
		}
		start = m.EndDate.Add(-duration)
	}

	end := m.EndDate
	if end.IsZero() {
		end = start.Add(duration)
	}
	if time.Now().After(end) {
		return nil, false
	}

	upPrice, downPrice, ok := parsePrices(m.OutcomePrices, m.Outcomes)
	if !ok {
		return nil, false
	}

	upToken, downToken, ok := parseTokens(m.ClobTokenIDs, m.Outcomes)
	if !ok {
		return nil, false
	}

	return &types.Window{
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		Asset:       asset,
		Question:    m.Question,
		StartTime:   start,
		EndTime:     end,
		Duration:    duration,
		UpTokenID:   upToken,
		DownTokenID: downToken,
		UpPrice:     upPrice,
		DownPrice:   downPrice,
		PriceToBeat: extractPrice(m.Question),
		LastUpdated: time.Now(),
	}, true
}

// updateWindow adds a new window or refreshes odds on a known one
func (s *Scanner) updateWindow(w *types.Window) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.windows[w.Slug]
	if !exists {
		// Cache our spot view at first sight; this anchors the arb term
		if q, err := s.book.Latest(w.Asset); err == nil {
			w.SpotAtOpen = q.Price
		}
		s.windows[w.Slug] = w
		log.Info().
			Str("asset", w.Asset).
			Str("slug", w.Slug).
			Dur("remaining", w.TimeRemaining()).
			Msg("🎯 New window detected")
		return
	}

	existing.UpPrice = w.UpPrice
	existing.DownPrice = w.DownPrice
	existing.LastUpdated = time.Now()
}

// cleanupExpired removes windows past their end time
func (s *Scanner) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for slug, w := range s.windows {
		if w.IsExpired() {
			delete(s.windows, slug)
			log.Debug().Str("slug", slug).Msg("Window expired, removed")
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SLUG PARSING
// ═══════════════════════════════════════════════════════════════════════════════

// UpdownSlug returns the pattern identifying up/down market slugs
func UpdownSlug() *regexp.Regexp {
	return updownRe
}

// DetectAsset maps a slug to its asset symbol
func DetectAsset(slug string) string {
	for hint, asset := range assetSlugHints {
		if strings.Contains(slug, hint) {
			return asset
		}
	}
	return ""
}

// ParseDuration extracts the window length from the slug text
func ParseDuration(slug string) (time.Duration, bool) {
	m := durationRe.FindStringSubmatch(slug)
	if m == nil {
		return 0, false
	}
	mins, err := strconv.Atoi(m[1])
	if err != nil || mins <= 0 {
		return 0, false
	}
	return time.Duration(mins) * time.Minute, true
}

// ParseStart extracts the window start from the trailing slug epoch
func ParseStart(slug string) (time.Time, bool) {
	m := epochRe.FindStringSubmatch(slug)
	if m == nil {
		return time.Time{}, false
	}
	epoch, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(epoch, 0).UTC(), true
}

// parsePrices maps outcome prices to (up, down)
func parsePrices(pricesJSON, outcomesJSON string) (decimal.Decimal, decimal.Decimal, bool) {
	var prices []string
	if err := json.Unmarshal([]byte(pricesJSON), &prices); err != nil || len(prices) < 2 {
		return decimal.Zero, decimal.Zero, false
	}

	first, err := decimal.NewFromString(prices[0])
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	second, err := decimal.NewFromString(prices[1])
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}

	if upFirst(outcomesJSON) {
		return first, second, true
	}
	return second, first, true
}

// parseTokens maps CLOB token ids to (up, down)
func parseTokens(tokensJSON, outcomesJSON string) (string, string, bool) {
	var tokens []string
	if err := json.Unmarshal([]byte(tokensJSON), &tokens); err != nil || len(tokens) < 2 {
		return "", "", false
	}
	if upFirst(outcomesJSON) {
		return tokens[0], tokens[1], true
	}
	return tokens[1], tokens[0], true
}

// upFirst reports whether the first listed outcome is the UP side
func upFirst(outcomesJSON string) bool {
	var outcomes []string
	if err := json.Unmarshal([]byte(outcomesJSON), &outcomes); err != nil || len(outcomes) < 1 {
		return true
	}
	return strings.EqualFold(outcomes[0], "Up") || strings.EqualFold(outcomes[0], "Yes")
}

// extractPrice parses "BTC above $105,000" -> 105000
func extractPrice(question string) decimal.Decimal {
	parts := strings.Split(question, "$")
	if len(parts) < 2 {
		return decimal.Zero
	}

	var priceStr strings.Builder
	for _, c := range parts[1] {
		if c >= '0' && c <= '9' || c == '.' {
			priceStr.WriteRune(c)
		} else if c == ',' {
			continue
		} else {
			break
		}
	}

	price, err := decimal.NewFromString(priceStr.String())
	if err != nil {
		return decimal.Zero
	}
	return price
}

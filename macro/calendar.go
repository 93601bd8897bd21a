package macro

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyedge/poly15m/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MACRO CALENDAR - USD economic events around short crypto windows
// ═══════════════════════════════════════════════════════════════════════════════
//
// The weekly calendar is fetched from the ForexFactory mirror and cached to
// disk so restarts inside the same refresh period do not refetch. Two reads
// feed the engine:
//   - AvoidTrading: a relevant release is <15 minutes out, stand aside
//   - Bias: a release <30 minutes old with a real surprise gives direction
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	calendarURL     = "https://nfs.faireconomy.media/ff_calendar_thisweek.json"
	refreshInterval = 6 * time.Hour
	avoidBefore     = 15 * time.Minute
	biasWindow      = 30 * time.Minute
)

var relevantKeywords = []string{
	"CPI", "PPI", "NFP", "Non-Farm", "FOMC", "Fed", "Interest Rate", "GDP",
	"Retail Sales", "Unemployment", "PCE", "Core PCE", "Consumer Confidence",
	"ISM", "PMI", "Jobless Claims", "Treasury", "Inflation", "Powell",
}

// eventBias maps a keyword to how a hotter-than-forecast print reads for
// crypto, and how long the volatility usually lasts.
type eventBias struct {
	keyword    string
	hotDir     types.Direction
	volatility time.Duration
}

var biasTable = []eventBias{
	// Hot inflation reads hawkish
	{"Core PCE", types.DirDown, 45 * time.Minute},
	{"PCE", types.DirDown, 45 * time.Minute},
	{"CPI", types.DirDown, 60 * time.Minute},
	{"PPI", types.DirDown, 30 * time.Minute},
	{"Inflation", types.DirDown, 45 * time.Minute},
	// Hot rates read hawkish
	{"Interest Rate", types.DirDown, 90 * time.Minute},
	{"FOMC", types.DirDown, 90 * time.Minute},
	{"Powell", types.DirDown, 60 * time.Minute},
	{"Fed", types.DirDown, 60 * time.Minute},
	// Hot labor reads hawkish (fewer cuts)
	{"Non-Farm", types.DirDown, 60 * time.Minute},
	{"NFP", types.DirDown, 60 * time.Minute},
	// More claims or higher unemployment reads dovish
	{"Jobless Claims", types.DirUp, 30 * time.Minute},
	{"Unemployment", types.DirUp, 45 * time.Minute},
	// Hot growth reads risk-on
	{"GDP", types.DirUp, 45 * time.Minute},
	{"Retail Sales", types.DirUp, 30 * time.Minute},
	{"Consumer Confidence", types.DirUp, 30 * time.Minute},
	{"ISM", types.DirUp, 30 * time.Minute},
	{"PMI", types.DirUp, 30 * time.Minute},
	{"Treasury", types.DirDown, 30 * time.Minute},
}

// Event is one calendar entry
type Event struct {
	Title    string `json:"title"`
	Country  string `json:"country"`
	Impact   string `json:"impact"`
	Date     string `json:"date"` // RFC3339 with offset
	Forecast string `json:"forecast"`
	Actual   string `json:"actual"`
	Previous string `json:"previous"`

	at time.Time
}

// Calendar fetches and serves the weekly event list
type Calendar struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}

	cachePath  string
	events     []Event
	fetchedAt  time.Time
	httpClient *http.Client
	now        func() time.Time
}

// NewCalendar creates the calendar with a disk cache location
func NewCalendar(cachePath string) *Calendar {
	return &Calendar{
		stopCh:     make(chan struct{}),
		cachePath:  cachePath,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		now:        time.Now,
	}
}

// Start loads the cache and begins the refresh loop
func (c *Calendar) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.loadCache()
	go c.refreshLoop()
	log.Info().Msg("📅 Macro calendar started")
}

// Stop stops the refresh loop
func (c *Calendar) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
}

// SetEvents injects events directly (tests)
func (c *Calendar) SetEvents(events []Event) {
	for i := range events {
		events[i].at = parseEventTime(events[i].Date)
	}
	c.mu.Lock()
	c.events = events
	c.fetchedAt = c.now()
	c.mu.Unlock()
}

func (c *Calendar) refreshLoop() {
	if c.stale() {
		c.refresh()
	}

	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.stale() {
				c.refresh()
			}
		}
	}
}

func (c *Calendar) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Sub(c.fetchedAt) > refreshInterval
}

// refresh fetches the weekly file and rewrites the disk cache
func (c *Calendar) refresh() {
	resp, err := c.httpClient.Get(calendarURL)
	if err != nil {
		log.Warn().Err(err).Msg("Calendar fetch failed")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode >= 400 {
		log.Warn().Int("status", resp.StatusCode).Msg("Calendar fetch failed")
		return
	}

	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		log.Warn().Err(err).Msg("Calendar parse failed")
		return
	}

	for i := range events {
		events[i].at = parseEventTime(events[i].Date)
	}

	c.mu.Lock()
	c.events = events
	c.fetchedAt = c.now()
	c.mu.Unlock()

	if c.cachePath != "" {
		if err := os.WriteFile(c.cachePath, body, 0o644); err != nil {
			log.Debug().Err(err).Msg("Calendar cache write failed")
		}
	}

	log.Info().Int("events", len(events)).Msg("📅 Macro calendar refreshed")
}

// loadCache restores the last fetched file from disk
func (c *Calendar) loadCache() {
	if c.cachePath == "" {
		return
	}
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return
	}

	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return
	}
	for i := range events {
		events[i].at = parseEventTime(events[i].Date)
	}

	info, _ := os.Stat(c.cachePath)

	c.mu.Lock()
	c.events = events
	if info != nil {
		c.fetchedAt = info.ModTime()
	}
	c.mu.Unlock()
}

// relevant filters for high-impact USD events matching the keyword list
func relevant(e Event) bool {
	if !strings.EqualFold(e.Impact, "High") {
		return false
	}
	if !strings.EqualFold(e.Country, "USD") && !strings.EqualFold(e.Country, "ALL") {
		return false
	}
	title := strings.ToLower(e.Title)
	for _, kw := range relevantKeywords {
		if strings.Contains(title, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// AvoidTrading reports whether a relevant release is imminent
func (c *Calendar) AvoidTrading() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	for _, e := range c.events {
		if !relevant(e) || e.at.IsZero() {
			continue
		}
		until := e.at.Sub(now)
		if until > 0 && until <= avoidBefore {
			return true, fmt.Sprintf("%s in %s", e.Title, until.Round(time.Minute))
		}
	}
	return false, ""
}

// Bias returns the directional read from a release inside the bias window.
// Requires an actual-vs-forecast surprise greater than 5%.
func (c *Calendar) Bias() (*types.MacroBias, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	for _, e := range c.events {
		if !relevant(e) || e.at.IsZero() {
			continue
		}
		age := now.Sub(e.at)
		if age < 0 || age > biasWindow {
			continue
		}

		actual, ok1 := parseNumber(e.Actual)
		forecast, ok2 := parseNumber(e.Forecast)
		if !ok1 || !ok2 || forecast.IsZero() {
			continue
		}

		surprise := actual.Sub(forecast).Div(forecast.Abs()).Abs()
		if surprise.LessThanOrEqual(decimal.NewFromFloat(0.05)) {
			continue
		}

		bias, ok := lookupBias(e.Title)
		if !ok {
			continue
		}

		dir := bias.hotDir
		if actual.LessThan(forecast) {
			dir = dir.Opposite()
		}

		return &types.MacroBias{
			Event:       e.Title,
			Direction:   dir,
			Confidence:  surpriseConfidence(surprise),
			ReleasedAt:  e.at,
			VolatileFor: bias.volatility,
		}, true
	}
	return nil, false
}

// lookupBias finds the first matching bias table row
func lookupBias(title string) (eventBias, bool) {
	lower := strings.ToLower(title)
	for _, b := range biasTable {
		if strings.Contains(lower, strings.ToLower(b.keyword)) {
			return b, true
		}
	}
	return eventBias{}, false
}

// surpriseConfidence grades the surprise magnitude
func surpriseConfidence(surprise decimal.Decimal) decimal.Decimal {
	switch {
	case surprise.GreaterThanOrEqual(decimal.NewFromFloat(0.20)):
		return decimal.NewFromFloat(0.85)
	case surprise.GreaterThanOrEqual(decimal.NewFromFloat(0.10)):
		return decimal.NewFromFloat(0.75)
	default:
		return decimal.NewFromFloat(0.65)
	}
}

// parseEventTime handles the calendar's RFC3339 timestamps
func parseEventTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05-07:00", s); err == nil {
		return t
	}
	return time.Time{}
}

// parseNumber reads calendar figures like "3.2%", "254K", "-0.5%"
func parseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}

	mult := decimal.NewFromInt(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult = decimal.NewFromInt(1_000)
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult = decimal.NewFromInt(1_000_000)
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "B"):
		mult = decimal.NewFromInt(1_000_000_000)
		s = strings.TrimSuffix(s, "B")
	}
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(v).Mul(mult), true
}

package config

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADING SNAPSHOT - Hot-reloadable thresholds
// ═══════════════════════════════════════════════════════════════════════════════
//
// Thresholds live in trading-config.json so they can be tuned without a
// restart. The watcher swaps a complete immutable Snapshot; the decision
// loop reads it once per cycle and never touches the file itself.
//
// ═══════════════════════════════════════════════════════════════════════════════

const snapshotPollInterval = 10 * time.Second

// Mode controls whether orders reach the venue
type Mode string

const (
	ModePaper    Mode = "paper"
	ModeReal     Mode = "real"
	ModeDisabled Mode = "disabled"
)

// Snapshot is one immutable view of the trading configuration
type Snapshot struct {
	// Floors applied to every path
	MinEdge       decimal.Decimal `json:"minEdge"`
	MinMarketOdds decimal.Decimal `json:"minMarketOdds"`

	// Path enables
	ArbEnabled   bool `json:"arbEnabled"`
	NewsEnabled  bool `json:"newsEnabled"`
	WhaleEnabled bool `json:"whaleEnabled"`
	MacroEnabled bool `json:"macroEnabled"`

	// Arb path
	ArbMinDiscrepancy decimal.Decimal `json:"arbMinDiscrepancy"`
	ArbMinConfidence  decimal.Decimal `json:"arbMinConfidence"`

	// Breaking-news path
	NewsMinConfidence   decimal.Decimal `json:"newsMinConfidence"`
	NewsCooldownMin     int             `json:"newsCooldownMinutes"`
	NewsMaxPerHour      int             `json:"newsMaxPerHour"`
	NewsPriceConfirmPct decimal.Decimal `json:"newsPriceConfirmPct"`

	// Confidence tiers
	Tier1Confidence decimal.Decimal `json:"tier1Confidence"`
	Tier1Categories int             `json:"tier1Categories"`
	Tier2Confidence decimal.Decimal `json:"tier2Confidence"`
	Tier2Categories int             `json:"tier2Categories"`
	Tier3Confidence decimal.Decimal `json:"tier3Confidence"`
	Tier3Categories int             `json:"tier3Categories"`

	// Whale path
	WhaleMinImbalance decimal.Decimal `json:"whaleMinImbalance"`

	// Weighted edge bonus per asset
	AssetWeights map[string]decimal.Decimal `json:"assetWeights"`

	// Stakes and daily limits (USDC)
	BaseStake              decimal.Decimal `json:"baseStake"`
	MaxStakePerTrade       decimal.Decimal `json:"maxStakePerTrade"`
	MaxDailyLoss           decimal.Decimal `json:"maxDailyLoss"`
	MaxDailyTrades         int             `json:"maxDailyTrades"`
	MaxConcurrentPositions int             `json:"maxConcurrentPositions"`

	// Execution
	UseMakerOrders   bool            `json:"useMakerOrders"`
	MakerTimeoutSec  int             `json:"makerTimeoutSeconds"`
	FillPollSec      int             `json:"fillPollSeconds"`
	SlippageCapPts   decimal.Decimal `json:"slippageCapPts"`
	MidpointFloor    decimal.Decimal `json:"midpointFloor"`
	MaxDivergencePts decimal.Decimal `json:"maxDivergencePts"`
	TakerRetries     int             `json:"takerRetries"`
}

// DefaultSnapshot returns the baked-in thresholds used when the file is absent
func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		MinEdge:       decimal.NewFromFloat(0.03),
		MinMarketOdds: decimal.NewFromFloat(0.40),

		ArbEnabled:   true,
		NewsEnabled:  true,
		WhaleEnabled: true,
		MacroEnabled: true,

		ArbMinDiscrepancy: decimal.NewFromFloat(0.02),
		ArbMinConfidence:  decimal.NewFromFloat(0.45),

		NewsMinConfidence:   decimal.NewFromFloat(0.60),
		NewsCooldownMin:     15,
		NewsMaxPerHour:      3,
		NewsPriceConfirmPct: decimal.NewFromFloat(0.002),

		Tier1Confidence: decimal.NewFromFloat(0.55),
		Tier1Categories: 3,
		Tier2Confidence: decimal.NewFromFloat(0.70),
		Tier2Categories: 2,
		Tier3Confidence: decimal.NewFromFloat(0.75),
		Tier3Categories: 1,

		WhaleMinImbalance: decimal.NewFromFloat(0.15),

		AssetWeights: map[string]decimal.Decimal{},

		BaseStake:              decimal.NewFromFloat(5),
		MaxStakePerTrade:       decimal.NewFromFloat(10),
		MaxDailyLoss:           decimal.NewFromFloat(50),
		MaxDailyTrades:         30,
		MaxConcurrentPositions: 20,

		UseMakerOrders:   true,
		MakerTimeoutSec:  30,
		FillPollSec:      3,
		SlippageCapPts:   decimal.NewFromFloat(0.10),
		MidpointFloor:    decimal.NewFromFloat(0.40),
		MaxDivergencePts: decimal.NewFromFloat(0.15),
		TakerRetries:     3,
	}
}

// MakerTimeout returns the maker fill deadline as a duration
func (s *Snapshot) MakerTimeout() time.Duration {
	return time.Duration(s.MakerTimeoutSec) * time.Second
}

// FillPollInterval returns the maker fill poll cadence
func (s *Snapshot) FillPollInterval() time.Duration {
	return time.Duration(s.FillPollSec) * time.Second
}

// NewsCooldown returns the per-asset news cooldown
func (s *Snapshot) NewsCooldown() time.Duration {
	return time.Duration(s.NewsCooldownMin) * time.Minute
}

// AssetWeight returns the weighted-edge bonus for an asset (zero if unset)
func (s *Snapshot) AssetWeight(asset string) decimal.Decimal {
	if w, ok := s.AssetWeights[asset]; ok {
		return w
	}
	return decimal.Zero
}

// modeFile mirrors trading-mode.json
type modeFile struct {
	Mode      Mode      `json:"mode"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Manager owns the current snapshot and trading mode, refreshing both from
// disk on a timer. Current() is safe from any goroutine and never blocks on
// file I/O.
type Manager struct {
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	configPath string
	modePath   string

	snapshot atomic.Pointer[Snapshot]
	mode     atomic.Value // Mode

	configMtime time.Time
	modeMtime   time.Time
}

// NewManager loads the initial snapshot and mode from disk
func NewManager(configPath, modePath string) *Manager {
	m := &Manager{
		configPath: configPath,
		modePath:   modePath,
		stopCh:     make(chan struct{}),
	}
	m.snapshot.Store(DefaultSnapshot())
	m.mode.Store(ModePaper)
	m.reloadConfig()
	m.reloadMode()
	return m
}

// Start begins watching the config and mode files
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.watchLoop()
	log.Info().Str("config", m.configPath).Str("mode", m.modePath).Msg("⚙️ Config watcher started")
}

// Stop stops the watcher
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
}

// Current returns the active snapshot. Callers hold it for the whole cycle.
func (m *Manager) Current() *Snapshot {
	return m.snapshot.Load()
}

// CurrentMode returns the active trading mode
func (m *Manager) CurrentMode() Mode {
	return m.mode.Load().(Mode)
}

// SetMode writes the mode file and swaps the in-memory value
func (m *Manager) SetMode(mode Mode) error {
	data, err := json.MarshalIndent(modeFile{Mode: mode, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.modePath, data, 0o644); err != nil {
		return err
	}
	m.mode.Store(mode)
	log.Info().Str("mode", string(mode)).Msg("🎛️ Trading mode updated")
	return nil
}

func (m *Manager) watchLoop() {
	ticker := time.NewTicker(snapshotPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reloadConfig()
			m.reloadMode()
		}
	}
}

// reloadConfig swaps in a new snapshot when the file changed
func (m *Manager) reloadConfig() {
	info, err := os.Stat(m.configPath)
	if err != nil {
		return // Missing file keeps current snapshot
	}
	if info.ModTime().Equal(m.configMtime) {
		return
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		log.Warn().Err(err).Msg("Trading config unreadable, keeping current snapshot")
		return
	}

	snap := DefaultSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		log.Warn().Err(err).Msg("Trading config invalid, keeping current snapshot")
		return
	}

	m.configMtime = info.ModTime()
	m.snapshot.Store(snap)
	log.Info().
		Str("min_edge", snap.MinEdge.String()).
		Str("odds_floor", snap.MinMarketOdds.String()).
		Msg("🔄 Trading config reloaded")
}

func (m *Manager) reloadMode() {
	info, err := os.Stat(m.modePath)
	if err != nil {
		return
	}
	if info.ModTime().Equal(m.modeMtime) {
		return
	}

	data, err := os.ReadFile(m.modePath)
	if err != nil {
		return
	}

	var mf modeFile
	if err := json.Unmarshal(data, &mf); err != nil {
		log.Warn().Err(err).Msg("Mode file invalid, keeping current mode")
		return
	}

	switch mf.Mode {
	case ModePaper, ModeReal, ModeDisabled:
	default:
		log.Warn().Str("mode", string(mf.Mode)).Msg("Unknown trading mode, keeping current")
		return
	}

	m.modeMtime = info.ModTime()
	old := m.mode.Swap(mf.Mode)
	if old != mf.Mode {
		log.Info().Str("from", string(old.(Mode))).Str("to", string(mf.Mode)).Msg("🎛️ Trading mode changed")
	}
}

package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyedge/poly15m/exec"
	"github.com/polyedge/poly15m/feeds"
	"github.com/polyedge/poly15m/gate"
	"github.com/polyedge/poly15m/internal/config"
	"github.com/polyedge/poly15m/macro"
	"github.com/polyedge/poly15m/markets"
	"github.com/polyedge/poly15m/signal"
	"github.com/polyedge/poly15m/storage"
	"github.com/polyedge/poly15m/types"
	"github.com/polyedge/poly15m/whale"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Feeds → Synthesizer → Gate → Execution → Storage
//
// One cycle every ~30s: sample prices and odds, score each active window,
// run the gate, execute what qualifies. A failure on one asset never
// aborts the cycle for the others.
//
// ═══════════════════════════════════════════════════════════════════════════════

// staleHistoryAfter is how long an asset may go without a fresh sample
// before the operator is alerted and the asset sits out
const staleHistoryAfter = 20 * time.Minute

// samplesPer5m is how many 30s cycle samples make up five minutes
const samplesPer5m = 10

// Classifier is the external sentiment/news service, invoked per cycle.
// Nil reads are fine; the synthesizer just skips those terms.
type Classifier interface {
	Classify(asset string) (*signal.SentimentRead, *types.NewsItem, error)
}

// Notifier pushes operator alerts (Telegram)
type Notifier interface {
	NotifyTrade(asset, direction, path string, odds, stake decimal.Decimal, att *exec.Attempt)
	NotifyKillSwitch(reason string)
	NotifyStaleFeed(asset string, age time.Duration)
}

type Engine struct {
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	cfg     *config.Config
	manager *config.Manager
	db      *storage.Database
	ks      *exec.KillSwitch

	book     *feeds.PriceBook
	binance  *feeds.BinanceWS
	history  *feeds.History
	funding  *feeds.FundingRates
	depth    *feeds.DepthFeed
	liqs     *feeds.LiquidationFeed
	scanner  *markets.Scanner
	calendar *macro.Calendar
	tracker  *whale.Tracker

	gate       *gate.Gate
	execEngine *exec.Engine
	classifier Classifier // May be nil
	notifier   Notifier   // May be nil

	consecutiveErrors int
	killNotified      bool
}

// Deps bundles the wired components handed to the engine
type Deps struct {
	Cfg      *config.Config
	Manager  *config.Manager
	DB       *storage.Database
	Kill     *exec.KillSwitch
	Book     *feeds.PriceBook
	Binance  *feeds.BinanceWS
	History  *feeds.History
	Funding  *feeds.FundingRates
	Depth    *feeds.DepthFeed
	Liqs     *feeds.LiquidationFeed
	Scanner  *markets.Scanner
	Calendar *macro.Calendar
	Tracker  *whale.Tracker
	Gate     *gate.Gate
	Exec     *exec.Engine
}

// NewEngine wires the decision loop
func NewEngine(d Deps) *Engine {
	return &Engine{
		stopCh:     make(chan struct{}),
		cfg:        d.Cfg,
		manager:    d.Manager,
		db:         d.DB,
		ks:         d.Kill,
		book:       d.Book,
		binance:    d.Binance,
		history:    d.History,
		funding:    d.Funding,
		depth:      d.Depth,
		liqs:       d.Liqs,
		scanner:    d.Scanner,
		calendar:   d.Calendar,
		tracker:    d.Tracker,
		gate:       d.Gate,
		execEngine: d.Exec,
	}
}

// SetClassifier attaches the external sentiment service
func (e *Engine) SetClassifier(c Classifier) {
	e.classifier = c
}

// SetNotifier attaches the operator alert channel
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Start begins the decision loop
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.loop()
	log.Info().Dur("interval", e.cfg.CycleInterval).Msg("🧠 Decision engine started")
}

// Stop halts the decision loop
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)
	log.Info().Msg("Decision engine stopped")
}

func (e *Engine) loop() {
	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()

	e.runCycle()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runCycle()
		}
	}
}

// runCycle is one full pass: sample, score, gate, execute
func (e *Engine) runCycle() {
	started := time.Now()
	snap := e.manager.Current()
	mode := e.manager.CurrentMode()

	if active, reason := e.ks.Active(); active {
		if !e.killNotified && e.notifier != nil {
			e.notifier.NotifyKillSwitch(reason)
		}
		e.killNotified = true
	} else {
		e.killNotified = false
	}

	live := e.samplePrices()
	e.sampleOdds()

	windows := e.scanner.ActiveWindows()
	cycleErrs := 0
	for _, win := range windows {
		if !live[win.Asset] {
			continue
		}
		if err := e.decideWindow(win, snap, mode); err != nil {
			cycleErrs++
			log.Error().Err(err).
				Str("asset", win.Asset).
				Str("slug", win.Slug).
				Msg("Window decision failed")
		}
	}

	if cycleErrs > 0 {
		e.consecutiveErrors++
	} else {
		e.consecutiveErrors = 0
	}
	e.saveStatus(started, cycleErrs == 0)

	log.Debug().
		Int("windows", len(windows)).
		Int("errors", cycleErrs).
		Dur("took", time.Since(started)).
		Msg("🔄 Cycle complete")
}

// samplePrices records one spot sample per asset and reports which assets
// have usable data this cycle
func (e *Engine) samplePrices() map[string]bool {
	live := make(map[string]bool, len(e.cfg.Assets))
	for _, asset := range e.cfg.Assets {
		quote, err := e.book.Latest(asset)
		if err != nil {
			log.Warn().Err(err).Str("asset", asset).Msg("No fresh quote, asset sits out this cycle")
			if age, ok := e.history.LastSampleAge(asset); ok && age > staleHistoryAfter && e.notifier != nil {
				e.notifier.NotifyStaleFeed(asset, age)
			}
			continue
		}
		e.history.AddPrice(asset, quote.Price)
		live[asset] = true
	}
	return live
}

// sampleOdds records the UP odds for every active window's asset
func (e *Engine) sampleOdds() {
	for _, win := range e.scanner.ActiveWindows() {
		if win.UpPrice.IsPositive() {
			e.history.AddOdds(win.Asset, win.UpPrice)
		}
	}
}

// decideWindow scores one window and executes if the gate qualifies it
func (e *Engine) decideWindow(win *types.Window, snap *config.Snapshot, mode config.Mode) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in decision: %v", r)
		}
	}()

	quote, err := e.book.Latest(win.Asset)
	if err != nil {
		return err
	}

	in := signal.Inputs{
		Asset:  win.Asset,
		Window: win,
		Quote:  quote,
		Prices: e.history.Prices(win.Asset),
		VWAP:   e.binance.VWAP(win.Asset),
	}

	if rate, err := e.funding.Rate(win.Asset); err == nil {
		in.FundingRate = rate
		in.HasFunding = true
	}

	// Depth and liquidation reads are BTC-only feeds
	if win.Asset == "BTC" {
		in.Depth = e.depth.Signal()
	}
	in.Liquidation, in.LiqDirection = e.liqs.Cascade(win.Asset)

	if win.Asset != "BTC" {
		if chg, ok := e.history.ChangeOver("BTC", samplesPer5m); ok {
			in.BTCChange5m = chg
			in.HasBTCChange5m = true
		}
	}

	var news *types.NewsItem
	if e.classifier != nil {
		read, item, cerr := e.classifier.Classify(win.Asset)
		if cerr != nil {
			log.Warn().Err(cerr).Str("asset", win.Asset).Msg("Classifier unavailable")
		} else {
			in.Sentiment = read
			in.News = item
			news = item
		}
	}
	if in.Sentiment == nil {
		// A fresh macro release stands in for sentiment when the
		// classifier has nothing
		if bias, ok := e.calendar.Bias(); ok {
			in.Sentiment = &signal.SentimentRead{Direction: bias.Direction, Confidence: bias.Confidence}
		}
	}

	sig := signal.Synthesize(in)
	if sig == nil {
		return nil
	}

	whaleFlow, werr := e.tracker.FlowSignal(win.Slug)
	if werr != nil {
		log.Warn().Err(werr).Str("slug", win.Slug).Msg("Whale flow unavailable")
	}

	macroAvoid, avoidWhy := e.calendar.AvoidTrading()
	if macroAvoid {
		log.Debug().Str("event", avoidWhy).Msg("📅 Macro blackout window")
	}
	killActive, _ := e.ks.Active()

	decision := e.gate.Evaluate(gate.Input{
		Signal:     sig,
		Window:     win,
		News:       news,
		Whale:      whaleFlow,
		MacroAvoid: macroAvoid,
		KillActive: killActive,
	}, snap)
	if !decision.Qualified {
		return nil
	}

	att := e.execEngine.Execute(exec.Request{
		Window: win,
		Signal: sig,
		Path:   string(decision.Path),
		Stake:  decision.Stake,
	}, snap, mode)

	if att.Filled() && sig.Breaking && news != nil {
		e.gate.CommitNews(sig, news)
	}
	if e.notifier != nil {
		e.notifier.NotifyTrade(sig.Asset, string(sig.Direction), string(decision.Path),
			sig.MarketOdds, decision.Stake, att)
	}
	return nil
}

// saveStatus persists the health row external monitors read
func (e *Engine) saveStatus(ranAt time.Time, success bool) {
	status, err := e.db.GetStatus()
	if err != nil || status == nil {
		status = &storage.BotStatus{ID: 1}
	}
	status.Status = "running"
	status.LastRun = ranAt
	if success {
		status.LastSuccessfulRun = ranAt
	}
	status.NextRun = ranAt.Add(e.cfg.CycleInterval)
	status.ConsecutiveErrors = e.consecutiveErrors

	if err := e.db.SaveStatus(status); err != nil {
		log.Error().Err(err).Msg("Failed to persist bot status")
	}
}

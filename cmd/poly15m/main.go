// poly15m - Decision engine for short-horizon crypto up/down prediction markets
//
// Pipeline:
// 1. Stream spot prices from two exchanges (REST fallback when both stall)
// 2. Scan the venue for active 5-15 minute up/down windows
// 3. Fuse technicals, order flow, macro, whale flow and news into one signal
// 4. Qualify through the decision gate (arb / news / tiers / whale paths)
// 5. Execute maker-or-taker with daily limits and a kill switch
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polyedge/poly15m/bot"
	"github.com/polyedge/poly15m/core"
	"github.com/polyedge/poly15m/exec"
	"github.com/polyedge/poly15m/feeds"
	"github.com/polyedge/poly15m/gate"
	"github.com/polyedge/poly15m/internal/config"
	"github.com/polyedge/poly15m/macro"
	"github.com/polyedge/poly15m/markets"
	"github.com/polyedge/poly15m/storage"
	"github.com/polyedge/poly15m/whale"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run":
		run(cfg)
	case "status":
		cmdStatus(cfg)
	case "mode":
		cmdMode(cfg)
	case "kill":
		cmdKill(cfg)
	case "unkill":
		cmdUnkill(cfg)
	case "xref":
		cmdXref(cfg)
	default:
		fmt.Fprintf(os.Stderr, "usage: poly15m [run|status|mode <paper|real|disabled>|kill [reason]|unkill|xref]\n")
		os.Exit(2)
	}
}

// run wires everything and blocks until SIGINT/SIGTERM
func run(cfg *config.Config) {
	log.Info().
		Str("version", version).
		Strs("assets", cfg.Assets).
		Msg("🚀 poly15m starting")

	db, err := storage.New(cfg.DatabaseURL, cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}

	manager := config.NewManager(cfg.TradingConfigPath, cfg.ModePath)
	manager.Start()
	defer manager.Stop()

	ks := exec.NewKillSwitch(cfg.KillSwitchPath)

	// Feeds
	book := feeds.NewPriceBook()
	history := feeds.NewHistory()
	funding := feeds.NewFundingRates()

	binance := feeds.NewBinanceWS(book, cfg.Assets)
	binance.Start()
	defer binance.Stop()

	coinbase := feeds.NewCoinbaseWS(book, cfg.Assets)
	coinbase.Start()
	defer coinbase.Stop()

	depth := feeds.NewDepthFeed()
	depth.Start()
	defer depth.Stop()

	liqs := feeds.NewLiquidationFeed(cfg.Assets)
	liqs.Start()
	defer liqs.Stop()

	scanner := markets.NewScanner(cfg.GammaAPIURL, cfg.Assets, book)
	scanner.Start()
	defer scanner.Stop()

	calendar := macro.NewCalendar("data/macro-calendar.json")
	calendar.Start()
	defer calendar.Stop()

	tracker := whale.NewTracker(cfg.DataAPIURL, cfg.WhaleWallets, db)
	tracker.Start()
	defer tracker.Stop()

	// Execution
	venue, err := exec.NewClient(cfg.CLOBURL, cfg.WalletPrivateKey, cfg.FunderAddress, cfg.SignatureType)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build venue client")
	}
	engine := exec.NewEngine(db, ks, venue)

	// Decisions
	g := gate.New(db, gate.NewNewsGuard(db, history))
	decisions := core.NewEngine(core.Deps{
		Cfg:      cfg,
		Manager:  manager,
		DB:       db,
		Kill:     ks,
		Book:     book,
		Binance:  binance,
		History:  history,
		Funding:  funding,
		Depth:    depth,
		Liqs:     liqs,
		Scanner:  scanner,
		Calendar: calendar,
		Tracker:  tracker,
		Gate:     g,
		Exec:     engine,
	})

	if cfg.TelegramEnabled() {
		tg, err := bot.NewTelegramBot(cfg.TelegramToken,
			strconv.FormatInt(cfg.TelegramChatID, 10), db, ks, manager)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
		} else {
			tg.Start()
			defer tg.Stop()
			tg.NotifyStartup(manager.CurrentMode(), cfg.Assets)
			decisions.SetNotifier(tg)
		}
	}

	decisions.Start()
	defer decisions.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

func cmdStatus(cfg *config.Config) {
	db, err := storage.New(cfg.DatabaseURL, cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}

	manager := config.NewManager(cfg.TradingConfigPath, cfg.ModePath)
	ks := exec.NewKillSwitch(cfg.KillSwitchPath)

	state, err := db.GetDailyState(storage.DayKey(time.Now()))
	if err != nil {
		log.Fatal().Err(err).Msg("Daily state unavailable")
	}

	fmt.Printf("mode:            %s\n", manager.CurrentMode())
	if active, reason := ks.Active(); active {
		fmt.Printf("kill switch:     ACTIVE (%s)\n", reason)
	} else {
		fmt.Printf("kill switch:     off\n")
	}
	fmt.Printf("trades today:    %d\n", state.TradesPlaced)
	fmt.Printf("realized pnl:    $%s\n", state.RealizedPnl.StringFixed(2))
	fmt.Printf("open positions:  %d\n", state.OpenPositions)

	if status, err := db.GetStatus(); err == nil && status != nil && !status.LastRun.IsZero() {
		fmt.Printf("last run:        %s\n", status.LastRun.Format(time.RFC3339))
		fmt.Printf("next run:        %s\n", status.NextRun.Format(time.RFC3339))
		fmt.Printf("consec errors:   %d\n", status.ConsecutiveErrors)
	}
}

func cmdMode(cfg *config.Config) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: poly15m mode <paper|real|disabled>")
		os.Exit(2)
	}

	mode := config.Mode(os.Args[2])
	switch mode {
	case config.ModePaper, config.ModeReal, config.ModeDisabled:
	default:
		fmt.Fprintf(os.Stderr, "invalid mode %q (want paper, real or disabled)\n", os.Args[2])
		os.Exit(2)
	}

	manager := config.NewManager(cfg.TradingConfigPath, cfg.ModePath)
	if err := manager.SetMode(mode); err != nil {
		log.Fatal().Err(err).Msg("Failed to set mode")
	}
	fmt.Printf("mode set to %s\n", mode)
}

func cmdKill(cfg *config.Config) {
	reason := "manual kill via cli"
	if len(os.Args) > 2 {
		reason = os.Args[2]
	}

	ks := exec.NewKillSwitch(cfg.KillSwitchPath)
	if err := ks.Activate(reason); err != nil {
		log.Fatal().Err(err).Msg("Failed to activate kill switch")
	}
	fmt.Println("kill switch activated")
}

func cmdUnkill(cfg *config.Config) {
	ks := exec.NewKillSwitch(cfg.KillSwitchPath)
	if err := ks.Deactivate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to clear kill switch")
	}
	fmt.Println("kill switch cleared")
}

func cmdXref(cfg *config.Config) {
	db, err := storage.New(cfg.DatabaseURL, cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}

	report, err := whale.BuildXref(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Cross-reference failed")
	}
	fmt.Print(report.String())
}

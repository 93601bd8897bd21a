package bot

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyedge/poly15m/exec"
	"github.com/polyedge/poly15m/internal/config"
	"github.com/polyedge/poly15m/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator alerts & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Trade notifications (fills, rejections worth knowing about)
//   🛑 Kill switch alerts and remote control
//   📡 Stale-feed alerts (rate limited to once per hour per asset)
//   🎛️ Control commands (/status, /mode, /kill, /unkill, /trades)
//
// ═══════════════════════════════════════════════════════════════════════════════

var cents = decimal.NewFromInt(100)

// TelegramBot manages the operator interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	db  *storage.Database
	ks  *exec.KillSwitch
	cfg *config.Manager

	lastStaleAlert map[string]time.Time
}

// NewTelegramBot creates the operator bot. Token or chat id unset means
// alerts are disabled; callers should treat that as non-fatal.
func NewTelegramBot(token, chatIDStr string, db *storage.Database, ks *exec.KillSwitch, cfg *config.Manager) (*TelegramBot, error) {
	if token == "" || chatIDStr == "" {
		return nil, fmt.Errorf("telegram not configured")
	}

	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &TelegramBot{
		api:            api,
		chatID:         chatID,
		stopCh:         make(chan struct{}),
		db:             db,
		ks:             ks,
		cfg:            cfg,
		lastStaleAlert: make(map[string]time.Time),
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyTrade reports one execution outcome
func (b *TelegramBot) NotifyTrade(asset, direction, path string, odds, stake decimal.Decimal, att *exec.Attempt) {
	emoji := "✅"
	if !att.Filled() {
		emoji = "❌"
	}

	msg := fmt.Sprintf(`%s *%s %s* — %s

🛤 Path: %s
💵 Odds: *%s¢*
📦 Stake: *$%s*
📝 %s`,
		emoji, asset, direction, strings.ToUpper(att.Status),
		path,
		odds.Mul(cents).StringFixed(1),
		stake.StringFixed(2),
		att.Reason,
	)
	b.sendMarkdown(msg)
}

// NotifyKillSwitch raises the loudest alert the bot has
func (b *TelegramBot) NotifyKillSwitch(reason string) {
	b.sendMarkdown(fmt.Sprintf(`🛑 *KILL SWITCH ACTIVATED*

📝 %s

All order placement is blocked until /unkill.`, reason))
}

// NotifyStaleFeed alerts on a sustained price-history gap, at most once
// per hour per asset
func (b *TelegramBot) NotifyStaleFeed(asset string, age time.Duration) {
	b.mu.Lock()
	last, ok := b.lastStaleAlert[asset]
	if ok && time.Since(last) < time.Hour {
		b.mu.Unlock()
		return
	}
	b.lastStaleAlert[asset] = time.Now()
	b.mu.Unlock()

	b.sendMarkdown(fmt.Sprintf(`📡 *STALE FEED*

%s has had no fresh price for *%s*. The asset is excluded from decisions until data resumes.`,
		asset, age.Round(time.Minute)))
}

// NotifyStartup announces the bot coming online
func (b *TelegramBot) NotifyStartup(mode config.Mode, assets []string) {
	b.sendMarkdown(fmt.Sprintf(`🚀 *POLY15M ONLINE*

🎛 Mode: *%s*
📊 Assets: %s`,
		mode, strings.Join(assets, ", ")))
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "trades":
		b.cmdTrades()
	case "mode":
		b.cmdMode(strings.TrimSpace(msg.CommandArguments()))
	case "kill":
		b.cmdKill(strings.TrimSpace(msg.CommandArguments()))
	case "unkill":
		b.cmdUnkill()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.sendMarkdown(`🤖 *POLY15M COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Daily state and health
📜 /trades — Recent trades
🎛 /mode <paper|real|disabled> — Set trading mode
🛑 /kill [reason] — Activate kill switch
✅ /unkill — Clear kill switch
🏓 /ping — Liveness check`)
}

func (b *TelegramBot) cmdStatus() {
	state, err := b.db.GetDailyState(storage.DayKey(time.Now()))
	if err != nil {
		b.send(fmt.Sprintf("⚠️ Daily state unavailable: %v", err))
		return
	}

	killLine := "off"
	if active, reason := b.ks.Active(); active {
		killLine = fmt.Sprintf("🛑 ACTIVE (%s)", reason)
	}

	health := "unknown"
	if status, err := b.db.GetStatus(); err == nil && status != nil {
		health = fmt.Sprintf("%s, last run %s, %d consecutive errors",
			status.Status, status.LastRun.Format("15:04:05"), status.ConsecutiveErrors)
	}

	b.sendMarkdown(fmt.Sprintf(`📊 *STATUS*
━━━━━━━━━━━━━━━━
🎛 Mode: *%s*
🛑 Kill switch: %s
📈 Trades today: *%d*
💰 Realized PnL: *$%s*
📦 Open positions: *%d*
🩺 Health: %s`,
		b.cfg.CurrentMode(),
		killLine,
		state.TradesPlaced,
		state.RealizedPnl.StringFixed(2),
		state.OpenPositions,
		health))
}

func (b *TelegramBot) cmdTrades() {
	trades, err := b.db.TradesSince(time.Now().Add(-24 * time.Hour))
	if err != nil {
		b.send(fmt.Sprintf("⚠️ Trade history unavailable: %v", err))
		return
	}
	if len(trades) == 0 {
		b.send("📭 No trades in the last 24h")
		return
	}

	var sb strings.Builder
	sb.WriteString("📜 *RECENT TRADES*\n━━━━━━━━━━━━━━━━\n")
	limit := len(trades)
	if limit > 10 {
		limit = 10
	}
	for _, t := range trades[:limit] {
		sb.WriteString(fmt.Sprintf("%s %s %s @ %s¢ ($%s) — %s\n",
			t.PlacedAt.Format("15:04"), t.Asset, t.Direction,
			t.EntryOdds.Mul(cents).StringFixed(1), t.Stake.StringFixed(2), t.Status))
	}
	b.sendMarkdown(sb.String())
}

func (b *TelegramBot) cmdMode(arg string) {
	mode := config.Mode(strings.ToLower(arg))
	switch mode {
	case config.ModePaper, config.ModeReal, config.ModeDisabled:
	default:
		b.send("❓ Usage: /mode <paper|real|disabled>")
		return
	}

	if err := b.cfg.SetMode(mode); err != nil {
		b.send(fmt.Sprintf("⚠️ Failed to set mode: %v", err))
		return
	}
	b.send(fmt.Sprintf("🎛 Mode set to %s", mode))
}

func (b *TelegramBot) cmdKill(reason string) {
	if reason == "" {
		reason = "manual kill via telegram"
	}
	if err := b.ks.Activate(reason); err != nil {
		b.send(fmt.Sprintf("⚠️ Failed to activate kill switch: %v", err))
		return
	}
	b.send("🛑 Kill switch activated")
}

func (b *TelegramBot) cmdUnkill() {
	if err := b.ks.Deactivate(); err != nil {
		b.send(fmt.Sprintf("⚠️ Failed to clear kill switch: %v", err))
		return
	}
	b.send("✅ Kill switch cleared")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds process-level configuration loaded once from the environment.
// Trading thresholds live in the hot-reloadable Snapshot instead.
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Assets to trade
	Assets []string

	// Endpoints
	GammaAPIURL string
	CLOBURL     string
	DataAPIURL  string

	// Wallet
	WalletPrivateKey string
	FunderAddress    string
	SignatureType    int // 0=EOA, 1=Magic/Email, 2=Proxy

	// Tracked smart-money wallets
	WhaleWallets []string

	// Persistence
	DatabaseURL  string // Postgres DSN, takes precedence when set
	DatabasePath string // SQLite file otherwise

	// Control files
	TradingConfigPath string
	ModePath          string
	KillSwitchPath    string

	// Loop
	CycleInterval time.Duration

	Debug bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	home, _ := os.UserHomeDir()

	cfg := &Config{
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		Assets: splitList(getEnv("TRADING_ASSETS", "BTC,ETH,SOL,XRP,DOGE")),

		GammaAPIURL: getEnv("GAMMA_API_URL", "https://gamma-api.polymarket.com"),
		CLOBURL:     getEnv("CLOB_API_URL", "https://clob.polymarket.com"),
		DataAPIURL:  getEnv("DATA_API_URL", "https://data-api.polymarket.com"),

		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
		FunderAddress:    os.Getenv("FUNDER_ADDRESS"),
		SignatureType:    getEnvInt("SIGNATURE_TYPE", 0),

		WhaleWallets: splitList(os.Getenv("WHALE_WALLETS")),

		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DatabasePath: getEnv("DATABASE_PATH", "data/poly15m.db"),

		TradingConfigPath: getEnv("TRADING_CONFIG_PATH", "trading-config.json"),
		ModePath:          getEnv("TRADING_MODE_PATH", "trading-mode.json"),
		KillSwitchPath:    getEnv("KILL_SWITCH_PATH", filepath.Join(home, ".poly15m-kill")),

		CycleInterval: getEnvDuration("CYCLE_INTERVAL", 30*time.Second),

		Debug: getEnvBool("DEBUG", false),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("TRADING_ASSETS must name at least one asset")
	}

	return cfg, nil
}

// TelegramEnabled reports whether operator alerting is configured
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Helper functions

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

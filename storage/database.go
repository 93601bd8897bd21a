package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORAGE - Durable state behind the decision and execution engines
// ═══════════════════════════════════════════════════════════════════════════════
//
// SQLite by default, Postgres when DATABASE_URL is set. Holds:
//   - Daily trading state (trade counts, realized PnL, open positions)
//   - Trade ledger (every execution outcome)
//   - Whale activity (deduped tracked-wallet trades)
//   - News gate records (headline hashes, per-asset cooldowns)
//   - Bot health status
//
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// Models

// DailyState is the per-UTC-day trading counters row
type DailyState struct {
	Date          string `gorm:"primaryKey"` // "2026-08-29"
	TradesPlaced  int
	RealizedPnl   decimal.Decimal `gorm:"type:decimal(20,6)"`
	OpenPositions int
	UpdatedAt     time.Time
}

// TradeRecord is one ledger row per execution attempt
type TradeRecord struct {
	ID         string `gorm:"primaryKey"` // uuid
	Slug       string `gorm:"index"`
	Asset      string `gorm:"index"`
	Direction  string // "UP" or "DOWN"
	Path       string // Gate path that approved the trade
	OrderType  string // "maker", "taker" or "paper"
	OrderID    string
	Stake      decimal.Decimal `gorm:"type:decimal(20,6)"`
	EntryOdds  decimal.Decimal `gorm:"type:decimal(10,6)"`
	FillOdds   decimal.Decimal `gorm:"type:decimal(10,6)"`
	FeeRateBps int
	Status     string // "filled", "unfilled", "failed", "paper"
	Reason     string
	Pnl        decimal.Decimal `gorm:"type:decimal(20,6)"` // Realized outcome, zero until settled
	Settled    bool
	PlacedAt   time.Time `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WhaleTrade is a deduped tracked-wallet trade
type WhaleTrade struct {
	DedupKey  string          `gorm:"primaryKey"` // txHash|price|size
	Wallet    string          `gorm:"index"`
	Slug      string          `gorm:"index"`
	Asset     string          `gorm:"index"`
	Side      string          // "UP" or "DOWN"
	Price     decimal.Decimal `gorm:"type:decimal(10,6)"`
	SizeUSDC  decimal.Decimal `gorm:"type:decimal(20,6)"`
	TradedAt  time.Time       `gorm:"index"`
	CreatedAt time.Time
}

// NewsEntry records a headline accepted by the news gate
type NewsEntry struct {
	Hash       string `gorm:"primaryKey"`
	Asset      string `gorm:"index"`
	Headline   string
	RecordedAt time.Time `gorm:"index"`
}

// BotStatus is the single health row (id 1)
type BotStatus struct {
	ID                uint `gorm:"primaryKey"`
	Status            string
	LastRun           time.Time
	LastSuccessfulRun time.Time
	NextRun           time.Time
	ConsecutiveErrors int
	UpdatedAt         time.Time
}

// New opens the database, preferring Postgres when a DSN is given
func New(databaseURL, sqlitePath string) (*Database, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var db *gorm.DB
	var err error

	if databaseURL != "" {
		db, err = gorm.Open(postgres.Open(databaseURL), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("🗄️ Storage connected (postgres)")
	} else {
		if dir := filepath.Dir(sqlitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", sqlitePath).Msg("🗄️ Storage connected (sqlite)")
	}

	if err := db.AutoMigrate(
		&DailyState{},
		&TradeRecord{},
		&WhaleTrade{},
		&NewsEntry{},
		&BotStatus{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Database{db: db}, nil
}

// DayKey formats a time as the daily state key in UTC
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ═══════════════════════════════════════════════════════════════════════════════
// DAILY STATE
// ═══════════════════════════════════════════════════════════════════════════════

// GetDailyState loads (or creates) the row for a UTC day
func (d *Database) GetDailyState(day string) (*DailyState, error) {
	state := &DailyState{Date: day, RealizedPnl: decimal.Zero}
	err := d.db.Where(DailyState{Date: day}).FirstOrCreate(state).Error
	if err != nil {
		return nil, fmt.Errorf("load daily state: %w", err)
	}
	return state, nil
}

// SaveDailyState persists the counters row
func (d *Database) SaveDailyState(state *DailyState) error {
	state.UpdatedAt = time.Now().UTC()
	return d.db.Save(state).Error
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE LEDGER
// ═══════════════════════════════════════════════════════════════════════════════

// RecordTrade inserts a ledger row
func (d *Database) RecordTrade(rec *TradeRecord) error {
	return d.db.Create(rec).Error
}

// UpdateTrade saves ledger row mutations (fill odds, status)
func (d *Database) UpdateTrade(rec *TradeRecord) error {
	return d.db.Save(rec).Error
}

// SettleTrade books the realized outcome onto a ledger row
func (d *Database) SettleTrade(id string, pnl decimal.Decimal) error {
	return d.db.Model(&TradeRecord{}).Where("id = ?", id).
		Updates(map[string]interface{}{"pnl": pnl, "settled": true}).Error
}

// HasTradeForSlug reports whether a placed trade already exists for a window
func (d *Database) HasTradeForSlug(slug string) (bool, error) {
	var count int64
	err := d.db.Model(&TradeRecord{}).
		Where("slug = ? AND status IN ?", slug, []string{"filled", "paper"}).
		Count(&count).Error
	return count > 0, err
}

// TradesSince returns ledger rows placed after a cutoff, newest first
func (d *Database) TradesSince(since time.Time) ([]TradeRecord, error) {
	var trades []TradeRecord
	err := d.db.Where("placed_at >= ?", since).Order("placed_at desc").Find(&trades).Error
	return trades, err
}

// AllTrades returns the full ledger, oldest first (cross-reference report)
func (d *Database) AllTrades() ([]TradeRecord, error) {
	var trades []TradeRecord
	err := d.db.Order("placed_at asc").Find(&trades).Error
	return trades, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// WHALE ACTIVITY
// ═══════════════════════════════════════════════════════════════════════════════

// SaveWhaleTrades inserts trades, silently skipping already-seen dedup keys
func (d *Database) SaveWhaleTrades(trades []WhaleTrade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	res := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&trades)
	return int(res.RowsAffected), res.Error
}

// WhaleTradesForSlug returns all tracked trades on one window
func (d *Database) WhaleTradesForSlug(slug string) ([]WhaleTrade, error) {
	var trades []WhaleTrade
	err := d.db.Where("slug = ?", slug).Order("traded_at asc").Find(&trades).Error
	return trades, err
}

// WhaleTradesSince returns recent tracked trades for an asset
func (d *Database) WhaleTradesSince(asset string, since time.Time) ([]WhaleTrade, error) {
	var trades []WhaleTrade
	err := d.db.Where("asset = ? AND traded_at >= ?", asset, since).
		Order("traded_at desc").Find(&trades).Error
	return trades, err
}

// LastWhaleTradeAt returns the newest stored trade time for a wallet
func (d *Database) LastWhaleTradeAt(wallet string) (time.Time, error) {
	var trade WhaleTrade
	err := d.db.Where("wallet = ?", wallet).Order("traded_at desc").First(&trade).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return trade.TradedAt, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// NEWS GATE STATE
// ═══════════════════════════════════════════════════════════════════════════════

// RecordNews stores an accepted headline and prunes beyond the newest 50
func (d *Database) RecordNews(entry *NewsEntry) error {
	if err := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(entry).Error; err != nil {
		return err
	}
	var cutoff NewsEntry
	err := d.db.Order("recorded_at desc").Offset(49).First(&cutoff).Error
	if err == gorm.ErrRecordNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return d.db.Where("recorded_at < ?", cutoff.RecordedAt).Delete(&NewsEntry{}).Error
}

// HasNewsHash reports whether a headline hash was already acted on
func (d *Database) HasNewsHash(hash string) (bool, error) {
	var count int64
	err := d.db.Model(&NewsEntry{}).Where("hash = ?", hash).Count(&count).Error
	return count > 0, err
}

// NewsCountSince counts accepted headlines after a cutoff (hourly rate cap)
func (d *Database) NewsCountSince(since time.Time) (int, error) {
	var count int64
	err := d.db.Model(&NewsEntry{}).Where("recorded_at >= ?", since).Count(&count).Error
	return int(count), err
}

// LastNewsForAsset returns when an asset last passed the news gate
func (d *Database) LastNewsForAsset(asset string) (time.Time, error) {
	var entry NewsEntry
	err := d.db.Where("asset = ?", asset).Order("recorded_at desc").First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return entry.RecordedAt, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// BOT STATUS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveStatus upserts the single health row
func (d *Database) SaveStatus(status *BotStatus) error {
	status.ID = 1
	status.UpdatedAt = time.Now().UTC()
	return d.db.Save(status).Error
}

// GetStatus loads the health row (zero value when never written)
func (d *Database) GetStatus() (*BotStatus, error) {
	var status BotStatus
	err := d.db.First(&status, 1).Error
	if err == gorm.ErrRecordNotFound {
		return &BotStatus{ID: 1}, nil
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/polyengine/execution"
	"github.com/web3guy0/polyengine/portfolio"
	"github.com/web3guy0/polyengine/strategy"
	"github.com/web3guy0/polyengine/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Trade journal (sqlite or postgres)
// ═══════════════════════════════════════════════════════════════════════════════

type Database struct {
	db *gorm.DB
}

// Models

// TradeRecord mirrors one execution.Trade; upserted on every state change
type TradeRecord struct {
	ID           string `gorm:"primaryKey"`
	Strategy     string `gorm:"index"`
	InstrumentID string `gorm:"index"`
	MarketID     string
	MarketLabel  string
	Action       string
	SignalPrice  decimal.Decimal `gorm:"type:decimal(10,6)"`
	FillPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size         decimal.Decimal `gorm:"type:decimal(20,6)"`
	AmountUSD    decimal.Decimal `gorm:"type:decimal(20,6)"`
	Fee          decimal.Decimal `gorm:"type:decimal(20,6)"`
	State        string          `gorm:"index"` // OPEN, CLOSED
	OpenedAt     time.Time
	ClosedAt     *time.Time
	ClosePrice   decimal.Decimal `gorm:"type:decimal(10,6)"`
	PnL          decimal.Decimal `gorm:"type:decimal(20,6)"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (TradeRecord) TableName() string { return "trades" }

// ClosedTradeRecord is one realized round trip
type ClosedTradeRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Strategy     string `gorm:"index"`
	MarketID     string
	InstrumentID string
	MarketLabel  string
	EntryPrice   decimal.Decimal `gorm:"type:decimal(10,6)"`
	ExitPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	Size         decimal.Decimal `gorm:"type:decimal(20,6)"`
	Fee          decimal.Decimal `gorm:"type:decimal(20,6)"`
	PnL          decimal.Decimal `gorm:"type:decimal(20,6)"`
	Paper        bool
	OpenedAt     time.Time
	ClosedAt     time.Time `gorm:"index"`
	CreatedAt    time.Time
}

func (ClosedTradeRecord) TableName() string { return "closed_trades" }

// ReportSnapshot stores one periodic report; per-strategy rows as JSON
type ReportSnapshot struct {
	ID          uint `gorm:"primaryKey;autoIncrement"`
	GeneratedAt time.Time `gorm:"index"`
	UptimeSec   int64
	TotalValue  decimal.Decimal `gorm:"type:decimal(20,6)"`
	Bankroll    decimal.Decimal `gorm:"type:decimal(20,6)"`
	Drawdown    decimal.Decimal `gorm:"type:decimal(10,4)"`
	TodayPnL    decimal.Decimal `gorm:"type:decimal(20,6)"`
	OpenTrades  int
	TotalTrades int
	TodayTrades int
	Strategies  string
	CreatedAt   time.Time
}

// Open connects to postgres when dsn is a postgres URL, otherwise to a sqlite
// file at dsn (parent directory created as needed)
func Open(dsn string) (*Database, error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("💾 Journal connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create journal dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("💾 Journal initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TradeRecord{}, &ClosedTradeRecord{}, &ReportSnapshot{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Database{db: db}, nil
}

// Close releases the underlying connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRADES
// ═══════════════════════════════════════════════════════════════════════════════

// SaveTrade inserts or updates the trade by id
func (d *Database) SaveTrade(ctx context.Context, t execution.Trade) error {
	rec := toRecord(t)
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
}

// LoadOpenTrades returns every trade still OPEN, oldest first
func (d *Database) LoadOpenTrades(ctx context.Context) ([]execution.Trade, error) {
	var recs []TradeRecord
	err := d.db.WithContext(ctx).
		Where("state = ?", string(execution.TradeStateOpen)).
		Order("opened_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	out := make([]execution.Trade, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

func toRecord(t execution.Trade) TradeRecord {
	return TradeRecord{
		ID:           t.ID,
		Strategy:     t.Strategy,
		InstrumentID: t.InstrumentID,
		MarketID:     t.MarketID,
		MarketLabel:  t.MarketLabel,
		Action:       string(t.Action),
		SignalPrice:  t.SignalPrice,
		FillPrice:    t.FillPrice,
		Size:         t.Size,
		AmountUSD:    t.AmountUSD,
		Fee:          t.Fee,
		State:        string(t.State),
		OpenedAt:     t.OpenedAt,
		ClosedAt:     t.ClosedAt,
		ClosePrice:   t.ClosePrice,
		PnL:          t.PnL,
	}
}

func fromRecord(r TradeRecord) execution.Trade {
	return execution.Trade{
		ID:           r.ID,
		Strategy:     r.Strategy,
		InstrumentID: r.InstrumentID,
		MarketID:     r.MarketID,
		MarketLabel:  r.MarketLabel,
		Action:       strategy.Action(r.Action),
		SignalPrice:  r.SignalPrice,
		FillPrice:    r.FillPrice,
		Size:         r.Size,
		AmountUSD:    r.AmountUSD,
		Fee:          r.Fee,
		State:        execution.TradeState(r.State),
		OpenedAt:     r.OpenedAt,
		ClosedAt:     r.ClosedAt,
		ClosePrice:   r.ClosePrice,
		PnL:          r.PnL,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLOSED TRADES
// ═══════════════════════════════════════════════════════════════════════════════

// SaveClosedTrade appends one realized round trip
func (d *Database) SaveClosedTrade(ctx context.Context, t types.ClosedTrade) error {
	return d.db.WithContext(ctx).Create(&ClosedTradeRecord{
		Strategy:     t.Strategy,
		MarketID:     t.MarketID,
		InstrumentID: t.InstrumentID,
		MarketLabel:  t.MarketLabel,
		EntryPrice:   t.EntryPrice,
		ExitPrice:    t.ExitPrice,
		Size:         t.Size,
		Fee:          t.Fee,
		PnL:          t.PnL,
		Paper:        t.Paper,
		OpenedAt:     t.OpenedAt,
		ClosedAt:     t.ClosedAt,
	}).Error
}

// RecentClosedTrades returns the latest realized trades, newest first
func (d *Database) RecentClosedTrades(ctx context.Context, limit int) ([]types.ClosedTrade, error) {
	var recs []ClosedTradeRecord
	err := d.db.WithContext(ctx).Order("closed_at DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, err
	}

	out := make([]types.ClosedTrade, 0, len(recs))
	for _, r := range recs {
		out = append(out, types.ClosedTrade{
			MarketID:     r.MarketID,
			InstrumentID: r.InstrumentID,
			MarketLabel:  r.MarketLabel,
			Strategy:     r.Strategy,
			PnL:          r.PnL,
			Fee:          r.Fee,
			EntryPrice:   r.EntryPrice,
			ExitPrice:    r.ExitPrice,
			Size:         r.Size,
			OpenedAt:     r.OpenedAt,
			ClosedAt:     r.ClosedAt,
			Paper:        r.Paper,
		})
	}
	return out, nil
}

// TotalPnL sums realized PnL per strategy across the whole journal
func (d *Database) TotalPnL(ctx context.Context) (map[string]decimal.Decimal, error) {
	var rows []struct {
		Strategy string
		Total    decimal.Decimal
	}
	err := d.db.WithContext(ctx).
		Model(&ClosedTradeRecord{}).
		Select("strategy, COALESCE(SUM(pnl), 0) as total").
		Group("strategy").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		out[r.Strategy] = r.Total
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// REPORTS
// ═══════════════════════════════════════════════════════════════════════════════

// SaveReport stores one report snapshot
func (d *Database) SaveReport(ctx context.Context, r execution.Report) error {
	rows, err := json.Marshal(r.Strategies)
	if err != nil {
		return fmt.Errorf("encode strategies: %w", err)
	}
	return d.db.WithContext(ctx).Create(&ReportSnapshot{
		GeneratedAt: r.GeneratedAt,
		UptimeSec:   int64(r.Uptime / time.Second),
		TotalValue:  r.TotalValue,
		Bankroll:    r.Bankroll,
		Drawdown:    r.Drawdown,
		TodayPnL:    r.TodayPnL,
		OpenTrades:  r.OpenTrades,
		TotalTrades: r.TotalTrades,
		TodayTrades: r.TodayTrades,
		Strategies:  string(rows),
	}).Error
}

// LatestReport returns the most recent snapshot, false when none exist
func (d *Database) LatestReport(ctx context.Context) (execution.Report, bool, error) {
	var snaps []ReportSnapshot
	err := d.db.WithContext(ctx).Order("generated_at DESC").Limit(1).Find(&snaps).Error
	if err != nil || len(snaps) == 0 {
		return execution.Report{}, false, err
	}

	s := snaps[0]
	r := execution.Report{
		GeneratedAt: s.GeneratedAt,
		Uptime:      time.Duration(s.UptimeSec) * time.Second,
		TotalValue:  s.TotalValue,
		Bankroll:    s.Bankroll,
		Drawdown:    s.Drawdown,
		TodayPnL:    s.TodayPnL,
		OpenTrades:  s.OpenTrades,
		TotalTrades: s.TotalTrades,
		TodayTrades: s.TodayTrades,
	}
	var rows []portfolio.StrategyMetrics
	if s.Strategies != "" {
		if err := json.Unmarshal([]byte(s.Strategies), &rows); err != nil {
			return r, true, fmt.Errorf("decode strategies: %w", err)
		}
	}
	r.Strategies = rows
	return r, true, nil
}

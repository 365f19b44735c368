package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/convergence-service/internal/config"
	"github.com/trogers1052/convergence-service/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements the engine's storage on a pgx pool
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres wraps an open pool
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the tables if they do not exist
func (r *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// RecentPositions returns positions for pair/direction entered within [from, to], oldest first.
func (r *Postgres) RecentPositions(ctx context.Context, pair string, direction models.Direction, from, to time.Time) ([]models.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := r.db.Query(ctx, `
        SELECT wallet_address, pair, direction, entry_price, trade_size, leverage, entry_time
        FROM wallet_positions
        WHERE pair = $1 AND direction = $2 AND entry_time >= $3 AND entry_time <= $4
        ORDER BY entry_time ASC
    `, pair, string(direction), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	out := make([]models.Position, 0)
	for rows.Next() {
		var p models.Position
		var dir string
		if err := rows.Scan(&p.WalletAddress, &p.Pair, &dir, &p.EntryPrice, &p.TradeSize, &p.Leverage, &p.EntryTime); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Direction = models.Direction(dir)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read positions: %w", err)
	}
	return out, nil
}

// MostRecentSignalID returns the newest signal for pair/direction created at or after cutoff.
func (r *Postgres) MostRecentSignalID(ctx context.Context, pair string, direction models.Direction, cutoff time.Time) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var id string
	err := r.db.QueryRow(ctx, `
        SELECT id FROM signals
        WHERE pair = $1 AND direction = $2 AND created_at >= $3
        ORDER BY created_at DESC
        LIMIT 1
    `, pair, string(direction), cutoff).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query recent signal: %w", err)
	}
	return id, true, nil
}

// CreateSignal writes the signal, its wallets and its targets in one
// transaction. A transaction-scoped advisory lock on pair:direction
// serializes concurrent creators, and the cooldown is re-checked under it.
func (r *Postgres) CreateSignal(ctx context.Context, rec models.SignalRecord, cooldownCutoff time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s := rec.Signal
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		lockKey(s.Pair, string(s.Direction))); err != nil {
		return fmt.Errorf("failed to lock %s %s: %w", s.Pair, s.Direction, err)
	}

	var recent bool
	err = tx.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM signals
            WHERE pair = $1 AND direction = $2 AND created_at >= $3
        )
    `, s.Pair, string(s.Direction), cooldownCutoff).Scan(&recent)
	if err != nil {
		return fmt.Errorf("failed to re-check cooldown: %w", err)
	}
	if recent {
		return ErrCooldownActive
	}

	const insertSignalSQL = `
        INSERT INTO signals (
            id, pair, direction,
            entry_price, avg_trade_size, total_notional, avg_leverage,
            wallet_count, stop_loss_percent, stop_loss_price,
            status, created_at
        )
        VALUES ($1,$2,$3, $4,$5,$6,$7, $8,$9,$10, $11,$12)
    `
	if _, err := tx.Exec(ctx, insertSignalSQL,
		s.ID, s.Pair, string(s.Direction),
		s.EntryPrice, s.AvgTradeSize, s.TotalNotional, s.AvgLeverage,
		s.WalletCount, s.StopLossPercent, s.StopLossPrice,
		string(s.Status), s.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}

	batch := &pgx.Batch{}
	for _, w := range rec.Wallets {
		batch.Queue(`
            INSERT INTO signal_wallets (signal_id, wallet_address, entry_price, trade_size, leverage)
            VALUES ($1,$2,$3,$4,$5)
        `, s.ID, w.WalletAddress, w.EntryPrice, w.TradeSize, w.Leverage)
	}
	for _, t := range rec.Targets {
		batch.Queue(`
            INSERT INTO signal_targets (signal_id, target_index, percent, price)
            VALUES ($1,$2,$3,$4)
        `, s.ID, t.Index, t.Percent, t.Price)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert signal wallets/targets: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit signal: %w", err)
	}
	return nil
}

// GetSignal loads a signal with its wallets and targets.
func (r *Postgres) GetSignal(ctx context.Context, id string) (models.SignalRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var rec models.SignalRecord
	s := &rec.Signal
	var dir, status string
	err := r.db.QueryRow(ctx, `
        SELECT id, pair, direction, entry_price, avg_trade_size, total_notional, avg_leverage,
               wallet_count, stop_loss_percent, stop_loss_price, status, created_at
        FROM signals WHERE id = $1
    `, id).Scan(&s.ID, &s.Pair, &dir, &s.EntryPrice, &s.AvgTradeSize, &s.TotalNotional, &s.AvgLeverage,
		&s.WalletCount, &s.StopLossPercent, &s.StopLossPrice, &status, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("failed to load signal: %w", err)
	}
	s.Direction = models.Direction(dir)
	s.Status = models.SignalStatus(status)

	rows, err := r.db.Query(ctx, `
        SELECT wallet_address, entry_price, trade_size, leverage
        FROM signal_wallets WHERE signal_id = $1
        ORDER BY wallet_address
    `, id)
	if err != nil {
		return rec, fmt.Errorf("failed to load signal wallets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		w := models.SignalWallet{SignalID: id}
		if err := rows.Scan(&w.WalletAddress, &w.EntryPrice, &w.TradeSize, &w.Leverage); err != nil {
			return rec, fmt.Errorf("failed to scan signal wallet: %w", err)
		}
		rec.Wallets = append(rec.Wallets, w)
	}
	if err := rows.Err(); err != nil {
		return rec, err
	}

	targetRows, err := r.db.Query(ctx, `
        SELECT target_index, percent, price
        FROM signal_targets WHERE signal_id = $1
        ORDER BY target_index
    `, id)
	if err != nil {
		return rec, fmt.Errorf("failed to load signal targets: %w", err)
	}
	defer targetRows.Close()
	for targetRows.Next() {
		t := models.SignalTarget{SignalID: id}
		if err := targetRows.Scan(&t.Index, &t.Percent, &t.Price); err != nil {
			return rec, fmt.Errorf("failed to scan signal target: %w", err)
		}
		rec.Targets = append(rec.Targets, t)
		s.TakeProfitPercents = append(s.TakeProfitPercents, t.Percent)
	}
	return rec, targetRows.Err()
}

// ConfigSource reads detection settings from the detection_config row,
// using fallback for any column that is NULL or when the row is missing.
type ConfigSource struct {
	db       *pgxpool.Pool
	fallback config.WindowConfig
}

// NewConfigSource creates a per-batch config loader
func NewConfigSource(db *pgxpool.Pool, fallback config.WindowConfig) *ConfigSource {
	return &ConfigSource{db: db, fallback: fallback}
}

// LoadWindowConfig reads and validates the current detection settings.
func (c *ConfigSource) LoadWindowConfig(ctx context.Context) (config.WindowConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var row configRow
	err := c.db.QueryRow(ctx, `
        SELECT window_minutes, min_trade_size, min_leverage, min_wallet_count,
               stop_loss_percent, take_profit_percents
        FROM detection_config WHERE id = 1
    `).Scan(&row.WindowMinutes, &row.MinTradeSize, &row.MinLeverage, &row.MinWalletCount,
		&row.StopLossPercent, &row.TakeProfitPercents)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return config.WindowConfig{}, fmt.Errorf("failed to load detection config: %w", err)
	}

	cfg, err := row.merge(c.fallback)
	if err != nil {
		return config.WindowConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.WindowConfig{}, fmt.Errorf("invalid detection config: %w", err)
	}
	return cfg, nil
}

type configRow struct {
	WindowMinutes      *int
	MinTradeSize       decimal.NullDecimal
	MinLeverage        decimal.NullDecimal
	MinWalletCount     *int
	StopLossPercent    decimal.NullDecimal
	TakeProfitPercents *string
}

func (row configRow) merge(base config.WindowConfig) (config.WindowConfig, error) {
	cfg := base
	if row.WindowMinutes != nil {
		cfg.Window = time.Duration(*row.WindowMinutes) * time.Minute
	}
	if row.MinTradeSize.Valid {
		cfg.MinTradeSize = row.MinTradeSize.Decimal
	}
	if row.MinLeverage.Valid {
		cfg.MinLeverage = row.MinLeverage.Decimal
	}
	if row.MinWalletCount != nil {
		cfg.MinWalletCount = *row.MinWalletCount
	}
	if row.StopLossPercent.Valid {
		cfg.StopLossPercent = row.StopLossPercent
	}
	if row.TakeProfitPercents != nil && *row.TakeProfitPercents != "" {
		tps, err := config.ParseDecimalList(*row.TakeProfitPercents)
		if err != nil {
			return config.WindowConfig{}, fmt.Errorf("invalid take_profit_percents: %w", err)
		}
		cfg.TakeProfitPercents = tps
	}
	return cfg, nil
}

package config

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Defaults applied when no stop-loss or take-profit override is configured.
var (
	DefaultStopLossPercent    = decimal.RequireFromString("-2.5")
	DefaultTakeProfitPercents = []decimal.Decimal{
		decimal.RequireFromString("2.0"),
		decimal.RequireFromString("3.5"),
		decimal.RequireFromString("5.0"),
	}
)

// WindowConfig holds the detection parameters for one processing run.
// It is loaded once per batch and must not be mutated afterwards.
type WindowConfig struct {
	Window             time.Duration       // look-back for recent positions
	MinTradeSize       decimal.Decimal     // positions below this size are ignored
	MinLeverage        decimal.Decimal     // positions below this leverage are ignored
	MinWalletCount     int                 // distinct wallets needed to fire
	StopLossPercent    decimal.NullDecimal // optional override, negative lowers a LONG exit
	TakeProfitPercents []decimal.Decimal   // optional override, order is preserved
}

// Validate checks the detection parameters
func (w WindowConfig) Validate() error {
	if w.Window <= 0 {
		return fmt.Errorf("WINDOW_MINUTES must be positive")
	}
	if w.MinWalletCount < 1 {
		return fmt.Errorf("MIN_WALLET_COUNT must be at least 1")
	}
	if w.MinTradeSize.IsNegative() {
		return fmt.Errorf("MIN_TRADE_SIZE must not be negative")
	}
	if w.MinLeverage.IsNegative() {
		return fmt.Errorf("MIN_LEVERAGE must not be negative")
	}
	return nil
}

// StopLoss returns the configured stop-loss percent or the default.
func (w WindowConfig) StopLoss() decimal.Decimal {
	if w.StopLossPercent.Valid {
		return w.StopLossPercent.Decimal
	}
	return DefaultStopLossPercent
}

// TakeProfits returns a copy of the configured take-profit percents or the defaults.
func (w WindowConfig) TakeProfits() []decimal.Decimal {
	src := w.TakeProfitPercents
	if len(src) == 0 {
		src = DefaultTakeProfitPercents
	}
	out := make([]decimal.Decimal, len(src))
	copy(out, src)
	return out
}

// Static serves the same WindowConfig for every batch.
type Static struct {
	cfg WindowConfig
}

// NewStatic creates a config source backed by env-derived settings
func NewStatic(cfg WindowConfig) *Static {
	return &Static{cfg: cfg}
}

// LoadWindowConfig returns the static settings.
func (s *Static) LoadWindowConfig(ctx context.Context) (WindowConfig, error) {
	if err := s.cfg.Validate(); err != nil {
		return WindowConfig{}, err
	}
	return s.cfg, nil
}

// Package correlation holds the decision logic that turns recent wallet
// positions into a convergence signal: window and eligibility filtering,
// per-wallet deduplication, the wallet-count threshold, the cooldown
// status, aggregate metrics and exit price levels.
package correlation

import (
	"time"

	"github.com/trogers1052/convergence-service/internal/config"
	"github.com/trogers1052/convergence-service/internal/models"
)

// WindowStart returns the earliest entry time inside the detection window ending at now.
func WindowStart(now time.Time, window time.Duration) time.Time {
	return now.Add(-window)
}

// InWindow reports whether t falls within [now-window, now].
func InWindow(t, now time.Time, window time.Duration) bool {
	return !t.Before(WindowStart(now, window)) && !t.After(now)
}

// FilterEligible keeps the positions that entered within the window and meet
// the minimum trade size and leverage. Input order is preserved.
func FilterEligible(positions []models.Position, now time.Time, cfg config.WindowConfig) []models.Position {
	eligible := make([]models.Position, 0, len(positions))
	for _, p := range positions {
		if !InWindow(p.EntryTime, now, cfg.Window) {
			continue
		}
		if p.TradeSize.LessThan(cfg.MinTradeSize) {
			continue
		}
		if p.Leverage.LessThan(cfg.MinLeverage) {
			continue
		}
		eligible = append(eligible, p)
	}
	return eligible
}

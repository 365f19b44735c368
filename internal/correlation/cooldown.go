package correlation

import (
	"context"
	"time"

	"github.com/trogers1052/convergence-service/internal/models"
	"go.uber.org/zap"
)

// Cooldown is the minimum interval between signals for the same pair and direction
const Cooldown = 5 * time.Minute

// CooldownStatus is the outcome of a cooldown check
type CooldownStatus int

const (
	// CooldownClear means no signal was found inside the cooldown window.
	CooldownClear CooldownStatus = iota
	// CooldownActive means a recent signal exists and this one must be suppressed.
	CooldownActive
	// CooldownIndeterminate means the lookup failed; treated like CooldownClear.
	CooldownIndeterminate
)

func (s CooldownStatus) String() string {
	switch s {
	case CooldownClear:
		return "clear"
	case CooldownActive:
		return "active"
	case CooldownIndeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}

// Suppress reports whether signal generation must be skipped.
// Indeterminate fails open.
func (s CooldownStatus) Suppress() bool {
	return s == CooldownActive
}

// CooldownCutoff returns the earliest creation time that still blocks a new signal.
func CooldownCutoff(now time.Time) time.Time {
	return now.Add(-Cooldown)
}

// RecentSignalFinder looks up the newest signal created after cutoff.
type RecentSignalFinder interface {
	MostRecentSignalID(ctx context.Context, pair string, direction models.Direction, cutoff time.Time) (string, bool, error)
}

// CooldownGuard decides whether a pair/direction is still cooling down
type CooldownGuard struct {
	finder RecentSignalFinder
	logger *zap.Logger
}

// NewCooldownGuard creates a guard backed by signal storage
func NewCooldownGuard(finder RecentSignalFinder, logger *zap.Logger) *CooldownGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CooldownGuard{finder: finder, logger: logger}
}

// Check returns the cooldown status and, when active, the blocking signal id.
func (g *CooldownGuard) Check(ctx context.Context, pair string, direction models.Direction, now time.Time) (CooldownStatus, string) {
	id, found, err := g.finder.MostRecentSignalID(ctx, pair, direction, CooldownCutoff(now))
	if err != nil {
		g.logger.Warn("cooldown check failed, allowing signal",
			zap.String("pair", pair),
			zap.String("direction", string(direction)),
			zap.Error(err),
		)
		return CooldownIndeterminate, ""
	}
	if found {
		return CooldownActive, id
	}
	return CooldownClear, ""
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trogers1052/convergence-service/internal/config"
	"github.com/trogers1052/convergence-service/internal/correlation"
	"github.com/trogers1052/convergence-service/internal/models"
	"github.com/trogers1052/convergence-service/internal/store"
	"go.uber.org/zap"
)

// ConfigSource provides the detection settings for one batch
type ConfigSource interface {
	LoadWindowConfig(ctx context.Context) (config.WindowConfig, error)
}

// PositionSource returns positions for a pair/direction entered within [from, to]
type PositionSource interface {
	RecentPositions(ctx context.Context, pair string, direction models.Direction, from, to time.Time) ([]models.Position, error)
}

// SignalStore answers cooldown lookups and persists signals atomically.
// CreateSignal must return store.ErrCooldownActive instead of inserting when
// a signal for the same pair/direction exists at or after cooldownCutoff.
type SignalStore interface {
	correlation.RecentSignalFinder
	CreateSignal(ctx context.Context, rec models.SignalRecord, cooldownCutoff time.Time) error
	GetSignal(ctx context.Context, id string) (models.SignalRecord, error)
}

// Publisher hands a notification to the outbound transport
type Publisher interface {
	PublishNotification(ctx context.Context, n models.Notification) error
}

// Decision describes what happened to one position event
type Decision int

const (
	DecisionBelowThreshold Decision = iota
	DecisionSuppressed
	DecisionEmitted
)

func (d Decision) String() string {
	switch d {
	case DecisionBelowThreshold:
		return "below_threshold"
	case DecisionSuppressed:
		return "suppressed"
	case DecisionEmitted:
		return "emitted"
	default:
		return "unknown"
	}
}

// Result is the outcome of evaluating one event
type Result struct {
	Decision    Decision
	WalletCount int
	Cooldown    correlation.CooldownStatus
	Record      *models.SignalRecord // set when Decision is DecisionEmitted
	Blocking    *models.Signal       // signal holding the cooldown, when it could be loaded
}

// SignalService turns position events into convergence signals
type SignalService struct {
	configs   ConfigSource
	positions PositionSource
	signals   SignalStore
	guard     *correlation.CooldownGuard
	publisher Publisher
	logger    *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewSignalService creates a new signal service
func NewSignalService(configs ConfigSource, positions PositionSource, signals SignalStore, publisher Publisher, logger *zap.Logger) *SignalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalService{
		configs:   configs,
		positions: positions,
		signals:   signals,
		guard:     correlation.NewCooldownGuard(signals, logger),
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// HandleBatch loads the detection settings once and evaluates each event in
// order. A settings failure is returned before any event is touched so the
// whole batch is redelivered; otherwise one outcome per event is returned.
func (s *SignalService) HandleBatch(ctx context.Context, events []*models.PositionEvent) ([]models.Outcome, error) {
	cfg, err := s.configs.LoadWindowConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load detection config: %w", err)
	}

	outcomes := make([]models.Outcome, len(events))
	for i, event := range events {
		outcomes[i] = s.ProcessEvent(ctx, cfg, event)
	}
	return outcomes, nil
}

// ProcessEvent evaluates a single event and maps errors to a retry outcome.
func (s *SignalService) ProcessEvent(ctx context.Context, cfg config.WindowConfig, event *models.PositionEvent) models.Outcome {
	if event == nil {
		return models.OutcomePoison
	}
	if err := event.Data.Validate(); err != nil {
		s.logger.Warn("dropping invalid position event", zap.Error(err))
		return models.OutcomePoison
	}

	data := event.Data
	if _, err := s.Evaluate(ctx, cfg, data.Pair, data.Direction); err != nil {
		s.logger.Error("failed to evaluate position event",
			zap.String("wallet", data.WalletAddress),
			zap.String("pair", data.Pair),
			zap.String("direction", string(data.Direction)),
			zap.Error(err),
		)
		return models.OutcomeRetry
	}
	return models.OutcomeSuccess
}

// Evaluate runs the detection pipeline for pair/direction at the current time.
func (s *SignalService) Evaluate(ctx context.Context, cfg config.WindowConfig, pair string, direction models.Direction) (Result, error) {
	now := s.now()
	log := s.logger.With(zap.String("pair", pair), zap.String("direction", string(direction)))

	raw, err := s.positions.RecentPositions(ctx, pair, direction, correlation.WindowStart(now, cfg.Window), now)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load recent positions: %w", err)
	}

	eligible := correlation.FilterEligible(raw, now, cfg)
	wallets := correlation.AggregateByWallet(eligible)
	result := Result{WalletCount: wallets.Count()}

	if !correlation.MeetsThreshold(wallets.Count(), cfg.MinWalletCount) {
		log.Debug("wallet threshold not met",
			zap.Int("wallet_count", wallets.Count()),
			zap.Int("min_wallet_count", cfg.MinWalletCount),
		)
		result.Decision = DecisionBelowThreshold
		return result, nil
	}

	status, blocking := s.guard.Check(ctx, pair, direction, now)
	result.Cooldown = status
	if status.Suppress() {
		result.Blocking = s.blockingSignal(ctx, log, blocking, wallets.Count())
		result.Decision = DecisionSuppressed
		return result, nil
	}

	rec := s.buildRecord(cfg, pair, direction, wallets.Positions(), now)
	if err := s.signals.CreateSignal(ctx, rec, correlation.CooldownCutoff(now)); err != nil {
		if errors.Is(err, store.ErrCooldownActive) {
			log.Info("skipping signal: created concurrently within cooldown",
				zap.Int("wallet_count", wallets.Count()),
			)
			result.Cooldown = correlation.CooldownActive
			result.Decision = DecisionSuppressed
			return result, nil
		}
		return Result{}, fmt.Errorf("failed to persist signal: %w", err)
	}

	log.Info("convergence signal created",
		zap.String("signal_id", rec.Signal.ID),
		zap.Int("wallet_count", rec.Signal.WalletCount),
		zap.String("entry_price", rec.Signal.EntryPrice.String()),
	)

	s.notify(ctx, rec)

	result.Decision = DecisionEmitted
	result.Record = &rec
	return result, nil
}

// blockingSignal loads the signal holding the cooldown for the suppression
// log line. Lookup failures only reduce the detail logged.
func (s *SignalService) blockingSignal(ctx context.Context, log *zap.Logger, id string, walletCount int) *models.Signal {
	rec, err := s.signals.GetSignal(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("failed to load blocking signal", zap.String("recent_signal_id", id), zap.Error(err))
		}
		log.Info("skipping signal: in cooldown period",
			zap.String("recent_signal_id", id),
			zap.Int("wallet_count", walletCount),
		)
		return nil
	}

	blocking := rec.Signal
	log.Info("skipping signal: in cooldown period",
		zap.String("recent_signal_id", id),
		zap.Time("recent_signal_created_at", blocking.CreatedAt),
		zap.Int("recent_wallet_count", blocking.WalletCount),
		zap.Int("wallet_count", walletCount),
	)
	return &blocking
}

// notify publishes the notification. Failures are logged only: the stored
// signal is the source of truth and must not be retried.
func (s *SignalService) notify(ctx context.Context, rec models.SignalRecord) {
	if s.publisher == nil {
		return
	}
	n := BuildNotification(rec)
	if err := s.publisher.PublishNotification(ctx, n); err != nil {
		s.logger.Error("failed to publish signal notification",
			zap.String("signal_id", rec.Signal.ID),
			zap.Error(err),
		)
	}
}

func (s *SignalService) buildRecord(cfg config.WindowConfig, pair string, direction models.Direction, positions []models.Position, now time.Time) models.SignalRecord {
	metrics := correlation.ComputeMetrics(positions)
	levels := correlation.ComputeLevels(direction, metrics.AvgEntryPrice, cfg.StopLoss(), cfg.TakeProfits())

	id := s.newID()
	rec := models.SignalRecord{
		Signal: models.Signal{
			ID:                 id,
			Pair:               pair,
			Direction:          direction,
			EntryPrice:         metrics.AvgEntryPrice,
			AvgTradeSize:       metrics.AvgTradeSize,
			TotalNotional:      metrics.TotalNotional,
			AvgLeverage:        metrics.AvgLeverage,
			WalletCount:        metrics.WalletCount,
			StopLossPercent:    levels.StopLossPercent,
			StopLossPrice:      levels.StopLossPrice,
			TakeProfitPercents: levels.TakeProfitPercents(),
			Status:             models.SignalStatusOpen,
			CreatedAt:          now,
		},
		Wallets: make([]models.SignalWallet, 0, len(positions)),
		Targets: make([]models.SignalTarget, 0, len(levels.Targets)),
	}

	for _, p := range positions {
		rec.Wallets = append(rec.Wallets, models.SignalWallet{
			SignalID:      id,
			WalletAddress: p.WalletAddress,
			EntryPrice:    p.EntryPrice,
			TradeSize:     p.TradeSize,
			Leverage:      p.Leverage,
		})
	}
	for _, t := range levels.Targets {
		rec.Targets = append(rec.Targets, models.SignalTarget{
			SignalID: id,
			Index:    t.Index,
			Percent:  t.Percent,
			Price:    t.Price,
		})
	}
	return rec
}

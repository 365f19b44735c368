package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/convergence-service/internal/models"
)

// Memory is an in-process store. CreateSignal holds the write lock across the
// cooldown re-check and the insert.
type Memory struct {
	mu        sync.RWMutex
	positions []models.Position
	records   map[string]models.SignalRecord
	order     []string // signal ids in creation order
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{records: make(map[string]models.SignalRecord)}
}

// AddPosition records a position as the ingestion pipeline would.
func (m *Memory) AddPosition(p models.Position) {
	m.mu.Lock()
	m.positions = append(m.positions, p)
	m.mu.Unlock()
}

// RecentPositions returns positions for pair/direction entered within [from, to], oldest first.
func (m *Memory) RecentPositions(ctx context.Context, pair string, direction models.Direction, from, to time.Time) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Position
	for _, p := range m.positions {
		if p.Pair != pair || p.Direction != direction {
			continue
		}
		if p.EntryTime.Before(from) || p.EntryTime.After(to) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out, nil
}

// MostRecentSignalID returns the newest signal for pair/direction created at or after cutoff.
func (m *Memory) MostRecentSignalID(ctx context.Context, pair string, direction models.Direction, cutoff time.Time) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mostRecentLocked(pair, direction, cutoff)
}

func (m *Memory) mostRecentLocked(pair string, direction models.Direction, cutoff time.Time) (string, bool, error) {
	var (
		bestID string
		best   time.Time
		found  bool
	)
	for _, id := range m.order {
		s := m.records[id].Signal
		if s.Pair != pair || s.Direction != direction || s.CreatedAt.Before(cutoff) {
			continue
		}
		if !found || s.CreatedAt.After(best) {
			bestID, best, found = id, s.CreatedAt, true
		}
	}
	return bestID, found, nil
}

// CreateSignal stores the signal with its wallets and targets unless a signal
// for the same pair and direction exists at or after cooldownCutoff.
func (m *Memory) CreateSignal(ctx context.Context, rec models.SignalRecord, cooldownCutoff time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := rec.Signal
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found, _ := m.mostRecentLocked(s.Pair, s.Direction, cooldownCutoff); found {
		return ErrCooldownActive
	}

	m.records[s.ID] = copyRecord(rec)
	m.order = append(m.order, s.ID)
	return nil
}

// GetSignal returns a stored signal record by id.
func (m *Memory) GetSignal(ctx context.Context, id string) (models.SignalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return models.SignalRecord{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

// Signals returns all stored signals in creation order.
func (m *Memory) Signals() []models.Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Signal, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id].Signal)
	}
	return out
}

func copyRecord(rec models.SignalRecord) models.SignalRecord {
	out := rec
	out.Signal.TakeProfitPercents = append([]decimal.Decimal(nil), rec.Signal.TakeProfitPercents...)
	out.Wallets = append([]models.SignalWallet(nil), rec.Wallets...)
	out.Targets = append([]models.SignalTarget(nil), rec.Targets...)
	return out
}

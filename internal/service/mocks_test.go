package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/trogers1052/convergence-service/internal/config"
	"github.com/trogers1052/convergence-service/internal/models"
	"github.com/trogers1052/convergence-service/internal/store"
)

// mockConfigSource returns cfg or err and counts calls
type mockConfigSource struct {
	cfg   config.WindowConfig
	err   error
	calls int
}

func (m *mockConfigSource) LoadWindowConfig(ctx context.Context) (config.WindowConfig, error) {
	m.calls++
	return m.cfg, m.err
}

// failingPositions fails for the listed pairs and delegates otherwise
type failingPositions struct {
	PositionSource
	failPairs map[string]bool
}

func (f *failingPositions) RecentPositions(ctx context.Context, pair string, direction models.Direction, from, to time.Time) ([]models.Position, error) {
	if f.failPairs[pair] {
		return nil, errors.New("position store unavailable")
	}
	return f.PositionSource.RecentPositions(ctx, pair, direction, from, to)
}

// flakyFinder wraps a memory store, optionally failing or hiding recent signals
type flakyFinder struct {
	*store.Memory
	findErr    error
	alwaysMiss bool
	createErr  error
	getErr     error
}

func (f *flakyFinder) MostRecentSignalID(ctx context.Context, pair string, direction models.Direction, cutoff time.Time) (string, bool, error) {
	if f.findErr != nil {
		return "", false, f.findErr
	}
	if f.alwaysMiss {
		return "", false, nil
	}
	return f.Memory.MostRecentSignalID(ctx, pair, direction, cutoff)
}

func (f *flakyFinder) CreateSignal(ctx context.Context, rec models.SignalRecord, cutoff time.Time) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Memory.CreateSignal(ctx, rec, cutoff)
}

func (f *flakyFinder) GetSignal(ctx context.Context, id string) (models.SignalRecord, error) {
	if f.getErr != nil {
		return models.SignalRecord{}, f.getErr
	}
	return f.Memory.GetSignal(ctx, id)
}

// mockPublisher records notifications
type mockPublisher struct {
	mu            sync.Mutex
	notifications []models.Notification
	err           error
}

func (m *mockPublisher) PublishNotification(ctx context.Context, n models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.notifications = append(m.notifications, n)
	return nil
}

// mockSender records delivered messages
type mockSender struct {
	defaultMessages []string
	directMessages  map[int64][]string
	err             error
}

func (m *mockSender) SendMessage(ctx context.Context, message string) error {
	if m.err != nil {
		return m.err
	}
	m.defaultMessages = append(m.defaultMessages, message)
	return nil
}

func (m *mockSender) SendMessageTo(ctx context.Context, chatID int64, message string) error {
	if m.err != nil {
		return m.err
	}
	if m.directMessages == nil {
		m.directMessages = make(map[int64][]string)
	}
	m.directMessages[chatID] = append(m.directMessages[chatID], message)
	return nil
}

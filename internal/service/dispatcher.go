package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/trogers1052/convergence-service/internal/models"
	"go.uber.org/zap"
)

// MessageSender delivers rendered messages to a chat
type MessageSender interface {
	SendMessage(ctx context.Context, message string) error
	SendMessageTo(ctx context.Context, chatID int64, message string) error
}

// QuietHours suppresses delivery between Start and End (hours, 0-23)
type QuietHours struct {
	Enabled bool
	Start   int
	End     int
}

// Dispatcher delivers signal notifications from the notification topic
type Dispatcher struct {
	sender MessageSender
	quiet  QuietHours
	logger *zap.Logger
	now    func() time.Time
}

// NewDispatcher creates a notification dispatcher
func NewDispatcher(sender MessageSender, quiet QuietHours, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sender: sender,
		quiet:  quiet,
		logger: logger,
		now:    time.Now,
	}
}

// HandleNotification delivers one notification. Delivery is best effort:
// errors are returned for logging but the message is not redelivered.
func (d *Dispatcher) HandleNotification(ctx context.Context, n *models.Notification) error {
	if n.Type != models.NotificationNewSignal {
		d.logger.Debug("ignoring notification type", zap.String("type", n.Type))
		return nil
	}

	if d.isQuietHours() {
		d.logger.Info("skipping notification: quiet hours active", zap.String("signal_id", n.SignalID))
		return nil
	}

	if err := d.deliver(ctx, n); err != nil {
		return fmt.Errorf("failed to deliver notification %s: %w", n.SignalID, err)
	}

	d.logger.Info("delivered signal notification",
		zap.String("signal_id", n.SignalID),
		zap.String("pair", n.Pair),
		zap.String("direction", string(n.Direction)),
		zap.Int("wallet_count", n.WalletCount),
	)
	return nil
}

// deliver resolves the destination placeholder to the default chat; any
// other destination must be a numeric chat id.
func (d *Dispatcher) deliver(ctx context.Context, n *models.Notification) error {
	if n.Destination == "" || n.Destination == models.DestinationPlaceholder {
		return d.sender.SendMessage(ctx, n.Message)
	}
	chatID, err := strconv.ParseInt(n.Destination, 10, 64)
	if err != nil {
		return fmt.Errorf("unresolvable destination %q", n.Destination)
	}
	return d.sender.SendMessageTo(ctx, chatID, n.Message)
}

// isQuietHours checks if current time is within quiet hours
func (d *Dispatcher) isQuietHours() bool {
	if !d.quiet.Enabled {
		return false
	}

	hour := d.now().Hour()
	start := d.quiet.Start
	end := d.quiet.End

	// Handle overnight quiet hours (e.g., 22:00 to 07:00)
	if start > end {
		return hour >= start || hour < end
	}

	// Same-day quiet hours (e.g., 13:00 to 14:00)
	return hour >= start && hour < end
}

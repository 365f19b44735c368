package service

import (
	"fmt"
	"html"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/convergence-service/internal/models"
)

// Embed colors for chat clients that support them
const (
	colorLong  = 0x2ECC71
	colorShort = 0xE74C3C
)

// BuildNotification renders the outbound payload for a stored signal
func BuildNotification(rec models.SignalRecord) models.Notification {
	s := rec.Signal
	return models.Notification{
		Type:        models.NotificationNewSignal,
		Message:     formatSignalMessage(rec),
		Destination: models.DestinationPlaceholder,
		Color:       directionColor(s.Direction),
		SignalID:    s.ID,
		Pair:        s.Pair,
		Direction:   s.Direction,
		WalletCount: s.WalletCount,
		CreatedAt:   s.CreatedAt,
	}
}

// formatSignalMessage formats a signal into a Telegram HTML message
func formatSignalMessage(rec models.SignalRecord) string {
	s := rec.Signal

	var sb strings.Builder

	// Header
	sb.WriteString(fmt.Sprintf("%s <b>%s Convergence: %s</b>\n\n", directionEmoji(s.Direction), s.Direction, html.EscapeString(s.Pair)))

	// Entry and participation
	sb.WriteString(fmt.Sprintf("💰 Entry: %s\n", formatPrice(s.EntryPrice)))
	sb.WriteString(fmt.Sprintf("👛 Wallets: %d\n", s.WalletCount))
	sb.WriteString(fmt.Sprintf("📐 Avg leverage: %sx\n", s.AvgLeverage.StringFixed(1)))
	sb.WriteString(fmt.Sprintf("📦 Total notional: %s\n\n", s.TotalNotional.StringFixed(2)))

	// Exits
	sb.WriteString(fmt.Sprintf("🛑 <b>Stop loss:</b> %s (%s)\n",
		formatPrice(s.StopLossPrice), formatMove(s.Direction, s.StopLossPercent)))

	if len(rec.Targets) > 0 {
		sb.WriteString("🎯 <b>Take profit:</b>\n")
		for _, t := range rec.Targets {
			sb.WriteString(fmt.Sprintf("  • TP%d: %s (%s)\n", t.Index+1, formatPrice(t.Price), formatMove(s.Direction, t.Percent)))
		}
	}
	sb.WriteString("\n")

	// Identity
	sb.WriteString(fmt.Sprintf("🆔 <code>%s</code>\n", html.EscapeString(s.ID)))
	sb.WriteString(fmt.Sprintf("🕐 %s", s.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST")))

	return sb.String()
}

func directionEmoji(d models.Direction) string {
	if d == models.DirectionShort {
		return "🔴"
	}
	return "🟢"
}

func directionColor(d models.Direction) int {
	if d == models.DirectionShort {
		return colorShort
	}
	return colorLong
}

// formatPrice picks precision by magnitude so sub-dollar tokens stay readable.
func formatPrice(p decimal.Decimal) string {
	abs := p.Abs()
	switch {
	case abs.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return p.StringFixed(2)
	case abs.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return p.StringFixed(4)
	default:
		return p.StringFixed(8)
	}
}

// formatMove shows the signed price move a percent produces for direction.
func formatMove(d models.Direction, percent decimal.Decimal) string {
	move := percent
	if d == models.DirectionShort {
		move = percent.Neg()
	}
	sign := ""
	if move.IsPositive() {
		sign = "+"
	}
	return sign + move.StringFixed(1) + "%"
}

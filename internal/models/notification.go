package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Notification types
const (
	NotificationNewSignal = "NEW_SIGNAL"
)

// DestinationPlaceholder is resolved to a concrete channel by the dispatcher.
const DestinationPlaceholder = "{{signal_channel}}"

// Notification is the payload published for downstream delivery
type Notification struct {
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Destination string    `json:"destination"`
	Color       int       `json:"color"` // green for LONG, red for SHORT
	SignalID    string    `json:"signal_id"`
	Pair        string    `json:"pair"`
	Direction   Direction `json:"direction"`
	WalletCount int       `json:"wallet_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// DecodeNotification parses a notification message value.
func DecodeNotification(raw []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	return &n, nil
}

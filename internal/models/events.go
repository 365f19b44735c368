package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidEvent marks an inbound payload that can never be processed.
var ErrInvalidEvent = errors.New("invalid position event")

// PositionEvent represents a position update from the ingestion pipeline
type PositionEvent struct {
	EventType     string       `json:"event_type"`
	Source        string       `json:"source"`
	SchemaVersion string       `json:"schema_version"`
	Timestamp     time.Time    `json:"timestamp"`
	Data          PositionData `json:"data"`
}

// PositionData contains the wallet's position snapshot
type PositionData struct {
	WalletAddress  string          `json:"wallet_address"`
	Pair           string          `json:"pair"`
	Direction      Direction       `json:"direction"` // LONG, SHORT
	EntryPrice     decimal.Decimal `json:"entry_price"`
	TradeSize      decimal.Decimal `json:"trade_size"`
	Leverage       decimal.Decimal `json:"leverage"`
	EntryTimestamp time.Time       `json:"entry_timestamp"`
}

// DecodePositionEvent parses and validates a raw message value.
// Every error it returns wraps ErrInvalidEvent.
func DecodePositionEvent(raw []byte) (*PositionEvent, error) {
	var event PositionEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := event.Data.Validate(); err != nil {
		return nil, err
	}
	return &event, nil
}

// Validate checks the fields the engine relies on.
func (d PositionData) Validate() error {
	switch {
	case strings.TrimSpace(d.WalletAddress) == "":
		return fmt.Errorf("%w: wallet_address is required", ErrInvalidEvent)
	case strings.TrimSpace(d.Pair) == "":
		return fmt.Errorf("%w: pair is required", ErrInvalidEvent)
	case !d.Direction.Valid():
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidEvent, d.Direction)
	case d.TradeSize.IsNegative():
		return fmt.Errorf("%w: negative trade_size", ErrInvalidEvent)
	case d.Leverage.IsNegative():
		return fmt.Errorf("%w: negative leverage", ErrInvalidEvent)
	case d.EntryTimestamp.IsZero():
		return fmt.Errorf("%w: entry_timestamp is required", ErrInvalidEvent)
	}
	return nil
}

// Position converts the event payload into the stored position shape.
func (d PositionData) Position() Position {
	return Position{
		WalletAddress: d.WalletAddress,
		Pair:          d.Pair,
		Direction:     d.Direction,
		EntryPrice:    d.EntryPrice,
		TradeSize:     d.TradeSize,
		Leverage:      d.Leverage,
		EntryTime:     d.EntryTimestamp,
	}
}

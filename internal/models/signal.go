package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the orientation of a position
type Direction string

// Directions
const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Valid reports whether d is LONG or SHORT.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// UnmarshalText normalizes case so "long" and "LONG" decode the same.
func (d *Direction) UnmarshalText(text []byte) error {
	*d = Direction(strings.ToUpper(strings.TrimSpace(string(text))))
	return nil
}

// Position is a single wallet's open trade snapshot. Read-only to this service.
type Position struct {
	WalletAddress string
	Pair          string
	Direction     Direction
	EntryPrice    decimal.Decimal
	TradeSize     decimal.Decimal
	Leverage      decimal.Decimal
	EntryTime     time.Time
}

// SignalStatus is the lifecycle status of a signal
type SignalStatus string

// Signal statuses. Only OPEN is ever written here; transitions belong to the tracker.
const (
	SignalStatusOpen SignalStatus = "OPEN"
)

// Signal is an emitted convergence alert
type Signal struct {
	ID                 string
	Pair               string
	Direction          Direction
	EntryPrice         decimal.Decimal // average entry of contributing wallets
	AvgTradeSize       decimal.Decimal
	TotalNotional      decimal.Decimal
	AvgLeverage        decimal.Decimal
	WalletCount        int
	StopLossPercent    decimal.Decimal
	StopLossPrice      decimal.Decimal
	TakeProfitPercents []decimal.Decimal
	Status             SignalStatus
	CreatedAt          time.Time
}

// SignalWallet is a contributing wallet's own snapshot at signal time
type SignalWallet struct {
	SignalID      string
	WalletAddress string
	EntryPrice    decimal.Decimal
	TradeSize     decimal.Decimal
	Leverage      decimal.Decimal
}

// SignalTarget is one take-profit level derived from the signal entry price
type SignalTarget struct {
	SignalID string
	Index    int // 0-based, follows the configured take-profit order
	Percent  decimal.Decimal
	Price    decimal.Decimal
}

// SignalRecord is the unit persisted atomically by the signal writer.
type SignalRecord struct {
	Signal  Signal
	Wallets []SignalWallet
	Targets []SignalTarget
}

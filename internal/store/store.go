// Package store persists signals and serves the position and cooldown
// queries the convergence engine depends on.
package store

import "errors"

// ErrCooldownActive is returned by CreateSignal when a signal for the same
// pair and direction was created after the cooldown cutoff.
var ErrCooldownActive = errors.New("signal cooldown active")

// ErrNotFound is returned when a requested signal does not exist.
var ErrNotFound = errors.New("not found")

func lockKey(pair, direction string) string {
	return pair + ":" + direction
}

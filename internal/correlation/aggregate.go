package correlation

import "github.com/trogers1052/convergence-service/internal/models"

// WalletSet holds exactly one position per wallet: the latest one seen.
type WalletSet struct {
	byWallet map[string]models.Position
	order    []string // wallets in first-encounter order
}

// AggregateByWallet collapses positions to the latest entry per wallet.
// On equal entry times the first encountered position wins.
func AggregateByWallet(positions []models.Position) WalletSet {
	set := WalletSet{byWallet: make(map[string]models.Position, len(positions))}
	for _, p := range positions {
		current, seen := set.byWallet[p.WalletAddress]
		if !seen {
			set.order = append(set.order, p.WalletAddress)
			set.byWallet[p.WalletAddress] = p
			continue
		}
		if p.EntryTime.After(current.EntryTime) {
			set.byWallet[p.WalletAddress] = p
		}
	}
	return set
}

// Count returns the number of distinct wallets.
func (s WalletSet) Count() int {
	return len(s.byWallet)
}

// Get returns the retained position for a wallet.
func (s WalletSet) Get(wallet string) (models.Position, bool) {
	p, ok := s.byWallet[wallet]
	return p, ok
}

// Positions returns the retained positions in first-encounter wallet order.
func (s WalletSet) Positions() []models.Position {
	out := make([]models.Position, 0, len(s.order))
	for _, w := range s.order {
		out = append(out, s.byWallet[w])
	}
	return out
}

// MeetsThreshold reports whether count distinct wallets is enough to fire.
func MeetsThreshold(count, minWalletCount int) bool {
	return count >= minWalletCount
}

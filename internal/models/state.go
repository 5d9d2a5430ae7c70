package models

import (
	"time"
)

// PersistedSnapshot is the durable projection of the change tracker:
// the set of market keys ever seen and the first-seen time of each known trade.
type PersistedSnapshot struct {
	KnownMarketIDs map[string]struct{}
	KnownTradeIDs  map[string]time.Time
	SavedAt        time.Time
}

// NewPersistedSnapshot returns an empty snapshot with initialized maps.
func NewPersistedSnapshot() PersistedSnapshot {
	return PersistedSnapshot{
		KnownMarketIDs: make(map[string]struct{}),
		KnownTradeIDs:  make(map[string]time.Time),
	}
}

// TrackedMarketState is the last probability the change tracker saw for one market key.
type TrackedMarketState struct {
	MarketKey       string
	LastProbability float64
	// HasProbability is false for markets restored from disk: the key is known
	// but no baseline probability has been observed in this process yet.
	HasProbability bool
	UpdatedAt      time.Time
}

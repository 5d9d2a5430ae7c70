// Package tracker decides whether an observation is a new market or an update,
// raises probability-change signals, and deduplicates trade ids.
package tracker

import (
	"math"
	"sync"
	"time"

	"github.com/rewired-gh/oddswatch/internal/models"
)

// thresholdEpsilon absorbs float error in |Δ|×100 so that, for example,
// 0.58→0.57 counts as a full 1.0pp move.
const thresholdEpsilon = 1e-9

// Config holds change tracking parameters.
type Config struct {
	// ProbabilityChangeThreshold is in percentage points (1.0 = 30%→31%).
	ProbabilityChangeThreshold float64
	// Retention bounds how long an admitted trade id is remembered.
	Retention time.Duration
}

// DefaultConfig returns 1.0pp and 24h.
func DefaultConfig() Config {
	return Config{
		ProbabilityChangeThreshold: 1.0,
		Retention:                  24 * time.Hour,
	}
}

// Tracker is the per-market Unseen→Tracked state machine plus the known trade set.
// Safe for concurrent use; observations of one market key are applied in call order.
type Tracker struct {
	mu      sync.Mutex
	markets map[string]*models.TrackedMarketState
	trades  map[string]time.Time
	cfg     Config
	now     func() time.Time
}

// New creates an empty tracker.
func New(cfg Config) *Tracker {
	return &Tracker{
		markets: make(map[string]*models.TrackedMarketState),
		trades:  make(map[string]time.Time),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Restore seeds the tracker from persisted state. Restored markets are known
// but carry no baseline, so their next observation only sets the baseline.
func (t *Tracker) Restore(snap models.PersistedSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range snap.KnownMarketIDs {
		if _, ok := t.markets[key]; !ok {
			t.markets[key] = &models.TrackedMarketState{MarketKey: key}
		}
	}
	for id, seen := range snap.KnownTradeIDs {
		if existing, ok := t.trades[id]; !ok || seen.Before(existing) {
			t.trades[id] = seen
		}
	}
}

// Observe applies one snapshot. The first observation of a key is a baseline
// and never signals. Later observations signal when |Δ|×100 reaches the
// threshold; the stored probability is updated either way.
func (t *Tracker) Observe(m models.MarketSnapshot) models.ChangeEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := m.Key()
	curr := m.Probability
	now := t.now()

	state, ok := t.markets[key]
	if !ok {
		t.markets[key] = &models.TrackedMarketState{
			MarketKey:       key,
			LastProbability: curr,
			HasProbability:  true,
			UpdatedAt:       now,
		}
		return models.ChangeEvent{Kind: models.ChangeNewMarket, Market: m}
	}

	event := models.ChangeEvent{Kind: models.ChangeUpdate, Market: m}
	if state.HasProbability {
		prev := state.LastProbability
		event.PreviousProbability = prev

		raw := curr - prev
		changePP := math.Abs(raw) * 100
		if changePP+thresholdEpsilon >= t.cfg.ProbabilityChangeThreshold {
			direction, directionProb := models.DirectionYes, curr
			if raw <= 0 {
				direction, directionProb = models.DirectionNo, 1-curr
			}
			event.Kind = models.ChangeProbability
			event.Signal = &models.AnomalySignal{
				Kind:                 models.KindProbabilityChange,
				Method:               models.MethodProbabilityChange,
				Market:               m,
				CurrentProbability:   curr,
				PreviousProbability:  prev,
				ChangePercentage:     changePP,
				Direction:            direction,
				DirectionProbability: directionProb,
				DetectedAt:           now,
			}
		}
	}

	state.LastProbability = curr
	state.HasProbability = true
	state.UpdatedAt = now
	return event
}

// LastProbability returns the stored probability for key, if a baseline exists.
func (t *Tracker) LastProbability(key string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.markets[key]
	if !ok || !state.HasProbability {
		return 0, false
	}
	return state.LastProbability, true
}

// AdmitTrade records id on first sight and returns true; repeated sightings return false.
func (t *Tracker) AdmitTrade(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.trades[id]; ok {
		return false
	}
	t.trades[id] = t.now()
	return true
}

// PruneTrades forgets trade ids admitted more than Retention ago and returns how many.
func (t *Tracker) PruneTrades() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.cfg.Retention)
	removed := 0
	for id, seen := range t.trades {
		if seen.Before(cutoff) {
			delete(t.trades, id)
			removed++
		}
	}
	return removed
}

// Snapshot returns a copy of the durable state.
func (t *Tracker) Snapshot() models.PersistedSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := models.PersistedSnapshot{
		KnownMarketIDs: make(map[string]struct{}, len(t.markets)),
		KnownTradeIDs:  make(map[string]time.Time, len(t.trades)),
		SavedAt:        t.now(),
	}
	for key := range t.markets {
		snap.KnownMarketIDs[key] = struct{}{}
	}
	for id, seen := range t.trades {
		snap.KnownTradeIDs[id] = seen
	}
	return snap
}

// Stats returns the number of tracked markets and known trades.
func (t *Tracker) Stats() (markets, trades int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.markets), len(t.trades)
}

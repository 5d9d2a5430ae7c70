// Package models defines the core domain entities: market snapshots, signals, trades, and persisted state.
package models

import (
	"errors"
	"math"
	"strings"
	"time"
)

// Venue names used as the first half of a market key.
const (
	VenuePolymarket = "polymarket"
	VenueKalshi     = "kalshi"
)

// MarketSnapshot is a normalized price/volume observation of one market on one venue.
// Optional numeric fields are nil when the venue did not report them.
type MarketSnapshot struct {
	Venue       string
	MarketID    string
	Title       string
	Description string
	URL         string
	Tags        []string
	Status      string

	Probability float64
	Volume      *float64
	Liquidity   *float64

	YesBid *float64
	YesAsk *float64
	NoBid  *float64
	NoAsk  *float64

	CreatedAt  time.Time
	CloseAt    time.Time
	ObservedAt time.Time
}

// NewMarketSnapshot builds a snapshot with the probability clamped into [0, 1].
func NewMarketSnapshot(venue, marketID, title string, probability float64, observedAt time.Time) MarketSnapshot {
	return MarketSnapshot{
		Venue:       venue,
		MarketID:    marketID,
		Title:       title,
		Status:      "open",
		Probability: ClampProbability(probability),
		ObservedAt:  observedAt,
	}
}

// ClampProbability maps any value into [0, 1]. NaN maps to 0.
func ClampProbability(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Float returns a pointer to v, for populating optional snapshot fields.
func Float(v float64) *float64 {
	return &v
}

// Key returns the market key "venue:market_id".
func (m MarketSnapshot) Key() string {
	return MarketKey(m.Venue, m.MarketID)
}

// MarketKey joins a venue and a venue-local market id.
func MarketKey(venue, marketID string) string {
	return venue + ":" + marketID
}

// VolumeOrZero returns the reported volume, or 0 when absent.
func (m MarketSnapshot) VolumeOrZero() float64 {
	if m.Volume == nil {
		return 0
	}
	return *m.Volume
}

// Spread returns yes_ask - yes_bid when both sides are known.
func (m MarketSnapshot) Spread() (float64, bool) {
	if m.YesBid == nil || m.YesAsk == nil {
		return 0, false
	}
	return *m.YesAsk - *m.YesBid, true
}

// IsActive reports whether the market is still trading.
func (m MarketSnapshot) IsActive() bool {
	switch strings.ToLower(m.Status) {
	case "open", "active", "trading", "":
		return true
	default:
		return false
	}
}

// Validate checks snapshot field constraints.
func (m MarketSnapshot) Validate() error {
	if m.Venue == "" {
		return errors.New("venue must not be empty")
	}
	if m.MarketID == "" {
		return errors.New("market ID must not be empty")
	}
	if math.IsNaN(m.Probability) || m.Probability < 0.0 || m.Probability > 1.0 {
		return errors.New("probability must be between 0.0 and 1.0")
	}
	if m.Volume != nil && (math.IsNaN(*m.Volume) || *m.Volume < 0) {
		return errors.New("volume must not be negative")
	}
	if m.Liquidity != nil && (math.IsNaN(*m.Liquidity) || *m.Liquidity < 0) {
		return errors.New("liquidity must not be negative")
	}
	if m.ObservedAt.IsZero() {
		return errors.New("observed at must be set")
	}
	return nil
}

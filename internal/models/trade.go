package models

import (
	"fmt"
	"time"
)

// Trade is a single fill on a tracked event.
type Trade struct {
	EventID   string
	ID        string
	Timestamp int64
	MarketID  string
	Title     string
	Outcome   string
	Side      string
	Size      float64
	Price     float64
	USDValue  float64
	Wallet    string
}

// DedupKey identifies the trade as (event id, trade id, trade timestamp).
func (t Trade) DedupKey() string {
	return fmt.Sprintf("%s:%s:%d", t.EventID, t.ID, t.Timestamp)
}

// TradeAlert is a newly seen large trade on a tracked event.
type TradeAlert struct {
	Trade      Trade
	EventTitle string
	EventURL   string
	MinUSD     float64
	DetectedAt time.Time
}

// TrackedEvent is an event whose trades are followed, with its markets at resolution time.
type TrackedEvent struct {
	ID      string
	Slug    string
	Title   string
	URL     string
	Markets []MarketSnapshot
}

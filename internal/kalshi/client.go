// Package kalshi adapts the Kalshi trade API events endpoint into market snapshots.
package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/oddswatch/internal/fetch"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
)

const (
	DefaultBaseURL = "https://api.elections.kalshi.com/trade-api/v2"

	pageSize = 100
	maxPages = 10
)

// DefaultCategories are the event categories kept when none are configured.
var DefaultCategories = []string{"Politics", "World"}

type eventsResponse struct {
	Events []json.RawMessage `json:"events"`
	Cursor string            `json:"cursor"`
}

type event struct {
	EventTicker  string   `json:"event_ticker"`
	SeriesTicker string   `json:"series_ticker"`
	Title        string   `json:"title"`
	Category     string   `json:"category"`
	Markets      []market `json:"markets"`
}

type market struct {
	Ticker         string   `json:"ticker"`
	EventTicker    string   `json:"event_ticker"`
	Title          string   `json:"title"`
	Subtitle       string   `json:"subtitle"`
	RulesPrimary   string   `json:"rules_primary"`
	Status         string   `json:"status"`
	Category       string   `json:"category"`
	LastPrice      *float64 `json:"last_price"`
	YesBid         *float64 `json:"yes_bid"`
	YesAsk         *float64 `json:"yes_ask"`
	NoBid          *float64 `json:"no_bid"`
	NoAsk          *float64 `json:"no_ask"`
	Volume         *float64 `json:"volume"`
	Volume24h      *float64 `json:"volume_24h"`
	Liquidity      *float64 `json:"liquidity"`
	CreatedTime    string   `json:"created_time"`
	OpenTime       string   `json:"open_time"`
	CloseTime      string   `json:"close_time"`
	ExpirationTime string   `json:"expiration_time"`
}

// Client fetches open Kalshi events through a rate-limited fetcher.
type Client struct {
	fetcher    *fetch.Fetcher
	baseURL    string
	categories map[string]struct{}
	now        func() time.Time
}

// NewClient creates a Kalshi client. Nil categories use DefaultCategories;
// an empty non-nil slice keeps every category.
func NewClient(fetcher *fetch.Fetcher, baseURL string, categories []string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if categories == nil {
		categories = DefaultCategories
	}
	set := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		set[strings.ToLower(c)] = struct{}{}
	}
	return &Client{
		fetcher:    fetcher,
		baseURL:    strings.TrimRight(baseURL, "/"),
		categories: set,
		now:        time.Now,
	}
}

func (c *Client) Venue() string { return models.VenueKalshi }

// FetchActiveMarkets follows the events cursor for at most ten pages and
// returns the nested markets of events in the configured categories.
func (c *Client) FetchActiveMarkets(ctx context.Context) ([]models.MarketSnapshot, error) {
	var markets []models.MarketSnapshot
	cursor := ""
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("status", "open")
		q.Set("with_nested_markets", "true")
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var resp eventsResponse
		if err := c.fetcher.GetJSON(ctx, c.baseURL+"/events", q, &resp); err != nil {
			if page == 0 {
				return nil, fmt.Errorf("failed to fetch events: %w", err)
			}
			logger.Warn("Stopping Kalshi paging at page %d: %v", page, err)
			break
		}

		observedAt := c.now()
		for _, raw := range resp.Events {
			var ev event
			if err := json.Unmarshal(raw, &ev); err != nil {
				logger.Warn("Skipping malformed Kalshi event: %v", err)
				continue
			}
			if !c.keepCategory(ev.Category) {
				continue
			}
			for _, m := range ev.Markets {
				snap, ok := toSnapshot(m, ev, observedAt)
				if !ok {
					logger.Warn("Skipping Kalshi market without ticker in event %s", ev.EventTicker)
					continue
				}
				markets = append(markets, snap)
			}
		}

		if resp.Cursor == "" || len(resp.Events) < pageSize {
			break
		}
		cursor = resp.Cursor
	}
	return markets, nil
}

func (c *Client) keepCategory(category string) bool {
	if len(c.categories) == 0 {
		return true
	}
	_, ok := c.categories[strings.ToLower(category)]
	return ok
}

func toSnapshot(m market, ev event, observedAt time.Time) (models.MarketSnapshot, bool) {
	if m.Ticker == "" {
		return models.MarketSnapshot{}, false
	}
	title := firstNonEmpty(m.Title, m.Subtitle, ev.Title)

	snap := models.NewMarketSnapshot(models.VenueKalshi, m.Ticker, title, priceProbability(m), observedAt)
	snap.Description = firstNonEmpty(m.RulesPrimary, m.Subtitle)
	snap.URL = MarketURL(ev.SeriesTicker, firstNonEmpty(m.EventTicker, ev.EventTicker), m.Ticker)
	snap.Tags = tags(ev.Category, m.Category)
	switch strings.ToLower(m.Status) {
	case "closed", "settled", "resolved", "finalized":
		snap.Status = "closed"
	}

	vol := m.Volume
	if vol == nil {
		vol = m.Volume24h
	}
	if vol != nil && *vol >= 0 {
		snap.Volume = models.Float(*vol)
	}
	snap.Liquidity = m.Liquidity
	snap.YesBid = cents(m.YesBid)
	snap.YesAsk = cents(m.YesAsk)
	snap.NoBid = cents(m.NoBid)
	snap.NoAsk = cents(m.NoAsk)
	snap.CreatedAt = parseTime(firstNonEmpty(m.CreatedTime, m.OpenTime))
	snap.CloseAt = parseTime(firstNonEmpty(m.CloseTime, m.ExpirationTime))
	return snap, true
}

// priceProbability uses the last price, then the yes bid, then the yes ask,
// skipping zeros. Prices are in cents.
func priceProbability(m market) float64 {
	for _, p := range []*float64{m.LastPrice, m.YesBid, m.YesAsk} {
		if p != nil && *p != 0 {
			return *p / 100
		}
	}
	return 0
}

func cents(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return models.Float(*p / 100)
}

// MarketURL builds https://kalshi.com/markets/{series}/{event}, lowercased and
// without the KX prefix the web UI does not use.
func MarketURL(seriesTicker, eventTicker, marketTicker string) string {
	series := stripKX(seriesTicker)
	ev := stripKX(eventTicker)
	switch {
	case series != "" && ev != "":
		return "https://kalshi.com/markets/" + series + "/" + ev
	case ev != "":
		return "https://kalshi.com/markets/" + ev
	default:
		return "https://kalshi.com/markets/" + stripKX(marketTicker)
	}
}

func stripKX(ticker string) string {
	t := strings.ToLower(ticker)
	return strings.TrimPrefix(t, "kx")
}

func tags(values ...string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

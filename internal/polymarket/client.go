// Package polymarket adapts the Polymarket Gamma and data APIs into market snapshots and trades.
package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/oddswatch/internal/fetch"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
)

const (
	DefaultGammaURL = "https://gamma-api.polymarket.com"
	DefaultDataURL  = "https://data-api.polymarket.com"

	eventPageSize  = 100
	maxEventOffset = 10000
	tradePageSize  = 1000
	maxTradeOffset = 100000
)

// ErrEventNotFound is returned when a slug resolves to no event.
var ErrEventNotFound = errors.New("event not found")

// Client provides access to Polymarket APIs through a rate-limited fetcher.
type Client struct {
	fetcher  *fetch.Fetcher
	gammaURL string
	dataURL  string
	tagSlug  string
	now      func() time.Time
}

// NewClient creates a new Polymarket client. Empty URLs use the public endpoints.
// A non-empty tagSlug restricts market discovery to that Gamma tag.
func NewClient(fetcher *fetch.Fetcher, gammaURL, dataURL, tagSlug string) *Client {
	if gammaURL == "" {
		gammaURL = DefaultGammaURL
	}
	if dataURL == "" {
		dataURL = DefaultDataURL
	}
	return &Client{
		fetcher:  fetcher,
		gammaURL: strings.TrimRight(gammaURL, "/"),
		dataURL:  strings.TrimRight(dataURL, "/"),
		tagSlug:  tagSlug,
		now:      time.Now,
	}
}

// Venue returns the venue name used in market keys.
func (c *Client) Venue() string { return models.VenuePolymarket }

// FetchActiveMarkets pages through open events and flattens their markets.
// A failed first page is an error; a failure on a later page ends paging
// with what was collected.
func (c *Client) FetchActiveMarkets(ctx context.Context) ([]models.MarketSnapshot, error) {
	var markets []models.MarketSnapshot
	for offset := 0; offset <= maxEventOffset; offset += eventPageSize {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(eventPageSize))
		q.Set("offset", strconv.Itoa(offset))
		q.Set("closed", "false")
		q.Set("active", "true")
		if c.tagSlug != "" {
			q.Set("tag_slug", c.tagSlug)
		}

		events, err := c.fetchEvents(ctx, q)
		if err != nil {
			if offset == 0 {
				return nil, fmt.Errorf("failed to fetch events: %w", err)
			}
			logger.Warn("Stopping Polymarket paging at offset %d: %v", offset, err)
			break
		}

		observedAt := c.now()
		for _, ev := range events {
			markets = append(markets, c.eventMarkets(ev, observedAt)...)
		}
		if len(events) < eventPageSize {
			break
		}
	}
	return markets, nil
}

// FetchEventBySlug resolves an event and snapshots its markets.
func (c *Client) FetchEventBySlug(ctx context.Context, slug string) (*models.TrackedEvent, error) {
	q := url.Values{}
	q.Set("slug", slug)
	q.Set("closed", "false")
	q.Set("active", "true")

	events, err := c.fetchEvents(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event %s: %w", slug, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, slug)
	}
	ev := events[0]
	if ev.Slug == "" {
		ev.Slug = slug
	}
	return &models.TrackedEvent{
		ID:      ev.ID,
		Slug:    ev.Slug,
		Title:   ev.Title,
		URL:     "https://polymarket.com/event/" + ev.Slug,
		Markets: c.eventMarkets(ev, c.now()),
	}, nil
}

// FetchLargeTrades pages through an event's trades and returns those worth at
// least minUSD, largest first, at most limit of them.
func (c *Client) FetchLargeTrades(ctx context.Context, eventID string, minUSD float64, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = tradePageSize
	}
	pageSize := min(limit, tradePageSize)

	var trades []models.Trade
	for offset := 0; len(trades) < limit && offset <= maxTradeOffset; offset += pageSize {
		q := url.Values{}
		q.Set("eventId", eventID)
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))

		body, err := c.fetcher.Get(ctx, c.dataURL+"/trades", q)
		if err != nil {
			if offset == 0 {
				return nil, fmt.Errorf("failed to fetch trades for event %s: %w", eventID, err)
			}
			logger.Warn("Stopping trade paging for event %s at offset %d: %v", eventID, offset, err)
			break
		}
		page, err := decodeList(body, "data", "trades")
		if err != nil {
			return nil, fmt.Errorf("failed to decode trades: %w", err)
		}

		for _, raw := range page {
			var t dataTrade
			if err := json.Unmarshal(raw, &t); err != nil {
				logger.Warn("Skipping malformed trade for event %s: %v", eventID, err)
				continue
			}
			usd := t.usdValue()
			if usd < minUSD {
				continue
			}
			id := t.ID
			if id == "" {
				id = t.TransactionHash
			}
			trades = append(trades, models.Trade{
				EventID:   eventID,
				ID:        id,
				Timestamp: int64(t.Timestamp.Value),
				MarketID:  t.ConditionID,
				Title:     t.Title,
				Outcome:   t.Outcome,
				Side:      t.Side,
				Size:      t.Size.Value,
				Price:     t.Price.Value,
				USDValue:  usd,
				Wallet:    t.ProxyWallet,
			})
		}
		if len(page) < pageSize {
			break
		}
	}

	sort.SliceStable(trades, func(i, j int) bool { return trades[i].USDValue > trades[j].USDValue })
	if len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

// fetchEvents decodes each event separately so one malformed event does not
// discard the page.
func (c *Client) fetchEvents(ctx context.Context, q url.Values) ([]gammaEvent, error) {
	body, err := c.fetcher.Get(ctx, c.gammaURL+"/events", q)
	if err != nil {
		return nil, err
	}
	raw, err := decodeList(body, "data")
	if err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}

	events := make([]gammaEvent, 0, len(raw))
	for _, r := range raw {
		var ev gammaEvent
		if err := json.Unmarshal(r, &ev); err != nil {
			logger.Warn("Skipping malformed Polymarket event: %v", err)
			// Still counts toward the page size for paging purposes.
			events = append(events, gammaEvent{})
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// decodeList accepts a bare JSON array, an object wrapping one under any of
// keys, or a single object (returned as a one-element list when it has an id or slug).
func decodeList(body []byte, keys ...string) ([]json.RawMessage, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	for _, key := range keys {
		if inner, ok := obj[key]; ok {
			if err := json.Unmarshal(inner, &list); err == nil && len(list) > 0 {
				return list, nil
			}
		}
	}
	if _, ok := obj["id"]; ok {
		return []json.RawMessage{body}, nil
	}
	if _, ok := obj["slug"]; ok {
		return []json.RawMessage{body}, nil
	}
	return nil, nil
}

func (c *Client) eventMarkets(ev gammaEvent, observedAt time.Time) []models.MarketSnapshot {
	if ev.ID == "" && ev.Slug == "" {
		return nil
	}
	nested := ev.Markets
	if len(nested) == 0 {
		nested = []gammaMarket{ev.asMarket()}
	}

	out := make([]models.MarketSnapshot, 0, len(nested))
	for _, gm := range nested {
		snap, ok := toSnapshot(gm, ev.Tags, observedAt)
		if !ok {
			logger.Warn("Skipping Polymarket market without id in event %s", ev.Slug)
			continue
		}
		out = append(out, snap)
	}
	return out
}

func toSnapshot(gm gammaMarket, eventTags []string, observedAt time.Time) (models.MarketSnapshot, bool) {
	id := gm.Slug
	if id == "" {
		id = gm.ID
	}
	if id == "" {
		return models.MarketSnapshot{}, false
	}
	title := gm.Question
	if title == "" {
		title = gm.Title
	}

	snap := models.NewMarketSnapshot(models.VenuePolymarket, id, title, probability(gm), observedAt)
	snap.Description = gm.Description
	snap.URL = "https://polymarket.com/market/" + id
	snap.Tags = normalizeTags(append(append([]string{}, eventTags...), gm.Tags...))
	if gm.Closed || strings.EqualFold(gm.Status, "closed") || strings.EqualFold(gm.Status, "resolved") {
		snap.Status = "closed"
	}
	if gm.Volume.Valid && gm.Volume.Value >= 0 {
		snap.Volume = gm.Volume.ptr()
	}
	snap.Liquidity = gm.Liquidity.ptr()
	snap.YesBid = gm.BestBid.ptr()
	snap.YesAsk = gm.BestAsk.ptr()
	snap.CreatedAt = parseTime(firstNonEmpty(gm.CreatedAt, gm.StartDate))
	snap.CloseAt = parseTime(gm.EndDate)
	return snap, true
}

// probability prefers outcomePrices[0] (the YES price), then the last trade, then the best bid.
func probability(gm gammaMarket) float64 {
	if len(gm.OutcomePrices) > 0 {
		if p, err := strconv.ParseFloat(gm.OutcomePrices[0], 64); err == nil && p != 0 {
			return p
		}
	}
	if gm.LastTradePrice.Valid && gm.LastTradePrice.Value != 0 {
		return gm.LastTradePrice.Value
	}
	return gm.BestBid.Value
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

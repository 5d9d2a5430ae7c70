package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// gammaEvent is an event from the Gamma API /events endpoint.
type gammaEvent struct {
	ID          string        `json:"id"`
	Slug        string        `json:"slug"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Closed      bool          `json:"closed"`
	Tags        tagList       `json:"tags"`
	Markets     []gammaMarket `json:"markets"`

	// Flat events without nested markets are treated as a single market.
	OutcomePrices  stringList `json:"outcomePrices"`
	LastTradePrice flexFloat  `json:"lastTradePrice"`
	BestBid        flexFloat  `json:"bestBid"`
	BestAsk        flexFloat  `json:"bestAsk"`
	Volume         flexFloat  `json:"volume"`
	Liquidity      flexFloat  `json:"liquidity"`
	StartDate      string     `json:"startDate"`
	EndDate        string     `json:"endDate"`
}

// gammaMarket is one market nested in a Gamma event.
type gammaMarket struct {
	ID             string     `json:"id"`
	Slug           string     `json:"slug"`
	Question       string     `json:"question"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Closed         bool       `json:"closed"`
	Status         string     `json:"status"`
	OutcomePrices  stringList `json:"outcomePrices"`
	LastTradePrice flexFloat  `json:"lastTradePrice"`
	BestBid        flexFloat  `json:"bestBid"`
	BestAsk        flexFloat  `json:"bestAsk"`
	Volume         flexFloat  `json:"volume"`
	Liquidity      flexFloat  `json:"liquidity"`
	Tags           tagList    `json:"tags"`
	CreatedAt      string     `json:"createdAt"`
	StartDate      string     `json:"startDate"`
	EndDate        string     `json:"endDate"`
}

func (e gammaEvent) asMarket() gammaMarket {
	return gammaMarket{
		ID:             e.ID,
		Slug:           e.Slug,
		Title:          e.Title,
		Description:    e.Description,
		Closed:         e.Closed,
		OutcomePrices:  e.OutcomePrices,
		LastTradePrice: e.LastTradePrice,
		BestBid:        e.BestBid,
		BestAsk:        e.BestAsk,
		Volume:         e.Volume,
		Liquidity:      e.Liquidity,
		StartDate:      e.StartDate,
		EndDate:        e.EndDate,
	}
}

// dataTrade is a trade from the data API /trades endpoint.
type dataTrade struct {
	ID              string    `json:"id"`
	TransactionHash string    `json:"transactionHash"`
	EventID         string    `json:"eventId"`
	ConditionID     string    `json:"conditionId"`
	Title           string    `json:"title"`
	Outcome         string    `json:"outcome"`
	Side            string    `json:"side"`
	Size            flexFloat `json:"size"`
	Price           flexFloat `json:"price"`
	PriceUSD        flexFloat `json:"priceUSD"`
	USDValue        flexFloat `json:"usdValue"`
	Value           flexFloat `json:"value"`
	Amount          flexFloat `json:"amount"`
	Cost            flexFloat `json:"cost"`
	Timestamp       flexFloat `json:"timestamp"`
	ProxyWallet     string    `json:"proxyWallet"`
}

// usdValue returns the first reported USD figure, else size×priceUSD, else
// size×price when price looks like dollars, else size.
func (t dataTrade) usdValue() float64 {
	for _, v := range []flexFloat{t.USDValue, t.Value, t.Amount, t.Cost} {
		if v.Valid {
			return v.Value
		}
	}
	size := t.Size.Value
	switch {
	case t.PriceUSD.Valid:
		return size * t.PriceUSD.Value
	case t.Price.Value > 1:
		return size * t.Price.Value
	default:
		return size
	}
}

// flexFloat decodes a JSON number, a numeric string, or null.
type flexFloat struct {
	Value float64
	Valid bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = flexFloat{}
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = flexFloat{}
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*f = flexFloat{Value: v, Valid: true}
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

// stringList decodes either a JSON array or a string holding a JSON array,
// which is how Gamma encodes outcomePrices.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			*l = nil
			return nil
		}
		data = []byte(inner)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid list: %w", err)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var f flexFloat
		if err := f.UnmarshalJSON(item); err == nil && f.Valid {
			out = append(out, strconv.FormatFloat(f.Value, 'f', -1, 64))
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return fmt.Errorf("invalid list item: %w", err)
		}
		out = append(out, s)
	}
	*l = out
	return nil
}

// tagList decodes tags given as strings or as {label, slug} objects.
type tagList []string

func (l *tagList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		*l = nil
		return nil
	}
	var out []string
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Label string `json:"label"`
			Slug  string `json:"slug"`
		}
		if err := json.Unmarshal(item, &obj); err == nil {
			if obj.Label != "" {
				out = append(out, obj.Label)
			} else if obj.Slug != "" {
				out = append(out, obj.Slug)
			}
		}
	}
	*l = out
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

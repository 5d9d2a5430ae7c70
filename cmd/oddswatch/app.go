package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/oddswatch/internal/config"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/metrics"
	"github.com/rewired-gh/oddswatch/internal/models"
	"github.com/rewired-gh/oddswatch/internal/monitor"
	"github.com/rewired-gh/oddswatch/internal/polymarket"
	"github.com/rewired-gh/oddswatch/internal/state"
	"github.com/rewired-gh/oddswatch/internal/storage"
	"github.com/rewired-gh/oddswatch/internal/telegram"
	"github.com/rewired-gh/oddswatch/internal/tracker"
)

// marketSource is a venue adapter.
type marketSource interface {
	Venue() string
	FetchActiveMarkets(ctx context.Context) ([]models.MarketSnapshot, error)
}

// eventSource resolves and follows one event's trades.
type eventSource interface {
	FetchEventBySlug(ctx context.Context, slug string) (*models.TrackedEvent, error)
	FetchLargeTrades(ctx context.Context, eventID string, minUSD float64, limit int) ([]models.Trade, error)
}

type venueClient struct {
	client   marketSource
	interval time.Duration
}

// errorReporter is the part of the Telegram client the poll loop uses.
type errorReporter interface {
	SendError(ctx context.Context, venue string, err error) error
	SendRecovery(ctx context.Context, venue string, failureCount int) error
}

// app wires the long-running tasks together and answers /status.
type app struct {
	cfg        *config.Config
	mon        *monitor.Monitor
	tracker    *tracker.Tracker
	stateStore *state.Store
	store      *storage.Storage
	metrics    *metrics.Metrics
	reporter   errorReporter
	venues     []string
	startedAt  time.Time
	now        func() time.Time

	mu        sync.Mutex
	lastSaved time.Time
}

func newApp(cfg *config.Config, mon *monitor.Monitor, tr *tracker.Tracker, stateStore *state.Store,
	store *storage.Storage, m *metrics.Metrics, tg *telegram.Client) *app {
	a := &app{
		cfg:        cfg,
		mon:        mon,
		tracker:    tr,
		stateStore: stateStore,
		store:      store,
		metrics:    m,
		startedAt:  time.Now(),
		now:        time.Now,
	}
	if tg != nil {
		a.reporter = tg
	}
	return a
}

// Status implements telegram.StatusProvider.
func (a *app) Status() telegram.Status {
	markets, trades := a.tracker.Stats()
	a.mu.Lock()
	lastSaved := a.lastSaved
	a.mu.Unlock()
	return telegram.Status{
		StartedAt:      a.startedAt,
		TrackedMarkets: markets,
		KnownTrades:    trades,
		LastSaved:      lastSaved,
		Venues:         a.venues,
	}
}

// pollVenue runs a cycle immediately and then every interval until ctx is done.
// Failed cycles are logged and retried on the next tick; only the first
// failure of a run and the recovery after it are reported to Telegram.
func (a *app) pollVenue(ctx context.Context, src marketSource, interval time.Duration) error {
	venue := src.Venue()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		err := a.runCycle(ctx, src)
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			consecutiveFailures++
			logger.Error("%s monitoring cycle failed: %v", venue, err)
			if consecutiveFailures == 1 && a.reporter != nil {
				if sendErr := a.reporter.SendError(ctx, venue, err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
		} else {
			if consecutiveFailures > 0 && a.reporter != nil {
				if sendErr := a.reporter.SendRecovery(ctx, venue, consecutiveFailures); sendErr != nil {
					logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
				}
			}
			consecutiveFailures = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *app) runCycle(ctx context.Context, src marketSource) error {
	venue := src.Venue()
	startTime := a.now()
	logger.Debug("Starting %s monitoring cycle", venue)

	markets, err := src.FetchActiveMarkets(ctx)
	if a.metrics != nil {
		a.metrics.PollCompleted(venue, a.now(), err)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch markets: %w", err)
	}

	stats := a.mon.ProcessSnapshots(ctx, venue, markets)
	logger.Info("%s cycle completed in %v: %d markets, %d processed, %d skipped, %d new, %d signals",
		venue, a.now().Sub(startTime), stats.Received, stats.Processed, stats.Skipped, stats.NewMarkets, stats.Signals)
	return nil
}

// saveLoop persists tracker state every interval and trims storage.
func (a *app) saveLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.saveState()
			if a.store != nil {
				if err := a.store.RotateMarkets(); err != nil {
					logger.Warn("Failed to rotate markets: %v", err)
				}
			}
		}
	}
}

// saveState writes the tracker snapshot to the state file. Failures are
// logged; the previous file stays in place.
func (a *app) saveState() {
	snap := a.tracker.Snapshot()
	err := a.stateStore.Save(snap)
	if a.metrics != nil {
		a.metrics.StateSaved(err)
		a.metrics.SetTrackerStats(len(snap.KnownMarketIDs), len(snap.KnownTradeIDs))
	}
	if err != nil {
		logger.Error("Failed to save state to %s: %v", a.stateStore.Path(), err)
		return
	}

	a.mu.Lock()
	a.lastSaved = snap.SavedAt
	a.mu.Unlock()
	logger.Debug("Saved state: %d markets, %d trades", len(snap.KnownMarketIDs), len(snap.KnownTradeIDs))
}

// trackEvent resolves the configured event, seeds its markets through the
// normal pipeline, then polls its trades until ctx is done.
func (a *app) trackEvent(ctx context.Context, src eventSource) error {
	slug := a.cfg.Tracker.TrackEventSlug
	interval := a.cfg.Tracker.TradePollInterval

	event, err := a.resolveEvent(ctx, src, slug, interval)
	if err != nil || event == nil {
		return nil
	}
	logger.Info("Tracking trades on %q (%s), %d markets, min $%.0f", event.Title, event.ID, len(event.Markets), a.cfg.Tracker.MinTradeUSD)
	a.mon.ProcessSnapshots(ctx, models.VenuePolymarket, event.Markets)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.pollTrades(ctx, src, *event)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *app) resolveEvent(ctx context.Context, src eventSource, slug string, interval time.Duration) (*models.TrackedEvent, error) {
	for {
		event, err := src.FetchEventBySlug(ctx, slug)
		if err == nil {
			return event, nil
		}
		if errors.Is(err, polymarket.ErrEventNotFound) {
			logger.Error("Tracked event %s not found, trade tracking disabled", slug)
			return nil, err
		}
		logger.Error("Failed to resolve tracked event %s: %v", slug, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (a *app) pollTrades(ctx context.Context, src eventSource, event models.TrackedEvent) {
	minUSD := a.cfg.Tracker.MinTradeUSD
	trades, err := src.FetchLargeTrades(ctx, event.ID, minUSD, a.cfg.Tracker.TradeLimit)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("Failed to fetch trades for %s: %v", event.Slug, err)
		}
		return
	}
	n := a.mon.ProcessTrades(ctx, event, trades, minUSD)
	if n > 0 && a.metrics != nil {
		a.metrics.TradesAlerted.Add(float64(n))
	}
	logger.Debug("Trade poll for %s: %d large trades, %d new", event.Slug, len(trades), n)
}

// Package monitor runs each market snapshot through the pipeline:
// filter, append to history, detect anomalies, track changes, then notify and record.
package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
	"github.com/rewired-gh/oddswatch/internal/series"
	"github.com/rewired-gh/oddswatch/internal/tracker"
)

// Skip reasons reported to the Observer.
const (
	SkipInvalid    = "invalid"
	SkipClosed     = "closed"
	SkipLowVolume  = "low_volume"
	SkipWideSpread = "wide_spread"
	SkipExcluded   = "excluded_tag"
)

type Config struct {
	Detector DetectorConfig
	// MinVolume skips markets whose volume is missing or below it. Zero disables.
	MinVolume float64
	// MaxSpread skips markets whose yes ask-bid spread is known and above it. Zero disables.
	MaxSpread   float64
	ExcludeTags []string
	// NotifyNewMarkets sends first-sight events to the notifier.
	NotifyNewMarkets bool
}

func DefaultConfig() Config {
	return Config{
		Detector:  DefaultDetectorConfig(),
		MinVolume: 250000,
	}
}

// Notifier delivers signals. Implementations format and send; they must not retain the values.
type Notifier interface {
	NotifyAnomaly(ctx context.Context, sig models.AnomalySignal) error
	NotifyChange(ctx context.Context, ev models.ChangeEvent) error
	NotifyTrade(ctx context.Context, alert models.TradeAlert) error
}

// SignalRecorder keeps a history of markets and emitted signals.
type SignalRecorder interface {
	UpsertMarket(m models.MarketSnapshot) error
	RecordSignal(sig models.AnomalySignal) (string, error)
}

// Observer receives pipeline counters.
type Observer interface {
	SignalEmitted(sig models.AnomalySignal)
	MarketSkipped(venue, reason string)
}

type Option func(*Monitor)

func WithNotifier(n Notifier) Option { return func(m *Monitor) { m.notifier = n } }

func WithRecorder(r SignalRecorder) Option { return func(m *Monitor) { m.recorder = r } }

func WithObserver(o Observer) Option { return func(m *Monitor) { m.observer = o } }

// CycleStats summarizes one ProcessSnapshots call.
type CycleStats struct {
	Received   int
	Processed  int
	Skipped    int
	NewMarkets int
	Signals    int
}

// Monitor owns the mutation of the series store and the tracker. A single
// mutex covers append, detect and observe for each snapshot, so repeated
// observations of one market are applied in arrival order across pollers.
type Monitor struct {
	mu       sync.Mutex
	series   *series.Store
	detector *Detector
	tracker  *tracker.Tracker
	notifier Notifier
	recorder SignalRecorder
	observer Observer
	config   Config
	now      func() time.Time
}

func New(store *series.Store, tr *tracker.Tracker, config Config, opts ...Option) *Monitor {
	m := &Monitor{
		series:   store,
		detector: NewDetector(store, config.Detector),
		tracker:  tr,
		config:   config,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Tracker returns the change tracker the monitor feeds.
func (m *Monitor) Tracker() *tracker.Tracker { return m.tracker }

func (m *Monitor) skipReason(s models.MarketSnapshot) string {
	if !s.IsActive() {
		return SkipClosed
	}
	if m.config.MinVolume > 0 && (s.Volume == nil || *s.Volume < m.config.MinVolume) {
		return SkipLowVolume
	}
	if m.config.MaxSpread > 0 {
		if spread, ok := s.Spread(); ok && spread > m.config.MaxSpread {
			return SkipWideSpread
		}
	}
	for _, tag := range s.Tags {
		for _, excluded := range m.config.ExcludeTags {
			if strings.EqualFold(tag, excluded) {
				return SkipExcluded
			}
		}
	}
	return ""
}

// ProcessSnapshots runs a venue's batch sequentially in fetch order. Invalid
// and filtered records are skipped; the batch always continues.
func (m *Monitor) ProcessSnapshots(ctx context.Context, venue string, snaps []models.MarketSnapshot) CycleStats {
	stats := CycleStats{Received: len(snaps)}

	for _, s := range snaps {
		if ctx.Err() != nil {
			break
		}
		if err := s.Validate(); err != nil {
			logger.Warn("Skipping invalid %s market %q: %v", venue, s.MarketID, err)
			m.skipped(venue, SkipInvalid)
			stats.Skipped++
			continue
		}
		if reason := m.skipReason(s); reason != "" {
			m.skipped(venue, reason)
			stats.Skipped++
			continue
		}

		event, signals := m.ProcessSnapshot(ctx, s)
		stats.Processed++
		stats.Signals += len(signals)
		if event.Kind == models.ChangeNewMarket {
			stats.NewMarkets++
		}
	}

	logger.Debug("Processed %s cycle: received=%d processed=%d skipped=%d new=%d signals=%d",
		venue, stats.Received, stats.Processed, stats.Skipped, stats.NewMarkets, stats.Signals)
	return stats
}

// ProcessSnapshot appends s to history, evaluates it and dispatches any
// signals. It returns the change event and every emitted signal.
func (m *Monitor) ProcessSnapshot(ctx context.Context, s models.MarketSnapshot) (models.ChangeEvent, []models.AnomalySignal) {
	m.mu.Lock()
	m.series.Append(series.Point{
		MarketKey:   s.Key(),
		Timestamp:   s.ObservedAt,
		Probability: s.Probability,
		Volume:      s.VolumeOrZero(),
	})
	signals := m.detector.DetectAnomalies(s)
	event := m.tracker.Observe(s)
	m.mu.Unlock()

	if m.recorder != nil {
		if err := m.recorder.UpsertMarket(s); err != nil {
			logger.Warn("Failed to record market %s: %v", s.Key(), err)
		}
	}

	for _, sig := range signals {
		m.emit(sig)
		if m.notifier != nil {
			if err := m.notifier.NotifyAnomaly(ctx, sig); err != nil {
				logger.Warn("Failed to notify %s for %s: %v", sig.Kind, s.Key(), err)
			}
		}
	}

	switch {
	case event.Signal != nil:
		signals = append(signals, *event.Signal)
		m.emit(*event.Signal)
		if m.notifier != nil {
			if err := m.notifier.NotifyChange(ctx, event); err != nil {
				logger.Warn("Failed to notify probability change for %s: %v", s.Key(), err)
			}
		}
	case event.Kind == models.ChangeNewMarket && m.config.NotifyNewMarkets && m.notifier != nil:
		if err := m.notifier.NotifyChange(ctx, event); err != nil {
			logger.Warn("Failed to notify new market %s: %v", s.Key(), err)
		}
	}

	return event, signals
}

func (m *Monitor) emit(sig models.AnomalySignal) {
	logger.Info("Signal %s/%s on %s: p=%.3f change=%.2f%%",
		sig.Kind, sig.Method, sig.Market.Key(), sig.CurrentProbability, sig.ChangePercentage)
	if m.observer != nil {
		m.observer.SignalEmitted(sig)
	}
	if m.recorder != nil {
		if _, err := m.recorder.RecordSignal(sig); err != nil {
			logger.Warn("Failed to record signal for %s: %v", sig.Market.Key(), err)
		}
	}
}

func (m *Monitor) skipped(venue, reason string) {
	if m.observer != nil {
		m.observer.MarketSkipped(venue, reason)
	}
}

// ProcessTrades notifies every trade of event worth at least minUSD that the
// tracker has not admitted before, then prunes expired trade ids. It returns
// the number of new trades notified.
func (m *Monitor) ProcessTrades(ctx context.Context, event models.TrackedEvent, trades []models.Trade, minUSD float64) int {
	notified := 0
	for _, t := range trades {
		if t.USDValue < minUSD {
			continue
		}
		if t.EventID == "" {
			t.EventID = event.ID
		}
		if !m.tracker.AdmitTrade(t.DedupKey()) {
			continue
		}
		notified++
		logger.Info("New large trade on %s: %s %s $%.0f @ %.3f", event.Slug, t.Side, t.Outcome, t.USDValue, t.Price)

		if m.notifier == nil {
			continue
		}
		alert := models.TradeAlert{
			Trade:      t,
			EventTitle: event.Title,
			EventURL:   event.URL,
			MinUSD:     minUSD,
			DetectedAt: m.now(),
		}
		if err := m.notifier.NotifyTrade(ctx, alert); err != nil {
			logger.Warn("Failed to notify trade %s: %v", t.ID, err)
		}
	}

	if removed := m.tracker.PruneTrades(); removed > 0 {
		logger.Debug("Pruned %d expired trade ids", removed)
	}
	return notified
}

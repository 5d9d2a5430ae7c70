// Package metrics exposes Prometheus counters and gauges for the watcher.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/oddswatch/internal/fetch"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
)

const namespace = "oddswatch"

// Fetch attempt results.
const (
	ResultOK          = "ok"
	ResultRateLimited = "rate_limited"
	ResultError       = "error"
)

// Metrics holds all Prometheus metrics for the application.
// It implements fetch.Observer and monitor.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// Fetch metrics
	FetchAttempts *prometheus.CounterVec
	FetchLatency  *prometheus.HistogramVec

	// Pipeline metrics
	PollCycles      *prometheus.CounterVec
	MarketsSkipped  *prometheus.CounterVec
	SignalsEmitted  *prometheus.CounterVec
	TradesAlerted   prometheus.Counter
	TrackedMarkets  prometheus.Gauge
	KnownTrades     prometheus.Gauge
	LastPollSuccess *prometheus.GaugeVec

	// State metrics
	StateSaves *prometheus.CounterVec
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FetchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "HTTP attempts by venue and result, retries included",
		}, []string{"venue", "result"}),
		FetchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of HTTP attempts including rate limiter wait",
			Buckets:   prometheus.DefBuckets,
		}, []string{"venue"}),

		PollCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "poll_cycles_total",
			Help:      "Venue poll cycles by result",
		}, []string{"venue", "result"}),
		MarketsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "markets_skipped_total",
			Help:      "Snapshots dropped before detection, by reason",
		}, []string{"venue", "reason"}),
		SignalsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "signals_total",
			Help:      "Signals emitted by venue, kind and method",
		}, []string{"venue", "kind", "method"}),
		TradesAlerted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "trade_alerts_total",
			Help:      "Large trades alerted on the tracked event",
		}),
		TrackedMarkets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "markets",
			Help:      "Markets with a recorded last probability",
		}),
		KnownTrades: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "known_trades",
			Help:      "Trade ids in the dedup set",
		}),
		LastPollSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "last_successful_poll_timestamp_seconds",
			Help:      "Unix time of the last successful poll per venue",
		}, []string{"venue"}),

		StateSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "saves_total",
			Help:      "State file saves by result",
		}, []string{"result"}),
	}
}

// ObserveAttempt records one fetch attempt.
func (m *Metrics) ObserveAttempt(venue string, elapsed time.Duration, err error) {
	result := ResultOK
	switch {
	case err == nil:
	case fetch.IsRateLimit(err):
		result = ResultRateLimited
	default:
		result = ResultError
	}
	m.FetchAttempts.WithLabelValues(venue, result).Inc()
	m.FetchLatency.WithLabelValues(venue).Observe(elapsed.Seconds())
}

// SignalEmitted counts an emitted signal.
func (m *Metrics) SignalEmitted(sig models.AnomalySignal) {
	m.SignalsEmitted.WithLabelValues(sig.Market.Venue, string(sig.Kind), string(sig.Method)).Inc()
}

// MarketSkipped counts a filtered snapshot.
func (m *Metrics) MarketSkipped(venue, reason string) {
	m.MarketsSkipped.WithLabelValues(venue, reason).Inc()
}

// PollCompleted records the outcome of a venue poll cycle.
func (m *Metrics) PollCompleted(venue string, at time.Time, err error) {
	if err != nil {
		m.PollCycles.WithLabelValues(venue, ResultError).Inc()
		return
	}
	m.PollCycles.WithLabelValues(venue, ResultOK).Inc()
	m.LastPollSuccess.WithLabelValues(venue).Set(float64(at.Unix()))
}

// StateSaved records a state save attempt.
func (m *Metrics) StateSaved(err error) {
	if err != nil {
		m.StateSaves.WithLabelValues(ResultError).Inc()
		return
	}
	m.StateSaves.WithLabelValues(ResultOK).Inc()
}

// SetTrackerStats updates the tracker gauges.
func (m *Metrics) SetTrackerStats(markets, trades int) {
	m.TrackedMarkets.Set(float64(markets))
	m.KnownTrades.Set(float64(trades))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

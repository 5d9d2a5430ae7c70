package monitor

import (
	"math"
	"time"

	"github.com/rewired-gh/oddswatch/internal/models"
	"github.com/rewired-gh/oddswatch/internal/series"
)

// DetectorConfig holds the anomaly thresholds.
type DetectorConfig struct {
	ZThreshold            float64
	SpikeWindow           time.Duration
	SpikePercentage       float64
	VolumeSurgeMultiplier float64
	// Lookback is the trailing window for the spike mean/stddev and the volume average.
	Lookback time.Duration
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		ZThreshold:            2.0,
		SpikeWindow:           15 * time.Minute,
		SpikePercentage:       10.0,
		VolumeSurgeMultiplier: 3.0,
		Lookback:              time.Hour,
	}
}

// Detector evaluates a snapshot against the history held in a series store.
// It only reads the store; the caller appends the snapshot.
type Detector struct {
	store *series.Store
	cfg   DetectorConfig
	now   func() time.Time
}

func NewDetector(store *series.Store, cfg DetectorConfig) *Detector {
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Hour
	}
	return &Detector{store: store, cfg: cfg, now: time.Now}
}

// percentChange returns |curr-ref|/ref*100, or false when ref is not positive.
func percentChange(curr, ref float64) (float64, bool) {
	if ref <= 0 {
		return 0, false
	}
	return math.Abs(curr-ref) / ref * 100, true
}

// DetectSpike checks, in order: the zero-variance percentage fallback or the
// z-score over the lookback window, then the percentage move against the
// oldest point of the spike window. At most one signal is returned.
func (d *Detector) DetectSpike(m models.MarketSnapshot) *models.AnomalySignal {
	key := m.Key()
	ts := m.ObservedAt
	curr := m.Probability

	history := d.store.Window(key, ts.Add(-d.cfg.Lookback), ts)
	if len(history) < 2 {
		return nil
	}

	var w Welford
	for _, p := range history {
		w.Add(p.Probability)
	}
	mean, sigma := w.Mean, w.StdDev()

	base := models.AnomalySignal{
		Kind:               models.KindProbabilitySpike,
		Market:             m,
		CurrentProbability: curr,
		PreviousMean:       mean,
		DetectedAt:         d.now(),
	}

	var z *float64
	if sigma == 0 || math.IsNaN(sigma) {
		if pct, ok := percentChange(curr, mean); ok && pct >= d.cfg.SpikePercentage {
			sig := base
			sig.Method = models.MethodPercentage
			sig.ChangePercentage = pct
			return &sig
		}
	} else {
		score := (curr - mean) / sigma
		z = &score
		if math.Abs(score) >= d.cfg.ZThreshold {
			pct, _ := percentChange(curr, mean)
			sig := base
			sig.Method = models.MethodZScore
			sig.PreviousStdDev = sigma
			sig.ZScore = z
			sig.ChangePercentage = pct
			return &sig
		}
	}

	recent := d.store.Window(key, ts.Add(-d.cfg.SpikeWindow), ts)
	if len(recent) == 0 {
		return nil
	}
	oldest := recent[0].Probability
	if pct, ok := percentChange(curr, oldest); ok && pct >= d.cfg.SpikePercentage {
		sig := base
		sig.Method = models.MethodPercentageWindow
		sig.PreviousStdDev = sigma
		sig.PreviousProbability = oldest
		sig.ZScore = z
		sig.ChangePercentage = pct
		if math.IsNaN(sig.PreviousStdDev) {
			sig.PreviousStdDev = 0
		}
		return &sig
	}
	return nil
}

// DetectVolumeSurge compares the current volume to the mean of the positive
// volumes in the lookback window.
func (d *Detector) DetectVolumeSurge(m models.MarketSnapshot) *models.AnomalySignal {
	if m.Volume == nil {
		return nil
	}
	current := *m.Volume
	ts := m.ObservedAt

	var sum float64
	var n int
	for _, p := range d.store.Window(m.Key(), ts.Add(-d.cfg.Lookback), ts) {
		if p.Volume > 0 {
			sum += p.Volume
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	if avg <= 0 || current < avg*d.cfg.VolumeSurgeMultiplier {
		return nil
	}
	return &models.AnomalySignal{
		Kind:               models.KindVolumeSurge,
		Method:             models.MethodVolumeSurge,
		Market:             m,
		CurrentProbability: m.Probability,
		CurrentVolume:      current,
		AverageVolume:      avg,
		Multiplier:         current / avg,
		DetectedAt:         d.now(),
	}
}

// DetectAnomalies runs both checks independently.
func (d *Detector) DetectAnomalies(m models.MarketSnapshot) []models.AnomalySignal {
	var out []models.AnomalySignal
	if sig := d.DetectSpike(m); sig != nil {
		out = append(out, *sig)
	}
	if sig := d.DetectVolumeSurge(m); sig != nil {
		out = append(out, *sig)
	}
	return out
}

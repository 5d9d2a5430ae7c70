package monitor

import (
	"math"
	"testing"
	"time"

	"github.com/rewired-gh/oddswatch/internal/models"
	"github.com/rewired-gh/oddswatch/internal/series"
)

type histPoint struct {
	ago    time.Duration
	prob   float64
	volume float64
}

func newDetectorWithHistory(now time.Time, key string, hist []histPoint) *Detector {
	store := series.NewStore(24 * time.Hour)
	for _, h := range hist {
		store.Append(series.Point{MarketKey: key, Timestamp: now.Add(-h.ago), Probability: h.prob, Volume: h.volume})
	}
	return NewDetector(store, DefaultDetectorConfig())
}

func currentSnapshot(now time.Time, p float64, volume *float64) models.MarketSnapshot {
	s := models.NewMarketSnapshot(models.VenuePolymarket, "m1", "Will it rain?", p, now)
	s.Volume = volume
	return s
}

func TestWelford(t *testing.T) {
	var w Welford
	if !math.IsNaN(w.StdDev()) {
		t.Errorf("StdDev of empty accumulator: got %v, want NaN", w.StdDev())
	}
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		w.Add(x)
	}
	if math.Abs(w.Mean-5) > 1e-12 {
		t.Errorf("Mean: got %v, want 5", w.Mean)
	}
	// Sample variance of the set is 32/7.
	if got, want := w.StdDev(), math.Sqrt(32.0/7.0); math.Abs(got-want) > 1e-12 {
		t.Errorf("StdDev: got %v, want %v", got, want)
	}
}

func TestDetectSpike(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		hist       []histPoint
		current    float64
		wantMethod models.Method
		wantPct    float64
	}{
		{
			name:       "flat history falls back to percentage",
			hist:       []histPoint{{50 * time.Minute, 0.50, 0}, {10 * time.Minute, 0.50, 0}},
			current:    0.65,
			wantMethod: models.MethodPercentage,
			wantPct:    30,
		},
		{
			name:       "z-score over noisy history",
			hist:       []histPoint{{50 * time.Minute, 0.50, 0}, {40 * time.Minute, 0.52, 0}, {30 * time.Minute, 0.48, 0}, {20 * time.Minute, 0.50, 0}},
			current:    0.60,
			wantMethod: models.MethodZScore,
			wantPct:    20,
		},
		{
			name: "short window catches move the z-score misses",
			hist: []histPoint{
				{55 * time.Minute, 0.2, 0}, {45 * time.Minute, 0.8, 0}, {35 * time.Minute, 0.2, 0},
				{25 * time.Minute, 0.8, 0}, {10 * time.Minute, 0.4, 0},
			},
			current:    0.50,
			wantMethod: models.MethodPercentageWindow,
			wantPct:    25,
		},
		{
			name:    "single prior point is not enough",
			hist:    []histPoint{{10 * time.Minute, 0.10, 0}},
			current: 0.90,
		},
		{
			name:    "points older than the lookback are ignored",
			hist:    []histPoint{{3 * time.Hour, 0.10, 0}, {2 * time.Hour, 0.10, 0}, {10 * time.Minute, 0.10, 0}},
			current: 0.90,
		},
		{
			name:    "zero mean never divides",
			hist:    []histPoint{{50 * time.Minute, 0, 0}, {10 * time.Minute, 0, 0}},
			current: 0.50,
		},
		{
			name:    "small move on flat history",
			hist:    []histPoint{{50 * time.Minute, 0.50, 0}, {10 * time.Minute, 0.50, 0}},
			current: 0.52,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDetectorWithHistory(now, "polymarket:m1", tt.hist)
			sig := d.DetectSpike(currentSnapshot(now, tt.current, nil))

			if tt.wantMethod == "" {
				if sig != nil {
					t.Fatalf("expected no spike, got %s (pct %.2f)", sig.Method, sig.ChangePercentage)
				}
				return
			}
			if sig == nil {
				t.Fatalf("expected %s spike, got none", tt.wantMethod)
			}
			if sig.Method != tt.wantMethod {
				t.Errorf("Method: got %s, want %s", sig.Method, tt.wantMethod)
			}
			if math.Abs(sig.ChangePercentage-tt.wantPct) > 1e-6 {
				t.Errorf("ChangePercentage: got %v, want %v", sig.ChangePercentage, tt.wantPct)
			}
			if sig.Kind != models.KindProbabilitySpike {
				t.Errorf("Kind: got %s, want %s", sig.Kind, models.KindProbabilitySpike)
			}
			if err := sig.Validate(); err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

func TestDetectSpike_ZScoreFields(t *testing.T) {
	now := time.Now()
	d := newDetectorWithHistory(now, "polymarket:m1", []histPoint{
		{50 * time.Minute, 0.40, 0}, {30 * time.Minute, 0.60, 0},
	})

	sig := d.DetectSpike(currentSnapshot(now, 0.80, nil))
	if sig == nil || sig.Method != models.MethodZScore {
		t.Fatalf("expected z_score spike, got %+v", sig)
	}
	if sig.ZScore == nil {
		t.Fatal("ZScore should be set")
	}
	// mean 0.5, sample stddev sqrt(0.02)
	wantZ := 0.3 / math.Sqrt(0.02)
	if math.Abs(*sig.ZScore-wantZ) > 1e-9 {
		t.Errorf("ZScore: got %v, want %v", *sig.ZScore, wantZ)
	}
	if math.Abs(sig.PreviousMean-0.5) > 1e-12 {
		t.Errorf("PreviousMean: got %v, want 0.5", sig.PreviousMean)
	}
}

func TestDetectVolumeSurge(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		hist     []histPoint
		volume   *float64
		wantMult float64
	}{
		{
			name:     "surge over trailing average",
			hist:     []histPoint{{40 * time.Minute, 0.5, 50000}, {20 * time.Minute, 0.5, 60000}},
			volume:   models.Float(300000),
			wantMult: 300000.0 / 55000.0,
		},
		{
			name:   "below multiplier",
			hist:   []histPoint{{40 * time.Minute, 0.5, 50000}, {20 * time.Minute, 0.5, 60000}},
			volume: models.Float(160000),
		},
		{
			name:   "zero volumes are not history",
			hist:   []histPoint{{40 * time.Minute, 0.5, 0}, {20 * time.Minute, 0.5, 0}},
			volume: models.Float(300000),
		},
		{
			name: "missing current volume",
			hist: []histPoint{{40 * time.Minute, 0.5, 50000}},
		},
		{
			name:     "one positive point is enough",
			hist:     []histPoint{{40 * time.Minute, 0.5, 0}, {20 * time.Minute, 0.5, 1000}},
			volume:   models.Float(3000),
			wantMult: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDetectorWithHistory(now, "polymarket:m1", tt.hist)
			sig := d.DetectVolumeSurge(currentSnapshot(now, 0.5, tt.volume))

			if tt.wantMult == 0 {
				if sig != nil {
					t.Fatalf("expected no surge, got multiplier %v", sig.Multiplier)
				}
				return
			}
			if sig == nil {
				t.Fatal("expected a surge, got none")
			}
			if math.Abs(sig.Multiplier-tt.wantMult) > 1e-9 {
				t.Errorf("Multiplier: got %v, want %v", sig.Multiplier, tt.wantMult)
			}
			if err := sig.Validate(); err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

func TestDetectAnomalies_SpikeAndSurgeTogether(t *testing.T) {
	now := time.Now()
	d := newDetectorWithHistory(now, "polymarket:m1", []histPoint{
		{50 * time.Minute, 0.50, 50000}, {10 * time.Minute, 0.50, 60000},
	})

	got := d.DetectAnomalies(currentSnapshot(now, 0.65, models.Float(300000)))
	if len(got) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(got))
	}
	if got[0].Kind != models.KindProbabilitySpike || got[1].Kind != models.KindVolumeSurge {
		t.Errorf("unexpected kinds: %s, %s", got[0].Kind, got[1].Kind)
	}
}

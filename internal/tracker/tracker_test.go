package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/oddswatch/internal/models"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func snapshot(id string, p float64) models.MarketSnapshot {
	return models.NewMarketSnapshot(models.VenuePolymarket, id, "Will X happen?", p, t0)
}

func newTracker(threshold float64) (*Tracker, *time.Time) {
	now := t0
	tr := New(Config{ProbabilityChangeThreshold: threshold, Retention: 24 * time.Hour})
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestObserve_FirstSightIsBaseline(t *testing.T) {
	tr, _ := newTracker(1.0)

	ev := tr.Observe(snapshot("m1", 0.30))
	assert.Equal(t, models.ChangeNewMarket, ev.Kind)
	assert.Nil(t, ev.Signal)

	p, ok := tr.LastProbability("polymarket:m1")
	require.True(t, ok)
	assert.Equal(t, 0.30, p)
}

func TestObserve_SecondSightSignalsAboveThreshold(t *testing.T) {
	tr, _ := newTracker(5.0)
	tr.Observe(snapshot("m1", 0.30))

	ev := tr.Observe(snapshot("m1", 0.40))
	require.Equal(t, models.ChangeProbability, ev.Kind)
	require.NotNil(t, ev.Signal)
	assert.Equal(t, models.KindProbabilityChange, ev.Signal.Kind)
	assert.Equal(t, models.MethodProbabilityChange, ev.Signal.Method)
	assert.Equal(t, models.DirectionYes, ev.Signal.Direction)
	assert.InDelta(t, 0.40, ev.Signal.DirectionProbability, 1e-9)
	assert.InDelta(t, 10.0, ev.Signal.ChangePercentage, 1e-9)
	assert.InDelta(t, 0.30, ev.Signal.PreviousProbability, 1e-9)
	assert.NoError(t, ev.Signal.Validate())
}

func TestObserve_DownMoveIsNoDirection(t *testing.T) {
	tr, _ := newTracker(1.0)
	tr.Observe(snapshot("m1", 0.70))

	ev := tr.Observe(snapshot("m1", 0.55))
	require.NotNil(t, ev.Signal)
	assert.Equal(t, models.DirectionNo, ev.Signal.Direction)
	assert.InDelta(t, 0.45, ev.Signal.DirectionProbability, 1e-9)
}

func TestObserve_BelowThresholdStillUpdatesBaseline(t *testing.T) {
	tr, _ := newTracker(5.0)
	tr.Observe(snapshot("m1", 0.50))

	// Three 3pp steps: none individually reaches 5pp.
	for _, p := range []float64{0.53, 0.56, 0.59} {
		ev := tr.Observe(snapshot("m1", p))
		assert.Equal(t, models.ChangeUpdate, ev.Kind, "p=%v", p)
		assert.Nil(t, ev.Signal)
	}
	last, _ := tr.LastProbability("polymarket:m1")
	assert.Equal(t, 0.59, last)
}

func TestObserve_ThresholdIsInclusive(t *testing.T) {
	tr, _ := newTracker(1.0)
	tr.Observe(snapshot("m1", 0.58))
	ev := tr.Observe(snapshot("m1", 0.57))
	assert.Equal(t, models.ChangeProbability, ev.Kind)
}

func TestObserve_MarketsAreIndependent(t *testing.T) {
	tr, _ := newTracker(1.0)
	tr.Observe(snapshot("a", 0.10))
	ev := tr.Observe(snapshot("b", 0.90))
	assert.Equal(t, models.ChangeNewMarket, ev.Kind)

	k := models.NewMarketSnapshot(models.VenueKalshi, "a", "same id other venue", 0.5, t0)
	assert.Equal(t, models.ChangeNewMarket, tr.Observe(k).Kind)
}

func TestRestore_KnownMarketSetsBaselineWithoutSignal(t *testing.T) {
	tr, _ := newTracker(1.0)
	snap := models.NewPersistedSnapshot()
	snap.KnownMarketIDs["polymarket:m1"] = struct{}{}
	tr.Restore(snap)

	ev := tr.Observe(snapshot("m1", 0.95))
	assert.Equal(t, models.ChangeUpdate, ev.Kind)
	assert.Nil(t, ev.Signal)

	ev = tr.Observe(snapshot("m1", 0.80))
	assert.Equal(t, models.ChangeProbability, ev.Kind)
}

func TestAdmitTrade_Dedup(t *testing.T) {
	tr, _ := newTracker(1.0)
	id := models.Trade{EventID: "e", ID: "t1", Timestamp: 100}.DedupKey()

	assert.True(t, tr.AdmitTrade(id))
	assert.False(t, tr.AdmitTrade(id))
	assert.True(t, tr.AdmitTrade(models.Trade{EventID: "e", ID: "t1", Timestamp: 101}.DedupKey()))
}

func TestPruneTrades_UsesAdmissionTime(t *testing.T) {
	tr, now := newTracker(1.0)

	for i := 0; i < 3; i++ {
		require.True(t, tr.AdmitTrade(fmt.Sprintf("old-%d", i)))
	}
	*now = now.Add(20 * time.Hour)
	require.True(t, tr.AdmitTrade("fresh"))

	*now = now.Add(5 * time.Hour)
	assert.Equal(t, 3, tr.PruneTrades())

	_, trades := tr.Stats()
	assert.Equal(t, 1, trades)
	assert.False(t, tr.AdmitTrade("fresh"))
	assert.True(t, tr.AdmitTrade("old-0"))
}

func TestSnapshotRoundTripsThroughRestore(t *testing.T) {
	tr, _ := newTracker(1.0)
	tr.Observe(snapshot("a", 0.2))
	tr.Observe(snapshot("b", 0.3))
	tr.AdmitTrade("x")

	snap := tr.Snapshot()
	assert.Len(t, snap.KnownMarketIDs, 2)
	assert.Len(t, snap.KnownTradeIDs, 1)

	restored, _ := newTracker(1.0)
	restored.Restore(snap)
	markets, trades := restored.Stats()
	assert.Equal(t, 2, markets)
	assert.Equal(t, 1, trades)
	assert.False(t, restored.AdmitTrade("x"))
}

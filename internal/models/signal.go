package models

import (
	"errors"
	"fmt"
	"time"
)

// SignalKind tags the AnomalySignal variant.
type SignalKind string

const (
	KindProbabilitySpike  SignalKind = "probability_spike"
	KindVolumeSurge       SignalKind = "volume_surge"
	KindProbabilityChange SignalKind = "probability_change"
)

// Method names the statistic that produced a signal.
type Method string

const (
	MethodZScore            Method = "z_score"
	MethodPercentage        Method = "percentage"
	MethodPercentageWindow  Method = "percentage_window"
	MethodVolumeSurge       Method = "volume_surge"
	MethodProbabilityChange Method = "probability_change"
)

// Direction of a probability change: which side of a binary market moved up.
const (
	DirectionYes = "YES"
	DirectionNo  = "NO"
)

// AnomalySignal is a detected spike, surge, or probability change for one market.
// Which metric fields are meaningful depends on Kind.
type AnomalySignal struct {
	Kind   SignalKind
	Method Method
	Market MarketSnapshot

	// Spike and probability change.
	CurrentProbability  float64
	PreviousMean        float64
	PreviousStdDev      float64
	PreviousProbability float64
	ZScore              *float64
	ChangePercentage    float64

	// Probability change only.
	Direction            string
	DirectionProbability float64

	// Volume surge.
	CurrentVolume float64
	AverageVolume float64
	Multiplier    float64

	DetectedAt time.Time
}

// Validate checks that the signal is internally consistent.
func (s AnomalySignal) Validate() error {
	switch s.Kind {
	case KindProbabilitySpike:
		if s.Method != MethodZScore && s.Method != MethodPercentage && s.Method != MethodPercentageWindow {
			return fmt.Errorf("method %q is not a spike method", s.Method)
		}
	case KindVolumeSurge:
		if s.Method != MethodVolumeSurge {
			return fmt.Errorf("method %q is not a surge method", s.Method)
		}
		if s.AverageVolume <= 0 {
			return errors.New("average volume must be positive")
		}
	case KindProbabilityChange:
		if s.Method != MethodProbabilityChange {
			return fmt.Errorf("method %q is not a change method", s.Method)
		}
		if s.Direction != DirectionYes && s.Direction != DirectionNo {
			return errors.New("direction must be YES or NO")
		}
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	if s.Market.Key() == ":" {
		return errors.New("signal market must be set")
	}
	return nil
}

// ChangeKind classifies one ChangeTracker observation.
type ChangeKind string

const (
	ChangeNewMarket   ChangeKind = "new_market"
	ChangeUpdate      ChangeKind = "update"
	ChangeProbability ChangeKind = "probability_change"
)

// ChangeEvent is the outcome of observing a market in the change tracker.
// Signal is set only for ChangeProbability.
type ChangeEvent struct {
	Kind                ChangeKind
	Market              MarketSnapshot
	PreviousProbability float64
	Signal              *AnomalySignal
}

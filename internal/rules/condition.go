package rules

import (
	"fmt"
	"time"
)

// ConditionType discriminates alert condition variants.
type ConditionType string

const (
	TypePriceAbove    ConditionType = "price_above"
	TypePriceBelow    ConditionType = "price_below"
	TypePercentChange ConditionType = "percent_change"
	TypeVolumeSpike   ConditionType = "volume_spike"
	TypeWhaleActivity ConditionType = "whale_activity"
)

const (
	// DefaultLookback is the percent-change reference window.
	DefaultLookback = 24 * time.Hour
	// DefaultSpikeWindow is how many prior ticks feed the volume baseline.
	DefaultSpikeWindow = 10
	// DefaultSpikeThresholdPct fires when volume is 200% above baseline.
	DefaultSpikeThresholdPct = 200
	// WhaleMovePct is the minimum per-tick move treated as whale activity.
	WhaleMovePct = 0.5
)

// Condition is the tagged union of alert trigger conditions. Each variant
// carries only the parameters its evaluation needs.
type Condition interface {
	Kind() ConditionType
}

// PriceAbove fires when the current price reaches or exceeds Threshold.
type PriceAbove struct {
	Threshold float64
}

// PriceBelow fires when the current price reaches or falls under Threshold.
type PriceBelow struct {
	Threshold float64
}

// PercentChange fires when the absolute percent move against the price at
// the start of the lookback window reaches ThresholdPct.
type PercentChange struct {
	ThresholdPct float64
	Lookback     time.Duration
}

// VolumeSpike fires when the current volume exceeds the rolling average of
// the previous Window ticks by ThresholdPct percent.
type VolumeSpike struct {
	ThresholdPct float64
	Window       int
}

// WhaleActivity fires on a sharp per-tick move whose notional value
// (price * volume) reaches MinNotional.
type WhaleActivity struct {
	MinNotional float64
}

func (PriceAbove) Kind() ConditionType    { return TypePriceAbove }
func (PriceBelow) Kind() ConditionType    { return TypePriceBelow }
func (PercentChange) Kind() ConditionType { return TypePercentChange }
func (VolumeSpike) Kind() ConditionType   { return TypeVolumeSpike }
func (WhaleActivity) Kind() ConditionType { return TypeWhaleActivity }

// ConditionFromRecord rebuilds a Condition variant from the flat persisted
// pair (conditionType, threshold), applying variant defaults.
func ConditionFromRecord(kind ConditionType, threshold float64) (Condition, error) {
	switch kind {
	case TypePriceAbove:
		return PriceAbove{Threshold: threshold}, nil
	case TypePriceBelow:
		return PriceBelow{Threshold: threshold}, nil
	case TypePercentChange:
		return PercentChange{ThresholdPct: threshold, Lookback: DefaultLookback}, nil
	case TypeVolumeSpike:
		if threshold == 0 {
			threshold = DefaultSpikeThresholdPct
		}
		return VolumeSpike{ThresholdPct: threshold, Window: DefaultSpikeWindow}, nil
	case TypeWhaleActivity:
		return WhaleActivity{MinNotional: threshold}, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", kind)
	}
}

// thresholdOf flattens a Condition variant back to its persisted threshold.
func thresholdOf(c Condition) float64 {
	switch v := c.(type) {
	case PriceAbove:
		return v.Threshold
	case PriceBelow:
		return v.Threshold
	case PercentChange:
		return v.ThresholdPct
	case VolumeSpike:
		return v.ThresholdPct
	case WhaleActivity:
		return v.MinNotional
	default:
		return 0
	}
}

package evaluate

import (
	"errors"
	"fmt"
	"math"

	"tick-alerts/internal/market"
	"tick-alerts/internal/rules"
)

var (
	// ErrInsufficientHistory reports that a condition needs more history
	// than the snapshot provides. Non-fatal: the rule is skipped for this
	// tick and retried on the next one.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrZeroBaseline guards divisions against a zero reference price or
	// zero average volume.
	ErrZeroBaseline = errors.New("zero baseline")
)

// Result carries the trigger decision plus the context a notification
// message is rendered from.
type Result struct {
	Triggered bool

	// Reference is the comparison baseline: the rule threshold for price
	// rules, the lookback-start price for percent change, the average
	// volume for volume spikes.
	Reference float64
	ChangePct float64
	AvgVolume float64
	Notional  float64
}

// Evaluate decides whether rule fires on the current tick. history holds
// the symbol's ticks prior to the current one, oldest first. Pure: no
// state, no side effects; errors are per-rule and never affect other rules.
func Evaluate(rule rules.Rule, tick market.Tick, history []market.Tick) (Result, error) {
	switch cond := rule.Condition.(type) {
	case rules.PriceAbove:
		return Result{
			Triggered: tick.Price >= cond.Threshold,
			Reference: cond.Threshold,
		}, nil

	case rules.PriceBelow:
		return Result{
			Triggered: tick.Price <= cond.Threshold,
			Reference: cond.Threshold,
		}, nil

	case rules.PercentChange:
		return evalPercentChange(cond, tick, history)

	case rules.VolumeSpike:
		return evalVolumeSpike(cond, tick, history)

	case rules.WhaleActivity:
		return evalWhaleActivity(cond, tick, history)

	default:
		return Result{}, fmt.Errorf("unsupported condition type %T", rule.Condition)
	}
}

// evalPercentChange compares the current price against the price at the
// start of the lookback window.
func evalPercentChange(cond rules.PercentChange, tick market.Tick, history []market.Tick) (Result, error) {
	if len(history) == 0 {
		return Result{}, fmt.Errorf("%w: percent change needs a reference tick", ErrInsufficientHistory)
	}

	lookback := cond.Lookback
	if lookback <= 0 {
		lookback = rules.DefaultLookback
	}
	windowStart := tick.Timestamp - lookback.Milliseconds()

	// Oldest tick inside the window; history may be shorter than the
	// window, in which case its oldest tick is the reference.
	reference := history[0]
	for _, h := range history {
		if h.Timestamp >= windowStart {
			reference = h
			break
		}
	}

	if reference.Price == 0 {
		return Result{}, fmt.Errorf("%w: reference price is zero", ErrZeroBaseline)
	}

	change := (tick.Price - reference.Price) / reference.Price * 100
	return Result{
		Triggered: math.Abs(change) >= cond.ThresholdPct,
		Reference: reference.Price,
		ChangePct: change,
	}, nil
}

// evalVolumeSpike compares the current volume against the average of the
// previous window ticks.
func evalVolumeSpike(cond rules.VolumeSpike, tick market.Tick, history []market.Tick) (Result, error) {
	window := cond.Window
	if window <= 0 {
		window = rules.DefaultSpikeWindow
	}
	if len(history) == 0 {
		return Result{}, fmt.Errorf("%w: volume spike needs prior volumes", ErrInsufficientHistory)
	}

	start := len(history) - window
	if start < 0 {
		start = 0
	}
	recent := history[start:]

	var total float64
	for _, h := range recent {
		total += h.Volume
	}
	avg := total / float64(len(recent))
	if avg == 0 {
		return Result{}, fmt.Errorf("%w: average volume is zero", ErrZeroBaseline)
	}

	spike := (tick.Volume - avg) / avg * 100
	return Result{
		Triggered: spike >= cond.ThresholdPct,
		Reference: avg,
		ChangePct: spike,
		AvgVolume: avg,
	}, nil
}

// evalWhaleActivity detects a sharp per-tick move with large notional value.
func evalWhaleActivity(cond rules.WhaleActivity, tick market.Tick, history []market.Tick) (Result, error) {
	if len(history) == 0 {
		return Result{}, fmt.Errorf("%w: whale activity needs the previous tick", ErrInsufficientHistory)
	}

	prev := history[len(history)-1]
	if prev.Price == 0 {
		return Result{}, fmt.Errorf("%w: previous price is zero", ErrZeroBaseline)
	}

	change := (tick.Price - prev.Price) / prev.Price * 100
	notional := tick.Notional()

	return Result{
		Triggered: math.Abs(change) > rules.WhaleMovePct && notional >= cond.MinNotional,
		Reference: prev.Price,
		ChangePct: change,
		Notional:  notional,
	}, nil
}

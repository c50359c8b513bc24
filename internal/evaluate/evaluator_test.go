package evaluate

import (
	"errors"
	"testing"
	"time"

	"tick-alerts/internal/market"
	"tick-alerts/internal/rules"
)

func tick(price, volume float64, ts int64) market.Tick {
	return market.Tick{Symbol: "BTCUSDT", Price: price, Volume: volume, Timestamp: ts}
}

func priceRule(cond rules.Condition) rules.Rule {
	return rules.Rule{
		ID:        "r1",
		Symbol:    "BTCUSDT",
		Condition: cond,
		Channels:  []rules.Channel{rules.ChannelPush},
		Active:    true,
	}
}

func TestPriceAboveInclusiveBoundary(t *testing.T) {
	rule := priceRule(rules.PriceAbove{Threshold: 50000})

	cases := []struct {
		price float64
		want  bool
	}{
		{49900, false},
		{50000, true}, // exact threshold fires
		{50100, true},
	}
	for _, tc := range cases {
		res, err := Evaluate(rule, tick(tc.price, 1, 1), nil)
		if err != nil {
			t.Fatalf("price %v: %v", tc.price, err)
		}
		if res.Triggered != tc.want {
			t.Fatalf("price %v: triggered=%v, want %v", tc.price, res.Triggered, tc.want)
		}
	}
}

func TestPriceBelowInclusiveBoundary(t *testing.T) {
	rule := priceRule(rules.PriceBelow{Threshold: 50000})

	res, err := Evaluate(rule, tick(50000, 1, 1), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Triggered {
		t.Fatal("tick exactly on threshold must trigger PriceBelow too")
	}

	res, _ = Evaluate(rule, tick(50001, 1, 1), nil)
	if res.Triggered {
		t.Fatal("price above threshold must not trigger PriceBelow")
	}
}

func TestPercentChange(t *testing.T) {
	rule := priceRule(rules.PercentChange{ThresholdPct: 5, Lookback: 24 * time.Hour})
	now := int64(1700000000000)
	history := []market.Tick{
		tick(100, 1, now-3*time.Hour.Milliseconds()),
		tick(102, 1, now-time.Hour.Milliseconds()),
	}

	res, err := Evaluate(rule, tick(106, 1, now), history)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Triggered {
		t.Fatalf("6%% move against reference 100 should trigger, got %+v", res)
	}
	if res.Reference != 100 {
		t.Fatalf("reference should be window-start price 100, got %v", res.Reference)
	}

	// Downward moves count via absolute value.
	res, err = Evaluate(rule, tick(94, 1, now), history)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Triggered {
		t.Fatal("-6% move should trigger via absolute value")
	}

	res, _ = Evaluate(rule, tick(104, 1, now), history)
	if res.Triggered {
		t.Fatal("4% move is below the 5% threshold")
	}
}

func TestPercentChangeNeedsHistory(t *testing.T) {
	rule := priceRule(rules.PercentChange{ThresholdPct: 5})
	if _, err := Evaluate(rule, tick(100, 1, 1), nil); !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("expected ErrInsufficientHistory, got %v", err)
	}
}

func TestVolumeSpikeScenario(t *testing.T) {
	// Last 10 volumes averaging 10; a new tick with volume 35 is a 250%
	// spike against a 200% threshold.
	rule := priceRule(rules.VolumeSpike{ThresholdPct: 200, Window: 10})
	history := make([]market.Tick, 10)
	for i := range history {
		history[i] = tick(100, 10, int64(i))
	}

	res, err := Evaluate(rule, tick(100, 35, 11), history)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Triggered {
		t.Fatalf("250%% spike should trigger: %+v", res)
	}
	if res.AvgVolume != 10 {
		t.Fatalf("avg volume = %v, want 10", res.AvgVolume)
	}
	if res.ChangePct != 250 {
		t.Fatalf("spike pct = %v, want 250", res.ChangePct)
	}

	res, _ = Evaluate(rule, tick(100, 25, 11), history)
	if res.Triggered {
		t.Fatal("150% spike is below the 200% threshold")
	}
}

func TestVolumeSpikeExcludesCurrentTick(t *testing.T) {
	rule := priceRule(rules.VolumeSpike{ThresholdPct: 200, Window: 3})
	history := []market.Tick{tick(100, 10, 1), tick(100, 10, 2), tick(100, 10, 3)}

	// Were the current tick inside its own baseline the average would rise
	// and the spike percentage would shrink.
	res, err := Evaluate(rule, tick(100, 35, 4), history)
	if err != nil {
		t.Fatal(err)
	}
	if res.AvgVolume != 10 {
		t.Fatalf("baseline must exclude the current tick, avg = %v", res.AvgVolume)
	}
}

func TestVolumeSpikeZeroBaseline(t *testing.T) {
	rule := priceRule(rules.VolumeSpike{ThresholdPct: 200, Window: 2})
	history := []market.Tick{tick(100, 0, 1), tick(100, 0, 2)}
	if _, err := Evaluate(rule, tick(100, 5, 3), history); !errors.Is(err, ErrZeroBaseline) {
		t.Fatalf("expected ErrZeroBaseline, got %v", err)
	}
}

func TestWhaleActivity(t *testing.T) {
	rule := priceRule(rules.WhaleActivity{MinNotional: 1_000_000})
	history := []market.Tick{tick(100, 1, 1)}

	// 1% move with 20000 * 100 = 2M notional.
	res, err := Evaluate(rule, tick(101, 20000, 2), history)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Triggered {
		t.Fatalf("large notional sharp move should trigger: %+v", res)
	}

	// Sharp move but small notional.
	res, _ = Evaluate(rule, tick(101, 10, 2), history)
	if res.Triggered {
		t.Fatal("small notional must not trigger whale activity")
	}

	// Large notional but flat price: 0.5% is not strictly greater.
	res, _ = Evaluate(rule, tick(100.5, 20000, 2), history)
	if res.Triggered {
		t.Fatal("move of exactly 0.5% must not trigger whale activity")
	}
}

func TestEvaluateUnknownCondition(t *testing.T) {
	rule := rules.Rule{ID: "bad", Symbol: "BTCUSDT"}
	if _, err := Evaluate(rule, tick(1, 1, 1), nil); err == nil {
		t.Fatal("nil condition should error, not panic")
	}
}

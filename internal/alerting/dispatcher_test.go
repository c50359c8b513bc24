package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tick-alerts/internal/rules"
)

type fakeNotifier struct {
	calls int
	err   error
}

func (f *fakeNotifier) Send(_ context.Context, _ Event) error {
	f.calls++
	return f.err
}

func testEvent() Event {
	return Event{
		RuleID:    "r1",
		Symbol:    "BTCUSDT",
		Condition: rules.TypePriceAbove,
		Threshold: 50000,
		Price:     50001,
		Volume:    1,
		At:        time.UnixMilli(1700000000000),
	}
}

func testRule(channels ...rules.Channel) rules.Rule {
	return rules.Rule{
		ID:       "r1",
		Symbol:   "BTCUSDT",
		Channels: channels,
		Active:   true,
	}
}

func TestDispatchFailureIsolation(t *testing.T) {
	failing := &fakeNotifier{err: errors.New("telegram down")}
	healthy := &fakeNotifier{}

	d := NewDispatcher(map[rules.Channel]Notifier{
		rules.ChannelTelegram: failing,
		rules.ChannelPush:     healthy,
	}, BreakerOptions{}, nil, zerolog.Nop())

	d.Dispatch(context.Background(), testRule(rules.ChannelTelegram, rules.ChannelPush), testEvent())

	if failing.calls != 1 {
		t.Fatalf("failing channel attempted %d times, want 1", failing.calls)
	}
	if healthy.calls != 1 {
		t.Fatalf("healthy channel attempted %d times despite the other failing, want 1", healthy.calls)
	}
}

func TestDispatchMissingAdapterDoesNotPanic(t *testing.T) {
	healthy := &fakeNotifier{}
	d := NewDispatcher(map[rules.Channel]Notifier{
		rules.ChannelPush: healthy,
	}, BreakerOptions{}, nil, zerolog.Nop())

	d.Dispatch(context.Background(), testRule(rules.ChannelEmail, rules.ChannelPush), testEvent())

	if healthy.calls != 1 {
		t.Fatalf("configured channel should still deliver, calls = %d", healthy.calls)
	}
}

func TestDispatchBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	failing := &fakeNotifier{err: errors.New("persistent failure")}
	d := NewDispatcher(map[rules.Channel]Notifier{
		rules.ChannelTelegram: failing,
	}, BreakerOptions{ConsecutiveFailures: 2, OpenTimeout: time.Minute}, nil, zerolog.Nop())

	rule := testRule(rules.ChannelTelegram)
	for i := 0; i < 5; i++ {
		d.Dispatch(context.Background(), rule, testEvent())
	}

	// After two consecutive failures the breaker is open and the adapter
	// is no longer invoked.
	if failing.calls != 2 {
		t.Fatalf("adapter called %d times, want 2 before the breaker opens", failing.calls)
	}
}

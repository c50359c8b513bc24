package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"tick-alerts/internal/metrics"
	"tick-alerts/internal/rules"
)

// BreakerOptions tune the per-channel circuit breakers.
type BreakerOptions struct {
	// ConsecutiveFailures trips the breaker once this many sends fail in a
	// row. Zero disables the breakers.
	ConsecutiveFailures uint32
	// OpenTimeout is how long a tripped breaker rejects sends before
	// probing the channel again.
	OpenTimeout time.Duration
}

// Dispatcher fans a triggered event out to each of the rule's channels
// independently. One channel failing never stops the others and never
// deactivates the rule.
type Dispatcher struct {
	channels map[rules.Channel]Notifier
	breakers map[rules.Channel]*gobreaker.CircuitBreaker
	logger   zerolog.Logger
	mets     *metrics.Metrics
}

// NewDispatcher wires channel adapters into a dispatcher. Channels a rule
// routes to without a configured adapter are reported as dispatch failures
// at send time.
func NewDispatcher(channels map[rules.Channel]Notifier, opts BreakerOptions, mets *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		channels: channels,
		breakers: make(map[rules.Channel]*gobreaker.CircuitBreaker),
		logger:   logger.With().Str("component", "dispatch").Logger(),
		mets:     mets,
	}

	if opts.ConsecutiveFailures > 0 {
		for ch := range channels {
			threshold := opts.ConsecutiveFailures
			d.breakers[ch] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    string(ch),
				Timeout: opts.OpenTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= threshold
				},
			})
		}
	}
	return d
}

// Dispatch attempts delivery on every channel the rule routes to. Failures
// are logged and counted per channel; the method never returns an error to
// the pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, rule rules.Rule, event Event) {
	for _, ch := range rule.Channels {
		if err := d.send(ctx, ch, event); err != nil {
			if d.mets != nil {
				d.mets.DispatchFailures.WithLabelValues(string(ch)).Inc()
			}
			d.logger.Error().Err(err).
				Str("rule_id", rule.ID).
				Str("channel", string(ch)).
				Msg("channel delivery failed")
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, ch rules.Channel, event Event) error {
	notifier, ok := d.channels[ch]
	if !ok {
		return fmt.Errorf("no adapter configured for channel %q", ch)
	}

	breaker, ok := d.breakers[ch]
	if !ok {
		return notifier.Send(ctx, event)
	}

	_, err := breaker.Execute(func() (any, error) {
		return nil, notifier.Send(ctx, event)
	})
	return err
}

package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// PassFunc is invoked on every interval.
type PassFunc func(ctx context.Context, at time.Time) error

// Options tune loop behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Loop drives periodic execution of a maintenance pass.
type Loop struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Loop instance.
func New(opts Options, logger zerolog.Logger) *Loop {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Loop{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the pass function at each interval until ctx is
// cancelled. A failing pass is logged and retried on the next interval.
func (l *Loop) Run(ctx context.Context, pass PassFunc) error {
	if l.opts.StartupDelay > 0 {
		timer := time.NewTimer(l.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case at := <-ticker.C:
			l.logger.Debug().Time("at", at).Msg("executing maintenance pass")
			if err := pass(ctx, at.UTC()); err != nil {
				l.logger.Error().Err(err).Time("at", at).Msg("maintenance pass failed")
			}
		}
	}
}

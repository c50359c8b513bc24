package stream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackoff builds the reconnect delay schedule: base*2^attempt capped at
// cap. Randomization is disabled so the schedule is deterministic and
// monotonically non-decreasing.
func newBackoff(base, cap time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = cap
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // attempts are capped by count, not elapsed time
	b.Reset()
	return b
}

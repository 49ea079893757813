package retry

import (
	"math/rand/v2"
	"time"
)

// backoffJitter spreads the retries of engines started together
const backoffJitter = 0.25

// Jitter scales d by a random factor in [1-fraction, 1+fraction]. The
// fraction is clamped to [0, 1].
func Jitter(d time.Duration, fraction float64) time.Duration {
	switch {
	case fraction <= 0:
		return d
	case fraction > 1:
		fraction = 1
	}
	factor := 1 + fraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}

// ExponentialBackoff returns base doubled attempt times, capped at maxDelay,
// with jitter. attempt counts failures so far, starting at 0.
func ExponentialBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := maxDelay
	if attempt < 0 {
		attempt = 0
	}
	// past 62 doublings the shift overflows
	if attempt < 62 {
		if d := base << attempt; d > 0 && d < maxDelay && d>>attempt == base {
			delay = d
		}
	}
	return Jitter(delay, backoffJitter)
}

// Package backoff provides the exponential-backoff-with-jitter pacing shared by
// every retrying worker in the scheduler core (watch and auth-refresh worker
// restarts, scale-conflict retries).
package backoff

import (
	"math/rand"
	"time"
)

// Calculate returns an exponential backoff duration with a max cap and random
// jitter. Sequence: 1s, 2s, 4s, 8s, 16s, ..., capped at maxBackoff, plus a
// random jitter in [0, 1min], itself re-capped at maxBackoff.
func Calculate(retryCount int, maxBackoff time.Duration) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := time.Duration(1<<uint(retryCount-1)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Float64() * float64(time.Minute))
	result := d + jitter
	if result > maxBackoff {
		result = maxBackoff
	}
	return result
}

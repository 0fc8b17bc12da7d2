package worker

import (
	"time"

	"github.com/torqueio/torque/torqued/store"
)

// Delay computes the wait before the next attempt. attempts is the count
// including the attempt that just failed, so the first retry of a task
// uses attempts=1.
//
//	linear:      base * attempts
//	exponential: base * 2^(attempts-1)
//
// Both are clamped to max.
func Delay(policy store.BackoffPolicy, attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	var d time.Duration
	switch policy {
	case store.BackoffLinear:
		d = base * time.Duration(attempts)
	default: // exponential
		shift := uint(attempts - 1)
		// Past 62 doublings the shift itself overflows; saturate early.
		if shift > 62 || base > max>>shift {
			return max
		}
		d = base << shift
	}

	if d > max || d <= 0 {
		return max
	}
	return d
}

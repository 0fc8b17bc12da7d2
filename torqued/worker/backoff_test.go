package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torqueio/torque/torqued/store"
)

func TestLinearBackoff(t *testing.T) {
	base := 1 * time.Second
	max := 60 * time.Second

	require.Equal(t, 1*time.Second, Delay(store.BackoffLinear, 1, base, max))
	require.Equal(t, 2*time.Second, Delay(store.BackoffLinear, 2, base, max))
	require.Equal(t, 5*time.Second, Delay(store.BackoffLinear, 5, base, max))
}

func TestLinearBackoffClamped(t *testing.T) {
	// Linear never exceeds max_delay either.
	require.Equal(t, 60*time.Second, Delay(store.BackoffLinear, 1000, time.Second, 60*time.Second))
}

func TestExponentialBackoff(t *testing.T) {
	base := 1 * time.Second
	max := 60 * time.Second

	// 1, 2, 4, 8 ...
	require.Equal(t, 1*time.Second, Delay(store.BackoffExponential, 1, base, max))
	require.Equal(t, 2*time.Second, Delay(store.BackoffExponential, 2, base, max))
	require.Equal(t, 4*time.Second, Delay(store.BackoffExponential, 3, base, max))
	require.Equal(t, 8*time.Second, Delay(store.BackoffExponential, 4, base, max))
}

func TestExponentialBackoffSaturates(t *testing.T) {
	base := 1 * time.Second
	max := 60 * time.Second

	require.Equal(t, 32*time.Second, Delay(store.BackoffExponential, 6, base, max))
	require.Equal(t, max, Delay(store.BackoffExponential, 7, base, max))  // 64s clamped
	require.Equal(t, max, Delay(store.BackoffExponential, 50, base, max)) // deep shift
	require.Equal(t, max, Delay(store.BackoffExponential, 500, base, max))
}

func TestBackoffAttemptFloor(t *testing.T) {
	// Attempts below 1 behave like the first attempt.
	require.Equal(t, time.Second, Delay(store.BackoffExponential, 0, time.Second, time.Minute))
	require.Equal(t, time.Second, Delay(store.BackoffLinear, -3, time.Second, time.Minute))
}

package stream

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestBackoffSchedule(t *testing.T) {
	base := time.Second
	require.Equal(t, 1*time.Second, Backoff(base, 1))
	require.Equal(t, 2*time.Second, Backoff(base, 2))
	require.Equal(t, 4*time.Second, Backoff(base, 3))
	require.Equal(t, 8*time.Second, Backoff(base, 4))
	require.Equal(t, 16*time.Second, Backoff(base, 5))
}

// The delay before attempt i is base * 2^(i-1) for any base and attempt in
// the supported range, and doubles exactly between consecutive attempts.
func TestBackoffProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delay doubles per attempt", prop.ForAll(
		func(baseMS int, attempt int) bool {
			base := time.Duration(baseMS) * time.Millisecond
			d := Backoff(base, attempt)
			if d != base<<uint(attempt-1) {
				return false
			}
			if attempt > 1 && Backoff(base, attempt) != 2*Backoff(base, attempt-1) {
				return false
			}
			return true
		},
		gen.IntRange(1, 10_000),
		gen.IntRange(1, 20),
	))

	properties.Property("attempts below one clamp to the base delay", prop.ForAll(
		func(baseMS int, attempt int) bool {
			base := time.Duration(baseMS) * time.Millisecond
			return Backoff(base, attempt) == base
		},
		gen.IntRange(1, 10_000),
		gen.IntRange(-5, 1),
	))

	properties.TestingRun(t)
}

func TestTerminalKinds(t *testing.T) {
	terminal := []EventKind{KindCompleted, KindError, KindCancelled}
	for _, k := range terminal {
		require.True(t, k.Terminal(), k)
	}
	rest := []EventKind{KindStarted, KindProgress, KindDataChunk, KindMetadata, KindQueueUpdate, KindHeartbeat}
	for _, k := range rest {
		require.False(t, k.Terminal(), k)
	}
}

package poisson

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextIsNonNegativeAndRoughlyScalesWithMean(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	f := NewFount(100*time.Millisecond, rng)

	var total time.Duration
	const n = 2000
	for i := 0; i < n; i++ {
		d := f.Next()
		require.GreaterOrEqual(t, d, time.Duration(0))
		total += d
	}
	mean := total / n
	require.InDelta(t, float64(100*time.Millisecond), float64(mean), float64(20*time.Millisecond))
}

func TestZeroMeanAlwaysZero(t *testing.T) {
	f := NewFount(0, rand.New(rand.NewSource(1)))
	require.Equal(t, time.Duration(0), f.Next())
}

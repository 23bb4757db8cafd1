// Package poisson samples the inter-arrival delays used to pace cover
// traffic and real packet emission. Packets built by sphinxpacket carry
// no per-hop delays, so no header delay is drawn from it. The core always shapes traffic as a Poisson process (exponential
// inter-arrival times), mirroring the teacher's path_selection.getDelays
// (path_selection/path_selection.go), generalized into a reusable
// sampler instead of a one-off helper tied to path_selection.RouteFactory.
package poisson

import (
	"math/rand"
	"time"
)

// Fount draws exponentially-distributed delays with a configured mean.
// It is not safe for concurrent use; callers needing concurrent sampling
// should give each goroutine its own Fount seeded independently.
type Fount struct {
	rng  *rand.Rand
	mean time.Duration
}

// NewFount creates a Fount sampling Exp(1/mean) delays from the given
// source. Passing a nil source seeds a new one from the current time
// (time.Now().UnixNano(); acceptable here: these delays are a
// traffic-shape parameter, not a secret).
func NewFount(mean time.Duration, rng *rand.Rand) *Fount {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Fount{rng: rng, mean: mean}
}

// Next samples one delay from Exp(1/mean). The teacher's getDelays pins
// the final hop in a route to a zero delay (egress provider hop); callers
// doing the same should special-case that index themselves rather than
// ask the Fount for it.
func (f *Fount) Next() time.Duration {
	if f.mean <= 0 {
		return 0
	}
	sample := f.rng.ExpFloat64() * float64(f.mean)
	return time.Duration(sample)
}

// NextN samples n independent delays.
func (f *Fount) NextN(n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = f.Next()
	}
	return out
}

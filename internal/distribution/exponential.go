// Package distribution provides the random variates that drive workloads:
// exponential interarrival times for Poisson processes and rank selection
// over an endpoint space.
package distribution

import (
	"math/rand"
	"time"
)

// Exponential samples interarrival times of a Poisson process with rate
// events per second. It keeps no state between calls.
type Exponential struct {
	rate float64
}

// NewExponential returns a sampler with the given rate. A non-positive rate
// yields a sampler whose intervals never elapse.
func NewExponential(rate float64) Exponential {
	return Exponential{rate: rate}
}

// Rate returns the configured events per second.
func (e Exponential) Rate() float64 {
	return e.rate
}

// Mean returns the expected interarrival time, 1/rate.
func (e Exponential) Mean() time.Duration {
	if e.rate <= 0 {
		return Never
	}
	return time.Duration(float64(time.Second) / e.rate)
}

// Never is returned for intervals of a zero-rate process.
const Never = time.Duration(1<<63 - 1)

// Sample draws one interarrival time.
func (e Exponential) Sample(rng *rand.Rand) time.Duration {
	if e.rate <= 0 {
		return Never
	}
	ns := rng.ExpFloat64() / e.rate * float64(time.Second)
	if ns >= float64(Never) {
		return Never
	}
	return time.Duration(ns)
}

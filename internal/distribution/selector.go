package distribution

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Selector picks an index in [0, N).
type Selector interface {
	// Pick draws one index.
	Pick(rng *rand.Rand) int
	// Weight returns the relative selection weight of index i.
	Weight(i int) float64
	// Len returns N.
	Len() int
}

// Uniform selects every index with equal probability.
type Uniform struct {
	n int
}

// NewUniform returns a uniform selector over [0, n).
func NewUniform(n int) (*Uniform, error) {
	if n <= 0 {
		return nil, fmt.Errorf("uniform selector needs a positive size, got %d", n)
	}
	return &Uniform{n: n}, nil
}

func (u *Uniform) Pick(rng *rand.Rand) int { return rng.Intn(u.n) }
func (u *Uniform) Weight(int) float64     { return 1 }
func (u *Uniform) Len() int               { return u.n }

// Zipf selects index i (rank i+1) with probability proportional to
// (i+1)^-s. s = 0 degenerates to uniform.
//
// Sampling inverts a precomputed CDF, so any s >= 0 is allowed (unlike
// math/rand.Zipf which requires s > 1).
type Zipf struct {
	s   float64
	cdf []float64
}

// NewZipf returns a Zipf selector over [0, n) with exponent s.
func NewZipf(n int, s float64) (*Zipf, error) {
	if n <= 0 {
		return nil, fmt.Errorf("zipf selector needs a positive size, got %d", n)
	}
	if s < 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return nil, fmt.Errorf("zipf exponent must be a finite value >= 0, got %v", s)
	}

	cdf := make([]float64, n)
	total := 0.0
	for i := 0; i < n; i++ {
		total += math.Pow(float64(i+1), -s)
		cdf[i] = total
	}
	for i := range cdf {
		cdf[i] /= total
	}
	cdf[n-1] = 1

	return &Zipf{s: s, cdf: cdf}, nil
}

func (z *Zipf) Pick(rng *rand.Rand) int {
	u := rng.Float64()
	idx := sort.SearchFloat64s(z.cdf, u)
	if idx >= len(z.cdf) {
		idx = len(z.cdf) - 1
	}
	return idx
}

func (z *Zipf) Weight(i int) float64 { return math.Pow(float64(i+1), -z.s) }
func (z *Zipf) Len() int             { return len(z.cdf) }

// Exponent returns s.
func (z *Zipf) Exponent() float64 { return z.s }

// NewSelector builds the selector named by kind ("uniform" or "zipf").
func NewSelector(kind string, n int, skew float64) (Selector, error) {
	switch kind {
	case "uniform":
		return NewUniform(n)
	case "zipf":
		return NewZipf(n, skew)
	default:
		return nil, fmt.Errorf("unknown distribution: %s", kind)
	}
}

// PickWeighted draws one of candidates with probability proportional to
// sel.Weight, i.e. sel's policy conditioned on the candidate set.
// Returns -1 if candidates is empty.
func PickWeighted(sel Selector, candidates []int, rng *rand.Rand) int {
	if len(candidates) == 0 {
		return -1
	}
	total := 0.0
	for _, c := range candidates {
		total += sel.Weight(c)
	}
	u := rng.Float64() * total
	for _, c := range candidates {
		u -= sel.Weight(c)
		if u < 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// Package lsh models the banding scheme behind the near-duplicate
// detector: r buckets of b hash values each. A pair of documents with
// Jaccard similarity s collides in one bucket with probability s^b and
// becomes a candidate with probability 1-(1-s^b)^r. The package only
// reproduces that operating curve; it does not hash anything.
package lsh

import (
	"fmt"
	"math"
)

// Params describes one banding configuration.
type Params struct {
	// B is the number of hash values per bucket.
	B int
	// R is the number of buckets.
	R int
}

// Common configurations.
var (
	// Loose catches pairs from roughly 0.7 similarity upward.
	Loose = Params{B: 8, R: 14}
	// NearExact has a much sharper transition around the same
	// threshold, suppressing borderline pairs.
	NearExact = Params{B: 20, R: 450}
)

func (p Params) String() string {
	return fmt.Sprintf("b=%d,r=%d", p.B, p.R)
}

// Validate reports whether the configuration is usable.
func (p Params) Validate() error {
	if p.B < 1 {
		return fmt.Errorf("lsh: b must be >= 1, got %d", p.B)
	}
	if p.R < 1 {
		return fmt.Errorf("lsh: r must be >= 1, got %d", p.R)
	}
	return nil
}

// CandidateProbability returns the probability that a pair with Jaccard
// similarity s is proposed as a candidate: 1-(1-s^b)^r.
func (p Params) CandidateProbability(s float64) float64 {
	if s <= 0 {
		return 0
	}
	if s >= 1 {
		return 1
	}
	return 1 - math.Pow(1-math.Pow(s, float64(p.B)), float64(p.R))
}

// Point is one sample of the operating curve.
type Point struct {
	Similarity  float64
	Probability float64
}

// Curve samples the candidate probability at n+1 evenly spaced
// similarities in [0, 1].
func (p Params) Curve(n int) []Point {
	if n < 1 {
		n = 1
	}
	pts := make([]Point, n+1)
	for i := 0; i <= n; i++ {
		s := float64(i) / float64(n)
		pts[i] = Point{Similarity: s, Probability: p.CandidateProbability(s)}
	}
	return pts
}

// ThresholdSimilarity solves CandidateProbability(s) = target for s by
// bisection. The curve is strictly increasing on (0, 1), so the root is
// unique. target must lie in (0, 1).
func (p Params) ThresholdSimilarity(target float64) (float64, error) {
	if target <= 0 || target >= 1 {
		return 0, fmt.Errorf("lsh: target probability must be in (0, 1), got %g", target)
	}

	lo, hi := 0.0, 1.0
	for i := 0; i < 64; i++ {
		mid := (lo + hi) / 2
		if p.CandidateProbability(mid) < target {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2, nil
}

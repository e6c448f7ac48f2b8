package snapshot

import (
	"fmt"
	"math"
)

// Histogram bins values into bins equal-width buckets over [lo, hi) and
// normalises each count by len(values), so values outside the range reduce
// the total below one. The last bucket includes hi.
func Histogram(values []float64, bins int, lo, hi float64) (fractions, centres []float64, err error) {
	if bins <= 0 {
		return nil, nil, fmt.Errorf("bins must be positive, got %d", bins)
	}
	if !(hi > lo) {
		return nil, nil, fmt.Errorf("empty range [%g, %g]", lo, hi)
	}

	width := (hi - lo) / float64(bins)
	fractions = make([]float64, bins)
	centres = make([]float64, bins)
	for i := range centres {
		centres[i] = lo + (float64(i)+0.5)*width
	}
	if len(values) == 0 {
		return fractions, centres, nil
	}

	for _, v := range values {
		if v < lo || v > hi {
			continue
		}
		b := int((v - lo) / width)
		if b == bins {
			b--
		}
		fractions[b]++
	}
	for i := range fractions {
		fractions[i] /= float64(len(values))
	}
	return fractions, centres, nil
}

// Stats summarises a set of weights.
type Stats struct {
	Count int
	Mean  float64
	Std   float64
	Min   float64
	Max   float64
}

// Summarize computes count, mean, population standard deviation, min and max.
func Summarize(values []float64) Stats {
	s := Stats{Count: len(values)}
	if len(values) == 0 {
		return s
	}
	s.Min, s.Max = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, v := range values {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean = sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - s.Mean
		sq += d * d
	}
	s.Std = math.Sqrt(sq / float64(len(values)))
	return s
}

// Scaled converts float32 weights to float64, multiplying by scale.
func Scaled(values []float32, scale float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v) * scale
	}
	return out
}

package snapshot

import "fmt"

// DefaultBins is the histogram resolution used when none is requested.
const DefaultBins = 40

// SummaryOptions controls Summarise. Nil bounds default to the data range.
type SummaryOptions struct {
	Bins  int
	Min   *float64
	Max   *float64
	Scale float64
}

// Bin is one histogram bucket.
type Bin struct {
	Centre   float64 `json:"centre"`
	Fraction float64 `json:"fraction"`
}

// Summary is a loaded snapshot reduced to statistics and a histogram.
type Summary struct {
	Manifest  Manifest `json:"manifest"`
	Count     int      `json:"count"`
	Mean      float64  `json:"mean"`
	Std       float64  `json:"std"`
	Min       float64  `json:"min"`
	Max       float64  `json:"max"`
	RangeLo   float64  `json:"range_lo"`
	RangeHi   float64  `json:"range_hi"`
	Histogram []Bin    `json:"histogram"`
}

// Summarise loads the snapshot in dir and bins its scaled weights.
func Summarise(dir string, opts SummaryOptions) (*Summary, error) {
	snap, err := Load(dir)
	if err != nil {
		return nil, err
	}
	if opts.Bins == 0 {
		opts.Bins = DefaultBins
	}
	if opts.Scale == 0 {
		opts.Scale = 1
	}

	values := Scaled(snap.Values(), opts.Scale)
	st := Summarize(values)

	lo, hi := st.Min, st.Max
	if st.Count == 0 {
		lo, hi = 0, 1
	}
	if opts.Min != nil {
		lo = *opts.Min
	}
	if opts.Max != nil {
		hi = *opts.Max
	}
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	if lo > hi {
		return nil, fmt.Errorf("histogram min %g is above max %g", lo, hi)
	}

	fractions, centres, err := Histogram(values, opts.Bins, lo, hi)
	if err != nil {
		return nil, err
	}
	bins := make([]Bin, len(fractions))
	for i := range fractions {
		bins[i] = Bin{Centre: centres[i], Fraction: fractions[i]}
	}

	return &Summary{
		Manifest:  snap.Manifest,
		Count:     st.Count,
		Mean:      st.Mean,
		Std:       st.Std,
		Min:       st.Min,
		Max:       st.Max,
		RangeLo:   lo,
		RangeHi:   hi,
		Histogram: bins,
	}, nil
}

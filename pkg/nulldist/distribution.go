package nulldist

import (
	"fmt"
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
)

// Distribution is the null distribution of one statistical map under one
// inference mode: one scalar per valid permutation, in permutation order.
type Distribution struct {
	Map  int
	Mode Mode

	// Permutations holds the permutation index each value came from
	Permutations []int

	values []float64
	sorted []float64
}

// NewDistribution wraps per-permutation scalars; indices gives the permutation
// index of each value.
func NewDistribution(m int, mode Mode, indices []int, values []float64) *Distribution {
	d := &Distribution{
		Map:          m,
		Mode:         mode,
		Permutations: indices,
		values:       values,
		sorted:       append([]float64(nil), values...),
	}
	sort.Float64s(d.sorted)
	return d
}

// Len returns the number of valid permutations
func (d *Distribution) Len() int { return len(d.values) }

// Values returns the scalars in permutation order
func (d *Distribution) Values() []float64 { return d.values }

// Sorted returns the scalars in ascending order
func (d *Distribution) Sorted() []float64 { return d.sorted }

// CountAtLeast returns how many null values are >= v
func (d *Distribution) CountAtLeast(v float64) int {
	i := sort.SearchFloat64s(d.sorted, v)
	return len(d.sorted) - i
}

// PValue returns #(null >= v) / P. The identity permutation is part of the
// null, so the observed maximum always yields at least 1/P.
func (d *Distribution) PValue(v float64) float64 {
	if len(d.sorted) == 0 {
		return 1
	}
	return float64(d.CountAtLeast(v)) / float64(len(d.sorted))
}

// CriticalValue returns the (1-alpha) percentile of the null, the threshold a
// statistic must exceed to be significant at alpha.
func (d *Distribution) CriticalValue(alpha float64) (float64, error) {
	if alpha <= 0 || alpha >= 1 {
		return 0, fmt.Errorf("nulldist: alpha must be in (0,1), got %g", alpha)
	}
	v, err := stats.Percentile(stats.Float64Data(d.sorted), 100*(1-alpha))
	if err != nil {
		return 0, fmt.Errorf("nulldist: critical value: %w", err)
	}
	return v, nil
}

// Summary describes a distribution for logs and exports
type Summary struct {
	N      int
	Mean   float64
	StdDev float64
	Min    float64
	Median float64
	Max    float64
}

// Summary computes descriptive statistics of the null values
func (d *Distribution) Summary() Summary {
	n := len(d.sorted)
	if n == 0 {
		return Summary{}
	}
	mean, std := stat.MeanStdDev(d.sorted, nil)
	if n == 1 {
		std = 0
	}
	return Summary{
		N:      n,
		Mean:   mean,
		StdDev: std,
		Min:    d.sorted[0],
		Median: stat.Quantile(0.5, stat.Empirical, d.sorted, nil),
		Max:    d.sorted[n-1],
	}
}

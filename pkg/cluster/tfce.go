package cluster

import (
	"context"
	"fmt"
	"math"
)

// TFCEParams controls threshold-free cluster enhancement
type TFCEParams struct {
	// E is the extent exponent
	E float64
	// H is the height exponent
	H float64
	// Steps is the number of height thresholds
	Steps int
	// Delta overrides the threshold increment when positive
	Delta float64
}

// MaxTFCESteps bounds the number of relabelling passes of one TFCE map.
// A Delta that would need more is widened to peak/MaxTFCESteps.
const MaxTFCESteps = 10000

// DefaultTFCEParams returns the conventional E=0.5, H=2 with 100 steps
func DefaultTFCEParams() TFCEParams {
	return TFCEParams{E: 0.5, H: 2, Steps: 100}
}

// Validate checks the parameters are usable
func (p TFCEParams) Validate() error {
	if p.Steps < 1 && p.Delta <= 0 {
		return fmt.Errorf("cluster: tfce needs at least one step, got %d", p.Steps)
	}
	if p.Steps > MaxTFCESteps {
		return fmt.Errorf("cluster: tfce steps must be at most %d, got %d", MaxTFCESteps, p.Steps)
	}
	if p.Delta < 0 || math.IsNaN(p.Delta) || math.IsInf(p.Delta, 0) {
		return fmt.Errorf("cluster: tfce delta must be finite and non-negative, got %g", p.Delta)
	}
	if p.E < 0 || p.H < 0 || math.IsNaN(p.E) || math.IsNaN(p.H) {
		return fmt.Errorf("cluster: tfce exponents must be non-negative, got E=%g H=%g", p.E, p.H)
	}
	return nil
}

// TFCE enhances the positive part of stats. At thresholds h = 0, dh, 2dh, ...
// below the map maximum, every voxel in a cluster of extent e receives
// e^E * h^H * dh. Excluded and non-positive voxels score 0.
func (e *Engine) TFCE(ctx context.Context, stats []float64, p TFCEParams, exclude []bool) ([]float64, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	n := e.NumVoxels()
	if len(stats) != n {
		return nil, fmt.Errorf("%w: %d values, %d voxels", ErrLength, len(stats), n)
	}

	out := make([]float64, n)
	peak := 0.0
	for i, v := range stats {
		if (exclude == nil || !exclude[i]) && v > peak {
			peak = v
		}
	}
	if peak <= 0 || math.IsInf(peak, 1) {
		return out, nil
	}

	dh := p.Delta
	steps := p.Steps
	if dh <= 0 {
		dh = peak / float64(steps)
	} else if need := math.Ceil(peak / dh); need > MaxTFCESteps {
		steps = MaxTFCESteps
		dh = peak / MaxTFCESteps
	} else {
		steps = int(need)
	}

	for s := 0; s < steps; s++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h := float64(s) * dh
		lab, err := e.Label(ctx, stats, h, exclude)
		if err != nil {
			return nil, fmt.Errorf("cluster: tfce step %d: %w", s, err)
		}
		if len(lab.Clusters) == 0 {
			break
		}
		hterm := math.Pow(h, p.H) * dh
		if hterm == 0 {
			continue
		}
		contrib := make([]float64, len(lab.Clusters))
		for k, c := range lab.Clusters {
			contrib[k] = math.Pow(float64(c.Extent), p.E) * hterm
		}
		for i, l := range lab.Labels {
			if l != 0 {
				out[i] += contrib[l-1]
			}
		}
	}
	return out, nil
}

// Max returns the largest value of a map, 0 for an empty or non-positive map
func Max(values []float64) float64 {
	m := 0.0
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}

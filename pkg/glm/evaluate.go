// Package glm computes beta, contrast and t/F statistic maps from whitened
// data and per-voxel whitened designs.
package glm

import (
	"context"
	"fmt"
	"math"
	"strings"

	"fmristat/internal/models"
	"fmristat/pkg/compute"
	"fmristat/pkg/design"
)

// Test selects the statistic computed per voxel
type Test int

const (
	// TTest produces one t map per contrast
	TTest Test = iota
	// FTest produces a single F map for the joint contrast matrix
	FTest
)

func (t Test) String() string {
	switch t {
	case TTest:
		return "t"
	case FTest:
		return "f"
	default:
		return fmt.Sprintf("Test(%d)", int(t))
	}
}

// ParseTest converts "t" or "f" (case-insensitive) to a Test
func ParseTest(s string) (Test, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "t", "ttest", "t-test":
		return TTest, nil
	case "f", "ftest", "f-test":
		return FTest, nil
	}
	return 0, fmt.Errorf("glm: unknown statistical test %q", s)
}

// relativeVarianceFloor flags voxels whose residual energy is negligible
// compared with their signal energy
const relativeVarianceFloor = 1e-20

// Designs supplies the design of each brain voxel. *whitening.Model implements it.
type Designs interface {
	Design() *design.Matrix
	Factors(i int) *design.Factors
}

// Result holds the per-brain-voxel outputs of one evaluation
type Result struct {
	Test Test

	// Maps holds one statistic value per brain voxel for each map
	Maps [][]float64

	// Betas holds the R parameter estimates of voxel i at [i*R, (i+1)*R)
	Betas []float64

	// Contrasts holds c_k·beta per contrast and voxel
	Contrasts [][]float64

	// ResidualVariance is SSR / (T_eff - R) per voxel
	ResidualVariance []float64

	// Flags combines incoming flags with degeneracies found here
	Flags []models.VoxelFlag

	// Dof is the residual degrees of freedom
	Dof int
}

// NumMaps returns the number of statistic maps (K for t, 1 for F)
func (r *Result) NumMaps() int { return len(r.Maps) }

// Degenerate counts voxels whose statistic was forced to zero
func (r *Result) Degenerate() int {
	n := 0
	for _, f := range r.Flags {
		if f.Degenerate() {
			n++
		}
	}
	return n
}

// AllDegenerate reports whether no voxel carries a usable statistic
func (r *Result) AllDegenerate() bool {
	return r.Degenerate() == len(r.Flags)
}

// Evaluate fits every voxel and computes its statistic. flags, when non-nil,
// are carried into the result (e.g. FlagUnwhitened from the noise model).
func Evaluate(ctx context.Context, backend compute.Backend, data *models.VoxelSeries, designs Designs, test Test, flags []models.VoxelFlag) (*Result, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}
	d := designs.Design()
	if data.Frames != d.Frames() {
		return nil, fmt.Errorf("glm: data has %d frames, design has %d", data.Frames, d.Frames())
	}
	if test == FTest && !d.FTestable() {
		return nil, fmt.Errorf("%w: contrasts are not jointly estimable for an F-test", design.ErrDegenerateDesign)
	}

	n := data.Voxels
	r := d.Regressors()
	k := d.NumContrasts()
	dof := d.Dof()

	res := &Result{
		Test:             test,
		Betas:            make([]float64, n*r),
		Contrasts:        make([][]float64, k),
		ResidualVariance: make([]float64, n),
		Flags:            make([]models.VoxelFlag, n),
		Dof:              dof,
	}
	if flags != nil {
		copy(res.Flags, flags)
	}
	for c := range res.Contrasts {
		res.Contrasts[c] = make([]float64, n)
	}
	if test == TTest {
		res.Maps = make([][]float64, k)
	} else {
		res.Maps = make([][]float64, 1)
	}
	for m := range res.Maps {
		res.Maps[m] = make([]float64, n)
	}

	cm := d.Contrasts.RawMatrix()

	err := backend.Run(ctx, "glm-"+test.String(), n, func(lo, hi int) error {
		residual := make([]float64, data.Frames)
		cb := make([]float64, k)
		for i := lo; i < hi; i++ {
			f := designs.Factors(i)
			y := data.Row(i)
			beta := res.Betas[i*r : (i+1)*r]
			f.Fit(y, beta, residual)

			ssr, energy := 0.0, 0.0
			for t, e := range residual {
				if !d.Valid(t) {
					continue
				}
				ssr += e * e
				energy += y[t] * y[t]
			}

			for c := 0; c < k; c++ {
				row := cm.Data[c*cm.Stride : c*cm.Stride+cm.Cols]
				s := 0.0
				for j, w := range row {
					s += w * beta[j]
				}
				cb[c] = s
				res.Contrasts[c][i] = s
			}

			if dof <= 0 || ssr <= relativeVarianceFloor*energy || math.IsNaN(ssr) || math.IsInf(ssr, 0) {
				res.Flags[i] |= models.FlagZeroVariance
				continue
			}
			sigma2 := ssr / float64(dof)
			res.ResidualVariance[i] = sigma2

			switch test {
			case TTest:
				for c := 0; c < k; c++ {
					s := f.TScalars[c]
					if !(s > 0) {
						res.Flags[i] |= models.FlagSingularDesign
						res.Maps[c][i] = 0
						continue
					}
					v := cb[c] / math.Sqrt(sigma2*s)
					if !finite(v) {
						res.Flags[i] |= models.FlagSingularDesign
						continue
					}
					res.Maps[c][i] = v
				}
			case FTest:
				if f.FInverse == nil {
					res.Flags[i] |= models.FlagSingularDesign
					continue
				}
				q := 0.0
				for a := 0; a < k; a++ {
					for b := 0; b < k; b++ {
						q += cb[a] * f.FInverse.At(a, b) * cb[b]
					}
				}
				v := q / (float64(k) * sigma2)
				if !finite(v) {
					res.Flags[i] |= models.FlagSingularDesign
					continue
				}
				res.Maps[0][i] = v
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glm: evaluation failed: %w", err)
	}

	// Degenerate voxels never carry a statistic
	for i, fl := range res.Flags {
		if fl.Degenerate() {
			for m := range res.Maps {
				res.Maps[m][i] = 0
			}
		}
	}
	return res, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Package whitening estimates a per-voxel AR(4) noise model and produces the
// whitened design every voxel is evaluated with.
//
// Each voxel is independent of every other voxel, so all work is dispatched
// through a compute.Backend over the brain-voxel range.
package whitening

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"fmristat/internal/models"
	"fmristat/pkg/compute"
	"fmristat/pkg/design"
)

// Order is the fixed autoregressive model order
const Order = 4

// minVariance is the residual lag-0 autocovariance below which the AR system is
// treated as singular
const minVariance = 1e-20

// Model is the noise model of one analysis run: AR coefficients, per-voxel
// flags and the whitened design of every brain voxel.
type Model struct {
	// Coefficients holds a1..a4 of brain voxel i at [i*Order, (i+1)*Order)
	Coefficients []float64

	// Flags marks voxels that fell back to the unwhitened design
	Flags []models.VoxelFlag

	base    *design.Matrix
	designs []*design.Factors
}

// Identity returns the unwhitened model: zero coefficients and the shared
// design factors for every voxel.
func Identity(d *design.Matrix, voxels int) *Model {
	m := &Model{
		Coefficients: make([]float64, voxels*Order),
		Flags:        make([]models.VoxelFlag, voxels),
		base:         d,
		designs:      make([]*design.Factors, voxels),
	}
	for i := range m.designs {
		m.designs[i] = d.Factors
	}
	return m
}

// Voxels returns the number of brain voxels the model covers
func (m *Model) Voxels() int { return len(m.designs) }

// Design returns the unwhitened design the model was derived from
func (m *Model) Design() *design.Matrix { return m.base }

// Factors returns the (whitened) design factors of brain voxel i
func (m *Model) Factors(i int) *design.Factors { return m.designs[i] }

// AR returns the four coefficients of brain voxel i
func (m *Model) AR(i int) []float64 { return m.Coefficients[i*Order : (i+1)*Order] }

// Unwhitened counts voxels that fell back to the unwhitened design
func (m *Model) Unwhitened() int {
	n := 0
	for _, f := range m.Flags {
		if f.Has(models.FlagUnwhitened) {
			n++
		}
	}
	return n
}

// Estimate fits the design by OLS, estimates AR(4) coefficients from the
// residuals with Yule-Walker, and builds the whitened design of every voxel.
func Estimate(ctx context.Context, backend compute.Backend, data *models.VoxelSeries, d *design.Matrix) (*Model, error) {
	coeffs, flags, err := EstimateCoefficients(ctx, backend, data, d)
	if err != nil {
		return nil, err
	}
	return FromCoefficients(ctx, backend, coeffs, flags, d)
}

// EstimateCoefficients runs steps one and two of the noise model: OLS
// residuals and the per-voxel Yule-Walker solve. Voxels whose Yule-Walker
// system is singular get zero coefficients and FlagUnwhitened.
func EstimateCoefficients(ctx context.Context, backend compute.Backend, data *models.VoxelSeries, d *design.Matrix) ([]float64, []models.VoxelFlag, error) {
	if err := data.Validate(); err != nil {
		return nil, nil, err
	}
	if data.Frames != d.Frames() {
		return nil, nil, fmt.Errorf("whitening: data has %d frames, design has %d", data.Frames, d.Frames())
	}

	coeffs := make([]float64, data.Voxels*Order)
	flags := make([]models.VoxelFlag, data.Voxels)

	err := backend.Run(ctx, "estimate-ar4", data.Voxels, func(lo, hi int) error {
		beta := make([]float64, d.Regressors())
		residual := make([]float64, data.Frames)
		for i := lo; i < hi; i++ {
			y := data.Row(i)
			d.Fit(y, beta, residual)
			for t := range residual {
				if !d.Valid(t) {
					residual[t] = 0
				}
			}
			if !YuleWalker(residual, d.Censored, coeffs[i*Order:(i+1)*Order]) {
				flags[i] |= models.FlagUnwhitened
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("whitening: AR estimation failed: %w", err)
	}
	return coeffs, flags, nil
}

// FromCoefficients builds the whitened design of every voxel from fixed AR
// coefficients. Voxels with all-zero coefficients share the unwhitened design
// unchanged. Voxels whose whitened design is singular fall back to the
// unwhitened design, get zero coefficients and FlagUnwhitened.
func FromCoefficients(ctx context.Context, backend compute.Backend, coeffs []float64, flags []models.VoxelFlag, d *design.Matrix) (*Model, error) {
	if len(coeffs)%Order != 0 {
		return nil, fmt.Errorf("whitening: coefficient count %d is not a multiple of %d", len(coeffs), Order)
	}
	voxels := len(coeffs) / Order

	m := &Model{
		Coefficients: append([]float64(nil), coeffs...),
		Flags:        make([]models.VoxelFlag, voxels),
		base:         d,
		designs:      make([]*design.Factors, voxels),
	}
	if flags != nil {
		copy(m.Flags, flags)
	}

	frames, regressors := d.Frames(), d.Regressors()
	err := backend.Run(ctx, "whiten-design", voxels, func(lo, hi int) error {
		src := make([]float64, frames)
		dst := make([]float64, frames)
		for i := lo; i < hi; i++ {
			a := m.AR(i)
			if isZero(a) {
				m.designs[i] = d.Factors
				continue
			}

			xw := mat.NewDense(frames, regressors, nil)
			for j := 0; j < regressors; j++ {
				mat.Col(src, j, d.X)
				Filter(dst, src, a)
				for t := 0; t < frames; t++ {
					if d.Valid(t) {
						xw.Set(t, j, dst[t])
					}
				}
			}

			f, err := design.Factor(xw, d.Contrasts)
			if err != nil {
				for k := range a {
					a[k] = 0
				}
				m.Flags[i] |= models.FlagUnwhitened
				m.designs[i] = d.Factors
				continue
			}
			m.designs[i] = f
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("whitening: design whitening failed: %w", err)
	}
	return m, nil
}

// Whiten applies every voxel's AR filter to its time series and returns the
// whitened copy. Censored frames are zeroed before filtering, matching the
// design rows, and are zero in the output.
func (m *Model) Whiten(ctx context.Context, backend compute.Backend, data *models.VoxelSeries) (*models.VoxelSeries, error) {
	if data.Voxels != m.Voxels() {
		return nil, fmt.Errorf("whitening: data has %d voxels, model has %d", data.Voxels, m.Voxels())
	}
	if data.Frames != m.base.Frames() {
		return nil, fmt.Errorf("whitening: data has %d frames, model has %d", data.Frames, m.base.Frames())
	}
	out := models.NewVoxelSeries(data.Voxels, data.Frames)
	err := backend.Run(ctx, "whiten-data", data.Voxels, func(lo, hi int) error {
		src := make([]float64, data.Frames)
		for i := lo; i < hi; i++ {
			copy(src, data.Row(i))
			for t := range src {
				if !m.base.Valid(t) {
					src[t] = 0
				}
			}
			dst := out.Row(i)
			Filter(dst, src, m.AR(i))
			for t := range dst {
				if !m.base.Valid(t) {
					dst[t] = 0
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("whitening: data whitening failed: %w", err)
	}
	return out, nil
}

// Innovations filters every voxel of data with its own coefficients from
// coeffs. Censored frames of data must already be zero. Recolor inverts it
// per voxel.
func Innovations(ctx context.Context, backend compute.Backend, data *models.VoxelSeries, coeffs []float64) (*models.VoxelSeries, error) {
	if len(coeffs) != data.Voxels*Order {
		return nil, fmt.Errorf("whitening: %d coefficients for %d voxels", len(coeffs), data.Voxels)
	}
	out := models.NewVoxelSeries(data.Voxels, data.Frames)
	err := backend.Run(ctx, "innovations", data.Voxels, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			Filter(out.Row(i), data.Row(i), coeffs[i*Order:(i+1)*Order])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("whitening: innovation filtering failed: %w", err)
	}
	return out, nil
}

// YuleWalker estimates a1..a4 from the autocovariance of residual at lags
// 0..4 and writes them to a. Only pairs of uncensored frames contribute.
// It returns false, leaving a zeroed, when the system is singular.
func YuleWalker(residual []float64, censored []bool, a []float64) bool {
	for k := range a {
		a[k] = 0
	}

	var c [Order + 1]float64
	for lag := 0; lag <= Order; lag++ {
		s := 0.0
		for t := lag; t < len(residual); t++ {
			if censored != nil && (censored[t] || censored[t-lag]) {
				continue
			}
			s += residual[t] * residual[t-lag]
		}
		c[lag] = s
	}
	if c[0] < minVariance || math.IsNaN(c[0]) || math.IsInf(c[0], 0) {
		return false
	}

	toeplitz := mat.NewDense(Order, Order, nil)
	for i := 0; i < Order; i++ {
		for j := 0; j < Order; j++ {
			lag := i - j
			if lag < 0 {
				lag = -lag
			}
			toeplitz.Set(i, j, c[lag])
		}
	}
	rhs := mat.NewVecDense(Order, []float64{c[1], c[2], c[3], c[4]})

	var qr mat.QR
	qr.Factorize(toeplitz)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, rhs); err != nil {
		return false
	}

	for k := 0; k < Order; k++ {
		v := x.AtVec(k)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			for j := range a {
				a[j] = 0
			}
			return false
		}
		a[k] = v
	}
	return true
}

// Filter applies the banded whitening filter (1, -a1, -a2, -a3, -a4):
// dst[t] = src[t] - sum_k a_k src[t-k], dropping terms before the first frame.
func Filter(dst, src, a []float64) {
	for t := range src {
		v := src[t]
		for k := 1; k <= len(a) && k <= t; k++ {
			v -= a[k-1] * src[t-k]
		}
		dst[t] = v
	}
}

// Recolor inverts Filter: dst[t] = innovation[t] + sum_k a_k dst[t-k].
func Recolor(dst, innovation, a []float64) {
	for t := range innovation {
		v := innovation[t]
		for k := 1; k <= len(a) && k <= t; k++ {
			v += a[k-1] * dst[t-k]
		}
		dst[t] = v
	}
}

func isZero(a []float64) bool {
	for _, v := range a {
		if v != 0 {
			return false
		}
	}
	return true
}

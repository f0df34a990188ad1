// Package design holds the GLM design matrix, its contrasts and the quantities
// derived from them that the statistic computation needs.
package design

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateDesign indicates a design that cannot be fitted: no regressors,
// no contrasts, fewer effective frames than regressors, or rank deficiency.
var ErrDegenerateDesign = errors.New("design: degenerate design matrix")

// rankTolerance is the smallest accepted ratio of smallest to largest singular value
const rankTolerance = 1e-10

// Factors are the per-design quantities used to evaluate one voxel.
// The same type serves the shared unwhitened design and every per-voxel
// whitened design.
type Factors struct {
	// X is the T×R design (censored rows zeroed)
	X *mat.Dense

	// Pinv is the R×T pseudo-inverse (X'X)^-1 X'
	Pinv *mat.Dense

	// XtXInv is the R×R matrix (X'X)^-1
	XtXInv *mat.Dense

	// TScalars holds c_k (X'X)^-1 c_k' for every contrast row k
	TScalars []float64

	// FInverse is (C (X'X)^-1 C')^-1, or nil when the contrast set is not jointly estimable
	FInverse *mat.Dense
}

// Factor computes the pseudo-inverse and contrast scalars of x through an SVD.
// It fails with ErrDegenerateDesign when x is rank deficient.
func Factor(x, contrasts *mat.Dense) (*Factors, error) {
	t, r := x.Dims()
	k, rc := contrasts.Dims()
	if rc != r {
		return nil, fmt.Errorf("%w: contrasts have %d columns, design has %d regressors", ErrDegenerateDesign, rc, r)
	}

	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, fmt.Errorf("%w: singular value decomposition failed", ErrDegenerateDesign)
	}
	values := svd.Values(nil)
	if len(values) < r || values[0] == 0 || values[r-1]/values[0] < rankTolerance {
		return nil, fmt.Errorf("%w: design of %d regressors is rank deficient", ErrDegenerateDesign, r)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// V S^-1 and V S^-2
	vs := mat.NewDense(r, r, nil)
	vs2 := mat.NewDense(r, r, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < r; j++ {
			vs.Set(i, j, v.At(i, j)/values[j])
			vs2.Set(i, j, v.At(i, j)/(values[j]*values[j]))
		}
	}

	pinv := mat.NewDense(r, t, nil)
	pinv.Mul(vs, u.T())

	// Zero rows (censored frames) must not weigh into any estimate
	for i := 0; i < t; i++ {
		if isZeroRow(x, i) {
			for j := 0; j < r; j++ {
				pinv.Set(j, i, 0)
			}
		}
	}

	xtxInv := mat.NewDense(r, r, nil)
	xtxInv.Mul(vs2, v.T())

	f := &Factors{
		X:        x,
		Pinv:     pinv,
		XtXInv:   xtxInv,
		TScalars: make([]float64, k),
	}

	var cx mat.Dense
	cx.Mul(contrasts, xtxInv)
	for i := 0; i < k; i++ {
		f.TScalars[i] = mat.Dot(cx.RowView(i), contrasts.RowView(i))
	}

	var m mat.Dense
	m.Mul(&cx, contrasts.T())
	var inv mat.Dense
	if err := inv.Inverse(&m); err == nil {
		f.FInverse = &inv
	}

	return f, nil
}

// Fit computes beta = Pinv·y and residual = y - X·beta in place.
// beta must have R entries and residual T entries.
func (f *Factors) Fit(y, beta, residual []float64) {
	p := f.Pinv.RawMatrix()
	x := f.X.RawMatrix()

	for r := 0; r < p.Rows; r++ {
		row := p.Data[r*p.Stride : r*p.Stride+p.Cols]
		s := 0.0
		for t, w := range row {
			s += w * y[t]
		}
		beta[r] = s
	}
	for t := 0; t < x.Rows; t++ {
		row := x.Data[t*x.Stride : t*x.Stride+x.Cols]
		s := 0.0
		for r, v := range row {
			s += v * beta[r]
		}
		residual[t] = y[t] - s
	}
}

// Matrix is a validated design with its contrasts and censoring.
type Matrix struct {
	// Factors of the unwhitened design
	*Factors

	// Contrasts is the K×R contrast matrix
	Contrasts *mat.Dense

	// Censored marks frames excluded from the fit
	Censored []bool

	frames, regressors, contrasts int
	effective                     int
}

// Option configures a Matrix
type Option func(*Matrix)

// WithCensored excludes the marked frames from the fit. The slice must have one
// entry per frame.
func WithCensored(censored []bool) Option {
	return func(m *Matrix) {
		m.Censored = append([]bool(nil), censored...)
	}
}

// New validates x (T×R) and contrasts (K×R) and precomputes their factors.
func New(x, contrasts *mat.Dense, opts ...Option) (*Matrix, error) {
	if x == nil || contrasts == nil {
		return nil, fmt.Errorf("%w: design and contrasts are required", ErrDegenerateDesign)
	}
	t, r := x.Dims()
	k, _ := contrasts.Dims()

	m := &Matrix{
		Contrasts:  mat.DenseCopyOf(contrasts),
		frames:     t,
		regressors: r,
		contrasts:  k,
	}
	for _, opt := range opts {
		opt(m)
	}

	if r < 1 {
		return nil, fmt.Errorf("%w: at least one regressor required", ErrDegenerateDesign)
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: at least one contrast required", ErrDegenerateDesign)
	}
	if m.Censored == nil {
		m.Censored = make([]bool, t)
	}
	if len(m.Censored) != t {
		return nil, fmt.Errorf("%w: censoring has %d entries for %d frames", ErrDegenerateDesign, len(m.Censored), t)
	}

	m.effective = t
	for _, c := range m.Censored {
		if c {
			m.effective--
		}
	}
	if m.effective < r {
		return nil, fmt.Errorf("%w: %d effective frames for %d regressors", ErrDegenerateDesign, m.effective, r)
	}

	xc := mat.DenseCopyOf(x)
	for i, c := range m.Censored {
		if c {
			for j := 0; j < r; j++ {
				xc.Set(i, j, 0)
			}
		}
	}
	for i := 0; i < t; i++ {
		for j := 0; j < r; j++ {
			if v := xc.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: non-finite regressor value at (%d,%d)", ErrDegenerateDesign, i, j)
			}
		}
	}

	f, err := Factor(xc, m.Contrasts)
	if err != nil {
		return nil, err
	}
	m.Factors = f
	return m, nil
}

// Frames returns T
func (m *Matrix) Frames() int { return m.frames }

// Regressors returns R
func (m *Matrix) Regressors() int { return m.regressors }

// NumContrasts returns K
func (m *Matrix) NumContrasts() int { return m.contrasts }

// EffectiveFrames returns T minus the censored frames
func (m *Matrix) EffectiveFrames() int { return m.effective }

// Dof returns the residual degrees of freedom T_eff - R
func (m *Matrix) Dof() int { return m.effective - m.regressors }

// Valid reports whether frame t takes part in the fit
func (m *Matrix) Valid(t int) bool { return !m.Censored[t] }

// FTestable reports whether the contrasts form a jointly estimable F-test
func (m *Matrix) FTestable() bool { return m.FInverse != nil }

// Detrending returns a T×(order+1) matrix of polynomial drift regressors
// (constant, linear, quadratic, cubic, ...) on a time axis scaled to [-1, 1].
func Detrending(frames, order int) *mat.Dense {
	if order < 0 {
		order = 0
	}
	x := mat.NewDense(frames, order+1, nil)
	for t := 0; t < frames; t++ {
		s := 0.0
		if frames > 1 {
			s = 2*float64(t)/float64(frames-1) - 1
		}
		p := 1.0
		for j := 0; j <= order; j++ {
			x.Set(t, j, p)
			p *= s
		}
	}
	return x
}

// Intercept returns a T×1 column of ones, the one-sample second-level design
func Intercept(frames int) *mat.Dense {
	x := mat.NewDense(frames, 1, nil)
	for t := 0; t < frames; t++ {
		x.Set(t, 0, 1)
	}
	return x
}

// TwoSample returns the T×2 group-indicator design for the given labels (0 or 1)
func TwoSample(labels []int) *mat.Dense {
	x := mat.NewDense(len(labels), 2, nil)
	for t, g := range labels {
		if g == 0 {
			x.Set(t, 0, 1)
		} else {
			x.Set(t, 1, 1)
		}
	}
	return x
}

func isZeroRow(x *mat.Dense, i int) bool {
	_, c := x.Dims()
	for j := 0; j < c; j++ {
		if x.At(i, j) != 0 {
			return false
		}
	}
	return true
}

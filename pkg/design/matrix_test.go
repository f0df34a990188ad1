package design

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewOneSample(t *testing.T) {
	m, err := New(Intercept(20), mat.NewDense(1, 1, []float64{1}))
	require.NoError(t, err)

	assert.Equal(t, 20, m.Frames())
	assert.Equal(t, 1, m.Regressors())
	assert.Equal(t, 1, m.NumContrasts())
	assert.Equal(t, 19, m.Dof())

	// (X'X)^-1 = 1/20 for an intercept-only design
	assert.InDelta(t, 1.0/20, m.TScalars[0], 1e-12)
	for j := 0; j < 20; j++ {
		assert.InDelta(t, 1.0/20, m.Pinv.At(0, j), 1e-12)
	}
	assert.True(t, m.FTestable())
}

func TestPseudoInverseRecoversBeta(t *testing.T) {
	x := mat.NewDense(6, 2, []float64{
		1, 0,
		1, 1,
		1, 2,
		1, 3,
		1, 4,
		1, 5,
	})
	m, err := New(x, mat.NewDense(1, 2, []float64{0, 1}))
	require.NoError(t, err)

	y := mat.NewVecDense(6, []float64{3, 5, 7, 9, 11, 13}) // 3 + 2t
	var beta mat.VecDense
	beta.MulVec(m.Pinv, y)
	assert.InDelta(t, 3, beta.AtVec(0), 1e-10)
	assert.InDelta(t, 2, beta.AtVec(1), 1e-10)
}

func TestNewDegenerate(t *testing.T) {
	tests := []struct {
		name      string
		x         *mat.Dense
		contrasts *mat.Dense
		opts      []Option
	}{
		{
			name:      "fewer frames than regressors",
			x:         mat.NewDense(1, 2, []float64{1, 2}),
			contrasts: mat.NewDense(1, 2, []float64{1, 0}),
		},
		{
			name:      "collinear regressors",
			x:         mat.NewDense(4, 2, []float64{1, 2, 1, 2, 1, 2, 1, 2}),
			contrasts: mat.NewDense(1, 2, []float64{1, 0}),
		},
		{
			name:      "contrast width mismatch",
			x:         Intercept(5),
			contrasts: mat.NewDense(1, 2, []float64{1, 0}),
		},
		{
			name:      "censoring leaves too few frames",
			x:         Detrending(4, 2),
			contrasts: mat.NewDense(1, 3, []float64{0, 1, 0}),
			opts:      []Option{WithCensored([]bool{true, true, false, false})},
		},
		{
			name:      "nil contrasts",
			x:         Intercept(3),
			contrasts: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.x, tc.contrasts, tc.opts...)
			assert.ErrorIs(t, err, ErrDegenerateDesign)
		})
	}
}

func TestCensoringReducesEffectiveFrames(t *testing.T) {
	censored := make([]bool, 10)
	censored[0], censored[1] = true, true
	m, err := New(Intercept(10), mat.NewDense(1, 1, []float64{1}), WithCensored(censored))
	require.NoError(t, err)

	assert.Equal(t, 8, m.EffectiveFrames())
	assert.Equal(t, 7, m.Dof())
	assert.False(t, m.Valid(0))
	assert.True(t, m.Valid(2))
	// Censored frames carry no weight in the pseudo-inverse
	assert.Equal(t, 0.0, m.Pinv.At(0, 0))
	assert.Equal(t, 0.0, m.Pinv.At(0, 1))
	assert.InDelta(t, 1.0/8, m.Pinv.At(0, 5), 1e-12)

	// so the value at a censored frame never reaches beta
	y := []float64{1e6, -1e6, 1, 2, 3, 4, 5, 6, 7, 8}
	beta := make([]float64, 1)
	residual := make([]float64, 10)
	m.Fit(y, beta, residual)
	y[0], y[1] = 0, 0
	beta2 := make([]float64, 1)
	m.Fit(y, beta2, residual)
	assert.Equal(t, beta, beta2)
}

func TestDetrendingColumns(t *testing.T) {
	x := Detrending(5, 3)
	r, c := x.Dims()
	require.Equal(t, 5, r)
	require.Equal(t, 4, c)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1.0, x.At(i, 0))
	}
	assert.Equal(t, -1.0, x.At(0, 1))
	assert.Equal(t, 1.0, x.At(4, 1))
	assert.True(t, math.Abs(x.At(2, 1)) < 1e-15)
}

func TestTwoSampleFTestEqualsSquaredT(t *testing.T) {
	labels := []int{0, 0, 0, 1, 1, 1}
	m, err := New(TwoSample(labels), mat.NewDense(1, 2, []float64{1, -1}))
	require.NoError(t, err)
	require.True(t, m.FTestable())
	// For a single contrast (c (X'X)^-1 c')^-1 is the reciprocal of the t scalar
	assert.InDelta(t, 1/m.TScalars[0], m.FInverse.At(0, 0), 1e-10)
}

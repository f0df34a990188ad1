// Package simulate generates synthetic datasets with a known activation, used
// by the command-line demo mode and end-to-end tests.
package simulate

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"fmristat/internal/models"
)

// Params describes a synthetic dataset
type Params struct {
	Width, Height, Depth int

	// Frames is the number of timepoints (first level) or subjects (second level)
	Frames int

	// AR holds up to four autoregressive noise coefficients (first level)
	AR []float64

	Noise    float64
	Baseline float64

	// Effect is added inside a sphere of BlobRadius voxels around BlobCenter
	Effect     float64
	BlobCenter [3]int
	BlobRadius float64

	// BlockLength is the half-period of the first-level on/off block design
	BlockLength int

	Seed uint64
}

// DefaultParams returns a 16x16x8 volume with a central activation
func DefaultParams() Params {
	return Params{
		Width: 16, Height: 16, Depth: 8,
		Frames:      80,
		AR:          []float64{0.3, 0.1},
		Noise:       1,
		Baseline:    100,
		Effect:      1.5,
		BlobCenter:  [3]int{8, 8, 4},
		BlobRadius:  2.5,
		BlockLength: 10,
		Seed:        1,
	}
}

// Dataset is a generated analysis input
type Dataset struct {
	Series    *models.TimeSeries
	Mask      *models.Mask
	Design    *mat.Dense
	Contrasts *mat.Dense

	// Groups labels each subject for two-sample designs
	Groups []int

	// Active marks voxels that carry the effect
	Active *models.Mask
}

func (p Params) validate() error {
	if p.Width < 1 || p.Height < 1 || p.Depth < 1 || p.Frames < 2 {
		return fmt.Errorf("simulate: invalid shape %dx%dx%d with %d frames", p.Width, p.Height, p.Depth, p.Frames)
	}
	if len(p.AR) > 4 {
		return fmt.Errorf("simulate: at most 4 AR coefficients, got %d", len(p.AR))
	}
	return nil
}

// brainMask marks the ellipsoid inscribed in the volume
func brainMask(p Params) *models.Mask {
	m := models.NewMask(p.Width, p.Height, p.Depth, false)
	cx, cy, cz := float64(p.Width-1)/2, float64(p.Height-1)/2, float64(p.Depth-1)/2
	rx, ry, rz := math.Max(cx, 0.5)+0.5, math.Max(cy, 0.5)+0.5, math.Max(cz, 0.5)+0.5
	for z := 0; z < p.Depth; z++ {
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				dx, dy, dz := (float64(x)-cx)/rx, (float64(y)-cy)/ry, (float64(z)-cz)/rz
				if dx*dx+dy*dy+dz*dz <= 1 {
					m.Set(x, y, z, true)
				}
			}
		}
	}
	return m
}

func activeMask(p Params, brain *models.Mask) *models.Mask {
	m := models.NewMask(p.Width, p.Height, p.Depth, false)
	c := p.BlobCenter
	for z := 0; z < p.Depth; z++ {
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				dx, dy, dz := float64(x-c[0]), float64(y-c[1]), float64(z-c[2])
				v := z*p.Width*p.Height + y*p.Width + x
				if brain.Data[v] && math.Sqrt(dx*dx+dy*dy+dz*dz) <= p.BlobRadius {
					m.Data[v] = true
				}
			}
		}
	}
	return m
}

// FirstLevel generates a single-subject time series: baseline plus a block
// regressor scaled by Effect inside the blob, plus AR noise. The design has
// an intercept and the block regressor; the contrast tests the block.
func FirstLevel(p Params) (*Dataset, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	block := p.BlockLength
	if block < 1 {
		block = 1
	}

	x := mat.NewDense(p.Frames, 2, nil)
	for t := 0; t < p.Frames; t++ {
		x.Set(t, 0, 1)
		if (t/block)%2 == 1 {
			x.Set(t, 1, 1)
		}
	}

	brain := brainMask(p)
	active := activeMask(p, brain)
	ts := models.NewTimeSeries(p.Width, p.Height, p.Depth, p.Frames)
	size := ts.VolumeSize()
	rng := rand.New(rand.NewSource(p.Seed))

	noise := make([]float64, p.Frames)
	for v := 0; v < size; v++ {
		for t := range noise {
			e := p.Noise * rng.NormFloat64()
			for k, a := range p.AR {
				if t-k-1 >= 0 {
					e += a * noise[t-k-1]
				}
			}
			noise[t] = e
		}
		for t := 0; t < p.Frames; t++ {
			val := p.Baseline + noise[t]
			if active.Data[v] {
				val += p.Effect * x.At(t, 1)
			}
			ts.Data[t*size+v] = val
		}
	}

	return &Dataset{
		Series:    ts,
		Mask:      brain,
		Design:    x,
		Contrasts: mat.NewDense(1, 2, []float64{0, 1}),
		Active:    active,
	}, nil
}

// OneSample generates a second-level dataset of Frames subject maps with
// Effect inside the blob, for a sign-flip test of the group mean.
func OneSample(p Params) (*Dataset, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	brain := brainMask(p)
	active := activeMask(p, brain)
	ts := subjects(p, active, func(int) float64 { return p.Effect })

	x := mat.NewDense(p.Frames, 1, nil)
	for s := 0; s < p.Frames; s++ {
		x.Set(s, 0, 1)
	}
	return &Dataset{
		Series:    ts,
		Mask:      brain,
		Design:    x,
		Contrasts: mat.NewDense(1, 1, []float64{1}),
		Active:    active,
	}, nil
}

// TwoSample generates two equal groups of subjects; the second group carries
// Effect inside the blob. The contrast tests group 2 minus group 1.
func TwoSample(p Params) (*Dataset, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	groups := make([]int, p.Frames)
	for s := p.Frames / 2; s < p.Frames; s++ {
		groups[s] = 1
	}
	brain := brainMask(p)
	active := activeMask(p, brain)
	ts := subjects(p, active, func(s int) float64 { return p.Effect * float64(groups[s]) })

	x := mat.NewDense(p.Frames, 2, nil)
	for s, g := range groups {
		x.Set(s, g, 1)
	}
	return &Dataset{
		Series:    ts,
		Mask:      brain,
		Design:    x,
		Contrasts: mat.NewDense(1, 2, []float64{-1, 1}),
		Groups:    groups,
		Active:    active,
	}, nil
}

func subjects(p Params, active *models.Mask, effect func(subject int) float64) *models.TimeSeries {
	ts := models.NewTimeSeries(p.Width, p.Height, p.Depth, p.Frames)
	size := ts.VolumeSize()
	rng := rand.New(rand.NewSource(p.Seed))
	for s := 0; s < p.Frames; s++ {
		e := effect(s)
		for v := 0; v < size; v++ {
			val := p.Noise * rng.NormFloat64()
			if active.Data[v] {
				val += e
			}
			ts.Data[s*size+v] = val
		}
	}
	return ts
}

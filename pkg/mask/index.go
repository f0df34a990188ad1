// Package mask builds the dense enumeration of brain voxels that every
// downstream stage uses to compact its per-voxel work arrays.
package mask

import (
	"errors"
	"fmt"

	"fmristat/internal/models"
)

// Sentinel errors for mask operations.
var (
	// ErrEmptyMask indicates the mask contains no brain voxel.
	ErrEmptyMask = errors.New("mask: mask contains no brain voxels")
	// ErrShapeMismatch indicates a volume whose dimensions differ from the mask.
	ErrShapeMismatch = errors.New("mask: dimensions do not match mask")
)

// Index maps brain voxels to [0, NumVoxels) in row-major scan order.
// It is immutable once built.
type Index struct {
	Width, Height, Depth int

	// linear[i] is the volume index of brain voxel i
	linear []int

	// lookup[v] is the brain index of volume voxel v, or -1 outside the mask
	lookup []int32
}

// Build enumerates the true voxels of m in a single row-major pass.
func Build(m *models.Mask) (*Index, error) {
	if m == nil || len(m.Data) == 0 {
		return nil, ErrEmptyMask
	}
	if len(m.Data) != m.Width*m.Height*m.Depth {
		return nil, fmt.Errorf("%w: mask data length %d for %dx%dx%d",
			ErrShapeMismatch, len(m.Data), m.Width, m.Height, m.Depth)
	}

	idx := &Index{
		Width:  m.Width,
		Height: m.Height,
		Depth:  m.Depth,
		lookup: make([]int32, len(m.Data)),
	}
	for v, inside := range m.Data {
		if !inside {
			idx.lookup[v] = -1
			continue
		}
		idx.lookup[v] = int32(len(idx.linear))
		idx.linear = append(idx.linear, v)
	}
	if len(idx.linear) == 0 {
		return nil, ErrEmptyMask
	}
	return idx, nil
}

// NumVoxels returns the number of brain voxels
func (idx *Index) NumVoxels() int {
	return len(idx.linear)
}

// VolumeSize returns W*H*D
func (idx *Index) VolumeSize() int {
	return idx.Width * idx.Height * idx.Depth
}

// Linear returns the volume index of brain voxel i
func (idx *Index) Linear(i int) int {
	return idx.linear[i]
}

// Coordinates returns (x, y, z) of brain voxel i
func (idx *Index) Coordinates(i int) (x, y, z int) {
	v := idx.linear[i]
	plane := idx.Width * idx.Height
	z = v / plane
	y = (v % plane) / idx.Width
	x = v % idx.Width
	return x, y, z
}

// Lookup returns the brain index of voxel (x, y, z). ok is false outside the
// volume or outside the mask.
func (idx *Index) Lookup(x, y, z int) (i int, ok bool) {
	if x < 0 || y < 0 || z < 0 || x >= idx.Width || y >= idx.Height || z >= idx.Depth {
		return -1, false
	}
	b := idx.lookup[z*idx.Width*idx.Height+y*idx.Width+x]
	return int(b), b >= 0
}

// Neighbors26 appends the brain indices of the in-mask 26-neighbours of brain
// voxel i to dst and returns it.
func (idx *Index) Neighbors26(dst []int, i int) []int {
	x, y, z := idx.Coordinates(i)
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				if j, ok := idx.Lookup(x+dx, y+dy, z+dz); ok {
					dst = append(dst, j)
				}
			}
		}
	}
	return dst
}

// Gather compacts the brain voxels of ts into a voxel-major series.
func (idx *Index) Gather(ts *models.TimeSeries) (*models.VoxelSeries, error) {
	if ts.Width != idx.Width || ts.Height != idx.Height || ts.Depth != idx.Depth {
		return nil, fmt.Errorf("%w: series %dx%dx%d, mask %dx%dx%d", ErrShapeMismatch,
			ts.Width, ts.Height, ts.Depth, idx.Width, idx.Height, idx.Depth)
	}
	if len(ts.Data) != ts.VolumeSize()*ts.Frames {
		return nil, fmt.Errorf("%w: series data length %d", ErrShapeMismatch, len(ts.Data))
	}

	size := ts.VolumeSize()
	out := models.NewVoxelSeries(len(idx.linear), ts.Frames)
	for i, v := range idx.linear {
		row := out.Row(i)
		for t := range row {
			row[t] = ts.Data[t*size+v]
		}
	}
	return out, nil
}

// Scatter expands per-brain-voxel values into a volume; voxels outside the mask are zero.
func (idx *Index) Scatter(values []float64) *models.Volume {
	vol := models.NewVolume(idx.Width, idx.Height, idx.Depth)
	for i, v := range idx.linear {
		if i < len(values) {
			vol.Data[v] = values[i]
		}
	}
	return vol
}

// ScatterLabels expands integer labels into a volume.
func (idx *Index) ScatterLabels(labels []int32) *models.Volume {
	vol := models.NewVolume(idx.Width, idx.Height, idx.Depth)
	for i, v := range idx.linear {
		if i < len(labels) {
			vol.Data[v] = float64(labels[i])
		}
	}
	return vol
}

// ScatterFlags expands voxel flags into a volume holding the flag bits.
func (idx *Index) ScatterFlags(flags []models.VoxelFlag) *models.Volume {
	vol := models.NewVolume(idx.Width, idx.Height, idx.Depth)
	for i, v := range idx.linear {
		if i < len(flags) {
			vol.Data[v] = float64(flags[i])
		}
	}
	return vol
}

package models

import "fmt"

// Volume represents a 3D scalar map such as a statistic or p-value volume
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order (x fastest)
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the depth of the volume in voxels
	Depth int
}

// NewVolume allocates a zero-filled volume of the given dimensions
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// Len returns the number of voxels in the volume
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Index returns the linear index of voxel (x, y, z)
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the value at voxel (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a value at voxel (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// TimeSeries represents a 4D dataset: one volume per frame (timepoint or subject)
type TimeSeries struct {
	// Data holds the frames back to back; frame t starts at t*Width*Height*Depth
	Data []float64

	// Width, Height, Depth are the spatial dimensions
	Width, Height, Depth int

	// Frames is the number of volumes (timepoints for first level, subjects for second level)
	Frames int
}

// NewTimeSeries allocates a zero-filled 4D dataset
func NewTimeSeries(width, height, depth, frames int) *TimeSeries {
	return &TimeSeries{
		Data:   make([]float64, width*height*depth*frames),
		Width:  width,
		Height: height,
		Depth:  depth,
		Frames: frames,
	}
}

// VolumeSize returns the number of voxels in one frame
func (ts *TimeSeries) VolumeSize() int {
	return ts.Width * ts.Height * ts.Depth
}

// At returns the value of voxel (x, y, z) at frame t
func (ts *TimeSeries) At(x, y, z, t int) float64 {
	return ts.Data[t*ts.VolumeSize()+z*ts.Width*ts.Height+y*ts.Width+x]
}

// Set stores the value of voxel (x, y, z) at frame t
func (ts *TimeSeries) Set(x, y, z, t int, value float64) {
	ts.Data[t*ts.VolumeSize()+z*ts.Width*ts.Height+y*ts.Width+x] = value
}

// Mask is a boolean brain mask with the same spatial layout as Volume
type Mask struct {
	Data                 []bool
	Width, Height, Depth int
}

// NewMask allocates a mask with every voxel set to value
func NewMask(width, height, depth int, value bool) *Mask {
	m := &Mask{
		Data:   make([]bool, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
	if value {
		for i := range m.Data {
			m.Data[i] = true
		}
	}
	return m
}

// Set marks voxel (x, y, z) as inside or outside the brain
func (m *Mask) Set(x, y, z int, inside bool) {
	m.Data[z*m.Width*m.Height+y*m.Width+x] = inside
}

// SameShape reports whether the mask matches the given spatial dimensions
func (m *Mask) SameShape(width, height, depth int) bool {
	return m.Width == width && m.Height == height && m.Depth == depth
}

// VoxelSeries is the compacted brain-voxel view of a TimeSeries.
// Row i holds the Frames samples of brain voxel i (voxel-major layout),
// which keeps every per-voxel kernel on a contiguous slice.
type VoxelSeries struct {
	Voxels int
	Frames int
	Data   []float64
}

// NewVoxelSeries allocates a zero-filled voxel series
func NewVoxelSeries(voxels, frames int) *VoxelSeries {
	return &VoxelSeries{
		Voxels: voxels,
		Frames: frames,
		Data:   make([]float64, voxels*frames),
	}
}

// Row returns the time series of brain voxel i
func (s *VoxelSeries) Row(i int) []float64 {
	return s.Data[i*s.Frames : (i+1)*s.Frames]
}

// Clone returns a deep copy of the series
func (s *VoxelSeries) Clone() *VoxelSeries {
	c := &VoxelSeries{Voxels: s.Voxels, Frames: s.Frames, Data: make([]float64, len(s.Data))}
	copy(c.Data, s.Data)
	return c
}

// Validate checks that the data slice matches the declared shape
func (s *VoxelSeries) Validate() error {
	if s.Voxels <= 0 || s.Frames <= 0 {
		return fmt.Errorf("voxel series must have positive shape, got %dx%d", s.Voxels, s.Frames)
	}
	if len(s.Data) != s.Voxels*s.Frames {
		return fmt.Errorf("voxel series data length %d does not match %dx%d", len(s.Data), s.Voxels, s.Frames)
	}
	return nil
}

// VoxelFlag marks per-voxel numerical conditions that downstream stages consume
type VoxelFlag uint8

const (
	// FlagUnwhitened marks a voxel whose AR system was singular; it uses the unwhitened design
	FlagUnwhitened VoxelFlag = 1 << iota
	// FlagSingularDesign marks a voxel whose (whitened) design could not be inverted
	FlagSingularDesign
	// FlagZeroVariance marks a voxel with zero or non-finite residual variance
	FlagZeroVariance
)

// Degenerate reports whether the voxel statistic is meaningless and must be
// treated as below any threshold
func (f VoxelFlag) Degenerate() bool {
	return f&(FlagSingularDesign|FlagZeroVariance) != 0
}

// Has reports whether all bits of other are set
func (f VoxelFlag) Has(other VoxelFlag) bool {
	return f&other == other
}

package mask

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmristat/internal/models"
)

func TestBuildPreservesScanOrder(t *testing.T) {
	m := models.NewMask(3, 2, 2, false)
	m.Set(2, 0, 0, true)
	m.Set(0, 1, 0, true)
	m.Set(1, 0, 1, true)

	idx, err := Build(m)
	require.NoError(t, err)
	require.Equal(t, 3, idx.NumVoxels())

	want := []int{2, 3, 7}
	for i, v := range want {
		assert.Equal(t, v, idx.Linear(i), "brain voxel %d", i)
	}

	i, ok := idx.Lookup(0, 1, 0)
	assert.True(t, ok)
	assert.Equal(t, 1, i)

	_, ok = idx.Lookup(0, 0, 0)
	assert.False(t, ok)
	_, ok = idx.Lookup(-1, 0, 0)
	assert.False(t, ok)

	x, y, z := idx.Coordinates(2)
	assert.Equal(t, [3]int{1, 0, 1}, [3]int{x, y, z})
}

func TestBuildEmptyMask(t *testing.T) {
	_, err := Build(models.NewMask(4, 4, 4, false))
	assert.ErrorIs(t, err, ErrEmptyMask)

	_, err = Build(nil)
	assert.ErrorIs(t, err, ErrEmptyMask)
}

func TestGatherScatterRoundTrip(t *testing.T) {
	m := models.NewMask(2, 2, 1, true)
	m.Set(1, 1, 0, false)
	idx, err := Build(m)
	require.NoError(t, err)

	ts := models.NewTimeSeries(2, 2, 1, 3)
	for t0 := 0; t0 < 3; t0++ {
		for v := 0; v < 4; v++ {
			ts.Data[t0*4+v] = float64(10*v + t0)
		}
	}

	series, err := idx.Gather(ts)
	require.NoError(t, err)
	require.NoError(t, series.Validate())
	assert.Equal(t, []float64{10, 11, 12}, series.Row(1))

	vol := idx.Scatter([]float64{1, 2, 3})
	assert.Equal(t, []float64{1, 2, 3, 0}, vol.Data, "outside-mask voxels must stay zero")
}

func TestGatherShapeMismatch(t *testing.T) {
	idx, err := Build(models.NewMask(2, 2, 2, true))
	require.NoError(t, err)
	_, err = idx.Gather(models.NewTimeSeries(2, 2, 3, 4))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestNeighbors26(t *testing.T) {
	idx, err := Build(models.NewMask(3, 3, 3, true))
	require.NoError(t, err)

	centre, ok := idx.Lookup(1, 1, 1)
	require.True(t, ok)
	assert.Len(t, idx.Neighbors26(nil, centre), 26)

	corner, _ := idx.Lookup(0, 0, 0)
	nbrs := idx.Neighbors26(nil, corner)
	sort.Ints(nbrs)
	assert.Len(t, nbrs, 7)
	assert.NotContains(t, nbrs, corner)
}

package simulate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstLevelShapes(t *testing.T) {
	p := DefaultParams()
	ds, err := FirstLevel(p)
	require.NoError(t, err)

	assert.Equal(t, p.Frames, ds.Series.Frames)
	assert.Len(t, ds.Series.Data, p.Width*p.Height*p.Depth*p.Frames)
	r, c := ds.Design.Dims()
	assert.Equal(t, p.Frames, r)
	assert.Equal(t, 2, c)

	// the blob centre is inside the brain and active
	v := p.BlobCenter[2]*p.Width*p.Height + p.BlobCenter[1]*p.Width + p.BlobCenter[0]
	assert.True(t, ds.Mask.Data[v])
	assert.True(t, ds.Active.Data[v])
	// a corner is outside the inscribed ellipsoid
	assert.False(t, ds.Mask.Data[0])
}

func TestSameSeedSameData(t *testing.T) {
	a, err := OneSample(DefaultParams())
	require.NoError(t, err)
	b, err := OneSample(DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, a.Series.Data, b.Series.Data)
}

func TestTwoSampleGroups(t *testing.T) {
	p := DefaultParams()
	p.Frames = 10
	ds, err := TwoSample(p)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 1, 1, 1, 1, 1}, ds.Groups)
	assert.Equal(t, 1.0, ds.Design.At(7, 1))
	assert.Equal(t, 0.0, ds.Design.At(7, 0))
}

func TestInvalidParams(t *testing.T) {
	p := DefaultParams()
	p.AR = []float64{0.1, 0.1, 0.1, 0.1, 0.1}
	_, err := FirstLevel(p)
	assert.Error(t, err)

	p = DefaultParams()
	p.Frames = 1
	_, err = OneSample(p)
	assert.Error(t, err)
}

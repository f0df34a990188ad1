package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"fmristat/internal/models"
	"fmristat/pkg/compute"
	"fmristat/pkg/mask"
)

func fullIndex(t testing.TB, w, h, d int) *mask.Index {
	t.Helper()
	idx, err := mask.Build(models.NewMask(w, h, d, true))
	require.NoError(t, err)
	return idx
}

func at(idx *mask.Index, x, y, z int) int {
	i, _ := idx.Lookup(x, y, z)
	return i
}

func TestLabelTwoSeparatedBlobs(t *testing.T) {
	idx := fullIndex(t, 10, 10, 10)
	e := New(idx, compute.NewCPU(4))

	stats := make([]float64, idx.NumVoxels())
	// 3x3x3 blob at the origin, 2x2x2 blob in the far corner
	for z := 0; z < 3; z++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 3; x++ {
				stats[at(idx, x, y, z)] = 5
			}
		}
	}
	for z := 7; z < 9; z++ {
		for y := 7; y < 9; y++ {
			for x := 7; x < 9; x++ {
				stats[at(idx, x, y, z)] = 4
			}
		}
	}

	lab, err := e.Label(context.Background(), stats, 3, nil)
	require.NoError(t, err)
	require.Len(t, lab.Clusters, 2)

	assert.Equal(t, int32(1), lab.Clusters[0].ID)
	assert.Equal(t, 27, lab.Clusters[0].Extent)
	assert.Equal(t, 8, lab.Clusters[1].Extent)
	assert.InDelta(t, 27*2.0, lab.Clusters[0].Mass, 1e-12)
	assert.InDelta(t, 8*1.0, lab.Clusters[1].Mass, 1e-12)
	assert.Equal(t, 27, lab.MaxExtent())
	assert.InDelta(t, 54.0, lab.MaxMass(), 1e-12)
	assert.Equal(t, int32(1), lab.Labels[at(idx, 1, 1, 1)])
	assert.Equal(t, int32(2), lab.Labels[at(idx, 8, 8, 8)])
	assert.Equal(t, int32(0), lab.Labels[at(idx, 5, 5, 5)])

	largest, ok := lab.Largest()
	assert.True(t, ok)
	assert.Equal(t, int32(1), largest.ID)
}

func TestLabelDiagonalConnectivity(t *testing.T) {
	idx := fullIndex(t, 5, 5, 5)
	e := New(idx, compute.NewCPU(2))

	stats := make([]float64, idx.NumVoxels())
	for k := 0; k < 5; k++ {
		stats[at(idx, k, k, k)] = 1
	}
	lab, err := e.Label(context.Background(), stats, 0.5, nil)
	if err != nil {
		t.Fatalf("Label failed: %v", err)
	}
	if len(lab.Clusters) != 1 {
		t.Fatalf("expected one corner-connected cluster, got %d", len(lab.Clusters))
	}
	if lab.Clusters[0].Extent != 5 {
		t.Errorf("expected extent 5, got %d", lab.Clusters[0].Extent)
	}
}

func TestThresholdIsStrict(t *testing.T) {
	idx := fullIndex(t, 3, 1, 1)
	e := New(idx, compute.NewCPU(1))
	lab, err := e.Label(context.Background(), []float64{2, 2, 1}, 2, nil)
	require.NoError(t, err)
	assert.Empty(t, lab.Clusters)
	assert.Equal(t, []int32{0, 0, 0}, lab.Labels)
}

func TestExcludedVoxelsSplitClusters(t *testing.T) {
	idx := fullIndex(t, 5, 1, 1)
	e := New(idx, compute.NewCPU(1))
	exclude := []bool{false, false, true, false, false}
	lab, err := e.Label(context.Background(), []float64{3, 3, 3, 3, 3}, 1, exclude)
	require.NoError(t, err)
	require.Len(t, lab.Clusters, 2)
	assert.Equal(t, []int32{1, 1, 0, 2, 2}, lab.Labels)
}

// Clusters partition the supra-threshold voxels and neighbouring
// supra-threshold voxels always share a label.
func TestLabelPartitionsRandomMaps(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	m := models.NewMask(12, 11, 9, true)
	for i := range m.Data {
		m.Data[i] = rng.Float64() < 0.9
	}
	idx, err := mask.Build(m)
	require.NoError(t, err)
	e := New(idx, compute.NewCPU(4))

	stats := make([]float64, idx.NumVoxels())
	for i := range stats {
		stats[i] = rng.NormFloat64()
	}
	const threshold = 0.3
	lab, err := e.Label(context.Background(), stats, threshold, nil)
	require.NoError(t, err)

	total := 0
	for _, c := range lab.Clusters {
		total += c.Extent
	}
	supra := 0
	var nb []int
	for i, v := range stats {
		if v <= threshold {
			assert.Zero(t, lab.Labels[i])
			continue
		}
		supra++
		require.NotZero(t, lab.Labels[i])
		nb = idx.Neighbors26(nb[:0], i)
		for _, j := range nb {
			if stats[j] > threshold {
				require.Equal(t, lab.Labels[i], lab.Labels[j], "neighbours %d and %d", i, j)
			}
		}
	}
	assert.Equal(t, supra, total)

	// IDs are assigned in scan order
	next := int32(1)
	for _, l := range lab.Labels {
		if l == next {
			next++
		} else {
			assert.Less(t, l, next)
		}
	}
}

func TestFixedPointStopsWhenStable(t *testing.T) {
	passes, err := FixedPoint(10, func(iter int) (int, error) {
		return 3 - iter, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, passes)

	_, err = FixedPoint(2, func(int) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrNoConvergence)

	boom := errors.New("boom")
	_, err = FixedPoint(5, func(int) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
}

func TestLabelLengthMismatch(t *testing.T) {
	e := New(fullIndex(t, 2, 2, 2), compute.NewCPU(1))
	_, err := e.Label(context.Background(), make([]float64, 3), 0, nil)
	assert.ErrorIs(t, err, ErrLength)
}

func BenchmarkLabel(b *testing.B) {
	idx := fullIndex(b, 64, 64, 32)
	e := New(idx, compute.NewCPU(0))
	rng := rand.New(rand.NewSource(1))
	stats := make([]float64, idx.NumVoxels())
	for i := range stats {
		stats[i] = rng.NormFloat64()
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Label(ctx, stats, 1.0, nil); err != nil {
			b.Fatal(err)
		}
	}
}

package compute

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPURunCoversEachVoxelOnce(t *testing.T) {
	for _, workers := range []int{1, 3, 8} {
		for _, n := range []int{1, 7, 64, 1001} {
			backend := NewCPU(workers)
			hits := make([]int32, n)
			err := backend.Run(context.Background(), "cover", n, func(lo, hi int) error {
				for i := lo; i < hi; i++ {
					atomic.AddInt32(&hits[i], 1)
				}
				return nil
			})
			require.NoError(t, err)
			for i, h := range hits {
				if h != 1 {
					t.Fatalf("workers=%d n=%d: voxel %d visited %d times", workers, n, i, h)
				}
			}
		}
	}
}

func TestCPURunPropagatesKernelError(t *testing.T) {
	backend := NewCPU(4)
	boom := errors.New("boom")
	err := backend.Run(context.Background(), "explode", 100, func(lo, hi int) error {
		if lo <= 50 && 50 < hi {
			return boom
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "explode", opErr.Op)
	assert.ErrorIs(t, backend.LastError(), boom)
}

func TestCPURunEmptyRange(t *testing.T) {
	backend := NewCPU(2)
	err := backend.Run(context.Background(), "empty", 0, func(lo, hi int) error { return nil })
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestCPURunCancelledContext(t *testing.T) {
	backend := NewCPU(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := backend.Run(ctx, "cancelled", 10, func(lo, hi int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

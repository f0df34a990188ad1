// Package cluster groups supra-threshold brain voxels into 26-connected
// clusters and computes threshold-free cluster enhancement.
//
// Labelling is data parallel: every voxel starts with its own label and each
// pass replaces it with the smallest label among its supra-threshold
// neighbours, until a pass changes nothing.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"fmristat/pkg/compute"
	"fmristat/pkg/mask"
)

var (
	// ErrNoConvergence is returned when labelling exceeds its pass budget
	ErrNoConvergence = errors.New("cluster: label propagation did not converge")
	// ErrLength is returned when a statistic slice does not match the brain index
	ErrLength = errors.New("cluster: statistic length does not match brain voxel count")
)

// Cluster summarises one connected component
type Cluster struct {
	// ID is 1-based, assigned in scan order of the first member voxel
	ID int32

	// Extent is the number of member voxels
	Extent int

	// Mass is the sum of (stat - threshold) over members
	Mass float64

	// Peak is the largest statistic in the cluster, at brain voxel PeakVoxel
	Peak      float64
	PeakVoxel int
}

// Labeling is the result of one labelling run
type Labeling struct {
	// Labels holds a cluster ID per brain voxel, 0 for background
	Labels []int32

	Clusters []Cluster

	// Passes is the number of propagation passes until the fixed point
	Passes int
}

// MaxExtent returns the largest cluster extent, 0 with no clusters
func (l *Labeling) MaxExtent() int {
	m := 0
	for _, c := range l.Clusters {
		if c.Extent > m {
			m = c.Extent
		}
	}
	return m
}

// MaxMass returns the largest cluster mass, 0 with no clusters
func (l *Labeling) MaxMass() float64 {
	m := 0.0
	for _, c := range l.Clusters {
		if c.Mass > m {
			m = c.Mass
		}
	}
	return m
}

// Largest returns the cluster with the greatest extent
func (l *Labeling) Largest() (Cluster, bool) {
	if len(l.Clusters) == 0 {
		return Cluster{}, false
	}
	best := l.Clusters[0]
	for _, c := range l.Clusters[1:] {
		if c.Extent > best.Extent {
			best = c
		}
	}
	return best, true
}

// Engine labels statistic maps over one brain index
type Engine struct {
	index   *mask.Index
	backend compute.Backend

	// adjacency in CSR form: neighbours of i are adj[offsets[i]:offsets[i+1]]
	offsets []int
	adj     []int32
}

// New precomputes the 26-neighbourhood of every brain voxel
func New(index *mask.Index, backend compute.Backend) *Engine {
	n := index.NumVoxels()
	e := &Engine{
		index:   index,
		backend: backend,
		offsets: make([]int, n+1),
		adj:     make([]int32, 0, n*8),
	}
	buf := make([]int, 0, 26)
	for i := 0; i < n; i++ {
		buf = index.Neighbors26(buf[:0], i)
		for _, j := range buf {
			e.adj = append(e.adj, int32(j))
		}
		e.offsets[i+1] = len(e.adj)
	}
	return e
}

// NumVoxels returns the number of brain voxels the engine labels
func (e *Engine) NumVoxels() int { return len(e.offsets) - 1 }

// FixedPoint runs pass until it reports no change or maxPasses is reached.
// It returns the number of passes executed.
func FixedPoint(maxPasses int, pass func(iter int) (changed int, err error)) (int, error) {
	for iter := 0; iter < maxPasses; iter++ {
		changed, err := pass(iter)
		if err != nil {
			return iter + 1, err
		}
		if changed == 0 {
			return iter + 1, nil
		}
	}
	return maxPasses, fmt.Errorf("%w after %d passes", ErrNoConvergence, maxPasses)
}

// Label finds the clusters of voxels with stat > threshold. Voxels with
// exclude[i] set never join a cluster; exclude may be nil.
func (e *Engine) Label(ctx context.Context, stats []float64, threshold float64, exclude []bool) (*Labeling, error) {
	n := e.NumVoxels()
	if len(stats) != n {
		return nil, fmt.Errorf("%w: %d values, %d voxels", ErrLength, len(stats), n)
	}

	cur := make([]int32, n)
	active := 0
	for i, v := range stats {
		if v > threshold && !math.IsNaN(v) && (exclude == nil || !exclude[i]) {
			cur[i] = int32(i + 1)
			active++
		}
	}
	if active == 0 {
		return &Labeling{Labels: cur}, nil
	}
	next := make([]int32, n)

	passes, err := FixedPoint(n+1, func(iter int) (int, error) {
		var changed atomic.Int64
		err := e.backend.Run(ctx, "cluster-label", n, func(lo, hi int) error {
			local := 0
			for i := lo; i < hi; i++ {
				l := cur[i]
				if l == 0 {
					next[i] = 0
					continue
				}
				best := l
				// jump to the label of the voxel our label points at
				if p := cur[l-1]; p != 0 && p < best {
					best = p
				}
				for _, j := range e.adj[e.offsets[i]:e.offsets[i+1]] {
					if nl := cur[j]; nl != 0 && nl < best {
						best = nl
					}
				}
				next[i] = best
				if best != l {
					local++
				}
			}
			changed.Add(int64(local))
			return nil
		})
		if err != nil {
			return 0, err
		}
		cur, next = next, cur
		return int(changed.Load()), nil
	})
	if err != nil {
		return nil, err
	}

	return e.compact(cur, stats, threshold, passes), nil
}

// compact renumbers converged labels to 1..C in scan order and accumulates
// per-cluster statistics.
func (e *Engine) compact(raw []int32, stats []float64, threshold float64, passes int) *Labeling {
	ids := make(map[int32]int32)
	out := &Labeling{Labels: make([]int32, len(raw)), Passes: passes}
	for i, l := range raw {
		if l == 0 {
			continue
		}
		id, ok := ids[l]
		if !ok {
			id = int32(len(out.Clusters) + 1)
			ids[l] = id
			out.Clusters = append(out.Clusters, Cluster{ID: id, Peak: math.Inf(-1), PeakVoxel: i})
		}
		out.Labels[i] = id
		c := &out.Clusters[id-1]
		c.Extent++
		c.Mass += stats[i] - threshold
		if stats[i] > c.Peak {
			c.Peak = stats[i]
			c.PeakVoxel = i
		}
	}
	return out
}

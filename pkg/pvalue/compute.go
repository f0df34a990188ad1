// Package pvalue turns observed statistics and their permutation null
// distributions into family-wise corrected p-values, a significance mask and
// the list of reported clusters.
package pvalue

import (
	"context"
	"errors"
	"fmt"
	"math"

	"fmristat/pkg/cluster"
	"fmristat/pkg/nulldist"
)

// DefaultAlpha is the conventional significance level
const DefaultAlpha = 0.05

// ErrNoDistribution is returned when the null distribution is missing or empty
var ErrNoDistribution = errors.New("pvalue: empty null distribution")

// Options configures the comparison
type Options struct {
	// Alpha thresholds p-values into the significance mask (p <= alpha)
	Alpha float64
}

// ReportedCluster is a connected group of significant voxels
type ReportedCluster struct {
	ID     int32
	Extent int

	// Mass is the sum of the statistic above the cluster-forming height over
	// member voxels (the cluster-defining threshold in cluster modes, 0 otherwise)
	Mass float64

	Peak      float64
	PeakVoxel int

	// PValue is the smallest corrected p-value among members
	PValue float64
}

// Map holds the corrected results of one statistical map
type Map struct {
	PValues     []float64
	Significant []bool

	// Labels holds the reported cluster ID of every brain voxel, 0 if none
	Labels   []int32
	Clusters []ReportedCluster

	// Critical is the (1-alpha) quantile of the null distribution
	Critical float64
}

// Result holds every map's corrected output
type Result struct {
	Maps         []Map
	Alpha        float64
	Permutations int

	SignificantVoxels   int
	SignificantClusters int
}

// Compute compares the observed statistics of out against its null
// distributions. engine relabels the significance mask into reported
// clusters; with a nil engine no clusters are reported.
func Compute(ctx context.Context, engine *cluster.Engine, out *nulldist.Output, opts Options) (*Result, error) {
	if opts.Alpha <= 0 || opts.Alpha >= 1 || math.IsNaN(opts.Alpha) {
		return nil, fmt.Errorf("pvalue: alpha must be in (0,1), got %g", opts.Alpha)
	}
	if out == nil || out.Observed == nil {
		return nil, errors.New("pvalue: no observed statistics")
	}
	obs := out.Observed
	maps := obs.Result.NumMaps()
	if len(out.Distributions) != maps {
		return nil, fmt.Errorf("%w: %d distributions for %d maps", ErrNoDistribution, len(out.Distributions), maps)
	}

	mode := out.Options.Mode
	res := &Result{Alpha: opts.Alpha, Maps: make([]Map, maps)}
	for m := 0; m < maps; m++ {
		dist := out.Distributions[m]
		if dist.Len() == 0 {
			return nil, fmt.Errorf("%w: map %d", ErrNoDistribution, m)
		}
		res.Permutations = dist.Len()

		stats := obs.Result.Maps[m]
		p := make([]float64, len(stats))
		switch mode {
		case nulldist.Voxel:
			for i, v := range stats {
				p[i] = dist.PValue(math.Abs(v))
			}
		case nulldist.ClusterExtent, nulldist.ClusterMass:
			for i := range p {
				p[i] = 1
			}
			lab := obs.Labelings[m]
			clusterP := make([]float64, len(lab.Clusters))
			for k, c := range lab.Clusters {
				size := float64(c.Extent)
				if mode == nulldist.ClusterMass {
					size = c.Mass
				}
				clusterP[k] = dist.PValue(size)
			}
			for i, l := range lab.Labels {
				if l != 0 {
					p[i] = clusterP[l-1]
				}
			}
		case nulldist.TFCE:
			for i, v := range obs.TFCE[m] {
				p[i] = dist.PValue(v)
			}
		default:
			return nil, fmt.Errorf("pvalue: unsupported mode %s", mode)
		}
		for i := range p {
			if obs.Exclude != nil && obs.Exclude[i] {
				p[i] = 1
			}
		}

		critical, err := dist.CriticalValue(opts.Alpha)
		if err != nil {
			return nil, err
		}
		mp := Map{PValues: p, Significant: make([]bool, len(p)), Critical: critical}
		for i, v := range p {
			if v <= opts.Alpha {
				mp.Significant[i] = true
				res.SignificantVoxels++
			}
		}

		if engine != nil {
			height := 0.0
			if mode.Clustered() {
				height = out.Options.ClusterThreshold
			}
			if err := report(ctx, engine, &mp, stats, height); err != nil {
				return nil, err
			}
			res.SignificantClusters += len(mp.Clusters)
		}
		res.Maps[m] = mp
	}
	return res, nil
}

// report labels the connected significant voxels and summarises each group
func report(ctx context.Context, engine *cluster.Engine, mp *Map, stats []float64, height float64) error {
	indicator := make([]float64, len(mp.Significant))
	for i, s := range mp.Significant {
		if s {
			indicator[i] = 1
		}
	}
	lab, err := engine.Label(ctx, indicator, 0.5, nil)
	if err != nil {
		return fmt.Errorf("pvalue: relabelling significant voxels: %w", err)
	}

	mp.Labels = lab.Labels
	mp.Clusters = make([]ReportedCluster, len(lab.Clusters))
	for k, c := range lab.Clusters {
		mp.Clusters[k] = ReportedCluster{ID: c.ID, Extent: c.Extent, Peak: math.Inf(-1), PValue: 1}
	}
	for i, l := range lab.Labels {
		if l == 0 {
			continue
		}
		rc := &mp.Clusters[l-1]
		rc.Mass += stats[i] - height
		if stats[i] > rc.Peak {
			rc.Peak = stats[i]
			rc.PeakVoxel = i
		}
		if mp.PValues[i] < rc.PValue {
			rc.PValue = mp.PValues[i]
		}
	}
	return nil
}

package engine

import (
	"context"
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"fmristat/internal/models"
	"fmristat/internal/simulate"
	"fmristat/pkg/compute"
	"fmristat/pkg/config"
	"fmristat/pkg/design"
	"fmristat/pkg/mask"
	"fmristat/pkg/metrics"
	"fmristat/pkg/nulldist"
	"fmristat/pkg/permutation"
)

func secondLevelConfig(mode string, permutations int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Inference.Mode = mode
	cfg.Inference.Level = permutation.SecondLevelSignFlip.String()
	cfg.Inference.Permutations = permutations
	cfg.Inference.ClusterThreshold = 3
	cfg.Model.Whiten = false
	cfg.Processing.NumCores = 2
	return cfg
}

func smallOneSample(t *testing.T) *simulate.Dataset {
	t.Helper()
	p := simulate.DefaultParams()
	p.Width, p.Height, p.Depth = 8, 8, 4
	p.BlobCenter = [3]int{4, 4, 2}
	p.BlobRadius = 1.5
	p.Frames = 12
	p.Effect = 3
	ds, err := simulate.OneSample(p)
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}
	return ds
}

func input(ds *simulate.Dataset) Input {
	return Input{Series: ds.Series, Mask: ds.Mask, Design: ds.Design, Contrasts: ds.Contrasts, Groups: ds.Groups}
}

func TestSecondLevelVoxelRun(t *testing.T) {
	ds := smallOneSample(t)
	collector := metrics.NewCollector()

	var lastCompleted, lastTotal int
	e := New(secondLevelConfig("voxel", 200),
		WithMetrics(collector),
		WithProgress(func(completed, total int, _ string) { lastCompleted, lastTotal = completed, total }))

	res, err := e.Run(context.Background(), input(ds))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.Null) != 1 || res.Null[0].Len() != 200 {
		t.Fatalf("expected one null distribution of 200, got %d maps", len(res.Null))
	}
	if lastCompleted != 200 || lastTotal != 200 {
		t.Errorf("progress ended at %d/%d", lastCompleted, lastTotal)
	}
	if res.RunID.String() == "" {
		t.Error("missing run id")
	}

	// Mask invariant: every output is zero outside the brain
	for v, inside := range ds.Mask.Data {
		if inside {
			continue
		}
		vols := []*models.Volume{res.Statistics[0], res.PValues[0], res.Significant[0], res.Labels[0], res.Flags, res.AR[0],
			res.Betas[0], res.ContrastValues[0], res.ResidualVariance, res.LargestCluster[0]}
		for k, vol := range vols {
			if vol.Data[v] != 0 {
				t.Fatalf("output %d non-zero outside mask at %d", k, v)
			}
		}
	}

	// p-values inside the mask are in [1/P, 1]
	for v, inside := range ds.Mask.Data {
		if !inside {
			continue
		}
		p := res.PValues[0].Data[v]
		if p < 1.0/200 || p > 1 {
			t.Fatalf("p-value %g out of range at %d", p, v)
		}
	}

	// the blob centre is detected
	c := 2*8*8 + 4*8 + 4
	if res.Significant[0].Data[c] != 1 {
		t.Errorf("expected blob centre to be significant, p=%g", res.PValues[0].Data[c])
	}
	if res.SignificantClusters < 1 || len(res.Clusters[0]) < 1 {
		t.Error("expected at least one reported cluster")
	}

	// model estimates at the blob centre
	if len(res.Betas) != 1 || len(res.ContrastValues) != 1 {
		t.Fatalf("expected 1 beta and 1 contrast volume, got %d and %d", len(res.Betas), len(res.ContrastValues))
	}
	if b := res.Betas[0].Data[c]; math.Abs(b-3) > 1.5 {
		t.Errorf("beta at blob centre = %g, want about 3", b)
	}
	if res.ContrastValues[0].Data[c] != res.Betas[0].Data[c] {
		t.Errorf("unit contrast should equal beta")
	}
	if res.ResidualVariance.Data[c] <= 0 {
		t.Errorf("expected positive residual variance at blob centre")
	}
	if res.LargestCluster[0].Data[c] != 1 {
		t.Errorf("blob centre should be in the largest reported cluster")
	}
}

func TestClusterMassRun(t *testing.T) {
	ds := smallOneSample(t)
	res, err := New(secondLevelConfig("cluster-mass", 100), WithLogger(nil)).Run(context.Background(), input(ds))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	c := 2*8*8 + 4*8 + 4
	if res.LargestCluster[0].Data[c] != 1 {
		t.Error("blob centre should be in the largest supra-threshold cluster")
	}
	members := 0.0
	for _, v := range res.LargestCluster[0].Data {
		members += v
	}
	if members < 2 {
		t.Errorf("largest cluster has %g voxels", members)
	}
	if res.Mode != nulldist.ClusterMass {
		t.Errorf("unexpected mode %s", res.Mode)
	}
	if res.Null[0].Len() != 100 {
		t.Errorf("expected 100 null values, got %d", res.Null[0].Len())
	}
}

func TestCappedRequestIsWarning(t *testing.T) {
	ds := smallOneSample(t)
	ds.Series.Frames = 5
	ds.Series.Data = ds.Series.Data[:5*ds.Series.VolumeSize()]
	ds.Design = design.Intercept(5)

	cfg := secondLevelConfig("voxel", 100)
	cfg.Inference.Exhaustive = true
	res, err := New(cfg).Run(context.Background(), input(ds))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Null[0].Len() != 32 {
		t.Errorf("expected 2^5 permutations, got %d", res.Null[0].Len())
	}
	found := false
	for _, w := range res.Warnings {
		if errors.Is(w, permutation.ErrRequestExceedsExchangeabilityLimit) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected exchangeability warning, got %v", res.Warnings)
	}
}

func TestEmptyMaskFails(t *testing.T) {
	ds := smallOneSample(t)
	ds.Mask = models.NewMask(8, 8, 4, false)
	_, err := New(secondLevelConfig("voxel", 10)).Run(context.Background(), input(ds))
	if !errors.Is(err, mask.ErrEmptyMask) {
		t.Fatalf("expected empty mask error, got %v", err)
	}
}

func TestDegenerateDesignFails(t *testing.T) {
	ds := smallOneSample(t)
	// duplicate column: rank deficient
	x := mat.NewDense(12, 2, nil)
	for i := 0; i < 12; i++ {
		x.Set(i, 0, 1)
		x.Set(i, 1, 1)
	}
	ds.Design = x
	ds.Contrasts = mat.NewDense(1, 2, []float64{1, 0})
	_, err := New(secondLevelConfig("voxel", 10)).Run(context.Background(), input(ds))
	if !errors.Is(err, design.ErrDegenerateDesign) {
		t.Fatalf("expected degenerate design error, got %v", err)
	}
}

func TestInsufficientValidPermutations(t *testing.T) {
	ds := smallOneSample(t)
	ds.Series.Frames = 3
	ds.Series.Data = ds.Series.Data[:3*ds.Series.VolumeSize()]
	ds.Design = design.Detrending(3, 2)
	ds.Contrasts = mat.NewDense(1, 3, []float64{0, 1, 0})

	_, err := New(secondLevelConfig("voxel", 8)).Run(context.Background(), input(ds))
	if !errors.Is(err, nulldist.ErrInsufficientValidPermutations) {
		t.Fatalf("expected insufficient valid permutations, got %v", err)
	}
	var perr *nulldist.PermutationError
	if !errors.As(err, &perr) || perr.Attempted != 8 {
		t.Errorf("expected permutation context, got %v", err)
	}
}

func TestFirstLevelEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping first-level end-to-end run in short mode")
	}
	p := simulate.DefaultParams()
	p.Width, p.Height, p.Depth = 8, 8, 4
	p.BlobCenter = [3]int{4, 4, 2}
	p.Frames = 60
	p.Effect = 2
	ds, err := simulate.FirstLevel(p)
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Inference.Permutations = 20
	cfg.Inference.Mode = "tfce"
	cfg.TFCE.Steps = 25
	cfg.Processing.PermutationWorkers = 2

	res, err := New(cfg, WithBackend(compute.NewCPU(2))).Run(context.Background(), input(ds))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Null[0].Len() != 20 {
		t.Errorf("expected 20 null values, got %d", res.Null[0].Len())
	}
	if len(res.TFCE) != 1 {
		t.Fatalf("expected a TFCE volume")
	}
	c := 2*8*8 + 4*8 + 4
	if res.TFCE[0].Data[c] <= 0 {
		t.Errorf("expected positive TFCE at blob centre")
	}
	for k := 0; k < 4; k++ {
		if res.AR[k] == nil {
			t.Errorf("missing AR volume %d", k)
		}
	}
}

func TestFTestRun(t *testing.T) {
	ds := smallOneSample(t)

	tres, err := New(secondLevelConfig("voxel", 50)).Run(context.Background(), input(ds))
	if err != nil {
		t.Fatalf("t run failed: %v", err)
	}
	cfg := secondLevelConfig("voxel", 50)
	cfg.Inference.Test = "f"
	fres, err := New(cfg).Run(context.Background(), input(ds))
	if err != nil {
		t.Fatalf("F run failed: %v", err)
	}

	if len(fres.Statistics) != 1 || fres.Null[0].Len() != 50 {
		t.Fatalf("expected one F map with 50 null values")
	}
	// a single contrast gives F = t^2
	for v := range tres.Statistics[0].Data {
		tv := tres.Statistics[0].Data[v]
		if math.Abs(fres.Statistics[0].Data[v]-tv*tv) > 1e-8*(1+tv*tv) {
			t.Fatalf("F != t^2 at voxel %d: %g vs %g", v, fres.Statistics[0].Data[v], tv*tv)
		}
	}
}

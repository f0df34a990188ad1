// Package engine runs a complete permutation inference analysis: brain
// indexing, design validation, noise modelling, null distribution and
// corrected p-values, and maps every per-voxel output back to volumes.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"fmristat/internal/logging"
	"fmristat/internal/models"
	"fmristat/pkg/cluster"
	"fmristat/pkg/compute"
	"fmristat/pkg/config"
	"fmristat/pkg/design"
	"fmristat/pkg/glm"
	"fmristat/pkg/mask"
	"fmristat/pkg/metrics"
	"fmristat/pkg/nulldist"
	"fmristat/pkg/permutation"
	"fmristat/pkg/pvalue"
	"fmristat/pkg/whitening"
)

// ProgressCallback is a function type for reporting progress during an analysis
type ProgressCallback func(completed, total int, message string)

// Input holds everything one analysis consumes
type Input struct {
	// Series holds the time series (first level) or one map per subject
	// (second level) on the volume grid
	Series *models.TimeSeries
	Mask   *models.Mask

	// Design is T×R and Contrasts K×R
	Design    *mat.Dense
	Contrasts *mat.Dense

	// Censored marks excluded timepoints; nil keeps all
	Censored []bool

	// Groups labels subjects for group permutation
	Groups []int

	// Blocks restricts exchanges to within blocks; nil means one block
	Blocks []int

	// Preset replaces generated permutations; the first must be the identity
	Preset []permutation.Vector
}

// Result is a complete analysis output. Voxels outside the mask are zero in
// every volume.
type Result struct {
	RunID   uuid.UUID
	Created time.Time
	Mode    nulldist.Mode
	Test    glm.Test
	Level   permutation.Mode
	Alpha   float64

	// One volume per statistical map (K for t, 1 for F)
	Statistics  []*models.Volume
	PValues     []*models.Volume
	Significant []*models.Volume
	Labels      []*models.Volume
	TFCE        []*models.Volume

	// Clusters holds the reported clusters of each map
	Clusters [][]pvalue.ReportedCluster

	// LargestCluster marks the largest cluster of each map with 1: the
	// largest supra-threshold cluster in cluster modes, otherwise the
	// largest reported cluster. All zero when there is none.
	LargestCluster []*models.Volume

	// Betas holds one volume per design regressor, ContrastValues one per
	// contrast (c_k·beta)
	Betas            []*models.Volume
	ContrastValues   []*models.Volume
	ResidualVariance *models.Volume

	// Flags holds the VoxelFlag bits of every brain voxel
	Flags *models.Volume

	// AR holds the a1..a4 coefficient volumes of the observed noise model
	AR [whitening.Order]*models.Volume

	Null []*nulldist.Distribution

	Attempted int
	Valid     int
	Skipped   []int

	SignificantVoxels   int
	SignificantClusters int

	// Warnings collects non-fatal conditions such as a capped permutation count
	Warnings []error
}

// Engine runs analyses with one configuration
type Engine struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	backend  compute.Backend
	progress ProgressCallback
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger; nil keeps logging off
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithBackend replaces the CPU backend
func WithBackend(b compute.Backend) Option {
	return func(e *Engine) { e.backend = b }
}

// WithProgress sets the progress callback. It is called once per permutation,
// never concurrently, with increasing completion counts.
func WithProgress(cb ProgressCallback) Option {
	return func(e *Engine) { e.progress = cb }
}

// New creates an engine for cfg
func New(cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, logger: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	if e.backend == nil {
		e.backend = compute.NewCPU(cfg.Processing.NumCores)
	}
	return e
}

// Run executes the whole pipeline. It returns either a complete result or an
// error, never a partial result.
func (e *Engine) Run(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	// Validate configuration before touching any data
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	opts := e.cfg.NullOptions()
	runID := uuid.New()
	log := e.logger.With(zap.String("run", runID.String()))

	// Step 1: build the brain index
	log.Info("Step 1: Building brain voxel index...")
	if in.Series == nil {
		return nil, fmt.Errorf("engine: no input series")
	}
	index, err := mask.Build(in.Mask)
	if err != nil {
		return nil, fmt.Errorf("failed to build brain index: %w", err)
	}
	log.Info("Brain index ready", zap.Int("voxels", index.NumVoxels()), zap.Int("volume", index.VolumeSize()))

	// Step 2: validate the design
	log.Info("Step 2: Validating design matrix...")
	d, err := e.buildDesign(in)
	if err != nil {
		return nil, err
	}
	if opts.Test == glm.FTest && !d.FTestable() {
		return nil, fmt.Errorf("%w: contrasts are not jointly estimable for an F-test", design.ErrDegenerateDesign)
	}
	log.Info("Design ready",
		zap.Int("frames", d.Frames()),
		zap.Int("effective_frames", d.EffectiveFrames()),
		zap.Int("regressors", d.Regressors()),
		zap.Int("contrasts", d.NumContrasts()),
		zap.Int("dof", d.Dof()))

	// Step 3: gather brain voxels
	log.Info("Step 3: Gathering brain voxel time series...")
	data, err := index.Gather(in.Series)
	if err != nil {
		return nil, fmt.Errorf("failed to gather data: %w", err)
	}

	// Step 4: configure permutations
	log.Info("Step 4: Configuring permutations...")
	gen, err := e.configureGenerator(in, opts.Level, d.Frames())
	if err != nil {
		return nil, err
	}
	var warnings []error
	for _, w := range gen.Warnings() {
		log.Warn("Permutation request capped", zap.Error(w))
		warnings = append(warnings, w)
	}
	log.Info("Permutations configured",
		zap.String("level", opts.Level.String()),
		zap.Int("count", gen.Count()),
		zap.String("limit", gen.Limit().String()))

	// Step 5: null distribution
	log.Info("Step 5: Building null distribution...")
	builder := nulldist.NewBuilder(opts,
		nulldist.WithLogger(log),
		nulldist.WithMetrics(e.metrics),
		nulldist.WithBackend(e.backend),
		nulldist.WithWorkers(e.cfg.Processing.PermutationWorkers),
		nulldist.WithProgress(nulldist.ProgressCallback(e.progress)))
	out, err := builder.Build(ctx, nulldist.Input{Data: data, Design: d, Index: index, Generator: gen})
	if err != nil {
		return nil, fmt.Errorf("failed to build null distribution: %w", err)
	}
	if n := len(out.Skipped); n > 0 {
		warnings = append(warnings, fmt.Errorf("engine: %d of %d permutations skipped", n, out.Attempted))
	}
	if n := out.Observed.Model.Unwhitened(); n > 0 {
		warnings = append(warnings, fmt.Errorf("engine: %d voxels use the unwhitened design", n))
	}

	// Step 6: corrected p-values
	log.Info("Step 6: Computing corrected p-values...")
	done := e.metrics.Stage("pvalues")
	pv, err := pvalue.Compute(ctx, cluster.New(index, e.backend), out, pvalue.Options{Alpha: e.cfg.Inference.Alpha})
	done()
	if err != nil {
		return nil, fmt.Errorf("failed to compute p-values: %w", err)
	}

	// Step 7: scatter to volumes
	log.Info("Step 7: Writing output volumes...")
	res := e.assemble(index, out, pv)
	res.RunID = runID
	res.Created = start
	res.Warnings = warnings

	e.metrics.RunCompleted()
	log.Info("Analysis complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("valid_permutations", res.Valid),
		zap.Int("significant_voxels", res.SignificantVoxels),
		zap.Int("significant_clusters", res.SignificantClusters))
	return res, nil
}

func (e *Engine) buildDesign(in Input) (*design.Matrix, error) {
	if in.Design == nil {
		return nil, fmt.Errorf("%w: no design matrix", design.ErrDegenerateDesign)
	}
	rows, _ := in.Design.Dims()
	if rows != in.Series.Frames {
		return nil, fmt.Errorf("%w: design has %d rows, series has %d frames", design.ErrDegenerateDesign, rows, in.Series.Frames)
	}
	var opts []design.Option
	if in.Censored != nil {
		opts = append(opts, design.WithCensored(in.Censored))
	}
	d, err := design.New(in.Design, in.Contrasts, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to validate design: %w", err)
	}
	return d, nil
}

func (e *Engine) configureGenerator(in Input, level permutation.Mode, frames int) (*permutation.Generator, error) {
	opts := []permutation.Option{
		permutation.WithExhaustive(e.cfg.Inference.Exhaustive),
		permutation.WithSeed(e.cfg.Inference.Seed),
	}
	if in.Preset != nil {
		opts = append(opts, permutation.WithPreset(in.Preset))
	}
	gen := permutation.New()
	s := permutation.Structure{Observations: frames, Groups: in.Groups, Blocks: in.Blocks}
	if err := gen.Configure(s, e.cfg.Inference.Permutations, level, opts...); err != nil {
		return nil, fmt.Errorf("failed to configure permutations: %w", err)
	}
	return gen, nil
}

func (e *Engine) assemble(index *mask.Index, out *nulldist.Output, pv *pvalue.Result) *Result {
	obs := out.Observed
	res := &Result{
		Mode:                out.Options.Mode,
		Test:                out.Options.Test,
		Level:               out.Options.Level,
		Alpha:               pv.Alpha,
		Flags:               index.ScatterFlags(obs.Result.Flags),
		Null:                out.Distributions,
		Attempted:           out.Attempted,
		Valid:               out.Valid,
		Skipped:             out.Skipped,
		SignificantVoxels:   pv.SignificantVoxels,
		SignificantClusters: pv.SignificantClusters,
	}

	for m, stats := range obs.Result.Maps {
		res.Statistics = append(res.Statistics, index.Scatter(stats))
		mp := pv.Maps[m]

		// p = 0 outside the mask; inside it is always >= 1/P
		res.PValues = append(res.PValues, index.Scatter(mp.PValues))

		sig := make([]float64, len(mp.Significant))
		for i, s := range mp.Significant {
			if s {
				sig[i] = 1
			}
		}
		res.Significant = append(res.Significant, index.Scatter(sig))
		res.Labels = append(res.Labels, index.ScatterLabels(mp.Labels))
		res.Clusters = append(res.Clusters, mp.Clusters)
		if m < len(obs.TFCE) {
			res.TFCE = append(res.TFCE, index.Scatter(obs.TFCE[m]))
		}

		labels, id := mp.Labels, int32(0)
		if m < len(obs.Labelings) {
			lab := obs.Labelings[m]
			if c, ok := lab.Largest(); ok {
				labels, id = lab.Labels, c.ID
			}
		} else {
			extent := 0
			for _, c := range mp.Clusters {
				if c.Extent > extent {
					extent, id = c.Extent, c.ID
				}
			}
		}
		res.LargestCluster = append(res.LargestCluster, index.Scatter(memberOf(labels, id)))
	}

	r := obs.Result
	regressors := 0
	if n := index.NumVoxels(); n > 0 {
		regressors = len(r.Betas) / n
	}
	beta := make([]float64, index.NumVoxels())
	for j := 0; j < regressors; j++ {
		for i := range beta {
			beta[i] = r.Betas[i*regressors+j]
		}
		res.Betas = append(res.Betas, index.Scatter(beta))
	}
	for _, c := range r.Contrasts {
		res.ContrastValues = append(res.ContrastValues, index.Scatter(c))
	}
	res.ResidualVariance = index.Scatter(r.ResidualVariance)

	coeff := make([]float64, index.NumVoxels())
	for k := 0; k < whitening.Order; k++ {
		for i := range coeff {
			coeff[i] = obs.Model.AR(i)[k]
		}
		res.AR[k] = index.Scatter(coeff)
	}
	return res
}

// memberOf returns 1 where labels equals id and 0 elsewhere; id 0 marks nothing
func memberOf(labels []int32, id int32) []float64 {
	out := make([]float64, len(labels))
	if id == 0 {
		return out
	}
	for i, l := range labels {
		if l == id {
			out[i] = 1
		}
	}
	return out
}

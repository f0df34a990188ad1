// Package nulldist builds permutation null distributions: for every
// permutation it re-runs the model on relabelled data and keeps one summary
// scalar per statistical map.
package nulldist

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fmristat/internal/logging"
	"fmristat/internal/models"
	"fmristat/pkg/cluster"
	"fmristat/pkg/compute"
	"fmristat/pkg/design"
	"fmristat/pkg/glm"
	"fmristat/pkg/mask"
	"fmristat/pkg/metrics"
	"fmristat/pkg/permutation"
	"fmristat/pkg/whitening"
)

// Mode selects the multiple-comparison correction and hence the scalar
// extracted from each permutation
type Mode int

const (
	// Voxel keeps the maximum |statistic| over brain voxels
	Voxel Mode = iota
	// ClusterExtent keeps the largest supra-threshold cluster size
	ClusterExtent
	// ClusterMass keeps the largest supra-threshold cluster mass
	ClusterMass
	// TFCE keeps the maximum TFCE score
	TFCE
)

func (m Mode) String() string {
	switch m {
	case Voxel:
		return "voxel"
	case ClusterExtent:
		return "cluster-extent"
	case ClusterMass:
		return "cluster-mass"
	case TFCE:
		return "tfce"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Clustered reports whether the mode needs cluster labelling
func (m Mode) Clustered() bool {
	return m == ClusterExtent || m == ClusterMass
}

// ParseMode converts a configuration string to a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "voxel":
		return Voxel, nil
	case "cluster-extent", "extent":
		return ClusterExtent, nil
	case "cluster-mass", "mass":
		return ClusterMass, nil
	case "tfce":
		return TFCE, nil
	}
	return 0, fmt.Errorf("nulldist: unknown inference mode %q", s)
}

// ErrInsufficientValidPermutations is returned when too few permutations
// produced a usable scalar, or the observed data itself did not.
var ErrInsufficientValidPermutations = errors.New("nulldist: insufficient valid permutations")

// PermutationError locates a failure to a statistical map and permutation
type PermutationError struct {
	Map         int
	Permutation int
	Valid       int
	Attempted   int
	Err         error
}

func (e *PermutationError) Error() string {
	return fmt.Sprintf("nulldist: map %d, permutation %d (%d of %d valid): %v",
		e.Map, e.Permutation, e.Valid, e.Attempted, e.Err)
}

func (e *PermutationError) Unwrap() error {
	return e.Err
}

// ProgressCallback reports permutation progress
type ProgressCallback func(completed, total int, message string)

// Options configures one build
type Options struct {
	Mode  Mode
	Test  glm.Test
	Level permutation.Mode

	// ClusterThreshold is the cluster-defining threshold (stat > threshold)
	ClusterThreshold float64
	TFCE             cluster.TFCEParams

	// MinValidFraction is the share of permutations that must succeed
	MinValidFraction float64

	// Whiten enables the AR(4) noise model
	Whiten bool

	// DetrendOrder is the polynomial order removed before first-level
	// time permutation
	DetrendOrder int
}

// DefaultOptions returns first-level voxel-wise t inference with whitening
func DefaultOptions() Options {
	return Options{
		Mode:             Voxel,
		Test:             glm.TTest,
		Level:            permutation.FirstLevelTimePermutation,
		ClusterThreshold: 2.3,
		TFCE:             cluster.DefaultTFCEParams(),
		MinValidFraction: 0.5,
		Whiten:           true,
		DetrendOrder:     3,
	}
}

// Validate checks option consistency
func (o Options) Validate() error {
	if o.MinValidFraction < 0 || o.MinValidFraction > 1 || math.IsNaN(o.MinValidFraction) {
		return fmt.Errorf("nulldist: minimum valid fraction must be in [0,1], got %g", o.MinValidFraction)
	}
	if o.Mode == TFCE {
		if err := o.TFCE.Validate(); err != nil {
			return err
		}
	}
	if o.Mode < Voxel || o.Mode > TFCE {
		return fmt.Errorf("nulldist: unknown mode %d", int(o.Mode))
	}
	if o.DetrendOrder < 0 || o.DetrendOrder > 3 {
		return fmt.Errorf("nulldist: detrending order must be 0..3, got %d", o.DetrendOrder)
	}
	return nil
}

// Input is the data of one build. Generator must be configured and unused.
type Input struct {
	Data      *models.VoxelSeries
	Design    *design.Matrix
	Index     *mask.Index
	Generator *permutation.Generator
}

// Observed is the full result of permutation 0, the unpermuted data
type Observed struct {
	Result *glm.Result
	Model  *whitening.Model

	// Exclude marks degenerate voxels, which never join clusters
	Exclude []bool

	// Labelings holds the cluster labelling of each map in cluster modes
	Labelings []*cluster.Labeling

	// TFCE holds the TFCE score of each map in TFCE mode
	TFCE [][]float64

	// Scalars holds the summary scalar of each map
	Scalars []float64
}

// Output is the result of a build
type Output struct {
	Options  Options
	Observed *Observed

	// Distributions holds one null distribution per statistical map
	Distributions []*Distribution

	Attempted int
	Valid     int

	// Skipped lists the permutation indices that failed numerically
	Skipped []int
}

// Builder builds null distributions
type Builder struct {
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Collector
	backend  compute.Backend
	workers  int
	progress ProgressCallback
}

// Option configures a Builder
type Option func(*Builder)

// WithLogger sets the logger; nil keeps logging off
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) { b.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(b *Builder) { b.metrics = m }
}

// WithBackend sets the compute backend used by every stage
func WithBackend(backend compute.Backend) Option {
	return func(b *Builder) { b.backend = backend }
}

// WithWorkers bounds the number of permutations computed concurrently
func WithWorkers(n int) Option {
	return func(b *Builder) { b.workers = n }
}

// WithProgress sets the progress callback. Calls never overlap and report
// increasing completion counts, whatever the worker count.
func WithProgress(cb ProgressCallback) Option {
	return func(b *Builder) { b.progress = cb }
}

// NewBuilder creates a builder
func NewBuilder(opts Options, options ...Option) *Builder {
	b := &Builder{
		opts:    opts,
		logger:  zap.NewNop(),
		backend: compute.NewCPU(0),
		workers: 1,
	}
	for _, o := range options {
		o(b)
	}
	if b.workers < 1 {
		b.workers = 1
	}
	return b
}

func (b *Builder) reportProgress(completed, total int, message string) {
	if b.progress != nil {
		b.progress(completed, total, message)
	}
}

// permResult is what one permutation contributes
type permResult struct {
	result    *glm.Result
	scalars   []float64
	labelings []*cluster.Labeling
	tfce      [][]float64
	exclude   []bool
	badMap    int
	err       error
}

// accumulator collects per-permutation scalars. Only record takes the lock;
// notify runs under it, so progress is reported one call at a time with
// increasing counts.
type accumulator struct {
	mu      sync.Mutex
	scalars [][]float64
	valid   []bool
	done    int
}

func (a *accumulator) record(p int, scalars []float64, ok bool, notify func(done int)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scalars[p] = scalars
	a.valid[p] = ok
	a.done++
	if notify != nil {
		notify(a.done)
	}
}

// Build runs every permutation and returns the null distributions. It fails
// only after attempting every permutation.
func (b *Builder) Build(ctx context.Context, in Input) (*Output, error) {
	if err := b.opts.Validate(); err != nil {
		return nil, err
	}
	if err := b.checkInput(in); err != nil {
		return nil, err
	}

	prep, err := b.prepare(ctx, in)
	if err != nil {
		return nil, err
	}

	total := in.Generator.Count()
	acc := &accumulator{
		scalars: make([][]float64, total),
		valid:   make([]bool, total),
	}

	identity, err := in.Generator.Next()
	if err != nil {
		return nil, fmt.Errorf("nulldist: first permutation: %w", err)
	}
	if !identity.IsIdentity() {
		return nil, fmt.Errorf("%w: permutation 0 is not the identity", permutation.ErrInvalidStructure)
	}

	b.logger.Info("Computing observed statistics",
		zap.String("mode", b.opts.Mode.String()),
		zap.String("test", b.opts.Test.String()),
		zap.String("level", b.opts.Level.String()),
		zap.Int("permutations", total))

	done := b.metrics.Stage("observed")
	obs := b.summarize(ctx, in, prep.observed, prep.model)
	done()
	if obs.err != nil {
		return nil, obs.err
	}
	observed := &Observed{
		Result:    obs.result,
		Model:     prep.model,
		Exclude:   obs.exclude,
		Labelings: obs.labelings,
		TFCE:      obs.tfce,
		Scalars:   obs.scalars,
	}
	b.metrics.Flagged("unwhitened", prep.model.Unwhitened())
	b.metrics.Flagged("degenerate", obs.result.Degenerate())
	observedOK := obs.badMap < 0
	b.finish(acc, 0, total, obs)

	done = b.metrics.Stage("permutations")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for p := 1; p < total; p++ {
		v, err := in.Generator.Next()
		if err != nil {
			g.Wait()
			return nil, fmt.Errorf("nulldist: permutation %d: %w", p, err)
		}
		p := p
		g.Go(func() error {
			res := b.permute(gctx, in, prep, v)
			if res.err != nil {
				return &PermutationError{Map: -1, Permutation: p, Attempted: total, Err: res.err}
			}
			b.finish(acc, p, total, res)
			return nil
		})
	}
	err = g.Wait()
	done()
	if err != nil {
		return nil, err
	}

	out := &Output{
		Options:   b.opts,
		Observed:  observed,
		Attempted: total,
	}
	for p, ok := range acc.valid {
		if ok {
			out.Valid++
		} else {
			out.Skipped = append(out.Skipped, p)
		}
	}

	needed := int(math.Ceil(b.opts.MinValidFraction * float64(total)))
	if !observedOK || out.Valid < needed || out.Valid == 0 {
		perr := &PermutationError{Map: obs.badMap, Permutation: 0, Valid: out.Valid, Attempted: total, Err: ErrInsufficientValidPermutations}
		if observedOK && len(out.Skipped) > 0 {
			perr.Map = 0
			perr.Permutation = out.Skipped[len(out.Skipped)-1]
		}
		return nil, perr
	}

	maps := len(observed.Scalars)
	for m := 0; m < maps; m++ {
		indices := make([]int, 0, out.Valid)
		values := make([]float64, 0, out.Valid)
		for p, ok := range acc.valid {
			if ok {
				indices = append(indices, p)
				values = append(values, acc.scalars[p][m])
			}
		}
		out.Distributions = append(out.Distributions, NewDistribution(m, b.opts.Mode, indices, values))
	}

	b.logger.Info("Null distribution complete",
		zap.Int("valid", out.Valid),
		zap.Int("skipped", len(out.Skipped)),
		zap.Int("maps", maps))
	return out, nil
}

func (b *Builder) finish(acc *accumulator, p, total int, res permResult) {
	ok := res.badMap < 0
	acc.record(p, res.scalars, ok, func(completed int) {
		b.reportProgress(completed, total, fmt.Sprintf("Permutation %d/%d", completed, total))
	})
	if ok {
		b.metrics.Permutation(metrics.StatusValid)
	} else {
		b.metrics.Permutation(metrics.StatusSkipped)
		b.logger.Warn("Skipping permutation",
			zap.Int("permutation", p),
			zap.Int("map", res.badMap),
			zap.Int("degenerate_voxels", res.result.Degenerate()))
	}
}

func (b *Builder) checkInput(in Input) error {
	if in.Data == nil || in.Design == nil || in.Generator == nil {
		return errors.New("nulldist: data, design and generator are required")
	}
	if err := in.Data.Validate(); err != nil {
		return err
	}
	if in.Data.Frames != in.Design.Frames() {
		return fmt.Errorf("nulldist: data has %d frames, design has %d", in.Data.Frames, in.Design.Frames())
	}
	if in.Generator.State() != permutation.Configured {
		return fmt.Errorf("%w: generator is %s", permutation.ErrInvalidState, in.Generator.State())
	}
	if in.Generator.Mode() != b.opts.Level {
		return fmt.Errorf("nulldist: generator mode %s does not match analysis level %s", in.Generator.Mode(), b.opts.Level)
	}
	if in.Generator.Count() < 1 {
		return fmt.Errorf("%w: no permutations", permutation.ErrInvalidStructure)
	}
	if b.opts.Mode != Voxel {
		if in.Index == nil {
			return fmt.Errorf("nulldist: %s inference needs the brain index", b.opts.Mode)
		}
		if in.Index.NumVoxels() != in.Data.Voxels {
			return fmt.Errorf("nulldist: index has %d voxels, data has %d", in.Index.NumVoxels(), in.Data.Voxels)
		}
	}
	return nil
}

// summarize evaluates already relabelled and whitened data and extracts the
// scalar of every map
func (b *Builder) summarize(ctx context.Context, in Input, data *models.VoxelSeries, model *whitening.Model) permResult {
	res, err := glm.Evaluate(ctx, b.backend, data, model, b.opts.Test, model.Flags)
	if err != nil {
		return permResult{err: err}
	}
	out := permResult{result: res, badMap: -1, scalars: make([]float64, res.NumMaps())}
	if res.AllDegenerate() {
		out.badMap = 0
		return out
	}

	out.exclude = make([]bool, len(res.Flags))
	for i, f := range res.Flags {
		out.exclude[i] = f.Degenerate()
	}

	var engine *cluster.Engine
	if b.opts.Mode != Voxel {
		engine = cluster.New(in.Index, b.backend)
	}

	for m, stats := range res.Maps {
		var s float64
		switch b.opts.Mode {
		case Voxel:
			for _, v := range stats {
				if a := math.Abs(v); a > s {
					s = a
				}
			}
		case ClusterExtent, ClusterMass:
			lab, err := engine.Label(ctx, stats, b.opts.ClusterThreshold, out.exclude)
			if err != nil {
				out.err = err
				return out
			}
			b.metrics.Passes(lab.Passes)
			out.labelings = append(out.labelings, lab)
			if b.opts.Mode == ClusterExtent {
				s = float64(lab.MaxExtent())
			} else {
				s = lab.MaxMass()
			}
		case TFCE:
			tf, err := engine.TFCE(ctx, stats, b.opts.TFCE, out.exclude)
			if err != nil {
				out.err = err
				return out
			}
			out.tfce = append(out.tfce, tf)
			s = cluster.Max(tf)
		}
		if math.IsNaN(s) || math.IsInf(s, 0) {
			out.badMap = m
		}
		out.scalars[m] = s
	}
	return out
}

// permute builds the relabelled data of one permutation and summarises it.
// Per-permutation maps are dropped once the scalars are extracted.
func (b *Builder) permute(ctx context.Context, in Input, prep *prepared, v permutation.Vector) permResult {
	start := time.Now()
	var res permResult
	if b.opts.Level.SecondLevel() {
		data, err := applyVector(ctx, b.backend, prep.observed, v)
		if err != nil {
			return permResult{err: err}
		}
		res = b.summarize(ctx, in, data, prep.model)
	} else {
		data, model, err := b.surrogate(ctx, in, prep, v)
		if err != nil {
			return permResult{err: err}
		}
		res = b.summarize(ctx, in, data, model)
	}
	res.labelings, res.tfce = nil, nil
	b.logger.Debug("Permutation evaluated", zap.Duration("elapsed", time.Since(start)))
	return res
}

// applyVector relabels the observations of every voxel
func applyVector(ctx context.Context, backend compute.Backend, src *models.VoxelSeries, v permutation.Vector) (*models.VoxelSeries, error) {
	if v.Len() != src.Frames {
		return nil, fmt.Errorf("%w: vector length %d for %d observations", permutation.ErrInvalidStructure, v.Len(), src.Frames)
	}
	out := models.NewVoxelSeries(src.Voxels, src.Frames)
	err := backend.Run(ctx, "permute", src.Voxels, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			v.Apply(out.Row(i), src.Row(i))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

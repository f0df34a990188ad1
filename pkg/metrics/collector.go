// Package metrics exposes run counters for the inference engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fmristat"

// Permutation outcomes
const (
	StatusValid   = "valid"
	StatusSkipped = "skipped"
)

// Collector groups the engine's metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	Permutations  *prometheus.CounterVec
	FlaggedVoxels *prometheus.CounterVec
	StageSeconds  *prometheus.HistogramVec
	LabelPasses   prometheus.Histogram
	Runs          prometheus.Counter
}

// NewCollector creates unregistered metrics
func NewCollector() *Collector {
	return &Collector{
		Permutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permutations_total",
			Help:      "Permutations evaluated, by outcome.",
		}, []string{"status"}),
		FlaggedVoxels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flagged_voxels_total",
			Help:      "Brain voxels flagged during model fitting, by flag.",
		}, []string{"flag"}),
		StageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of engine stages.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"stage"}),
		LabelPasses: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cluster_label_passes",
			Help:      "Propagation passes needed to label one map.",
			Buckets:   prometheus.LinearBuckets(1, 4, 12),
		}),
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed inference runs.",
		}),
	}
}

// MustRegister registers every metric with reg
func (c *Collector) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(c.Permutations, c.FlaggedVoxels, c.StageSeconds, c.LabelPasses, c.Runs)
}

// Permutation counts one permutation outcome
func (c *Collector) Permutation(status string) {
	if c == nil {
		return
	}
	c.Permutations.WithLabelValues(status).Inc()
}

// Flagged adds n voxels carrying flag
func (c *Collector) Flagged(flag string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.FlaggedVoxels.WithLabelValues(flag).Add(float64(n))
}

// Stage returns a function that records the stage duration when called
func (c *Collector) Stage(stage string) func() {
	if c == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		c.StageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// Passes records the pass count of one labelling
func (c *Collector) Passes(n int) {
	if c == nil {
		return
	}
	c.LabelPasses.Observe(float64(n))
}

// RunCompleted counts a finished run
func (c *Collector) RunCompleted() {
	if c == nil {
		return
	}
	c.Runs.Inc()
}

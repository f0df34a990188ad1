package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	c.MustRegister(reg)

	c.Permutation(StatusValid)
	c.Permutation(StatusValid)
	c.Permutation(StatusSkipped)
	c.Flagged("unwhitened", 3)
	c.Flagged("unwhitened", 0)
	c.Passes(5)
	c.Stage("glm")()
	c.RunCompleted()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Permutations.WithLabelValues(StatusValid)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Permutations.WithLabelValues(StatusSkipped)))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.FlaggedVoxels.WithLabelValues("unwhitened")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Runs))
	assert.Equal(t, 1, testutil.CollectAndCount(c.LabelPasses))
	assert.Equal(t, 1, testutil.CollectAndCount(c.StageSeconds))
}

func TestNilCollectorIsNoOp(t *testing.T) {
	var c *Collector
	c.Permutation(StatusValid)
	c.Flagged("x", 1)
	c.Passes(2)
	c.Stage("x")()
	c.RunCompleted()
}

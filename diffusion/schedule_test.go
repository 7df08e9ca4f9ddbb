package diffusion

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestScheduleWeight(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	schedule := Schedule{T1: 10.0}
	got := CallOnce(backend, func(g *Graph) *Node {
		times := Const(g, []float64{0, 0.5, 3, 10, 100})
		return schedule.Weight(times)
	})
	weights := got.Value().([]float64)
	assert.Zero(t, weights[0], "no noise has been mixed in at t=0, so its loss weight must vanish")
	assert.InDelta(t, 1-math.Exp(-0.5), weights[1], 1e-12)
	assert.InDelta(t, 1-math.Exp(-3), weights[2], 1e-12)
	assert.InDelta(t, 1-math.Exp(-10), weights[3], 1e-12)
	assert.InDelta(t, 1.0, weights[4], 1e-12, "weight must saturate at 1 for large t")
	for ii := 1; ii < len(weights); ii++ {
		assert.Greater(t, weights[ii], weights[ii-1], "weight must grow monotonically")
	}
}

func TestScheduleVarianceIsFloored(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	schedule := Schedule{T1: 10.0}
	got := CallOnce(backend, func(g *Graph) *Node {
		times := Const(g, []float64{0, 1e-8, 1, 10})
		return schedule.Variance(times)
	})
	variances := got.Value().([]float64)
	assert.Equal(t, VarianceFloor, variances[0], "variance at t=0 must be clamped, not zero")
	assert.Equal(t, VarianceFloor, variances[1])
	assert.InDelta(t, 1-math.Exp(-1), variances[2], 1e-12)
	for _, v := range variances {
		assert.Greater(t, v, 0.0)
	}
}

func TestScheduleBetaByAutodiff(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	schedule := Schedule{T1: 10.0}
	got := CallOnce(backend, func(times *Node) *Node {
		return schedule.Beta(times)
	}, tensors.FromValue([]float64{0.5, 3, 8}))
	// For the linear schedule IntBeta(t)=t, so β(t)=1 everywhere.
	betas := got.Value().([]float64)
	for _, beta := range betas {
		assert.InDelta(t, 1.0, beta, 1e-12)
	}
}

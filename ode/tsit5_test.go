package ode

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestTsit5ExponentialDecay(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// dy/dt = -y, y(0)=1, so y(t) = exp(-t).
	decay := func(t, y *Node) *Node { return Neg(y) }
	got := CallOnce(backend, func(g *Graph) *Node {
		y0 := Const(g, []float64{1.0})
		return Integrate(decay, y0, 0, 2.0, 0.1, 20)
	})
	values := got.Value().([]float64)
	require.Len(t, values, 1)
	// With an order-5 method and dt=0.1 the error is far below this tolerance.
	assert.InDelta(t, math.Exp(-2), values[0], 1e-8)
}

func TestTsit5TimeDependentDrift(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// dy/dt = t, y(0)=0, so y(t) = t²/2. A polynomial of degree 2 is solved
	// exactly, but only if the stage times t+c_i*dt are fed correctly.
	got := CallOnce(backend, func(g *Graph) *Node {
		y0 := Const(g, []float64{0.0})
		drift := func(t, y *Node) *Node {
			return Mul(OnesLike(y), t)
		}
		// 0.25 does not divide 3.0 evenly: also checks that the last step is
		// shortened to land exactly on t1.
		return Integrate(drift, y0, 0, 3.0, 0.25, 12)
	})
	values := got.Value().([]float64)
	assert.InDelta(t, 4.5, values[0], 1e-10)
}

func TestTsit5BackwardIntegration(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// Integrating dy/dt = -y backwards from t=1 with y(1)=exp(-1) must
	// recover y(0)=1.
	decay := func(t, y *Node) *Node { return Neg(y) }
	got := CallOnce(backend, func(g *Graph) *Node {
		y0 := Const(g, []float64{math.Exp(-1)})
		return Integrate(decay, y0, 1.0, 0, 0.1, 10)
	})
	values := got.Value().([]float64)
	assert.InDelta(t, 1.0, values[0], 1e-8)
}

func TestTsit5StepPreservesShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	decay := func(t, y *Node) *Node { return Neg(y) }
	got := CallOnce(backend, func(g *Graph) *Node {
		y0 := IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 4, 1))
		return Tsit5Step(decay, y0, Scalar(g, dtypes.Float32, 10.0), Scalar(g, dtypes.Float32, -0.1))
	})
	require.NoError(t, got.Shape().CheckDims(2, 4, 4, 1))
}

package diffusion

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// VarianceFloor is the minimum marginal variance of the noising process.
// Near t=0 the variance vanishes and the score target noise/sqrt(variance)
// would blow up, so it is clamped -- never surfaced as an error.
const VarianceFloor = 1e-5

// Schedule is the linear variance-preserving noising schedule: signal is scaled
// down by exp(-0.5*IntBeta(t)) while independent noise of variance
// 1-exp(-IntBeta(t)) is mixed in, so total variance stays bounded as t grows.
//
// All methods are graph-building functions of the time node t, with no state:
// the same schedule feeds both the training objective and the reverse sampler.
type Schedule struct {
	// T1 is the terminal time of the noising horizon: data at t=0, (near) pure
	// noise at t=T1.
	T1 float64
}

// IntBeta is the cumulative noise-rate integral ∫₀ᵗ β(s)ds.
// For the linear schedule it is the identity, so IntBeta(0)=0 and it is
// monotonically non-decreasing.
func (Schedule) IntBeta(t *Node) *Node {
	return t
}

// Weight is the loss weighting 1-exp(-IntBeta(t)). It compensates for the
// score magnitude growing as the marginal variance shrinks: Weight(0)=0 and
// Weight(t)→1 as t→∞.
func (s Schedule) Weight(t *Node) *Node {
	return OneMinus(Exp(Neg(s.IntBeta(t))))
}

// Variance is the marginal variance of the noised sample at time t, clamped
// to VarianceFloor.
func (s Schedule) Variance(t *Node) *Node {
	return MaxScalar(OneMinus(Exp(Neg(s.IntBeta(t)))), VarianceFloor)
}

// Beta is the instantaneous noise rate β(t) = d IntBeta/dt, used as the drift
// coefficient of the reverse-time probability-flow ODE.
//
// It is derived from IntBeta by automatic differentiation rather than
// hand-coded, so the two cannot drift apart if the schedule changes.
// t may be any node in the graph, of any shape; the result has t's shape.
func (s Schedule) Beta(t *Node) *Node {
	return Gradient(ReduceAllSum(s.IntBeta(t)), t)[0]
}

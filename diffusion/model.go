package diffusion

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// StratifiedTimes spreads batchSize diffusion times evenly over [0, t1):
// offset + i*t1/batchSize for i=0..batchSize-1, where offset is a scalar (or
// shape [1]) node in [0, t1/batchSize).
//
// One shared uniform offset plus a fixed stride covers the horizon evenly on
// every batch, a lower-variance estimate of the expected loss than drawing
// batchSize independent uniform times. Returned shaped [batchSize, 1, 1, 1].
func StratifiedTimes(offset *Node, batchSize int, t1 float64) *Node {
	g := offset.Graph()
	stride := t1 / float64(batchSize)
	times := MulScalar(IotaFull(g, shapes.Make(offset.DType(), batchSize)), stride)
	times = Add(times, Reshape(offset))
	return Reshape(times, batchSize, 1, 1, 1)
}

// denoisingScoreMatchingLoss is the per-batch training loss: each example is
// noised to its stratified time t as y = x*exp(-0.5*int_beta(t)) +
// sqrt(variance(t))*noise, the network predicts the score of y, and the
// regression target is -noise/sqrt(variance(t)), weighted by Weight(t) to
// counteract the variance-dependent scale of the target. Returns the mean
// over the batch, a scalar.
func denoisingScoreMatchingLoss(ctx *context.Context, schedule Schedule, images *Node) *Node {
	g := images.Graph()
	batchSize := images.Shape().Dimensions[0]
	dtype := images.DType()

	// Stratified time per example, one uniform offset per batch.
	offset := ctx.RandomUniform(g, shapes.Make(dtype, 1))
	offset = MulScalar(offset, schedule.T1/float64(batchSize))
	times := StratifiedTimes(offset, batchSize, schedule.T1)

	// Independent Gaussian noise per example: the context RNG state advances
	// with each draw, so no randomness is ever reused across steps.
	noise := ctx.RandomNormal(g, images.Shape())

	intBeta := schedule.IntBeta(times)
	mean := Mul(images, Exp(MulScalar(intBeta, -0.5)))
	std := Sqrt(schedule.Variance(times))
	noised := StopGradient(Add(mean, Mul(std, noise)))

	pred := MixerGraph(ctx, schedule, times, noised)

	residuals := Square(Add(pred, Div(noise, std)))
	perExample := ReduceMean(residuals, 1, 2, 3)
	weights := Reshape(schedule.Weight(times), batchSize)
	return ReduceAllMean(Mul(weights, perExample))
}

// BuildTrainingModelGraph returns the train.ModelFn for the score model: the
// loss is computed inside the model graph and returned as predictions[1],
// with the raw score prediction as predictions[0].
func (c *Config) BuildTrainingModelGraph() train.ModelFn {
	schedule := c.Schedule()
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		images := inputs[0]
		loss := denoisingScoreMatchingLoss(ctx, schedule, images)
		return []*Node{images, loss}
	}
}

// TrainingLoss is the custom loss fed to the trainer: the model graph already
// computed it as predictions[1].
func TrainingLoss(labels, predictions []*Node) *Node {
	return predictions[1]
}

package diffusion

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"

	"github.com/mlexp/mnist-diffusion/ode"
)

// sampleNoise draws numSamples standard Gaussian images from the context RNG.
func sampleNoise(c *Config, numSamples int) *tensors.Tensor {
	return context.MustExecOnce(c.Backend, c.Context, func(ctx *context.Context, g *Graph) *Node {
		return ctx.RandomNormal(g,
			shapes.Make(c.DType, numSamples, c.ImageSize, c.ImageSize, c.NumChannels))
	})
}

// Sampler generates images by integrating the reverse-time probability-flow
// ODE dy/dt = -0.5*β(t)*(y + score(t, y)) from t=t1 down to t=0, starting
// from Gaussian noise. It holds a compiled executor for a single solver step,
// reused across the whole integration.
//
// Sampling is deterministic: given the same initial noise and the same model
// variables, it always produces the same images.
type Sampler struct {
	config   *Config
	schedule Schedule

	// stepSize is the fixed ODE step magnitude ("sample_step_size").
	stepSize float64

	stepExec *context.Exec
}

// NewSampler creates a Sampler using the model variables in c.Context. The
// variables must already exist, either trained or loaded from a checkpoint.
func (c *Config) NewSampler() *Sampler {
	s := &Sampler{
		config:   c,
		schedule: c.Schedule(),
		stepSize: context.GetParamOr(c.Context, "sample_step_size", 0.1),
	}
	if s.stepSize <= 0 {
		exceptions.Panicf("sampler: sample_step_size must be > 0, got %g", s.stepSize)
	}
	ctx := c.Context.Reuse()
	s.stepExec = context.MustNewExec(c.Backend, ctx,
		func(ctx *context.Context, images, t, dt *Node) *Node {
			ctx.SetTraining(images.Graph(), false)
			// t and dt are fed as float64 scalars.
			t = ConvertDType(t, images.DType())
			dt = ConvertDType(dt, images.DType())
			return ode.Tsit5Step(s.drift(ctx), images, t, dt)
		})
	return s
}

// drift builds the probability-flow drift -0.5*β(t)*(y + score(t, y)) at the
// scalar time t, with the score given by the mixer network in ctx.
func (s *Sampler) drift(ctx *context.Context) ode.DriftFn {
	return func(t, y *Node) *Node {
		batchSize := y.Shape().Dimensions[0]
		times := BroadcastToDims(Reshape(t, 1, 1, 1, 1), batchSize, 1, 1, 1)
		score := MixerGraph(ctx, s.schedule, times, y)
		beta := s.schedule.Beta(times)
		return MulScalar(Mul(beta, Add(y, score)), -0.5)
	}
}

// Sample integrates noise, shaped [numSamples, height, width, channels], from
// t=t1 down to t=0 and returns the generated images with the same shape, in
// the model's normalized pixel space. The last step is shortened to land
// exactly on t=0. The input tensor is preserved.
func (s *Sampler) Sample(noise *tensors.Tensor) *tensors.Tensor {
	if noise.Rank() != 4 {
		exceptions.Panicf("sampler: noise must be rank-4 [batch, height, width, channels], got shape %s",
			noise.Shape())
	}
	// The step executor overwrites (donates) its input buffer, so work on a copy.
	images := must.M1(noise.LocalClone())

	backend := s.config.Backend
	t1 := s.schedule.T1
	numSteps := int(math.Ceil(t1 / s.stepSize))
	t := t1
	for step := 0; step < numSteps; step++ {
		dt := -s.stepSize
		if step == numSteps-1 {
			dt = -t // Land exactly on t=0.
		}
		buf := must.M1(DonateTensorBuffer(images, backend, 0))
		images = must.M1(s.stepExec.Exec1(buf, t, dt))
		t += dt
	}
	return images
}

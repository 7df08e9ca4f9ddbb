// Package diffusion trains and samples a score-based diffusion model over
// small grayscale images (MNIST scale).
//
// The forward noising process follows a linear variance-preserving schedule
// (Schedule); the score is parameterized by a patch-mixing network conditioned
// on a continuous time value (MixerGraph); training uses denoising score
// matching with stratified time sampling (BuildTrainingModelGraph); and
// generation integrates the reverse-time probability-flow ODE with a
// Tsitouras order-5 Runge-Kutta solver (Sampler).
//
// Hyperparameters live in a context.Context, set up by CreateDefaultContext
// and overridable from the command line with a -set flag.
package diffusion

import (
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
)

var (
	// ParamsExcludedFromLoading are hyperparameters that shouldn't be
	// restored from a model checkpoint -- they describe the run, not the model.
	ParamsExcludedFromLoading = []string{
		"train_steps", "plots", "seed",
	}
)

// CreateDefaultContext creates a context with the default hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Reproducibility: every stochastic operation (initialization, noise,
		// time offsets, shuffling) derives from this one seed.
		"seed": int64(1736),

		// Training.
		"train_steps":          1_000_000,
		"batch_size":           256,
		"print_every":          1000, // Steps between loss log lines.
		"num_checkpoints":      5,
		"checkpoint_frequency": "3m", // See time.ParseDuration.

		// Image geometry. MNIST is 28x28 grayscale; both sides must be
		// divisible by patch_size.
		"image_size":   28,
		"num_channels": 1,

		// Score network (patch mixer).
		"patch_size":      4,
		"hidden_size":     64,
		"mix_patch_size":  512,
		"mix_hidden_size": 512,
		"num_blocks":      4,

		// Noising horizon: data at t=0, near-pure noise at t=t1.
		"t1": 10.0,

		// Sampling: fixed ODE step magnitude, and the side length of the
		// generated montage grid (sample_size^2 images).
		"sample_step_size": 0.1,
		"sample_size":      10,

		"dtype": "float32",

		// The mixer FFNs use a single hidden layer with this activation.
		activations.ParamActivation: "relu",

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 2e-4,
		optimizers.ParamAdamEpsilon:  1e-7,

		// "plots" saves training plot points along the checkpoint (and draws
		// them when running in a GoNB notebook).
		plotly.ParamPlots: true,
	})
	return ctx
}

// Config packages the backend, context and run directories used by training
// and sampling.
type Config struct {
	Backend backends.Backend
	Context *context.Context

	// DataDir caches the downloaded dataset and holds model checkpoints.
	DataDir string

	// ParamsSet are hyperparameters overridden on the command line, which
	// should not be overwritten by values loaded from a checkpoint.
	ParamsSet []string

	DType                  dtypes.DType
	ImageSize, NumChannels int
	BatchSize              int

	// Checkpoint, if one has been attached. See Config.AttachCheckpoint.
	Checkpoint *checkpoints.Handler
}

// NewConfig creates a Config from the context hyperparameters and seeds the
// context random number generator state, so a run is reproducible from the
// "seed" hyperparameter alone.
func NewConfig(backend backends.Backend, ctx *context.Context, dataDir string, paramsSet []string) *Config {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	ctx.RngStateFromSeed(context.GetParamOr(ctx, "seed", int64(1736)))
	return &Config{
		Backend:     backend,
		Context:     ctx,
		DataDir:     dataDir,
		ParamsSet:   paramsSet,
		DType:       must.M1(dtypes.DTypeString(context.GetParamOr(ctx, "dtype", "float32"))),
		ImageSize:   context.GetParamOr(ctx, "image_size", 28),
		NumChannels: context.GetParamOr(ctx, "num_channels", 1),
		BatchSize:   context.GetParamOr(ctx, "batch_size", 256),
	}
}

// Schedule returns the noise schedule configured by the "t1" hyperparameter.
func (c *Config) Schedule() Schedule {
	return Schedule{T1: context.GetParamOr(c.Context, "t1", 10.0)}
}

// AttachCheckpoint attaches a checkpoint handler saving to (and, if one
// exists, loading from) checkpointPath. Loading a checkpoint whose variable
// shapes don't match the current hyperparameters fails immediately.
//
// With an empty path no checkpointing is done and it returns nil.
func (c *Config) AttachCheckpoint(checkpointPath string) *checkpoints.Handler {
	if checkpointPath == "" {
		return nil
	}
	numCheckpoints := context.GetParamOr(c.Context, "num_checkpoints", 5)
	c.Checkpoint = must.M1(checkpoints.Build(c.Context).
		DirFromBase(checkpointPath, c.DataDir).
		Keep(numCheckpoints).
		ExcludeParams(append([]string(nil), ParamsExcludedFromLoading...)...).
		Done())
	return c.Checkpoint
}

// GenerateNoise draws numSamples independent standard Gaussian images from
// the context RNG -- the state advances with the draw, so successive calls
// never reuse randomness.
func (c *Config) GenerateNoise(numSamples int) *tensors.Tensor {
	return sampleNoise(c, numSamples)
}

package diffusion

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	stdplots "github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/mlexp/mnist-diffusion/mnist"
)

// TrainModel trains the score model for the "train_steps" hyperparameter
// number of steps, downloading the dataset into c.DataDir if needed. If a
// checkpoint was attached and already holds a global step, training resumes
// from it and only the remaining steps are run.
//
// It returns the dataset statistics, needed to map generated samples back to
// pixel space.
func (c *Config) TrainModel(verbosity int) mnist.Stats {
	ctx := c.Context
	backend := c.Backend
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if verbosity >= 1 {
		// Enumerate hyperparameters overridden on the command line.
		for _, paramPath := range c.ParamsSet {
			scope, name := context.SplitScope(paramPath)
			if scope == "" {
				if value, found := ctx.GetParam(name); found {
					fmt.Printf("\t%s=%v\n", name, value)
				}
			} else {
				if value, found := ctx.InAbsPath(scope).GetParam(name); found {
					fmt.Printf("\tscope=%q %s=%v\n", scope, name, value)
				}
			}
		}
	}

	// Dataset: shuffling is seeded so epochs are reproducible.
	must.M(mnist.Download(c.DataDir))
	seed := context.GetParamOr(ctx, "seed", int64(1736))
	rng := rand.New(rand.NewSource(seed))
	baseDS, stats, err := mnist.NewDataset(backend, c.DataDir, c.DType, rng)
	must.M(err)
	trainEvalDS := baseDS.Copy()
	trainEvalDS.BatchSize(c.BatchSize, false)
	trainDS := baseDS.Shuffle().Infinite(true).BatchSize(c.BatchSize, true)

	trainer := train.NewTrainer(backend, ctx,
		c.BuildTrainingModelGraph(), TrainingLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{}, // trainMetrics
		[]metrics.Interface{}) // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Periodic loss report, in addition to the progress bar: the mean batch
	// loss over the last "print_every" steps, reset after each report.
	printEvery := context.GetParamOr(ctx, "print_every", 1000)
	if verbosity >= 1 && printEvery > 0 {
		var lossSum float64
		var lossCount int
		train.EveryNSteps(loop, 1, "report loss", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				lossSum += shapes.ConvertTo[float64](metrics[0].Value())
				lossCount++
				if lossCount >= printEvery {
					fmt.Printf("\t[step %d] mean loss=%.6f\n", loop.LoopStep, lossSum/float64(lossCount))
					lossSum, lossCount = 0, 0
				}
				return nil
			})
	}

	// Checkpoint saving at regular wall-time intervals.
	checkpoint := c.Checkpoint
	if checkpoint != nil {
		period := must.M1(time.ParseDuration(
			context.GetParamOr(ctx, "checkpoint_frequency", "3m")))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Plotly training plots, saved along the checkpoint directory.
	if context.GetParamOr(ctx, plotly.ParamPlots, false) && checkpoint != nil {
		plotter := plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS)
		train.ExponentialCallback(loop, 200, 1.2, true, "plot metrics", 0,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return stdplots.AddTrainAndEvalMetrics(
					plotter, loop, metrics, plotter.EvalDatasets, nil)
			})
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		// Resuming from a checkpoint: all model variables already exist.
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep >= numTrainSteps {
		fmt.Printf("\t - target train_steps=%d already reached at global step %d, nothing to do.\n",
			numTrainSteps, globalStep)
		return stats
	}

	if verbosity >= 1 {
		fmt.Println("Starting training:")
	}
	_, err = loop.RunSteps(trainDS, numTrainSteps-globalStep)
	if err != nil {
		if checkpoint != nil && loop.LoopStep > loop.StartStep {
			klog.Infof("Saving checkpoint before aborting at loop step %d", loop.LoopStep)
			if errSave := checkpoint.Save(); errSave != nil {
				klog.Errorf("Error saving checkpoint: %+v", errSave)
			}
		}
		klog.Fatalf("Error during training: %+v", err)
	}
	if verbosity >= 1 {
		fmt.Printf("\t[step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	}
	if checkpoint != nil {
		must.M(checkpoint.Save())
	}

	if verbosity >= 1 {
		fmt.Println()
		must.M(commandline.ReportEval(trainer, trainEvalDS))
	}
	return stats
}

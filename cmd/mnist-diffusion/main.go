// mnist-diffusion trains a score-based diffusion model on MNIST and samples
// new digit images from it.
//
//  1. With `mnist-diffusion --download`: only downloads the dataset.
//  2. With `mnist-diffusion --train`: trains the model, checkpointing to
//     --checkpoint under --data.
//  3. With `mnist-diffusion --samples_out=digits.png`: generates a montage of
//     new digits from the latest checkpoint.
//
// Hyperparameters can be overridden with --set, e.g.
// `--set="train_steps=10000;batch_size=128"`.
package main

import (
	"flag"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/mlexp/mnist-diffusion/diffusion"
	"github.com/mlexp/mnist-diffusion/mnist"
)

var (
	flagDataDir    = flag.String("data", "~/.cache/mnist-diffusion", "Directory to cache the downloaded dataset and checkpoints.")
	flagCheckpoint = flag.String("checkpoint", "diffusion", "Checkpoint directory name, created under --data. Set to empty to disable checkpointing.")
	flagDownload   = flag.Bool("download", false, "Only download the dataset.")
	flagTrain      = flag.Bool("train", true, "Train the model.")
	flagSamplesOut = flag.String("samples_out", "", "If set, generate a montage of sampled digits and save it to this image file after training (or directly from the checkpoint, with --train=false).")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	ctx      = diffusion.CreateDefaultContext()
	flagSets = commandline.CreateContextSettingsFlag(ctx, "set")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	err := exceptions.TryCatch[error](run)
	if err != nil {
		klog.Fatalf("Error:\n%+v", err)
	}
}

func run() {
	if *flagDownload {
		must.M(mnist.Download(*flagDataDir))
		klog.Infof("Dataset downloaded to %s", *flagDataDir)
		return
	}

	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *flagSets))
	backend := backends.MustNew()
	config := diffusion.NewConfig(backend, ctx, *flagDataDir, paramsSet)
	config.AttachCheckpoint(*flagCheckpoint)

	var stats mnist.Stats
	if *flagTrain {
		stats = config.TrainModel(*flagVerbosity)
	}

	if *flagSamplesOut != "" {
		if !*flagTrain {
			// Sampling straight from a checkpoint: the dataset statistics are
			// still needed to map samples back to pixel values.
			must.M(mnist.Download(config.DataDir))
			images := must.M1(mnist.Images(config.DataDir))
			stats = must.M1(mnist.LoadOrComputeStats(backend, images, config.DataDir))
		}
		gridSize := context.GetParamOr(ctx, "sample_size", 10)
		noise := config.GenerateNoise(gridSize * gridSize)
		sampler := config.NewSampler()
		generated := sampler.Sample(noise)
		must.M(config.SaveMontage(generated, stats, gridSize, *flagSamplesOut))
		klog.Infof("Saved %dx%d montage of generated digits to %s", gridSize, gridSize, *flagSamplesOut)
	}
}

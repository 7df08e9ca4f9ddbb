package diffusion

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"

	"github.com/mlexp/mnist-diffusion/mnist"
)

// DenormalizeImages maps a batch of generated images from the model's
// normalized space back to raw pixel values, using the dataset statistics.
func (c *Config) DenormalizeImages(generated *tensors.Tensor, stats mnist.Stats) *tensors.Tensor {
	return CallOnce(c.Backend, func(images *Node) *Node {
		return stats.DenormalizeGraph(images)
	}, generated)
}

// MontageImages lays out a batch of images, shaped [n, height, width, 1] with
// pixel values in [0, maxValue], as a grid of gridSize columns, left to right
// and top to bottom. It panics if n is not a multiple of gridSize.
func MontageImages(batch *tensors.Tensor, maxValue float64, gridSize int) image.Image {
	numImages := batch.Shape().Dimensions[0]
	if gridSize <= 0 || numImages%gridSize != 0 {
		exceptions.Panicf("montage: %d images cannot be laid out on a grid of %d columns",
			numImages, gridSize)
	}
	height := batch.Shape().Dimensions[1]
	width := batch.Shape().Dimensions[2]
	images := timage.ToImage().MaxValue(maxValue).Batch(batch)

	rows := numImages / gridSize
	montage := imaging.New(gridSize*width, rows*height, color.Black)
	for ii, img := range images {
		x := (ii % gridSize) * width
		y := (ii / gridSize) * height
		montage = imaging.Paste(montage, img, image.Pt(x, y))
	}
	return montage
}

// SaveMontage denormalizes a batch of generated images, assembles them into a
// square-ish grid of gridSize columns and writes the result to outputPath.
// The encoding is chosen from the file extension (.png, .jpg, ...).
func (c *Config) SaveMontage(generated *tensors.Tensor, stats mnist.Stats, gridSize int, outputPath string) error {
	pixels := c.DenormalizeImages(generated, stats)
	montage := MontageImages(pixels, stats.Max, gridSize)
	return errors.Wrapf(imaging.Save(montage, outputPath), "failed to save montage to %q", outputPath)
}

// Package mnist downloads and parses the MNIST database of handwritten
// digits, and serves its images as an in-memory dataset for training.
//
// Only the images are used: the generative model is unconditional, so the
// digit labels are never loaded.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/gomlx/backends"
)

const (
	downloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	trainImagesFilename = "train-images-idx3-ubyte.gz"

	// Width and Height of every MNIST image, in pixels.
	Width  = 28
	Height = 28

	// NumExamples in the training split.
	NumExamples = 60000

	imageMagic = 0x00000803

	statsFilename = "mnist-stats.bin"
)

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

// Download fetches the MNIST training images into baseDir, if not yet there.
// The file is kept gzip-compressed, as distributed.
func Download(baseDir string) error {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(baseDir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create data directory %q", baseDir)
	}
	fileURL, err := url.JoinPath(downloadURL, trainImagesFilename)
	if err != nil {
		return errors.Wrapf(err, "invalid download URL for %q", trainImagesFilename)
	}
	return downloadIfMissing(fileURL, path.Join(baseDir, trainImagesFilename))
}

// downloadIfMissing downloads fileURL to filePath, unless filePath already
// exists. The download goes through a temporary file, so an interrupted
// download is never mistaken for the real thing.
func downloadIfMissing(fileURL, filePath string) error {
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	resp, err := http.Get(fileURL)
	if err != nil {
		return errors.Wrapf(err, "failed to download %q", fileURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed to download %q: %s", fileURL, resp.Status)
	}
	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", tmpPath)
	}
	if _, err = io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed while downloading %q", fileURL)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	return errors.Wrapf(os.Rename(tmpPath, filePath), "failed to rename %q to %q", tmpPath, filePath)
}

// Images loads the MNIST training images from baseDir (see Download) as one
// float32 tensor shaped [numImages, Height, Width, 1], with raw pixel values
// in [0, 255].
func Images(baseDir string) (*tensors.Tensor, error) {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path.Join(baseDir, trainImagesFilename))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open MNIST images file, has it been downloaded?")
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "MNIST images file is not valid gzip")
	}
	defer func() { _ = reader.Close() }()
	return parseIdxImages(reader)
}

// parseIdxImages parses the IDX encoding used by the MNIST distribution: a
// big-endian header (magic, count, height, width) followed by one byte per
// pixel, row-major.
func parseIdxImages(reader io.Reader) (*tensors.Tensor, error) {
	var header imageFileHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read IDX header")
	}
	if header.Magic != imageMagic {
		return nil, errors.Errorf("invalid IDX images file: magic=0x%08x, expected 0x%08x",
			header.Magic, imageMagic)
	}
	if header.Height != Height || header.Width != Width {
		return nil, errors.Errorf("invalid MNIST images file: %dx%d images, expected %dx%d",
			header.Height, header.Width, Height, Width)
	}
	numImages := int(header.NumImages)
	raw := make([]byte, numImages*Height*Width)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d images", numImages)
	}
	flat := make([]float32, len(raw))
	for ii, pixel := range raw {
		flat[ii] = float32(pixel)
	}
	return tensors.FromFlatDataAndDimensions(flat, numImages, Height, Width, 1), nil
}

// Stats are the scalar statistics of the raw pixel values, used to normalize
// images for training and to map generated samples back to pixel space.
type Stats struct {
	Mean, StdDev float64

	// Min and Max of the raw pixel values: generated samples are clipped to
	// this range after denormalization.
	Min, Max float64
}

// ComputeStats computes Stats over all pixels of images on the backend.
func ComputeStats(backend backends.Backend, images *tensors.Tensor) Stats {
	results := CallOnceN(backend, func(images *Node) []*Node {
		images = ConvertDType(images, dtypes.Float64)
		mean := ReduceAllMean(images)
		variance := ReduceAllMean(Square(Sub(images, mean)))
		return []*Node{mean, Sqrt(variance), ReduceAllMin(images), ReduceAllMax(images)}
	}, images)
	return Stats{
		Mean:   tensors.ToScalar[float64](results[0]),
		StdDev: tensors.ToScalar[float64](results[1]),
		Min:    tensors.ToScalar[float64](results[2]),
		Max:    tensors.ToScalar[float64](results[3]),
	}
}

// LoadOrComputeStats returns the pixel statistics of images, cached in baseDir
// so they are computed only once per data directory.
func LoadOrComputeStats(backend backends.Backend, images *tensors.Tensor, baseDir string) (Stats, error) {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return Stats{}, err
	}
	statsPath := path.Join(baseDir, statsFilename)
	if exists, err := fsutil.FileExists(statsPath); err == nil && exists {
		f, err := os.Open(statsPath)
		if err == nil {
			var stats Stats
			err = gob.NewDecoder(f).Decode(&stats)
			_ = f.Close()
			if err == nil {
				return stats, nil
			}
		}
		// A corrupted cache is recomputed below.
	}
	stats := ComputeStats(backend, images)
	f, err := os.Create(statsPath)
	if err != nil {
		return stats, errors.Wrapf(err, "failed to create stats cache %q", statsPath)
	}
	if err = gob.NewEncoder(f).Encode(&stats); err != nil {
		_ = f.Close()
		return stats, errors.Wrapf(err, "failed to encode stats cache %q", statsPath)
	}
	return stats, errors.Wrapf(f.Close(), "failed to close stats cache %q", statsPath)
}

// NormalizeGraph maps raw pixel values to the zero-mean unit-variance space
// the model is trained in.
func (s Stats) NormalizeGraph(images *Node) *Node {
	return DivScalar(AddScalar(images, -s.Mean), s.StdDev)
}

// DenormalizeGraph maps model-space values back to raw pixel values, clipped
// to the range observed in the dataset.
func (s Stats) DenormalizeGraph(images *Node) *Node {
	images = AddScalar(MulScalar(images, s.StdDev), s.Mean)
	return ClipScalar(images, s.Min, s.Max)
}

// NewDataset loads the MNIST training images from baseDir and returns them,
// normalized with the returned Stats, as an in-memory dataset. Batching,
// shuffling and epoch behavior are left for the caller to configure; rng, if
// given, drives the shuffling so epochs are reproducible.
func NewDataset(backend backends.Backend, baseDir string, dtype dtypes.DType,
	rng *rand.Rand) (*datasets.InMemoryDataset, Stats, error) {
	images, err := Images(baseDir)
	if err != nil {
		return nil, Stats{}, err
	}
	stats, err := LoadOrComputeStats(backend, images, baseDir)
	if err != nil {
		return nil, Stats{}, err
	}
	normalized := CallOnce(backend, func(images *Node) *Node {
		return stats.NormalizeGraph(ConvertDType(images, dtype))
	}, images)
	ds, err := datasets.InMemoryFromData(backend, "mnist", []any{normalized}, nil)
	if err != nil {
		return nil, Stats{}, errors.Wrap(err, "failed to build in-memory dataset")
	}
	if rng != nil {
		ds.WithRand(rng)
	}
	return ds, stats, nil
}

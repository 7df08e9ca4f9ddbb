package diffusion

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

// MixerScope is the context scope under which all score network variables live.
const MixerScope = "mixer"

// MixerBlockGraph is one mixer block over y shaped [batchSize, numPatches,
// hiddenSize]: patch mixing (a small FFN across the patch axis, applied
// independently per hidden channel) followed by hidden mixing (an FFN across
// the hidden axis, applied independently per patch), each with a layer
// normalization and a residual connection.
//
// Patch mixing gives every patch a full receptive field over all other patches
// in a single block, without the quadratic cost of attention.
func MixerBlockGraph(ctx *context.Context, y *Node) *Node {
	mixPatchSize := context.GetParamOr(ctx, "mix_patch_size", 512)
	mixHiddenSize := context.GetParamOr(ctx, "mix_hidden_size", 512)
	numPatches := y.Shape().Dimensions[1]
	hiddenSize := y.Shape().Dimensions[2]

	residual := y
	y = layers.LayerNormalization(ctx.In("norm_patches"), y, 1, 2).Done()
	y = Transpose(y, 1, 2) // [batch, hidden, patches]
	y = fnn.New(ctx.In("patch_mixer"), y, numPatches).
		NumHiddenLayers(1, mixPatchSize).Done()
	y = Transpose(y, 1, 2)
	y = Add(residual, y)

	residual = y
	y = layers.LayerNormalization(ctx.In("norm_hidden"), y, 1, 2).Done()
	y = fnn.New(ctx.In("hidden_mixer"), y, hiddenSize).
		NumHiddenLayers(1, mixHiddenSize).Done()
	return Add(residual, y)
}

// MixerGraph builds the score network forward pass: given times shaped
// [batchSize, 1, 1, 1] and images shaped [batchSize, height, width, channels]
// it predicts the score field, with the same shape as images.
//
// The time is injected as one extra constant channel (scaled to [0,1] by the
// schedule horizon) broadcast over the spatial axes. A strided convolution
// embeds non-overlapping patches into hidden vectors, a stack of mixer blocks
// alternates patch and hidden mixing, and a dense patch un-embedding maps back
// to pixel space, dropping the time channel.
//
// Inference is deterministic: the output is purely a function of (times,
// images) and the variables in ctx.
//
// It panics if height or width is not divisible by the "patch_size"
// hyperparameter.
func MixerGraph(ctx *context.Context, schedule Schedule, times, images *Node) *Node {
	ctx = ctx.In(MixerScope)
	batchSize := images.Shape().Dimensions[0]
	height := images.Shape().Dimensions[1]
	width := images.Shape().Dimensions[2]
	channels := images.Shape().Dimensions[3]
	times.AssertDims(batchSize, 1, 1, 1)

	patchSize := context.GetParamOr(ctx, "patch_size", 4)
	hiddenSize := context.GetParamOr(ctx, "hidden_size", 64)
	numBlocks := context.GetParamOr(ctx, "num_blocks", 4)
	if height%patchSize != 0 || width%patchSize != 0 {
		exceptions.Panicf("mixer: image size %dx%d is not divisible by patch_size=%d",
			height, width, patchSize)
	}

	times = ConvertDType(times, images.DType())
	timeChannel := BroadcastToDims(DivScalar(times, schedule.T1),
		batchSize, height, width, 1)
	y := Concatenate([]*Node{images, timeChannel}, -1)

	// Patch embedding: kernel == stride, so patches don't overlap.
	y = layers.Convolution(ctx.In("patch_embed"), y).
		Channels(hiddenSize).KernelSize(patchSize).Strides(patchSize).
		NoPadding().Done()
	patchHeight := y.Shape().Dimensions[1]
	patchWidth := y.Shape().Dimensions[2]
	y = Reshape(y, batchSize, patchHeight*patchWidth, hiddenSize)

	for ii := range numBlocks {
		y = MixerBlockGraph(ctx.Inf("%03d-block", ii), y)
	}
	y = layers.LayerNormalization(ctx.In("norm_out"), y, 1, 2).Done()

	// Patch un-embedding: each patch vector is projected to its patch of
	// pixels and the patches reassembled -- equivalent to a transposed
	// convolution with kernel == stride == patchSize.
	y = layers.Dense(ctx.In("patch_unembed"), y, true, patchSize*patchSize*channels)
	y = Reshape(y, batchSize, patchHeight, patchWidth, patchSize, patchSize, channels)
	y = TransposeAllDims(y, 0, 1, 3, 2, 4, 5)
	return Reshape(y, batchSize, height, width, channels)
}

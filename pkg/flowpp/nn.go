// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flowpp

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// WeightScaleVariableName is the name of the scale variable of the weight-normalized convolutions.
const WeightScaleVariableName = "weight_g"

// weightInitStdDev is the standard deviation used to initialize the direction of the convolution kernels.
const weightInitStdDev = 0.05

// WeightNormConv is a convolution with stride 1 and "same" padding, whose kernel is reparametrized
// as w = g·v/‖v‖, with the norm taken per output channel.
//
// Variables (in the current scope): "weight_v" (direction), "weight_g" (scale, initialized to 1, the only
// variable subject to weight decay) and "bias".
func WeightNormConv(ctx *context.Context, x *graph.Node, outChannels, kernelSize int) *graph.Node {
	g := x.Graph()
	dtype := x.DType()
	inChannels := x.Shape().Dimensions[x.Rank()-1]
	v := ctx.WithInitializer(initializers.RandomNormalFn(ctx, weightInitStdDev)).
		VariableWithShape("weight_v", shapes.Make(dtype, kernelSize, kernelSize, inChannels, outChannels)).
		ValueGraph(g)
	scale := ctx.WithInitializer(initializers.One).
		VariableWithShape(WeightScaleVariableName, shapes.Make(dtype, outChannels)).
		ValueGraph(g)
	bias := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("bias", shapes.Make(dtype, outChannels)).
		ValueGraph(g)

	norm := graph.Sqrt(graph.AddScalar(graph.ReduceSum(graph.Square(v), 0, 1, 2), 1e-12))
	kernel := graph.Mul(v, graph.Reshape(graph.Div(scale, norm), 1, 1, 1, outChannels))
	y := graph.Convolve(x, kernel).PadSame().Done()
	return graph.Add(y, graph.Reshape(bias, 1, 1, 1, outChannels))
}

// gate splits x in two halves along the channels, a and b, and returns a·σ(b).
func gate(x *graph.Node) *graph.Node {
	a, b := ChannelSplit(x)
	return graph.Mul(a, graph.Sigmoid(b))
}

// GatedConv is a residual block: x + gate(conv(dropout(elu(conv(elu(x)))))).
func GatedConv(ctx *context.Context, x *graph.Node, dropProb float64) *graph.Node {
	channels := x.Shape().Dimensions[x.Rank()-1]
	y := WeightNormConv(ctx.In("conv"), concatElu(x), channels, 3)
	y = concatElu(y)
	if dropProb > 0 {
		y = layers.DropoutStatic(ctx, y, dropProb)
	}
	y = WeightNormConv(ctx.In("gate"), y, 2*channels, 1)
	return graph.Add(x, gate(y))
}

// GatedAttention is a residual block of multi-head self-attention over all the spatial positions,
// followed by a gated 1x1 projection.
func GatedAttention(ctx *context.Context, x *graph.Node, dropProb float64) *graph.Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	headDim := max(channels/NumAttentionHeads, 1)
	seq := graph.Reshape(x, batchSize, height*width, channels)
	attn := layers.MultiHeadAttention(ctx.In("attention"), seq, seq, seq, NumAttentionHeads, headDim).
		SetOutputDim(channels).
		Done()
	if dropProb > 0 {
		attn = layers.DropoutStatic(ctx, attn, dropProb)
	}
	attn = graph.Reshape(attn, batchSize, height, width, channels)
	attn = WeightNormConv(ctx.In("gate"), attn, 2*channels, 1)
	return graph.Add(x, gate(attn))
}

// couplingNN is the network predicting the parameters of a coupling from the unchanged half of its input
// (and the optional conditioning aux). The output is shaped [B, H, W, outChannels, 2+3K]: the affine
// log-scale and shift, followed by the K mixture logits, means and log-scales.
func couplingNN(ctx *context.Context, x, aux *graph.Node, outChannels int, cfg Config, numBlocks int) *graph.Node {
	if aux != nil {
		x = graph.Concatenate([]*graph.Node{x, aux}, -1)
	}
	dims := x.Shape().Dimensions
	h := WeightNormConv(ctx.In("in_conv"), x, cfg.NumChannels, 3)
	for ii := range numBlocks {
		blockCtx := ctx.Inf("block_%d", ii)
		h = GatedConv(blockCtx.In("gated_conv"), h, cfg.DropProb)
		h = layers.LayerNormalization(blockCtx.In("norm_conv"), h, 3).Done()
		if cfg.UseAttention {
			h = GatedAttention(blockCtx.In("gated_attn"), h, cfg.DropProb)
			h = layers.LayerNormalization(blockCtx.In("norm_attn"), h, 3).Done()
		}
	}
	numParams := 2 + 3*cfg.NumComponents
	out := WeightNormConv(ctx.In("out_conv"), h, outChannels*numParams, 3)
	return graph.Reshape(out, dims[0], dims[1], dims[2], outChannels, numParams)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flowpp

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// SpaceToDepth trades spatial resolution for channels (space-to-depth by 2): [B, H, W, C] -> [B, H/2, W/2, 4*C].
//
// Channel 4*c + 2*i + j of the output holds channel c of the input pixel at offset (i, j) of each 2x2 patch.
func SpaceToDepth(x *graph.Node) *graph.Node {
	if x.Rank() != 4 {
		Panicf("SpaceToDepth requires an image shaped [batch, height, width, channels], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]
	if h%2 != 0 || w%2 != 0 {
		Panicf("SpaceToDepth requires even height and width, got %s", x.Shape())
	}
	x = graph.Reshape(x, b, h/2, 2, w/2, 2, c)
	x = graph.TransposeAllDims(x, 0, 1, 3, 5, 2, 4)
	return graph.Reshape(x, b, h/2, w/2, 4*c)
}

// DepthToSpace is the inverse of SpaceToDepth: [B, H, W, 4*C] -> [B, 2*H, 2*W, C].
func DepthToSpace(x *graph.Node) *graph.Node {
	if x.Rank() != 4 || x.Shape().Dimensions[3]%4 != 0 {
		Panicf("DepthToSpace requires an image with a multiple of 4 channels, got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]/4
	x = graph.Reshape(x, b, h, w, c, 2, 2)
	x = graph.TransposeAllDims(x, 0, 1, 4, 2, 5, 3)
	return graph.Reshape(x, b, 2*h, 2*w, c)
}

// CheckerboardSplit splits x [B, H, W, C] following a checkerboard pattern: the first half holds the
// pixels (0, 0) and (1, 1) of each 2x2 patch, the second the pixels (0, 1) and (1, 0).
// Both halves are shaped [B, H/2, W/2, 2*C].
func CheckerboardSplit(x *graph.Node) (xA, xB *graph.Node) {
	dims := x.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]
	patches := graph.Reshape(SpaceToDepth(x), b, h/2, w/2, c, 4)
	pick := func(first, second int) *graph.Node {
		picked := graph.Concatenate([]*graph.Node{
			graph.Slice(patches, graph.AxisRange(), graph.AxisRange(), graph.AxisRange(), graph.AxisRange(), graph.AxisElem(first)),
			graph.Slice(patches, graph.AxisRange(), graph.AxisRange(), graph.AxisRange(), graph.AxisRange(), graph.AxisElem(second)),
		}, -1)
		return graph.Reshape(picked, b, h/2, w/2, 2*c)
	}
	return pick(0, 3), pick(1, 2)
}

// CheckerboardMerge is the inverse of CheckerboardSplit.
func CheckerboardMerge(xA, xB *graph.Node) *graph.Node {
	dims := xA.Shape().Dimensions
	b, h, w, c := dims[0], dims[1], dims[2], dims[3]/2
	a := graph.Split(graph.Reshape(xA, b, h, w, c, 2), -1, 2)
	bb := graph.Split(graph.Reshape(xB, b, h, w, c, 2), -1, 2)
	patches := graph.Concatenate([]*graph.Node{a[0], bb[0], bb[1], a[1]}, -1)
	return DepthToSpace(graph.Reshape(patches, b, h, w, 4*c))
}

// ChannelSplit splits x in two halves along the channels axis.
func ChannelSplit(x *graph.Node) (xA, xB *graph.Node) {
	if x.Shape().Dimensions[x.Rank()-1]%2 != 0 {
		Panicf("ChannelSplit requires an even number of channels, got %s", x.Shape())
	}
	parts := graph.Split(x, -1, 2)
	return parts[0], parts[1]
}

// ChannelMerge is the inverse of ChannelSplit.
func ChannelMerge(xA, xB *graph.Node) *graph.Node {
	return graph.Concatenate([]*graph.Node{xA, xB}, -1)
}

// softplus returns log(1 + e^x), computed without overflow.
func softplus(x *graph.Node) *graph.Node {
	return graph.Add(graph.Max(x, graph.ZerosLike(x)), graph.Log1P(graph.Exp(graph.Neg(graph.Abs(x)))))
}

// logSumExp reduces x over the given axis with log(Σ e^x).
func logSumExp(x *graph.Node, axis int) *graph.Node {
	maxX := graph.StopGradient(graph.ReduceAndKeep(x, graph.ReduceMax, axis))
	sum := graph.ReduceSum(graph.Exp(graph.Sub(x, maxX)), axis)
	return graph.Add(graph.Log(sum), graph.Squeeze(maxX, axis))
}

// concatElu returns ELU([x, -x]) concatenated along the channels: it doubles the number of channels.
func concatElu(x *graph.Node) *graph.Node {
	x = graph.Concatenate([]*graph.Node{x, graph.Neg(x)}, -1)
	return graph.Where(graph.GreaterThan(x, graph.ZerosLike(x)), x, graph.Sub(graph.Exp(graph.Min(x, graph.ZerosLike(x))), graph.OnesLike(x)))
}

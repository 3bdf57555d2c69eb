// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flowpp

import (
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

const (
	// LogitBound scales the dequantized images to [(1-b)/2, (1+b)/2] before taking the logit.
	LogitBound = 0.9

	// Scope where the flow variables are created.
	Scope = "flow"
)

// Forward maps images x (shaped [B, H, W, C], values in [0, 1]) to the latent z (same shape) and returns
// the sum of the log-determinants of all the transformations, per example (shaped [B]).
//
// The sum includes the (negative) log-likelihood of the dequantization noise, so that the negative
// log-likelihood of x is -(log p(z) + sldj) + D·log(256).
func Forward(ctx *context.Context, x *graph.Node) (z, sldj *graph.Node) {
	checkImage(x)
	cfg := ConfigFromContext(ctx)
	ctx = ctx.In(Scope)
	x, sldj = Dequantize(ctx.In("dequantization"), x, cfg)
	x, ldj := PreprocessLogits(x)
	sldj = graph.Add(sldj, ldj)
	z, ldj = levelForward(ctx, x, cfg, 0)
	sldj = graph.Add(sldj, ldj)
	return z, sldj
}

// Inverse maps the latent z back to the logits of the images: sigmoid(Inverse(z)) are the images.
//
// The flow variables must already exist: created by Forward (possibly in the same graph) or loaded
// from a checkpoint.
func Inverse(ctx *context.Context, z *graph.Node) *graph.Node {
	checkImage(z)
	cfg := ConfigFromContext(ctx)
	return levelInverse(ctx.In(Scope).Reuse(), z, cfg, 0)
}

func checkImage(x *graph.Node) {
	if x.Rank() != 4 {
		Panicf("flowpp requires images shaped [batch, height, width, channels], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	if dims[1]%4 != 0 || dims[2]%4 != 0 {
		Panicf("flowpp requires images with height and width multiple of 4, got %s", x.Shape())
	}
}

// PreprocessLogits maps the dequantized x in [0, 1] to logit space, after scaling it to
// [(1-LogitBound)/2, (1+LogitBound)/2]. It returns the logits and the log-determinant per example.
func PreprocessLogits(x *graph.Node) (y, ldj *graph.Node) {
	y = graph.MulScalar(graph.AddScalar(graph.MulScalar(x, 2), -1), LogitBound)
	y = graph.MulScalar(graph.AddScalar(y, 1), 0.5)
	y = graph.Sub(graph.Log(y), graph.Log1P(graph.Neg(y)))
	boundLdj := math.Log1p(math.Exp(math.Log(1-LogitBound) - math.Log(LogitBound)))
	ldj = graph.AddScalar(graph.Add(softplus(y), softplus(graph.Neg(y))), -boundLdj)
	ldj = graph.ReduceSum(ldj, 1, 2, 3)
	return y, ldj
}

// Dequantize adds continuous noise u in [0, 1) to the discrete images: x' = (255·x + u)/256.
//
// The noise is variational: u = σ(f(ε | x)), where ε ~ N(0, I) and f is a conditional flow of checkerboard
// couplings. It returns the dequantized images and the log-determinant of the noise transformation minus
// the negative log-likelihood of ε (that is -log q(u|x)), per example.
func Dequantize(ctx *context.Context, x *graph.Node, cfg Config) (dequantized, sldj *graph.Node) {
	g := x.Graph()
	eps := ctx.RandomNormal(g, x.Shape())
	epsNLL := graph.MulScalar(graph.AddScalar(graph.Square(eps), math.Log(2*math.Pi)), 0.5)
	sldj = graph.Neg(graph.ReduceSum(epsNLL, 1, 2, 3))

	xA, xB := CheckerboardSplit(graph.AddScalar(x, -0.5))
	aux := WeightNormConv(ctx.In("aux_conv"), graph.Concatenate([]*graph.Node{xA, xB}, -1), cfg.NumChannels, 3)

	uA, uB := CheckerboardSplit(eps)
	for ii := range DequantScale.NumCheckerboard {
		var ldj *graph.Node
		uA, uB, ldj = unitForward(ctx.Inf("checker_%d", ii), uA, uB, aux, cfg, cfg.NumDequantBlocks)
		sldj = graph.Add(sldj, ldj)
	}
	u := CheckerboardMerge(uA, uB)

	// log σ'(u) = -softplus(-u) - softplus(u)
	sigmoidLdj := graph.Neg(graph.Add(softplus(u), softplus(graph.Neg(u))))
	sldj = graph.Add(sldj, graph.ReduceSum(sigmoidLdj, 1, 2, 3))
	u = graph.Sigmoid(u)
	dequantized = graph.DivScalar(graph.Add(graph.MulScalar(x, 255), u), 256)
	return dequantized, sldj
}

// unitForward is one step of flow over the pair (xChange, xID): ActNorm over both halves, the coupling
// of xChange conditioned on xID, and a flip, so the next step changes the other half.
func unitForward(ctx *context.Context, xChange, xID, aux *graph.Node, cfg Config, numBlocks int) (
	nextChange, nextID, ldj *graph.Node) {
	merged, ldj := ActNormForward(ctx.In("act_norm"), ChannelMerge(xChange, xID))
	xChange, xID = ChannelSplit(merged)
	xChange, couplingLdj := CouplingForward(ctx.In("coupling"), xChange, xID, aux, cfg, numBlocks)
	return xID, xChange, graph.Add(ldj, couplingLdj)
}

// unitInverse is the inverse of unitForward.
func unitInverse(ctx *context.Context, nextChange, nextID, aux *graph.Node, cfg Config, numBlocks int) (xChange, xID *graph.Node) {
	xChange, xID = nextID, nextChange
	xChange = CouplingInverse(ctx.In("coupling"), xChange, xID, aux, cfg, numBlocks)
	merged := ActNormInverse(ctx.In("act_norm"), ChannelMerge(xChange, xID))
	return ChannelSplit(merged)
}

// levelForward applies the channel-wise and checkerboard steps of the given level, and then recursively
// the next levels over half of the channels of the squeezed result.
func levelForward(ctx *context.Context, x *graph.Node, cfg Config, level int) (z, sldj *graph.Node) {
	scale := cfg.Scales[level]
	ctx = ctx.Inf("level_%d", level)
	sldj = graph.ZerosLike(graph.ReduceSum(x, 1, 2, 3))
	if scale.NumChannelWise > 0 {
		xA, xB := ChannelSplit(x)
		for ii := range scale.NumChannelWise {
			var ldj *graph.Node
			xA, xB, ldj = unitForward(ctx.Inf("channel_%d", ii), xA, xB, nil, cfg, cfg.NumBlocks)
			sldj = graph.Add(sldj, ldj)
		}
		x = ChannelMerge(xA, xB)
	}
	if scale.NumCheckerboard > 0 {
		xA, xB := CheckerboardSplit(x)
		for ii := range scale.NumCheckerboard {
			var ldj *graph.Node
			xA, xB, ldj = unitForward(ctx.Inf("checker_%d", ii), xA, xB, nil, cfg, cfg.NumBlocks)
			sldj = graph.Add(sldj, ldj)
		}
		x = CheckerboardMerge(xA, xB)
	}
	if level+1 < len(cfg.Scales) {
		xNext, xSplit := ChannelSplit(SpaceToDepth(x))
		xNext, ldj := levelForward(ctx, xNext, cfg, level+1)
		sldj = graph.Add(sldj, ldj)
		x = DepthToSpace(ChannelMerge(xNext, xSplit))
	}
	return x, sldj
}

// levelInverse is the inverse of levelForward.
func levelInverse(ctx *context.Context, z *graph.Node, cfg Config, level int) *graph.Node {
	scale := cfg.Scales[level]
	ctx = ctx.Inf("level_%d", level)
	x := z
	if level+1 < len(cfg.Scales) {
		xNext, xSplit := ChannelSplit(SpaceToDepth(x))
		xNext = levelInverse(ctx, xNext, cfg, level+1)
		x = DepthToSpace(ChannelMerge(xNext, xSplit))
	}
	if scale.NumCheckerboard > 0 {
		xA, xB := CheckerboardSplit(x)
		for ii := scale.NumCheckerboard - 1; ii >= 0; ii-- {
			xA, xB = unitInverse(ctx.Inf("checker_%d", ii), xA, xB, nil, cfg, cfg.NumBlocks)
		}
		x = CheckerboardMerge(xA, xB)
	}
	if scale.NumChannelWise > 0 {
		xA, xB := ChannelSplit(x)
		for ii := scale.NumChannelWise - 1; ii >= 0; ii-- {
			xA, xB = unitInverse(ctx.Inf("channel_%d", ii), xA, xB, nil, cfg, cfg.NumBlocks)
		}
		x = ChannelMerge(xA, xB)
	}
	return x
}

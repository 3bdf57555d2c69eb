// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flowpp

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

const actNormEpsilon = 1e-6

// actNormParams returns the per-channel bias and log-scale of an ActNorm layer, shaped [1, 1, 1, C].
//
// They are the sum of a trainable offset (initialized to 0) and a non-trainable data-dependent value,
// computed from the first training batch so the output has zero mean and unit variance per channel.
// The variable "initialized" flags that the data-dependent part has been set.
func actNormParams(ctx *context.Context, x *graph.Node) (bias, logScale *graph.Node) {
	g := x.Graph()
	dtype := x.DType()
	channels := x.Shape().Dimensions[x.Rank()-1]
	paramShape := shapes.Make(dtype, channels)
	zeroCtx := ctx.WithInitializer(initializers.Zero)
	biasVar := zeroCtx.VariableWithShape("bias", paramShape)
	logScaleVar := zeroCtx.VariableWithShape("logs", paramShape)
	initBiasVar := zeroCtx.VariableWithShape("init_bias", paramShape).SetTrainable(false)
	initLogScaleVar := zeroCtx.VariableWithShape("init_logs", paramShape).SetTrainable(false)
	initializedVar := zeroCtx.VariableWithShape("initialized", shapes.Make(dtype)).SetTrainable(false)

	initBias := initBiasVar.ValueGraph(g)
	initLogScale := initLogScaleVar.ValueGraph(g)
	if ctx.IsTraining(g) {
		initialized := graph.GreaterThan(initializedVar.ValueGraph(g), graph.ScalarZero(g, dtype))
		initialized = graph.BroadcastToDims(initialized, channels)
		stats := graph.StopGradient(x)
		mean := graph.ReduceMean(stats, 0, 1, 2)
		variance := graph.ReduceMean(graph.Square(graph.Sub(stats, graph.Reshape(mean, 1, 1, 1, channels))), 0, 1, 2)
		std := graph.Sqrt(variance)
		initBias = graph.Where(initialized, initBias, graph.Neg(mean))
		initLogScale = graph.Where(initialized, initLogScale, graph.Neg(graph.Log(graph.AddScalar(std, actNormEpsilon))))
		initBiasVar.SetValueGraph(initBias)
		initLogScaleVar.SetValueGraph(initLogScale)
		initializedVar.SetValueGraph(graph.ScalarOne(g, dtype))
	}
	bias = graph.Add(initBias, biasVar.ValueGraph(g))
	logScale = graph.Add(initLogScale, logScaleVar.ValueGraph(g))
	return graph.Reshape(bias, 1, 1, 1, channels), graph.Reshape(logScale, 1, 1, 1, channels)
}

// ActNormForward normalizes x [B, H, W, C] per channel: (x + bias)·e^{logs}.
// It returns the log-determinant per example, shaped [B].
func ActNormForward(ctx *context.Context, x *graph.Node) (y, ldj *graph.Node) {
	bias, logScale := actNormParams(ctx, x)
	y = graph.Mul(graph.Add(x, bias), graph.Exp(logScale))
	dims := x.Shape().Dimensions
	ldj = graph.MulScalar(graph.ReduceAllSum(logScale), float64(dims[1]*dims[2]))
	ldj = graph.BroadcastToDims(ldj, dims[0])
	return
}

// ActNormInverse is the inverse of ActNormForward.
func ActNormInverse(ctx *context.Context, y *graph.Node) *graph.Node {
	bias, logScale := actNormParams(ctx, y)
	return graph.Sub(graph.Mul(y, graph.Exp(graph.Neg(logScale))), bias)
}

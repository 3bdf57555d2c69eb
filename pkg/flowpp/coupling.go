// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flowpp

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

// couplingParams holds the parameters predicted for each element of the changed half.
type couplingParams struct {
	logScale, shift *graph.Node
	mix             mixture
}

// predictCouplingParams runs the coupling network over xID (and aux) and splits its output.
func predictCouplingParams(ctx *context.Context, xChange, xID, aux *graph.Node, cfg Config, numBlocks int) couplingParams {
	g := xChange.Graph()
	channels := xChange.Shape().Dimensions[3]
	k := cfg.NumComponents
	raw := couplingNN(ctx.In("nn"), xID, aux, channels, cfg, numBlocks)
	axis := raw.Rank() - 1
	rescale := ctx.WithInitializer(initializers.One).
		VariableWithShape("rescale", shapes.Make(xChange.DType(), channels)).
		ValueGraph(g)

	a := graph.Squeeze(graph.SliceAxis(raw, axis, graph.AxisRange(0, 1)), axis)
	p := couplingParams{
		logScale: graph.Mul(graph.Reshape(rescale, 1, 1, 1, channels), graph.Tanh(a)),
		shift:    graph.Squeeze(graph.SliceAxis(raw, axis, graph.AxisRange(1, 2)), axis),
	}
	piLogits := graph.SliceAxis(raw, axis, graph.AxisRange(2, 2+k))
	p.mix.logPi = graph.Sub(piLogits, graph.InsertAxes(logSumExp(piLogits, -1), -1))
	p.mix.mu = graph.SliceAxis(raw, axis, graph.AxisRange(2+k, 2+2*k))
	p.mix.logS = graph.MaxScalar(graph.SliceAxis(raw, axis, graph.AxisRange(2+2*k, 2+3*k)), logScaleMin)
	return p
}

// CouplingForward transforms xChange conditioned on xID (and the optional aux features):
// y = (logit(F(xChange)) + b)·e^a, where F is a mixture of logistics CDF. The parameters a, b and
// those of F are predicted from xID.
//
// It returns the transformed half and the log-determinant per example, shaped [B].
func CouplingForward(ctx *context.Context, xChange, xID, aux *graph.Node, cfg Config, numBlocks int) (y, ldj *graph.Node) {
	p := predictCouplingParams(ctx, xChange, xID, aux, cfg, numBlocks)
	y, scaleLdj := p.mix.Logit(xChange)
	y = graph.Mul(graph.Add(y, p.shift), graph.Exp(p.logScale))
	ldj = graph.Add(graph.Add(p.mix.LogPDF(xChange), scaleLdj), p.logScale)
	ldj = graph.ReduceSum(ldj, 1, 2, 3)
	return y, ldj
}

// CouplingInverse is the inverse of CouplingForward. The mixture CDF is inverted numerically.
func CouplingInverse(ctx *context.Context, y, xID, aux *graph.Node, cfg Config, numBlocks int) *graph.Node {
	p := predictCouplingParams(ctx, y, xID, aux, cfg, numBlocks)
	y = graph.Sub(graph.Mul(y, graph.Exp(graph.Neg(p.logScale))), p.shift)
	return p.mix.InverseLogit(y)
}

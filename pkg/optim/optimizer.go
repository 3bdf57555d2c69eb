// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optim implements the optimization step of the flow: Adam with weight decay restricted to the
// weight-normalization scales, global gradient-norm clipping and a linear learning rate warmup.
package optim

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/flowvae/pkg/flowpp"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

var (
	// ParamMaxGradNorm is the context parameter with the maximum global norm of the gradients.
	// Values <= 0 disable clipping. Default is 1.0.
	ParamMaxGradNorm = "max_grad_norm"

	// ParamWeightDecay is the context parameter with the L2 weight decay applied to the variables
	// named WeightDecayVariableName. Default is 5e-5.
	ParamWeightDecay = "weight_decay"

	// ParamWarmUp is the context parameter with the number of warmup steps (batches). Default is 200.
	ParamWarmUp = "warm_up"

	// ParamBatchSize is the context parameter with the training batch size.
	ParamBatchSize = "batch_size"
)

// WeightDecayVariableName is the name of the variables subject to weight decay: the scales of the
// weight-normalized convolutions.
const WeightDecayVariableName = flowpp.WeightScaleVariableName

// updaterWithGradients is implemented by GoMLX optimizers that can apply externally computed gradients.
type updaterWithGradients interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// Optimizer wraps a GoMLX Adam optimizer, transforming the gradients before they are applied.
// It implements optimizers.Interface.
type Optimizer struct {
	adam        optimizers.Interface
	maxGradNorm float64
	weightDecay float64
}

var _ optimizers.Interface = (*Optimizer)(nil)

// New creates the optimizer configured from the context parameters (ParamMaxGradNorm, ParamWeightDecay
// and the Adam parameters of the optimizers package, e.g. optimizers.ParamLearningRate).
//
// Adam's own weight decay is not used: it would apply to all variables.
func New(ctx *context.Context) *Optimizer {
	return &Optimizer{
		adam:        optimizers.Adam().FromContext(ctx).WeightDecay(0).Done(),
		maxGradNorm: context.GetParamOr(ctx, ParamMaxGradNorm, 1.0),
		weightDecay: context.GetParamOr(ctx, ParamWeightDecay, 5e-5),
	}
}

// UpdateGraph implements optimizers.Interface.
func (o *Optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	vars, values := trainableVariables(ctx, g)
	if len(vars) == 0 {
		Panicf("no trainable variables used in the graph, nothing to optimize")
	}
	grads := o.transformGradients(vars, values, Gradient(loss, values...))
	updater, ok := o.adam.(updaterWithGradients)
	if !ok {
		Panicf("optimizer %T cannot apply externally computed gradients", o.adam)
	}
	updater.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// transformGradients clips the raw gradients by their global norm, and then adds the L2 weight decay
// of the weight-normalization scales.
func (o *Optimizer) transformGradients(vars []*context.Variable, values, grads []*Node) []*Node {
	grads = ClipByGlobalNorm(grads, o.maxGradNorm)
	if o.weightDecay <= 0 {
		return grads
	}
	for ii, v := range vars {
		if v.Name() == WeightDecayVariableName {
			decay := MulScalar(values[ii], o.weightDecay)
			grads[ii] = Add(grads[ii], ConvertDType(decay, grads[ii].DType()))
		}
	}
	return grads
}

// Clear implements optimizers.Interface.
func (o *Optimizer) Clear(ctx *context.Context) error {
	return o.adam.Clear(ctx)
}

// trainableVariables returns the trainable variables used by g, in the same order used by
// context.Context.BuildTrainableVariablesGradientsGraph (and expected by the optimizers).
func trainableVariables(ctx *context.Context, g *Graph) (vars []*context.Variable, values []*Node) {
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.InUseByGraph(g) {
			vars = append(vars, v)
			values = append(values, v.ValueGraph(g))
		}
	})
	return
}

// GlobalNorm returns the L2 norm of all the given tensors, as if they were concatenated, in float32.
func GlobalNorm(tensors []*Node) *Node {
	if len(tensors) == 0 {
		Panicf("GlobalNorm requires at least one tensor")
	}
	var sum *Node
	for _, t := range tensors {
		sq := ReduceAllSum(Square(ConvertDType(t, dtypes.Float32)))
		if sum == nil {
			sum = sq
		} else {
			sum = Add(sum, sq)
		}
	}
	return Sqrt(sum)
}

// ClipByGlobalNorm scales all grads by min(1, maxNorm/(GlobalNorm(grads)+1e-6)), so the resulting
// global norm is at most maxNorm. If maxNorm <= 0 the gradients are returned unchanged.
func ClipByGlobalNorm(grads []*Node, maxNorm float64) []*Node {
	if maxNorm <= 0 || len(grads) == 0 {
		return grads
	}
	norm := GlobalNorm(grads)
	coef := Div(Scalar(norm.Graph(), dtypes.Float32, maxNorm), AddScalar(norm, 1e-6))
	coef = MinScalar(coef, 1.0)
	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, ConvertDType(coef, grad.DType()))
	}
	return clipped
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optim

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// WarmupScope is the sub-scope of optimizers.Scope holding the warmup counter.
	WarmupScope = "warmup"

	// ExamplesSeenVariableName is the name of the counter of training examples seen so far. It is the
	// "global step" driving the warmup schedule, and it advances by the batch size on each training step.
	ExamplesSeenVariableName = "examples_seen"
)

// Multiplier of the learning rate after step steps, for a linear warmup of warmupSteps steps:
// it grows linearly from 0 (at step 0) to 1 (at warmupSteps) and stays at 1 afterward.
// If warmupSteps <= 0 there is no warmup and it returns 1.
func Multiplier(step, warmupSteps int64) float64 {
	if warmupSteps <= 0 || step >= warmupSteps {
		return 1.0
	}
	if step <= 0 {
		return 0.0
	}
	return float64(step) / float64(warmupSteps)
}

// ExamplesSeenVar returns the non-trainable int64 counter of examples seen in training, creating it with 0
// if it doesn't exist yet.
func ExamplesSeenVar(ctx *context.Context) *context.Variable {
	return ctx.Checked(false).In(optimizers.Scope).In(WarmupScope).
		VariableWithValue(ExamplesSeenVariableName, int64(0)).SetTrainable(false)
}

// GetExamplesSeen returns the current value of the examples-seen counter.
func GetExamplesSeen(ctx *context.Context) int64 {
	return ExamplesSeenVar(ctx).MustValue().Value().(int64)
}

// SetExamplesSeen overwrites the examples-seen counter, e.g. when resuming training.
func SetExamplesSeen(ctx *context.Context, value int64) error {
	v := ExamplesSeenVar(ctx)
	return v.SetValue(tensors.FromScalar(value))
}

// WarmupConfig of the linear warmup schedule. Create it with Warmup, and once configured call Done
// to add it to the training computation graph.
type WarmupConfig struct {
	ctx          *context.Context
	graph        *Graph
	dtype        dtypes.DType
	learningRate float64
	steps        int
	stepSize     int
	batchSize    *Node
}

// Warmup creates the configuration of a linear learning rate warmup for the training graph g.
//
// The warmup length, the configured batch size and the learning rate default to the context parameters
// ParamWarmUp, ParamBatchSize and optimizers.ParamLearningRate.
func Warmup(ctx *context.Context, g *Graph, dtype dtypes.DType) *WarmupConfig {
	return &WarmupConfig{
		ctx:          ctx,
		graph:        g,
		dtype:        dtype,
		learningRate: context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0),
		steps:        context.GetParamOr(ctx, ParamWarmUp, 0),
		stepSize:     context.GetParamOr(ctx, ParamBatchSize, 0),
	}
}

// BatchSize sets the size of the batch of the current training step, it can be a scalar node or the
// batch tensor itself (in which case its leading dimension is used).
func (w *WarmupConfig) BatchSize(batch *Node) *WarmupConfig {
	w.batchSize = batch
	return w
}

// Done builds the schedule: it sets the learning rate variable used by the optimizer from the number
// of examples seen before this step, and then advances the counter by the batch size.
//
// It's a no-op if the graph is not a training graph.
func (w *WarmupConfig) Done() {
	ctx := w.ctx.Checked(false)
	g := w.graph
	if !ctx.IsTraining(g) {
		return
	}
	if w.learningRate <= 0 {
		Panicf("warmup requires a positive learning rate, got %g (is %q set?)",
			w.learningRate, optimizers.ParamLearningRate)
	}
	if w.batchSize == nil {
		Panicf("warmup requires the batch size, see WarmupConfig.BatchSize")
	}
	var batchSize *Node
	stepSize := float64(w.stepSize)
	if w.batchSize.IsScalar() {
		batchSize = ConvertDType(w.batchSize, dtypes.Int64)
	} else {
		batchSize = Const(g, int64(w.batchSize.Shape().Dimensions[0]))
		if stepSize <= 0 {
			stepSize = float64(w.batchSize.Shape().Dimensions[0])
		}
	}
	if w.steps > 0 && stepSize <= 0 {
		Panicf("warmup with a scalar batch size requires StepSize (or %q) to be set", ParamBatchSize)
	}

	counterVar := ExamplesSeenVar(ctx)
	seen := counterVar.ValueGraph(g)
	lr := Scalar(g, w.dtype, w.learningRate)
	if w.steps > 0 {
		multiplier := DivScalar(ConvertDType(seen, w.dtype), float64(w.steps)*stepSize)
		multiplier = ClipScalar(multiplier, 0, 1)
		lr = Mul(lr, multiplier)
	}
	optimizers.LearningRateVarWithValue(ctx, w.dtype, w.learningRate).SetValueGraph(lr)
	counterVar.SetValueGraph(Add(seen, batchSize))
}

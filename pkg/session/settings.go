// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/gomlx/flowvae/pkg/flowpp"
	"github.com/gomlx/flowvae/pkg/optim"
	"github.com/gomlx/flowvae/pkg/vae"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Context parameters of the VAE pretraining.
const (
	ParamVAEBatchSize = "vae_batch_size"
	ParamVAENumEpochs = "vae_num_epochs"
)

// CreateDefaultContext sets the context with the default hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		// Training loop.
		ParamNumEpochs:       100,
		ParamNumSamples:      64,
		ParamNumWorkers:      4,
		ParamSeed:            0,
		ParamSubset:          0, // If > 0, use only that many examples of each split.
		optim.ParamBatchSize: 4,

		// Optimizer.
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3, // Peak learning rate, reached after the warmup.
		optim.ParamMaxGradNorm:       1.0,  // <= 0 disables clipping.
		optim.ParamWarmUp:            200,  // Warmup length in batches.
		optim.ParamWeightDecay:       5e-5, // Only applied to the weight-normalization scales.

		// Flow++.
		flowpp.ParamNumChannels:      96,
		flowpp.ParamNumBlocks:        5,
		flowpp.ParamNumComponents:    32,
		flowpp.ParamNumDequantBlocks: 2,
		flowpp.ParamUseAttention:     true,
		flowpp.ParamDropProb:         0.2,

		// VAE.
		vae.ParamLatentDim:        64,
		vae.ParamKLWeight:         1.0,
		vae.ParamCheckpointPeriod: "3m",
		ParamVAEBatchSize:         128,
		ParamVAENumEpochs:         10,
	})
	return ctx
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package flowpp implements a Flow++ normalizing flow over images: variational dequantization, logit
// preprocessing and a multi-scale stack of mixture-of-logistics couplings (channel-wise and
// checkerboard), with ActNorm and weight-normalized gated convolutional networks, optionally with
// self-attention.
//
// Images are channels-last ([batch, height, width, channels]) float32 in [0, 1]. The model exposes
// Forward, mapping images to the latent z (same shape) and the sum of log-determinants, and Inverse,
// mapping a latent back to logits: the caller applies a sigmoid to get images.
package flowpp

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Context parameters used to configure the model.
const (
	// ParamNumChannels is the number of channels of the hidden layers of the coupling networks. Default 96.
	ParamNumChannels = "num_channels"

	// ParamNumBlocks is the number of gated residual blocks of each coupling network. Default 5.
	ParamNumBlocks = "num_blocks"

	// ParamNumComponents is the number of components of the mixture of logistics of each coupling. Default 32.
	ParamNumComponents = "num_components"

	// ParamNumDequantBlocks is the number of gated residual blocks of the coupling networks of the
	// dequantization flow. Default 2.
	ParamNumDequantBlocks = "num_dequant_blocks"

	// ParamUseAttention enables gated self-attention in the coupling networks. Default true.
	ParamUseAttention = "use_attn"

	// ParamDropProb is the dropout probability used in the coupling networks during training. Default 0.2.
	ParamDropProb = "drop_prob"
)

// Scale configures one level of the multi-scale flow: the number of channel-wise couplings followed
// by the number of checkerboard couplings.
type Scale struct {
	NumChannelWise, NumCheckerboard int
}

// DefaultScales of the flow: a first level at full resolution with 4 checkerboard couplings, and a
// second level (half of the channels, squeezed) with 2 channel-wise and 3 checkerboard couplings.
var DefaultScales = []Scale{{0, 4}, {2, 3}}

// DequantScale is the single level used by the dequantization flow.
var DequantScale = Scale{0, 4}

// NumAttentionHeads used by the gated self-attention.
const NumAttentionHeads = 4

// Config holds the hyperparameters of the model.
type Config struct {
	NumChannels      int
	NumBlocks        int
	NumComponents    int
	NumDequantBlocks int
	UseAttention     bool
	DropProb         float64
	Scales           []Scale
}

// ConfigFromContext reads the model hyperparameters from the context parameters.
func ConfigFromContext(ctx *context.Context) Config {
	return Config{
		NumChannels:      context.GetParamOr(ctx, ParamNumChannels, 96),
		NumBlocks:        context.GetParamOr(ctx, ParamNumBlocks, 5),
		NumComponents:    context.GetParamOr(ctx, ParamNumComponents, 32),
		NumDequantBlocks: context.GetParamOr(ctx, ParamNumDequantBlocks, 2),
		UseAttention:     context.GetParamOr(ctx, ParamUseAttention, true),
		DropProb:         context.GetParamOr(ctx, ParamDropProb, 0.2),
		Scales:           DefaultScales,
	}
}

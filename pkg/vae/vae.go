// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vae implements a convolutional variational autoencoder for 32x32 RGB images, whose decoder
// outputs a per-pixel Gaussian (mean and log-scale) in image space.
//
// The flow uses a pretrained VAE, frozen (see Frozen), as its conditional base distribution.
package vae

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/flowvae/pkg/losses"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

const (
	// ParamLatentDim is the context parameter with the dimension of the latent space. Default is 64.
	ParamLatentDim = "vae_latent_dim"

	// ParamKLWeight is the context parameter with the weight of the KL-divergence term of the loss
	// during pretraining. Default is 1.
	ParamKLWeight = "vae_kl_weight"

	// Scope of the VAE variables.
	Scope = "vae"

	// ImageSize is the height and width of the images modeled.
	ImageSize = 32

	// ImageChannels is the number of channels of the images modeled.
	ImageChannels = 3

	// DecoderHiddenDim is the dimension of the last decoder layer, before the bottleneck.
	DecoderHiddenDim = 1024
)

// Log-scales of the decoded image-space Gaussian are kept in [minLogScale, maxLogScale].
const (
	minLogScale = -7.0
	maxLogScale = 2.0
)

var encoderChannels = []int{32, 64, 128}

// LatentDim returns the configured dimension of the latent space.
func LatentDim(ctx *context.Context) int {
	return context.GetParamOr(ctx, ParamLatentDim, 64)
}

func checkImages(images *Node) {
	dims := images.Shape().Dimensions
	if images.Rank() != 4 || dims[1] != ImageSize || dims[2] != ImageSize || dims[3] != ImageChannels {
		Panicf("vae requires images shaped [batch, %d, %d, %d], got %s",
			ImageSize, ImageSize, ImageChannels, images.Shape())
	}
}

// Encoder returns the mean and log-variance of the approximate posterior q(latent|images), both
// shaped [batch, LatentDim].
func Encoder(ctx *context.Context, images *Node) (mu, logVar *Node) {
	checkImages(images)
	ctx = ctx.In(Scope).In("encoder")
	batchSize := images.Shape().Dimensions[0]
	x := AddScalar(MulScalar(images, 2), -1)
	for ii, channels := range encoderChannels {
		x = layers.Convolution(ctx.Inf("%03d_conv", ii), x).Channels(channels).KernelSize(4).Strides(2).PadSame().Done()
		x = activations.Relu(x)
	}
	x.AssertDims(batchSize, ImageSize/8, ImageSize/8, encoderChannels[len(encoderChannels)-1])
	x = Reshape(x, batchSize, -1)
	latentDim := LatentDim(ctx)
	mu = layers.Dense(ctx.In("mu"), x, true, latentDim)
	logVar = layers.Dense(ctx.In("logvar"), x, true, latentDim)
	return
}

// Decode maps latent vectors [batch, LatentDim] to the mean and log-scale of the image-space Gaussian,
// each shaped [batch, 32, 32, 3]. The layers are "fc4", "decoder" and "decoder_bottleneck".
func Decode(ctx *context.Context, latent *Node) (muD, logVarD *Node) {
	ctx = ctx.In(Scope)
	batchSize := latent.Shape().Dimensions[0]
	x := activations.Relu(layers.Dense(ctx.In("fc4"), latent, true, DecoderHiddenDim/2))
	x = activations.Relu(layers.Dense(ctx.In("decoder"), x, true, DecoderHiddenDim))
	bottleneck := ctx.In("decoder_bottleneck")
	numPixels := ImageSize * ImageSize * ImageChannels
	muD = layers.Dense(bottleneck.In("mu"), x, true, numPixels)
	logVarD = layers.Dense(bottleneck.In("logvar"), x, true, numPixels)
	logVarD = ClipScalar(logVarD, minLogScale, maxLogScale)
	muD = Reshape(muD, batchSize, ImageSize, ImageSize, ImageChannels)
	logVarD = Reshape(logVarD, batchSize, ImageSize, ImageSize, ImageChannels)
	return
}

// Reparameterize samples latent = mu + exp(logVar/2)·ε, with ε ~ N(0, I).
func Reparameterize(ctx *context.Context, mu, logVar *Node) *Node {
	eps := ctx.RandomNormal(mu.Graph(), mu.Shape())
	return Add(mu, Mul(Exp(MulScalar(logVar, 0.5)), eps))
}

// KLDivergence of N(mu, exp(logVar)) from N(0, I), summed over the latent axis: shaped [batch].
func KLDivergence(mu, logVar *Node) *Node {
	kl := Sub(AddScalar(logVar, 1), Add(Square(mu), Exp(logVar)))
	return MulScalar(ReduceSum(kl, -1), -0.5)
}

// Loss returns the negative evidence lower bound (ELBO) averaged over the batch: the negative
// log-likelihood of images under the decoded Gaussian (scale exp(logVarD)) of a posterior sample,
// plus the weighted KL-divergence of the posterior from the prior.
//
// In inference mode the posterior mean is decoded instead of a sample.
func Loss(ctx *context.Context, images *Node) *Node {
	g := images.Graph()
	batchSize := images.Shape().Dimensions[0]
	mu, logVar := Encoder(ctx, images)
	latent := mu
	if ctx.IsTraining(g) {
		latent = Reparameterize(ctx, mu, logVar)
	}
	muD, logVarD := Decode(ctx, latent)
	recLL := Reshape(losses.GaussianLogProb(images, muD, logVarD), batchSize, -1)
	nll := Neg(ReduceSum(recLL, -1))
	klWeight := context.GetParamOr(ctx, ParamKLWeight, 1.0)
	loss := Add(nll, MulScalar(KLDivergence(mu, logVar), klWeight))
	return ReduceAllMean(loss)
}

// ModelGraph implements train.ModelFn for pretraining: it returns the loss as its only prediction.
func ModelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	return []*Node{Loss(ctx, inputs[0])}
}

// SampleImageSpace samples x = muD + exp(logVarD)·ε from the decoded Gaussian. Notice exp(logVarD) is used
// as the scale (and not the variance) of the distribution.
func SampleImageSpace(ctx *context.Context, muD, logVarD *Node) *Node {
	eps := ctx.RandomNormal(muD.Graph(), muD.Shape())
	return Add(muD, Mul(Exp(logVarD), eps))
}

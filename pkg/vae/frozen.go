// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vae

import (
	"github.com/janpfeifer/must"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Frozen is an inference-only VAE: it holds its own context, with all variables marked as non-trainable,
// and its computations are executed separately from any training graph, so no gradient ever reaches it.
//
// It is safe to share one Frozen among the training and evaluation loops (they run sequentially).
type Frozen struct {
	backend   backends.Backend
	ctx       *context.Context
	latentDim int
	dtype     dtypes.DType

	encodeExec, sampleExec *context.Exec
}

// Load the frozen VAE from the checkpoint directory dir, created by Pretrain.
// It fails if the directory or a checkpoint in it doesn't exist.
func Load(backend backends.Backend, dir string) (*Frozen, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if exists, err := fsutil.FileExists(dir); err != nil || !exists {
		return nil, errors.Errorf("VAE checkpoint directory %q not found", dir)
	}
	ctx := context.New()
	if _, err = checkpoints.Load(ctx).Dir(dir).Immediate().Done(); err != nil {
		return nil, errors.WithMessagef(err, "loading VAE from %q", dir)
	}
	klog.V(1).Infof("VAE loaded from %q", dir)
	return NewFrozen(backend, ctx)
}

// NewFrozen creates a frozen VAE from a context holding the VAE variables (e.g.: just after pretraining).
// The variables are marked as non-trainable, and the context is no longer changed.
func NewFrozen(backend backends.Backend, ctx *context.Context) (*Frozen, error) {
	f := &Frozen{
		backend:   backend,
		ctx:       ctx.Reuse(),
		latentDim: LatentDim(ctx),
	}
	for v := range ctx.IterVariables() {
		v.SetTrainable(false)
		if f.dtype == dtypes.InvalidDType && isModelVariable(v) {
			f.dtype = v.Shape().DType
		}
	}
	if f.dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("VAE context has no variables in scope %q", Scope)
	}
	var err error
	f.encodeExec, err = context.NewExec(backend, f.ctx, f.encodeGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating VAE encoder")
	}
	f.sampleExec, err = context.NewExec(backend, f.ctx, f.sampleGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating VAE sampler")
	}
	return f, nil
}

// LatentDim of the VAE latent space.
func (f *Frozen) LatentDim() int { return f.latentDim }

// SetSeed resets the random number generator used by Sample.
func (f *Frozen) SetSeed(seed int64) {
	must.M(f.ctx.SetRNGStateFromSeed(seed))
}

// encodeGraph decodes the posterior mean latent of the images.
func (f *Frozen) encodeGraph(ctx *context.Context, images *Node) (muD, logVarD *Node) {
	mu, _ := Encoder(ctx, images)
	muD, logVarD = Decode(ctx, mu)
	return StopGradient(muD), StopGradient(logVarD)
}

// sampleGraph takes a prototype shaped [n]: only its shape matters.
func (f *Frozen) sampleGraph(ctx *context.Context, prototype *Node) *Node {
	n := prototype.Shape().Dimensions[0]
	latent := ctx.RandomNormal(prototype.Graph(), shapes.Make(prototype.DType(), n, f.latentDim))
	muD, logVarD := Decode(ctx, latent)
	return SampleImageSpace(ctx, muD, logVarD)
}

// Encode images [B, 32, 32, 3] into the parameters of the image-space Gaussian (mean and log-scale), each
// shaped like images. It uses the posterior mean as the latent.
func (f *Frozen) Encode(images *tensors.Tensor) (muD, logVarD *tensors.Tensor, err error) {
	muD, logVarD, err = f.encodeExec.Exec2(images)
	return muD, logVarD, errors.WithMessage(err, "encoding images with the VAE")
}

// Sample n image-space samples [n, 32, 32, 3]: latent ~ N(0, I), decoded to (muD, logVarD), and then
// x = muD + exp(logVarD)·ε.
func (f *Frozen) Sample(n int) (*tensors.Tensor, error) {
	if n <= 0 {
		return nil, errors.Errorf("invalid number of samples %d", n)
	}
	samples, err := f.sampleExec.Exec1(tensors.FromShape(shapes.Make(f.dtype, n)))
	return samples, errors.WithMessage(err, "sampling from VAE")
}

// isModelVariable returns whether v is one of the VAE layers' variables, as opposed to optimizer or
// random number generator state.
func isModelVariable(v *context.Variable) bool {
	return strings.HasPrefix(v.Scope(), context.RootScope+Scope)
}

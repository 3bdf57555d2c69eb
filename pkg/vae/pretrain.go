// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vae

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ParamCheckpointPeriod is the context parameter with the period between checkpoint saves during pretraining,
// parsed with time.ParseDuration. Default is "3m".
const ParamCheckpointPeriod = "vae_checkpoint_period"

// PretrainConfig configures Pretrain.
type PretrainConfig struct {
	// Dir where the VAE checkpoints are saved. If it already has a checkpoint, training continues from it.
	Dir string

	// NumEpochs of training over the dataset.
	NumEpochs int

	// ShowProgress displays a progress bar on the terminal.
	ShowProgress bool
}

// Pretrain trains the VAE variables in ctx on the images of trainDS (the first input of each batch),
// minimizing the negative ELBO, and saves them to cfg.Dir. The optimizer is configured from the context
// (optimizers.ParamOptimizer and optimizers.ParamLearningRate).
//
// Once it returns, NewFrozen(backend, ctx) or Load(backend, cfg.Dir) provide the frozen VAE.
func Pretrain(backend backends.Backend, ctx *context.Context, trainDS train.Dataset, cfg PretrainConfig) (err error) {
	if cfg.Dir == "" {
		return errors.New("VAE pretraining requires a checkpoint directory")
	}
	checkpoint, err := checkpoints.Build(ctx).Dir(cfg.Dir).Keep(3).Done()
	if err != nil {
		return errors.WithMessagef(err, "creating VAE checkpoint in %q", cfg.Dir)
	}
	period, err := time.ParseDuration(context.GetParamOr(ctx, ParamCheckpointPeriod, "3m"))
	if err != nil {
		return errors.Wrapf(err, "parsing %q", ParamCheckpointPeriod)
	}

	// The model returns the scalar loss as its only prediction.
	customLoss := func(_, predictions []*Node) *Node { return predictions[0] }
	err = exceptions.TryCatch[error](func() {
		trainer := train.NewTrainer(backend, ctx, ModelGraph, customLoss,
			optimizers.FromContext(ctx),
			[]metrics.Interface{}, // trainMetrics
			[]metrics.Interface{}) // evalMetrics
		if optimizers.GetGlobalStep(ctx) > 0 {
			klog.Infof("Continuing VAE training from global step %d", optimizers.GetGlobalStep(ctx))
			trainer.SetContext(ctx.Reuse())
		}
		loop := train.NewLoop(trainer)
		if cfg.ShowProgress {
			commandline.AttachProgressBar(loop)
		}
		train.PeriodicCallback(loop, period, true, "saving VAE checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
		if _, err := loop.RunEpochs(trainDS, cfg.NumEpochs); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return errors.WithMessage(err, "pretraining VAE")
	}
	klog.Infof("VAE saved to %q at global step %d", checkpoint.Dir(), optimizers.GetGlobalStep(ctx))
	return nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// flowvae trains a Flow++ normalizing flow on CIFAR-10, using a pretrained (and frozen) VAE as its
// conditional base distribution.
//
// Modes:
//
//   - pretrain-vae: trains the VAE and saves it to -vae.
//   - train: trains the flow, saving a checkpoint, a reconstruction grid and a sample grid every epoch.
//   - sample: loads the latest flow checkpoint and saves a grid of samples.
//
// Hyperparameters are set with -set, e.g.: -set="batch_size=16;num_epochs=10;use_attn=false".
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/flowvae/internal/downloader"
	"github.com/gomlx/flowvae/pkg/cifar"
	"github.com/gomlx/flowvae/pkg/imagegrid"
	"github.com/gomlx/flowvae/pkg/session"
	"github.com/gomlx/flowvae/pkg/vae"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/cifar", "Directory to cache the downloaded CIFAR-10 files.")
	flagCheckpoint = flag.String("ckpt_dir", "ckpts", "Directory with one checkpoint sub-directory per epoch.")
	flagSamplesDir = flag.String("samples_dir", "samples", "Directory for the reconstruction grids.")
	flagSaveDir    = flag.String("save_dir", "samples", "Directory for the sample grids.")
	flagVAE        = flag.String("vae", "vae_ckpts/vae", "Directory of the pretrained VAE checkpoint.")
	flagResume     = flag.Bool("resume", false, "Resume training from the latest checkpoint in -ckpt_dir.")
	flagMode       = flag.String("mode", "train", "One of \"train\", \"pretrain-vae\" or \"sample\".")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := session.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagVerbosity >= 1 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	downloader.ShowProgressBar = *flagVerbosity >= 1

	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	var err error
	switch *flagMode {
	case "train":
		err = trainFlow(backend, ctx, *settings)
	case "pretrain-vae":
		err = pretrainVAE(backend, ctx)
	case "sample":
		err = sample(backend, ctx, *settings)
	default:
		klog.Exitf("Invalid -mode=%q: valid values are \"train\", \"pretrain-vae\" or \"sample\"", *flagMode)
	}
	if err != nil {
		klog.Exitf("Failed (-mode=%s): %+v", *flagMode, err)
	}
}

// loadData downloads (if needed) and loads both CIFAR-10 partitions.
func loadData() (train, test cifar.ImagesAndLabels, err error) {
	dataDir, err := fsutil.ReplaceTildeInDir(*flagDataDir)
	if err != nil {
		return
	}
	must.M(os.MkdirAll(dataDir, 0o777))
	if err = cifar.Download(dataDir); err != nil {
		return
	}
	if train, err = cifar.Load(dataDir, cifar.Train); err != nil {
		return
	}
	test, err = cifar.Load(dataDir, cifar.Test)
	return
}

func progressWriter() io.Writer {
	if *flagVerbosity >= 1 {
		return os.Stdout
	}
	return nil
}

func newSession(backend backends.Backend, ctx *context.Context, settings string, resume bool) (*session.Session, error) {
	trainData, testData, err := loadData()
	if err != nil {
		return nil, err
	}
	frozen, err := vae.Load(backend, *flagVAE)
	if err != nil {
		return nil, err
	}
	return session.New(session.Config{
		Backend:   backend,
		Context:   ctx,
		VAE:       frozen,
		TrainData: trainData,
		EvalData:  testData,
		Paths: session.Paths{
			CheckpointDir: *flagCheckpoint,
			SamplesDir:    *flagSamplesDir,
			SaveDir:       *flagSaveDir,
		},
		Resume:   resume,
		Settings: settings,
		Progress: progressWriter(),
	})
}

func trainFlow(backend backends.Backend, ctx *context.Context, settings string) error {
	s, err := newSession(backend, ctx, settings, *flagResume)
	if err != nil {
		return err
	}
	if err := s.Run(0); err != nil {
		return err
	}
	if *flagVerbosity >= 1 {
		fmt.Println(s.Report())
	}
	return nil
}

func pretrainVAE(backend backends.Backend, ctx *context.Context) error {
	trainData, _, err := loadData()
	if err != nil {
		return err
	}
	trainData, err = cifar.Take(backend, trainData, context.GetParamOr(ctx, session.ParamSubset, 0))
	if err != nil {
		return err
	}
	ds, err := cifar.NewDataset(backend, "cifar10-vae", trainData, cifar.DatasetConfig{
		BatchSize:  context.GetParamOr(ctx, session.ParamVAEBatchSize, 128),
		Shuffle:    true,
		Seed:       int64(context.GetParamOr(ctx, session.ParamSeed, 0)),
		NumWorkers: context.GetParamOr(ctx, session.ParamNumWorkers, 4),
	})
	if err != nil {
		return err
	}
	return vae.Pretrain(backend, ctx, ds, vae.PretrainConfig{
		Dir:          *flagVAE,
		NumEpochs:    context.GetParamOr(ctx, session.ParamVAENumEpochs, 10),
		ShowProgress: *flagVerbosity >= 1,
	})
}

func sample(backend backends.Backend, ctx *context.Context, settings string) error {
	s, err := newSession(backend, ctx, settings, true)
	if err != nil {
		return err
	}
	images, err := s.Sample(context.GetParamOr(ctx, session.ParamNumSamples, 64))
	if err != nil {
		return err
	}
	path := filepath.Join(*flagSaveDir, fmt.Sprintf("sample_epoch_%d.png", s.StartEpoch-1))
	if err := imagegrid.SaveTensor(path, images); err != nil {
		return err
	}
	klog.Infof("Samples saved to %q", path)
	return nil
}

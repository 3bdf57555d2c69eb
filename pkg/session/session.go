// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package session orchestrates the training of the flow: it alternates a training epoch and an evaluation
// epoch, keeps the best evaluation loss, and saves a checkpoint, a reconstruction grid, a sample grid and
// the metrics report at the end of every epoch.
//
// All the state of a run (best loss, examples seen, epoch) is held by a Session, and the flow variables,
// optimizer state and hyperparameters by its context.Context.
package session

import (
	"fmt"
	"github.com/janpfeifer/must"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/gomlx/flowvae/internal/progress"
	"github.com/gomlx/flowvae/pkg/cifar"
	"github.com/gomlx/flowvae/pkg/flowpp"
	"github.com/gomlx/flowvae/pkg/imagegrid"
	"github.com/gomlx/flowvae/pkg/losses"
	"github.com/gomlx/flowvae/pkg/meter"
	"github.com/gomlx/flowvae/pkg/optim"
	"github.com/gomlx/flowvae/pkg/report"
	"github.com/gomlx/flowvae/pkg/vae"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context parameters of the training run.
const (
	ParamNumEpochs  = "num_epochs"
	ParamNumSamples = "num_samples"
	ParamNumWorkers = "num_workers"
	ParamSeed       = "seed"

	// ParamSubset, if > 0, limits the number of examples used of each split.
	ParamSubset = "subset"
)

// Parameters saved with each checkpoint.
const (
	ParamTestLoss = "test_loss"
	ParamBestLoss = "best_loss"
	ParamEpoch    = "epoch"
	ParamRunID    = "run_id"
)

// epochDirPattern is the name of the checkpoint directory of each epoch.
const epochDirPattern = "epoch-%04d"

var epochDirRegexp = regexp.MustCompile(`^epoch-(\d+)$`)

// Paths where the outputs of a run are written.
type Paths struct {
	// CheckpointDir holds one sub-directory per epoch.
	CheckpointDir string

	// SamplesDir receives the reconstruction grids.
	SamplesDir string

	// SaveDir receives the sample grids.
	SaveDir string

	// ReportDir receives the metrics table and the loss curves. Defaults to CheckpointDir.
	ReportDir string
}

// Config of a Session.
type Config struct {
	Backend backends.Backend

	// Context with the hyperparameters. The flow variables and the optimizer state are created in it
	// (or loaded into it, when resuming).
	Context *context.Context

	// VAE providing the conditional base distribution.
	VAE *vae.Frozen

	TrainData, EvalData cifar.ImagesAndLabels

	Paths Paths

	// Resume from the latest epoch checkpoint in Paths.CheckpointDir.
	Resume bool

	// Settings are context settings (see commandline.ParseContextSettings) re-applied after the
	// hyperparameters are loaded from a checkpoint, so they take precedence.
	Settings string

	// Progress, if not nil, receives a progress bar for each epoch.
	Progress io.Writer
}

// Session of training.
type Session struct {
	backend backends.Backend
	ctx     *context.Context
	vae     *vae.Frozen
	paths   Paths

	trainSize          int
	evalSize           int
	numDims            int
	numSamples         int
	trainDS, evalDS    train.Dataset
	trainExec          *context.Exec
	evalExec           *context.Exec
	inverseExec        *context.Exec
	progressOut        io.Writer
	report             report.Report
	lastEvalBatch      *tensors.Tensor
	lastTrainLR        float64
	lastReconstruction *tensors.Tensor

	// RunID identifies the run in checkpoints and reports.
	RunID string

	// StartEpoch is the first epoch to run: 0, or the epoch after the checkpoint resumed from.
	StartEpoch int

	// BestLoss is the lowest average evaluation loss seen so far. It starts at 0 (and so it only changes
	// once the loss becomes negative), or at the loss of the checkpoint resumed from.
	BestLoss float64
}

// New creates a training session: it resumes from the latest checkpoint if cfg.Resume is set, or
// initializes the flow variables otherwise.
func New(cfg Config) (*Session, error) {
	if cfg.Backend == nil || cfg.Context == nil || cfg.VAE == nil {
		return nil, errors.New("session requires a backend, a context and a VAE")
	}
	if cfg.TrainData.Images == nil || cfg.EvalData.Images == nil {
		return nil, errors.New("session requires the training and evaluation data")
	}
	if cfg.Paths.ReportDir == "" {
		cfg.Paths.ReportDir = cfg.Paths.CheckpointDir
	}
	s := &Session{
		backend:     cfg.Backend,
		ctx:         cfg.Context,
		vae:         cfg.VAE,
		paths:       cfg.Paths,
		progressOut: cfg.Progress,
		RunID:       uuid.NewString(),
	}
	if cfg.Resume {
		if err := s.restore(cfg.Settings); err != nil {
			return nil, err
		}
		if loaded, err := report.Load(s.paths.ReportDir); err == nil {
			s.report = *loaded
		} else {
			klog.Warningf("Metrics report not loaded: %+v", err)
		}
	}

	seed := int64(context.GetParamOr(s.ctx, ParamSeed, 0))
	s.ctx.SetParam(context.ParamInitialSeed, seed)
	must.M(s.ctx.SetRNGStateFromSeed(seed))
	s.vae.SetSeed(seed)

	subset := context.GetParamOr(s.ctx, ParamSubset, 0)
	trainData, err := cifar.Take(s.backend, cfg.TrainData, subset)
	if err != nil {
		return nil, err
	}
	evalData, err := cifar.Take(s.backend, cfg.EvalData, subset)
	if err != nil {
		return nil, err
	}
	s.trainSize = trainData.NumExamples()
	s.evalSize = evalData.NumExamples()
	dims := trainData.Images.Shape().Dimensions
	s.numDims = dims[1] * dims[2] * dims[3]
	s.numSamples = context.GetParamOr(s.ctx, ParamNumSamples, 64)

	batchSize := context.GetParamOr(s.ctx, optim.ParamBatchSize, 4)
	numWorkers := context.GetParamOr(s.ctx, ParamNumWorkers, 4)
	s.trainDS, err = cifar.NewDataset(s.backend, "cifar10-train", trainData, cifar.DatasetConfig{
		BatchSize: batchSize, Shuffle: true, Flip: true, Seed: seed, NumWorkers: numWorkers})
	if err != nil {
		return nil, err
	}
	s.evalDS, err = cifar.NewDataset(s.backend, "cifar10-eval", evalData, cifar.DatasetConfig{
		BatchSize: batchSize, Seed: seed, NumWorkers: numWorkers})
	if err != nil {
		return nil, err
	}

	if cfg.Resume {
		// The counter restarts from the saved epoch times the training set size.
		savedEpoch := int64(s.StartEpoch - 1)
		if err := optim.SetExamplesSeen(s.ctx, savedEpoch*int64(s.trainSize)); err != nil {
			return nil, errors.WithMessage(err, "restoring the number of examples seen")
		}
	} else if err := s.initialize(trainData, batchSize); err != nil {
		return nil, err
	}

	// From here on all the variables exist, except the optimizer and warmup state, created with
	// Checked(false).
	reuseCtx := s.ctx.Reuse()
	if s.trainExec, err = context.NewExec(s.backend, reuseCtx, s.trainGraph); err != nil {
		return nil, errors.WithMessage(err, "creating training step")
	}
	if s.evalExec, err = context.NewExec(s.backend, reuseCtx, s.evalGraph); err != nil {
		return nil, errors.WithMessage(err, "creating evaluation step")
	}
	if s.inverseExec, err = context.NewExec(s.backend, reuseCtx, s.inverseGraph); err != nil {
		return nil, errors.WithMessage(err, "creating flow inverse")
	}
	return s, nil
}

// initialize creates the flow variables by running the flow once (in inference mode) on the first
// training examples.
func (s *Session) initialize(trainData cifar.ImagesAndLabels, batchSize int) error {
	first, err := cifar.Take(s.backend, trainData, batchSize)
	if err != nil {
		return err
	}
	_, err = context.ExecOnceN(s.backend, s.ctx, func(ctx *context.Context, images *Node) *Node {
		z, _ := flowpp.Forward(ctx, images)
		return z
	}, first.Images)
	if err != nil {
		return errors.WithMessage(err, "initializing flow variables")
	}
	klog.V(1).Infof("Flow variables initialized")
	return nil
}

// restore loads the latest epoch checkpoint: variables (flow and optimizer) and hyperparameters.
func (s *Session) restore(settings string) error {
	dir := s.paths.CheckpointDir
	if dir == "" {
		return errors.New("resuming requires a checkpoint directory")
	}
	epoch, err := LatestEpoch(dir)
	if err != nil {
		return err
	}
	epochDir := filepath.Join(dir, fmt.Sprintf(epochDirPattern, epoch))
	if _, err := checkpoints.Load(s.ctx).Dir(epochDir).Immediate().Done(); err != nil {
		return errors.WithMessagef(err, "loading checkpoint from %q", epochDir)
	}
	if settings != "" {
		if _, err := commandline.ParseContextSettings(s.ctx, settings); err != nil {
			return errors.WithMessage(err, "re-applying context settings")
		}
	}
	s.BestLoss = paramFloat(s.ctx, ParamTestLoss)
	s.StartEpoch = epoch + 1
	if runID, ok := s.ctx.GetParam(ParamRunID); ok {
		if id, ok := runID.(string); ok && id != "" {
			s.RunID = id
		}
	}
	klog.Infof("Resuming run %s from epoch %d (test loss %.4f)", s.RunID, epoch, s.BestLoss)
	return nil
}

// LatestEpoch returns the largest epoch with a checkpoint directory under dir.
// It fails if dir doesn't exist or has no epoch checkpoints.
func LatestEpoch(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrapf(err, "no checkpoint directory found at %q", dir)
	}
	var epochs []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if m := epochDirRegexp.FindStringSubmatch(entry.Name()); m != nil {
			epoch, _ := strconv.Atoi(m[1])
			epochs = append(epochs, epoch)
		}
	}
	if len(epochs) == 0 {
		return 0, errors.Errorf("no epoch checkpoints found in %q", dir)
	}
	return slices.Max(epochs), nil
}

// paramFloat reads a numeric parameter, which may have been decoded from JSON as any numeric type.
func paramFloat(ctx *context.Context, key string) float64 {
	value, found := ctx.GetParam(key)
	if !found {
		return 0
	}
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// trainGraph computes the loss of a batch, and updates the flow variables.
func (s *Session) trainGraph(ctx *context.Context, images, muD, logVarD *Node) (loss, lr *Node) {
	g := images.Graph()
	ctx.SetTraining(g, true)
	optim.Warmup(ctx, g, dtypes.Float32).BatchSize(images).Done()
	z, sldj := flowpp.Forward(ctx, images)
	loss = losses.NLL(z, sldj, muD, logVarD)
	optim.New(ctx).UpdateGraph(ctx, g, loss)
	lr = optimizers.LearningRateVar(ctx, dtypes.Float32, 0).ValueGraph(g)
	return
}

func (s *Session) evalGraph(ctx *context.Context, images, muD, logVarD *Node) *Node {
	ctx.SetTraining(images.Graph(), false)
	z, sldj := flowpp.Forward(ctx, images)
	return losses.NLL(z, sldj, muD, logVarD)
}

// inverseGraph maps z to images in [0, 1].
func (s *Session) inverseGraph(ctx *context.Context, z *Node) *Node {
	ctx.SetTraining(z.Graph(), false)
	return Sigmoid(flowpp.Inverse(ctx, z))
}

// loopBatches yields every batch of ds once, calling fn with the images of the batch.
func loopBatches(ds train.Dataset, fn func(images *tensors.Tensor) error) error {
	ds.Reset()
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithMessagef(err, "reading dataset %q", ds.Name())
		}
		if err := fn(inputs[0]); err != nil {
			return err
		}
	}
}

func (s *Session) numBatches(numExamples int) int {
	batchSize := context.GetParamOr(s.ctx, optim.ParamBatchSize, 4)
	return (numExamples + batchSize - 1) / batchSize
}

func (s *Session) newBar(description string, numExamples int) *progress.Bar {
	if s.progressOut == nil {
		return nil
	}
	return progress.New(s.progressOut, description, s.numBatches(numExamples))
}

func (s *Session) metrics(m *meter.Average, lr *float64) []progress.Metric {
	metrics := []progress.Metric{
		{Name: "nll", Value: fmt.Sprintf("%.4f", m.Avg())},
		{Name: "bpd", Value: fmt.Sprintf("%.4f", losses.BitsPerDim(m.Avg(), s.numDims))},
	}
	if lr != nil {
		metrics = append(metrics, progress.Metric{Name: "lr", Value: fmt.Sprintf("%.3g", *lr)})
	}
	return metrics
}

// TrainEpoch runs one pass over the training data, updating the flow, and returns the average loss.
func (s *Session) TrainEpoch(epoch int) (float64, error) {
	klog.V(1).Infof("Epoch %d: training", epoch)
	var m meter.Average
	bar := s.newBar(fmt.Sprintf("Epoch %d train", epoch), s.trainSize)
	err := loopBatches(s.trainDS, func(images *tensors.Tensor) error {
		muD, logVarD, err := s.vae.Encode(images)
		if err != nil {
			return err
		}
		lossT, lrT, err := s.trainExec.Exec2(images, muD, logVarD)
		if err != nil {
			return errors.WithMessagef(err, "training step of epoch %d", epoch)
		}
		batchSize := images.Shape().Dimensions[0]
		meter.Update(&m, tensors.ToScalar[float32](lossT), batchSize)
		s.lastTrainLR = float64(tensors.ToScalar[float32](lrT))
		finalize(muD, logVarD, lossT, lrT)
		if bar != nil {
			bar.Update(1, s.metrics(&m, &s.lastTrainLR)...)
		}
		return nil
	})
	if bar != nil {
		bar.Finish()
	}
	return m.Avg(), err
}

// EvalEpoch computes the average loss over the evaluation data, keeping the last batch for the
// reconstruction. It updates BestLoss.
func (s *Session) EvalEpoch(epoch int) (float64, error) {
	klog.V(1).Infof("Epoch %d: evaluating", epoch)
	var m meter.Average
	bar := s.newBar(fmt.Sprintf("Epoch %d eval", epoch), s.evalSize)
	err := loopBatches(s.evalDS, func(images *tensors.Tensor) error {
		muD, logVarD, err := s.vae.Encode(images)
		if err != nil {
			return err
		}
		lossT, err := s.evalExec.Exec1(images, muD, logVarD)
		if err != nil {
			return errors.WithMessagef(err, "evaluation step of epoch %d", epoch)
		}
		meter.Update(&m, tensors.ToScalar[float32](lossT), images.Shape().Dimensions[0])
		finalize(muD, logVarD, lossT)
		s.lastEvalBatch = images
		if bar != nil {
			bar.Update(1, s.metrics(&m, nil)...)
		}
		return nil
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return 0, err
	}
	avg := m.Avg()
	klog.V(1).Infof("Epoch %d: best loss %.4f, average evaluation loss %.4f", epoch, s.BestLoss, avg)
	if avg < s.BestLoss {
		s.BestLoss = avg
		klog.Infof("Epoch %d: new best evaluation loss %.4f", epoch, avg)
	}
	return avg, nil
}

// Reconstruct runs the flow inverse over the images of the last evaluation batch, followed by a sigmoid.
func (s *Session) Reconstruct() (*tensors.Tensor, error) {
	if s.lastEvalBatch == nil {
		return nil, errors.New("no evaluation batch to reconstruct, run EvalEpoch first")
	}
	images, err := s.inverseExec.Exec1(s.lastEvalBatch)
	return images, errors.WithMessage(err, "reconstructing")
}

// Sample n images: image-space samples of the VAE (from latents drawn from N(0, I)) mapped through the
// flow inverse, followed by a sigmoid. Values are in [0, 1].
func (s *Session) Sample(n int) (*tensors.Tensor, error) {
	z, err := s.vae.Sample(n)
	if err != nil {
		return nil, err
	}
	defer finalize(z)
	images, err := s.inverseExec.Exec1(z)
	return images, errors.WithMessage(err, "sampling")
}

// SaveCheckpoint saves the context (flow variables, optimizer state and hyperparameters), with the
// evaluation loss, the best loss, the epoch and the run id, to the epoch's checkpoint directory. An existing checkpoint
// of the same epoch is replaced.
func (s *Session) SaveCheckpoint(epoch int, testLoss float64) error {
	dir := filepath.Join(s.paths.CheckpointDir, fmt.Sprintf(epochDirPattern, epoch))
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "removing previous checkpoint %q", dir)
	}
	s.ctx.SetParam(ParamTestLoss, testLoss)
	s.ctx.SetParam(ParamBestLoss, s.BestLoss)
	s.ctx.SetParam(ParamEpoch, epoch)
	s.ctx.SetParam(ParamRunID, s.RunID)
	handler, err := checkpoints.Build(s.ctx).Dir(dir).Keep(-1).Done()
	if err != nil {
		return errors.WithMessagef(err, "creating checkpoint %q", dir)
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint %q", dir)
	}
	klog.Infof("Epoch %d: checkpoint saved to %q", epoch, dir)
	return nil
}

// saveImages writes the reconstruction grid and a sample grid of the epoch.
func (s *Session) saveImages(epoch int) error {
	reconstruction, err := s.Reconstruct()
	if err != nil {
		return err
	}
	if s.lastReconstruction != nil {
		finalize(s.lastReconstruction)
	}
	s.lastReconstruction = reconstruction
	// Both grids have ⌊√num_samples⌋ images per row.
	nrow := imagegrid.NumPerRow(s.numSamples)
	if err := imagegrid.SaveTensorGrid(
		filepath.Join(s.paths.SamplesDir, fmt.Sprintf("reconstruction_epoch_%d.png", epoch)), reconstruction, nrow); err != nil {
		return err
	}
	samples, err := s.Sample(s.numSamples)
	if err != nil {
		return err
	}
	defer finalize(samples)
	return imagegrid.SaveTensorGrid(filepath.Join(s.paths.SaveDir, fmt.Sprintf("epoch_%d.png", epoch)), samples, nrow)
}

// Epoch runs one training epoch followed by one evaluation epoch, and saves the checkpoint, the images
// and the metrics report of the epoch.
func (s *Session) Epoch(epoch int) (report.Record, error) {
	start := time.Now()
	trainLoss, err := s.TrainEpoch(epoch)
	if err != nil {
		return report.Record{}, err
	}
	testLoss, err := s.EvalEpoch(epoch)
	if err != nil {
		return report.Record{}, err
	}
	if err := s.SaveCheckpoint(epoch, testLoss); err != nil {
		return report.Record{}, err
	}
	if err := s.saveImages(epoch); err != nil {
		return report.Record{}, err
	}
	record := report.Record{
		RunID:        s.RunID,
		Epoch:        epoch,
		TrainLoss:    trainLoss,
		TrainBPD:     losses.BitsPerDim(trainLoss, s.numDims),
		TestLoss:     testLoss,
		TestBPD:      losses.BitsPerDim(testLoss, s.numDims),
		BestLoss:     s.BestLoss,
		LearningRate: s.lastTrainLR,
		ExamplesSeen: int(optim.GetExamplesSeen(s.ctx)),
		Seconds:      time.Since(start).Seconds(),
	}
	s.report.Add(record)
	if s.paths.ReportDir != "" {
		if err := s.report.Save(s.paths.ReportDir); err != nil {
			return record, err
		}
	}
	return record, nil
}

// Run trains for numEpochs epochs, starting at StartEpoch. If numEpochs <= 0 it is read from the
// context parameter ParamNumEpochs.
func (s *Session) Run(numEpochs int) error {
	if numEpochs <= 0 {
		numEpochs = context.GetParamOr(s.ctx, ParamNumEpochs, 100)
	}
	for epoch := s.StartEpoch; epoch < s.StartEpoch+numEpochs; epoch++ {
		record, err := s.Epoch(epoch)
		if err != nil {
			return errors.WithMessagef(err, "epoch %d", epoch)
		}
		klog.Infof("Epoch %d: train loss %.4f (%.3f bpd), test loss %.4f (%.3f bpd), best %.4f, %s",
			epoch, record.TrainLoss, record.TrainBPD, record.TestLoss, record.TestBPD, record.BestLoss,
			commandline.FormatDuration(time.Duration(record.Seconds*float64(time.Second))))
	}
	return nil
}

// Report returns the metrics of the epochs run so far (including those of the run resumed from).
func (s *Session) Report() *report.Report { return &s.report }

// ExamplesSeen returns the number of training examples seen so far.
func (s *Session) ExamplesSeen() int64 { return optim.GetExamplesSeen(s.ctx) }

// TrainSize is the number of training examples per epoch.
func (s *Session) TrainSize() int { return s.trainSize }

func finalize(ts ...*tensors.Tensor) {
	for _, t := range ts {
		if t != nil {
			_ = t.FinalizeAll()
		}
	}
}

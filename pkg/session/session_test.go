package session

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/flowvae/pkg/cifar"
	"github.com/gomlx/flowvae/pkg/flowpp"
	"github.com/gomlx/flowvae/pkg/optim"
	"github.com/gomlx/flowvae/pkg/report"
	"github.com/gomlx/flowvae/pkg/vae"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// syntheticData returns n images with smooth, example-dependent patterns.
func syntheticData(n, offset int) cifar.ImagesAndLabels {
	images := make([]float32, n*cifar.Height*cifar.Width*cifar.Depth)
	labels := make([]int64, n)
	idx := 0
	for ii := range n {
		labels[ii] = int64((ii + offset) % 10)
		for h := range cifar.Height {
			for w := range cifar.Width {
				for d := range cifar.Depth {
					images[idx] = float32((ii+offset)*13+h*5+w*3+d*61) / 255
					for images[idx] > 1 {
						images[idx] -= 1
					}
					idx++
				}
			}
		}
	}
	return cifar.ImagesAndLabels{
		Images: tensors.FromFlatDataAndDimensions(images, n, cifar.Height, cifar.Width, cifar.Depth),
		Labels: tensors.FromFlatDataAndDimensions(labels, n, 1),
	}
}

// tinyVAE creates a randomly initialized frozen VAE.
func tinyVAE(t *testing.T, backend backends.Backend) *vae.Frozen {
	ctx := context.New()
	ctx.SetParam(vae.ParamLatentDim, 4)
	ctx.SetParam(context.ParamInitialSeed, int64(7))
	_, err := context.ExecOnceN(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return vae.Loss(ctx, images)
	}, syntheticData(2, 0).Images)
	require.NoError(t, err)
	frozen, err := vae.NewFrozen(backend, ctx)
	require.NoError(t, err)
	return frozen
}

func tinyContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		flowpp.ParamNumChannels:      4,
		flowpp.ParamNumBlocks:        1,
		flowpp.ParamNumComponents:    2,
		flowpp.ParamNumDequantBlocks: 1,
		flowpp.ParamUseAttention:     false,
		flowpp.ParamDropProb:         0.0,
		optimizers.ParamLearningRate: 1e-3,
		optim.ParamBatchSize:         2,
		optim.ParamWarmUp:            2,
		ParamNumWorkers:              0,
		ParamNumSamples:              4,
		ParamSeed:                    1,
	})
	return ctx
}

func tinyPaths(dir string) Paths {
	return Paths{
		CheckpointDir: filepath.Join(dir, "ckpts"),
		SamplesDir:    filepath.Join(dir, "samples"),
		SaveDir:       filepath.Join(dir, "save"),
	}
}

func newTinySession(t *testing.T, backend backends.Backend, frozen *vae.Frozen, dir string, resume bool) *Session {
	s, err := New(Config{
		Backend:   backend,
		Context:   tinyContext(),
		VAE:       frozen,
		TrainData: syntheticData(4, 0),
		EvalData:  syntheticData(2, 100),
		Paths:     tinyPaths(dir),
		Resume:    resume,
	})
	require.NoError(t, err)
	return s
}

func assertInUnitRange(t *testing.T, images *tensors.Tensor) {
	for _, v := range tensors.MustCopyFlatData[float32](images) {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}
}

func TestLatestEpoch(t *testing.T) {
	dir := t.TempDir()
	_, err := LatestEpoch(filepath.Join(dir, "missing"))
	require.Error(t, err)
	_, err = LatestEpoch(dir)
	require.Error(t, err)

	for _, name := range []string{"epoch-0001", "epoch-0012", "epoch-0003", "other"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "epoch-0099"), []byte("not a dir"), 0o644))
	epoch, err := LatestEpoch(dir)
	require.NoError(t, err)
	assert.Equal(t, 12, epoch)
}

func TestNewRequiresResumeDirectory(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := New(Config{
		Backend:   backend,
		Context:   tinyContext(),
		VAE:       tinyVAE(t, backend),
		TrainData: syntheticData(4, 0),
		EvalData:  syntheticData(2, 100),
		Paths:     tinyPaths(t.TempDir()),
		Resume:    true,
	})
	require.Error(t, err)
}

func TestRunAndResume(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	frozen := tinyVAE(t, backend)
	dir := t.TempDir()
	paths := tinyPaths(dir)

	s := newTinySession(t, backend, frozen, dir, false)
	assert.Equal(t, 0, s.StartEpoch)
	assert.Equal(t, 0.0, s.BestLoss)
	require.NoError(t, s.Run(2))
	assert.Equal(t, int64(8), s.ExamplesSeen())

	for _, path := range []string{
		filepath.Join(paths.CheckpointDir, "epoch-0000"),
		filepath.Join(paths.CheckpointDir, "epoch-0001"),
		filepath.Join(paths.SamplesDir, "reconstruction_epoch_1.png"),
		filepath.Join(paths.SaveDir, "epoch_0.png"),
		filepath.Join(paths.SaveDir, "epoch_1.png"),
		filepath.Join(paths.CheckpointDir, report.CSVFile),
	} {
		assert.FileExists(t, path)
	}
	// Reconstruction of the 2 evaluation images of 32x32 uses ⌊√num_samples⌋ = 2 images per row.
	grid, err := imaging.Open(filepath.Join(paths.SamplesDir, "reconstruction_epoch_1.png"))
	require.NoError(t, err)
	assert.Equal(t, 2*(32+2)+2, grid.Bounds().Dx())
	assert.Equal(t, 32+2+2, grid.Bounds().Dy())

	records := s.Report().Records
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[1].Epoch)
	assert.Equal(t, 8, records[1].ExamplesSeen)
	assert.Greater(t, records[1].TestLoss, 0.0)

	// Outputs are images, regardless of how (un)trained the flow is.
	samples, err := s.Sample(3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 32, 32, 3}, samples.Shape().Dimensions)
	assertInUnitRange(t, samples)
	reconstruction, err := s.Reconstruct()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 32, 32, 3}, reconstruction.Shape().Dimensions)
	assertInUnitRange(t, reconstruction)

	// Resuming from epoch 1: counter is 1 × train set size, and training continues at epoch 2.
	resumed := newTinySession(t, backend, frozen, dir, true)
	assert.Equal(t, 2, resumed.StartEpoch)
	assert.Equal(t, s.RunID, resumed.RunID)
	assert.Equal(t, int64(1*resumed.TrainSize()), resumed.ExamplesSeen())
	assert.InDelta(t, records[1].TestLoss, resumed.BestLoss, 1e-6)
	require.Len(t, resumed.Report().Records, 2)
	require.NoError(t, resumed.Run(1))
	assert.DirExists(t, filepath.Join(paths.CheckpointDir, "epoch-0002"))
	assert.Len(t, resumed.Report().Records, 3)
}

// loadCheckpointParam reads a parameter saved with the checkpoint of the given epoch.
func loadCheckpointParam(t *testing.T, checkpointDir string, epoch int, key string) float64 {
	ctx := context.New()
	_, err := checkpoints.Load(ctx).Dir(filepath.Join(checkpointDir, fmt.Sprintf(epochDirPattern, epoch))).Immediate().Done()
	require.NoError(t, err)
	_, found := ctx.GetParam(key)
	require.True(t, found, "parameter %q not saved in checkpoint", key)
	return paramFloat(ctx, key)
}

func TestDeterministic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	frozen := tinyVAE(t, backend)
	var testLosses, savedLosses []float64
	for range 2 {
		dir := t.TempDir()
		s := newTinySession(t, backend, frozen, dir, false)
		record, err := s.Epoch(0)
		require.NoError(t, err)
		testLosses = append(testLosses, record.TestLoss)
		savedLosses = append(savedLosses, loadCheckpointParam(t, tinyPaths(dir).CheckpointDir, 0, ParamTestLoss))
	}
	assert.Equal(t, testLosses[0], testLosses[1])
	assert.Equal(t, savedLosses[0], savedLosses[1])
	assert.InDelta(t, testLosses[0], savedLosses[0], 1e-6)
}

func TestBestLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	frozen := tinyVAE(t, backend)
	dir := t.TempDir()
	ckptDir := tinyPaths(dir).CheckpointDir
	s := newTinySession(t, backend, frozen, dir, false)

	// A positive evaluation loss never improves on the initial best loss of 0.
	record, err := s.Epoch(0)
	require.NoError(t, err)
	require.Greater(t, record.TestLoss, 0.0)
	assert.Equal(t, 0.0, record.BestLoss)
	assert.Equal(t, 0.0, s.BestLoss)
	assert.Equal(t, 0.0, loadCheckpointParam(t, ckptDir, 0, ParamBestLoss))

	// Replace the evaluation with a constant negative loss: it becomes the best loss.
	s.evalExec, err = context.NewExec(backend, s.ctx.Reuse(),
		func(ctx *context.Context, images, muD, logVarD *Node) *Node {
			return AddScalar(MulScalar(ReduceAllMean(images), 0), -3)
		})
	require.NoError(t, err)
	record, err = s.Epoch(1)
	require.NoError(t, err)
	assert.InDelta(t, -3.0, record.TestLoss, 1e-6)
	assert.InDelta(t, -3.0, record.BestLoss, 1e-6)
	assert.InDelta(t, -3.0, s.BestLoss, 1e-6)
	assert.InDelta(t, -3.0, loadCheckpointParam(t, ckptDir, 1, ParamTestLoss), 1e-6)
	assert.InDelta(t, -3.0, loadCheckpointParam(t, ckptDir, 1, ParamBestLoss), 1e-6)
	require.Len(t, s.Report().Records, 2)
	assert.InDelta(t, -3.0, s.Report().Records[1].BestLoss, 1e-6)
}

func TestTrainGraphWarmup(t *testing.T) {
	// The learning rate grows linearly with the examples seen before each step.
	backend := graphtest.BuildTestBackend()
	ctx := tinyContext()
	ctx.SetParam(optim.ParamWarmUp, 4)
	s := &Session{ctx: ctx}
	images := syntheticData(2, 0).Images
	muD := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 32, 32, 3))
	logVarD := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 32, 32, 3))
	_, err := context.ExecOnceN(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		z, _ := flowpp.Forward(ctx, images)
		return z
	}, images)
	require.NoError(t, err)
	exec, err := context.NewExec(backend, ctx.Reuse(), s.trainGraph)
	require.NoError(t, err)
	var lrs []float32
	for range 3 {
		_, lr, err := exec.Exec2(images, muD, logVarD)
		require.NoError(t, err)
		lrs = append(lrs, tensors.ToScalar[float32](lr))
	}
	// warm_up=4 batches of 2: 8 examples.
	assert.InDeltaSlice(t, []float32{0, 2.5e-4, 5e-4}, lrs, 1e-9)
	assert.Equal(t, int64(6), optim.GetExamplesSeen(ctx))
}

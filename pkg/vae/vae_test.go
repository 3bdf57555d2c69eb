package vae

import (
	"github.com/janpfeifer/must"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func smallContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamLatentDim:               8,
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	})
	must.M(ctx.SetRNGStateFromSeed(42))
	return ctx
}

func constantImages(n int, value float32) *tensors.Tensor {
	data := make([]float32, n*ImageSize*ImageSize*ImageChannels)
	for ii := range data {
		data[ii] = value
	}
	return tensors.FromFlatDataAndDimensions(data, n, ImageSize, ImageSize, ImageChannels)
}

func TestKLDivergence(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	kl := MustExecOnce(backend, func(mu, logVar *Node) *Node {
		return KLDivergence(mu, logVar)
	}, [][]float32{{0, 0}, {1, 0}}, [][]float32{{0, 0}, {0, 0}})
	assert.InDeltaSlice(t, []float32{0, 0.5}, kl.Value(), 1e-6)
}

func TestShapesAndLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext()
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		mu, logVar := Encoder(ctx, images)
		muD, logVarD := Decode(ctx, mu)
		return []*Node{mu, logVar, muD, logVarD, Loss(ctx.Reuse(), images)}
	}, constantImages(3, 0.5))
	assert.Equal(t, []int{3, 8}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{3, 8}, outputs[1].Shape().Dimensions)
	assert.Equal(t, []int{3, ImageSize, ImageSize, ImageChannels}, outputs[2].Shape().Dimensions)
	for _, v := range tensors.MustCopyFlatData[float32](outputs[3]) {
		require.GreaterOrEqual(t, v, float32(minLogScale))
		require.LessOrEqual(t, v, float32(maxLogScale))
	}
	loss := tensors.ToScalar[float32](outputs[4])
	assert.False(t, math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0))
}

func TestPretrainAndFreeze(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := smallContext()
	ds, err := datasets.InMemoryFromData(backend, "vae-test",
		[]any{constantImages(4, 0.25)}, []any{tensors.FromShape(shapes.Make(dtypes.Int64, 4, 1))})
	require.NoError(t, err)
	ds.BatchSize(2, true)

	dir := t.TempDir()
	require.NoError(t, Pretrain(backend, ctx, ds, PretrainConfig{Dir: dir, NumEpochs: 1}))
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(ctx))

	frozen, err := Load(backend, dir)
	require.NoError(t, err)
	assert.Equal(t, 8, frozen.LatentDim())
	for v := range frozen.ctx.IterVariables() {
		assert.False(t, v.Trainable, "variable %s should be frozen", v.ScopeAndName())
	}

	muD, logVarD, err := frozen.Encode(constantImages(2, 0.25))
	require.NoError(t, err)
	assert.Equal(t, []int{2, ImageSize, ImageSize, ImageChannels}, muD.Shape().Dimensions)
	assert.Equal(t, muD.Shape(), logVarD.Shape())

	// Encoding is deterministic: it uses the posterior mean.
	muD2, _, err := frozen.Encode(constantImages(2, 0.25))
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](muD), tensors.MustCopyFlatData[float32](muD2))

	frozen.SetSeed(7)
	samples, err := frozen.Sample(5)
	require.NoError(t, err)
	assert.Equal(t, []int{5, ImageSize, ImageSize, ImageChannels}, samples.Shape().Dimensions)
	frozen.SetSeed(7)
	samples2, err := frozen.Sample(5)
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](samples), tensors.MustCopyFlatData[float32](samples2))

	_, err = frozen.Sample(0)
	require.Error(t, err)

	_, err = Load(backend, t.TempDir()+"/missing")
	require.Error(t, err)
}

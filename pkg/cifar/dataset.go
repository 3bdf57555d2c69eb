// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"github.com/janpfeifer/must"
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// DatasetConfig configures the batches yielded by NewDataset.
type DatasetConfig struct {
	// BatchSize of the yielded batches. The last batch of an epoch may be smaller.
	BatchSize int

	// Shuffle the examples at every epoch.
	Shuffle bool

	// Flip horizontally each image with probability 0.5.
	Flip bool

	// Seed for the shuffling and the flips.
	Seed int64

	// NumWorkers, if > 0, prepares that many batches ahead in a background goroutine.
	// The order of the batches is preserved.
	NumWorkers int
}

// NewDataset creates a dataset over il that loops once over all the examples per epoch (it returns io.EOF at the
// end, and must be Reset to start a new epoch).
//
// Each batch has one input, the images shaped [batch_size, Height, Width, Depth], and one label (ignored by the
// flow) shaped [batch_size, 1].
func NewDataset(backend backends.Backend, name string, il ImagesAndLabels, cfg DatasetConfig) (train.Dataset, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d for dataset %q", cfg.BatchSize, name)
	}
	mds, err := datasets.InMemoryFromData(backend, name, []any{il.Images}, []any{il.Labels})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating dataset %q", name)
	}
	mds = mds.WithRand(rand.New(rand.NewSource(cfg.Seed)))
	if cfg.Shuffle {
		mds = mds.Shuffle()
	}
	var ds train.Dataset = mds.BatchSize(cfg.BatchSize, false)
	if cfg.Flip {
		ctx := context.New()
		must.M(ctx.SetRNGStateFromSeed(cfg.Seed))
		ds = datasets.MapWithGraphFn(backend, ctx, ds, randomFlipGraph)
	}
	if cfg.NumWorkers > 0 {
		ds = datasets.ReadAhead(ds, cfg.NumWorkers)
	}
	return ds, nil
}

// randomFlipGraph reverses the width axis of each image with probability 0.5.
func randomFlipGraph(ctx *context.Context, inputs, labels []*Node) ([]*Node, []*Node) {
	images := inputs[0]
	g := images.Graph()
	dims := images.Shape().Dimensions
	flip := ctx.RandomBernoulli(Scalar(g, images.DType(), 0.5), shapes.Make(dtypes.Bool, dims[0], 1, 1, 1))
	flip = BroadcastToDims(flip, dims...)
	return []*Node{Where(flip, Reverse(images, 2), images)}, labels
}

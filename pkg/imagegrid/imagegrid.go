// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagegrid lays out batches of images in a grid and saves them as PNG files.
package imagegrid

import (
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// DefaultPadding between images, in pixels.
const DefaultPadding = 2

// DefaultPadColor is white: the images are in [0, 1] and the padding value 255 saturates.
var DefaultPadColor color.Color = color.White

// Grid lays out imgs (all of the same size) in a grid with nrow images per row, separated and surrounded by
// padding pixels of color pad. The last row may be incomplete.
//
// A single image is returned as is, with no padding.
func Grid(imgs []image.Image, nrow, padding int, pad color.Color) *image.NRGBA {
	if len(imgs) == 0 {
		return image.NewNRGBA(image.Rect(0, 0, 0, 0))
	}
	if len(imgs) == 1 {
		return imaging.Clone(imgs[0])
	}
	nrow = max(nrow, 1)
	cols := min(nrow, len(imgs))
	rows := (len(imgs) + cols - 1) / cols
	bounds := imgs[0].Bounds()
	cellWidth, cellHeight := bounds.Dx()+padding, bounds.Dy()+padding
	grid := imaging.New(cols*cellWidth+padding, rows*cellHeight+padding, pad)
	for ii, img := range imgs {
		row, col := ii/cols, ii%cols
		grid = imaging.Paste(grid, img, image.Pt(col*cellWidth+padding, row*cellHeight+padding))
	}
	return grid
}

// NumPerRow returns the number of images per row for a roughly square grid of n images: ⌊√n⌋.
func NumPerRow(n int) int {
	nrow := 1
	for (nrow+1)*(nrow+1) <= n {
		nrow++
	}
	return nrow
}

// FromTensor converts a batch of images shaped [N, H, W, C] with values in [0, 1] to images.
// Values outside [0, 1] are clamped.
func FromTensor(batch *tensors.Tensor) ([]image.Image, error) {
	if batch.Rank() != 4 {
		return nil, errors.Errorf("images must be shaped [batch, height, width, channels], got %s", batch.Shape())
	}
	if batch.DType() != dtypes.Float32 {
		return nil, errors.Errorf("images must be float32, got %s", batch.DType())
	}
	values := tensors.MustCopyFlatData[float32](batch)
	for ii, v := range values {
		values[ii] = min(max(v, 0), 1)
	}
	clamped := tensors.FromFlatDataAndDimensions(values, batch.Shape().Dimensions...)
	return images.ToImage().MaxValue(1.0).Batch(clamped), nil
}

// Save img as a PNG (or the format of the path extension) to path, creating its directory if needed.
func Save(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return errors.Wrapf(err, "creating directory for %q", path)
	}
	return errors.Wrapf(imaging.Save(img, path), "saving image to %q", path)
}

// SaveTensor saves the batch of images in [0, 1] as a grid with ⌊√N⌋ images per row, with the default
// padding and pad color.
func SaveTensor(path string, batch *tensors.Tensor) error {
	return SaveTensorGrid(path, batch, 0)
}

// SaveTensorGrid is like SaveTensor, but with nrow images per row. If nrow <= 0, ⌊√N⌋ is used.
func SaveTensorGrid(path string, batch *tensors.Tensor, nrow int) error {
	imgs, err := FromTensor(batch)
	if err != nil {
		return err
	}
	if nrow <= 0 {
		nrow = NumPerRow(len(imgs))
	}
	return Save(path, Grid(imgs, nrow, DefaultPadding, DefaultPadColor))
}

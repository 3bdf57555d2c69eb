package imagegrid

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Color) image.Image {
	return imaging.New(w, h, c)
}

func TestGridGeometry(t *testing.T) {
	black := color.NRGBA{A: 255}
	imgs := make([]image.Image, 5)
	for ii := range imgs {
		imgs[ii] = solid(4, 3, black)
	}
	// 5 images, 2 per row: 3 rows.
	grid := Grid(imgs, 2, 2, color.White)
	assert.Equal(t, 2*(4+2)+2, grid.Bounds().Dx())
	assert.Equal(t, 3*(3+2)+2, grid.Bounds().Dy())

	// Padding is white, images are pasted after the padding.
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, grid.NRGBAAt(0, 0))
	assert.Equal(t, black, grid.NRGBAAt(2, 2))
	assert.Equal(t, black, grid.NRGBAAt(2+6, 2+5))
	// Missing 6th image leaves the pad color.
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, grid.NRGBAAt(2+6, 2+10))

	// More images per row than images: a single row.
	grid = Grid(imgs[:3], 8, 2, color.White)
	assert.Equal(t, 3*(4+2)+2, grid.Bounds().Dx())
	assert.Equal(t, 3+4, grid.Bounds().Dy())

	// A single image is returned without padding.
	assert.Equal(t, image.Rect(0, 0, 4, 3), Grid(imgs[:1], 8, 2, color.White).Bounds())
}

func TestNumPerRow(t *testing.T) {
	assert.Equal(t, 8, NumPerRow(64))
	assert.Equal(t, 1, NumPerRow(3))
	assert.Equal(t, 2, NumPerRow(4))
	assert.Equal(t, 7, NumPerRow(63))
}

func TestSaveTensor(t *testing.T) {
	batch := tensors.FromFlatDataAndDimensions([]float32{
		-0.5, 0.5, 1.5, // Clamped to 0, 0.5, 1.
		0, 0, 0,
		1, 1, 1,
		0.2, 0.2, 0.2,
	}, 4, 1, 1, 3)
	imgs, err := FromTensor(batch)
	require.NoError(t, err)
	require.Len(t, imgs, 4)
	assert.Equal(t, color.NRGBA{0, 128, 255, 255}, imgs[0].(*image.NRGBA).NRGBAAt(0, 0))

	path := filepath.Join(t.TempDir(), "samples", "epoch_1.png")
	require.NoError(t, SaveTensor(path, batch))
	saved, err := imaging.Open(path)
	require.NoError(t, err)
	// 4 images of 1x1, 2 per row, padding 2.
	assert.Equal(t, image.Rect(0, 0, 8, 8), saved.Bounds())

	_, err = FromTensor(tensors.FromFlatDataAndDimensions([]float32{1}, 1))
	require.Error(t, err)
}

func TestSaveTensorGrid(t *testing.T) {
	// 2 images of 1x1: ⌊√2⌋ = 1 per row by default.
	batch := tensors.FromFlatDataAndDimensions(make([]float32, 2*3), 2, 1, 1, 3)
	dir := t.TempDir()
	for _, tc := range []struct {
		nrow int
		want image.Rectangle
	}{
		{0, image.Rect(0, 0, 5, 8)},
		{2, image.Rect(0, 0, 8, 5)},
	} {
		path := filepath.Join(dir, "grid.png")
		require.NoError(t, SaveTensorGrid(path, batch, tc.nrow))
		saved, err := imaging.Open(path)
		require.NoError(t, err)
		assert.Equal(t, tc.want, saved.Bounds(), "nrow=%d", tc.nrow)
	}
}

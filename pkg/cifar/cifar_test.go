package cifar

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// syntheticRecords returns numExamples records where example i has label i%10 and channel d of pixel (h, w)
// has value (i + d*7 + h + w) % 256.
func syntheticRecords(numExamples int) []byte {
	var buf bytes.Buffer
	for ii := range numExamples {
		buf.WriteByte(byte(ii % 10))
		for d := range Depth {
			for h := range Height {
				for w := range Width {
					buf.WriteByte(byte((ii + d*7 + h + w) % 256))
				}
			}
		}
	}
	return buf.Bytes()
}

func pixel(ii, h, w, d int) float32 {
	return float32((ii+d*7+h+w)%256) / 255
}

func TestReadRecords(t *testing.T) {
	const numExamples = 3
	images := make([]float32, numExamples*imageSizeBytes)
	labels := make([]int64, numExamples)
	require.NoError(t, ReadRecords(bytes.NewReader(syntheticRecords(numExamples)), numExamples, 0, images, labels))
	assert.Equal(t, []int64{0, 1, 2}, labels)
	// Channels-last layout.
	idx := func(ii, h, w, d int) int { return ((ii*Height+h)*Width+w)*Depth + d }
	assert.Equal(t, pixel(2, 5, 9, 1), images[idx(2, 5, 9, 1)])
	assert.Equal(t, pixel(0, 31, 0, 2), images[idx(0, 31, 0, 2)])

	// Truncated data.
	err := ReadRecords(bytes.NewReader(syntheticRecords(2)), numExamples, 0, images, labels)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func writeFiles(t *testing.T, numFiles, examplesPerFile int) []string {
	dir := t.TempDir()
	files := make([]string, numFiles)
	for ii := range files {
		files[ii] = filepath.Join(dir, Train.Files()[ii])
		require.NoError(t, os.MkdirAll(filepath.Dir(files[ii]), 0777))
		require.NoError(t, os.WriteFile(files[ii], syntheticRecords(examplesPerFile), 0644))
	}
	return files
}

func TestLoadFiles(t *testing.T) {
	files := writeFiles(t, 2, 4)
	il, err := LoadFiles(files, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, il.NumExamples())
	assert.Equal(t, []int{8, Height, Width, Depth}, il.Images.Shape().Dimensions)
	labels := tensors.MustCopyFlatData[int64](il.Labels)
	assert.Equal(t, []int64{0, 1, 2, 3, 0, 1, 2, 3}, labels)

	_, err = LoadFiles([]string{filepath.Join(t.TempDir(), "missing.bin")}, 4)
	require.Error(t, err)
}

func TestNewDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	il, err := LoadFiles(writeFiles(t, 1, 10), 10)
	require.NoError(t, err)

	il, err = Take(backend, il, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, il.NumExamples())
	original := tensors.MustCopyFlatData[float32](il.Images)

	for _, numWorkers := range []int{0, 2} {
		ds, err := NewDataset(backend, "cifar-test", il, DatasetConfig{
			BatchSize: 3, Shuffle: true, Flip: true, Seed: 1, NumWorkers: numWorkers})
		require.NoError(t, err)
		seen := make(map[int64]int)
		var batchSizes []int
		for {
			_, inputs, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			batchSizes = append(batchSizes, inputs[0].Shape().Dimensions[0])
			images := tensors.MustCopyFlatData[float32](inputs[0])
			for ii, label := range tensors.MustCopyFlatData[int64](labels[0]) {
				seen[label]++
				// Each image is either the original or its horizontal mirror.
				got := images[ii*imageSizeBytes : (ii+1)*imageSizeBytes]
				want := original[int(label)*imageSizeBytes : (int(label)+1)*imageSizeBytes]
				flipped := got[0] != want[0] || got[Depth] != want[Depth]
				for h := range Height {
					for w := range Width {
						srcW := w
						if flipped {
							srcW = Width - 1 - w
						}
						for d := range Depth {
							require.Equal(t, want[(h*Width+srcW)*Depth+d], got[(h*Width+w)*Depth+d])
						}
					}
				}
			}
		}
		assert.Equal(t, []int{3, 3, 1}, batchSizes, "numWorkers=%d", numWorkers)
		assert.Len(t, seen, 7)
	}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar downloads and loads the Cifar-10 dataset (binary version), and creates the training and
// evaluation datasets of images used by the flow.
// Information about it in https://www.cs.toronto.edu/~kriz/cifar.html
package cifar

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/gomlx/flowvae/internal/downloader"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

const (
	URL      = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	TarName  = "cifar-10-binary.tar.gz"
	SubDir   = "cifar-10-batches-bin"
	Checksum = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	// NumExamples is the total number of examples, including training and testing.
	NumExamples = 60000

	// NumTrainExamples is the number of examples reserved for training, the starting ones.
	NumTrainExamples = 50000

	// NumTestExamples is the number of examples reserved for testing, the last ones.
	NumTestExamples = 10000

	// ExamplesPerFile in the binary distribution: 5 training files and 1 test file.
	ExamplesPerFile = 10000
)

// Width, Height and Depth are the dimensions of the images.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

const imageSizeBytes = Height * Width * Depth

// recordSizeBytes is the size of one example in the binary files: one byte label followed by the image.
const recordSizeBytes = imageSizeBytes + 1

// Download Cifar-10 to dataDir, if not there yet.
func Download(dataDir string) error {
	return downloader.DownloadAndUntarIfMissing(URL, dataDir, TarName, SubDir, Checksum)
}

// Partition refers to the train or test partitions of the datasets.
type Partition int

const (
	Train Partition = iota
	Test
)

// String implements fmt.Stringer.
func (p Partition) String() string {
	if p == Train {
		return "train"
	}
	return "test"
}

// Files returns the binary files of the partition, relative to the data directory.
func (p Partition) Files() []string {
	if p == Test {
		return []string{path.Join(SubDir, "test_batch.bin")}
	}
	files := make([]string, 5)
	for ii := range files {
		files[ii] = path.Join(SubDir, fmt.Sprintf("data_batch_%d.bin", ii+1))
	}
	return files
}

// ImagesAndLabels of one partition: images are float32 shaped [N, Height, Width, Depth] with values in [0, 1],
// and labels are int64 shaped [N, 1].
type ImagesAndLabels struct {
	Images, Labels *tensors.Tensor
}

// NumExamples in the partition.
func (il ImagesAndLabels) NumExamples() int {
	return il.Images.Shape().Dimensions[0]
}

// ReadRecords reads numExamples records from r, converting the images (stored channels-first) to channels-last
// float32 values in [0, 1], starting at example offset of the given flat buffers.
func ReadRecords(r io.Reader, numExamples, offset int, images []float32, labels []int64) error {
	var record [recordSizeBytes]byte
	for ii := range numExamples {
		if _, err := io.ReadFull(r, record[:]); err != nil {
			return errors.Wrapf(err, "reading example %d (out of %d)", ii, numExamples)
		}
		exampleIdx := offset + ii
		labels[exampleIdx] = int64(record[0])
		img := record[1:]
		tensorPos := exampleIdx * imageSizeBytes
		for h := range Height {
			for w := range Width {
				for d := range Depth {
					images[tensorPos] = float32(img[d*(Height*Width)+h*Width+w]) / 255
					tensorPos++
				}
			}
		}
	}
	return nil
}

// LoadFiles loads the given binary files (each with examplesPerFile records) into an ImagesAndLabels.
func LoadFiles(files []string, examplesPerFile int) (il ImagesAndLabels, err error) {
	numExamples := len(files) * examplesPerFile
	il.Images = tensors.FromShape(shapes.Make(dtypes.Float32, numExamples, Height, Width, Depth))
	il.Labels = tensors.FromShape(shapes.Make(dtypes.Int64, numExamples, 1))
	tensors.MustMutableFlatData[float32](il.Images, func(images []float32) {
		tensors.MustMutableFlatData[int64](il.Labels, func(labels []int64) {
			for fileIdx, dataFile := range files {
				err = loadFile(dataFile, examplesPerFile, fileIdx*examplesPerFile, images, labels)
				if err != nil {
					return
				}
			}
		})
	})
	return
}

func loadFile(dataFile string, numExamples, offset int, images []float32, labels []int64) error {
	f, err := os.Open(dataFile)
	if err != nil {
		return errors.Wrapf(err, "opening data file %q", dataFile)
	}
	defer func() { _ = f.Close() }()
	err = ReadRecords(bufio.NewReader(f), numExamples, offset, images, labels)
	return errors.WithMessagef(err, "loading %q", dataFile)
}

var (
	muCache sync.Mutex
	cache   = make(map[string]ImagesAndLabels)
)

// Load the partition from dataDir, downloading it first if needed.
//
// Loaded partitions are cached, so multiple datasets can be created without extra costs in time/memory.
func Load(dataDir string, partition Partition) (ImagesAndLabels, error) {
	dataDir, err := fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return ImagesAndLabels{}, err
	}
	key := path.Join(dataDir, partition.String())
	muCache.Lock()
	defer muCache.Unlock()
	if il, found := cache[key]; found {
		return il, nil
	}
	if err := Download(dataDir); err != nil {
		return ImagesAndLabels{}, errors.WithMessagef(err, "downloading Cifar-10 to %q", dataDir)
	}
	files := partition.Files()
	for ii, file := range files {
		files[ii] = path.Join(dataDir, file)
	}
	il, err := LoadFiles(files, ExamplesPerFile)
	if err != nil {
		return ImagesAndLabels{}, err
	}
	cache[key] = il
	return il, nil
}

// Take returns the first n examples of il. If n <= 0 or larger than the number of examples, il is returned.
func Take(backend backends.Backend, il ImagesAndLabels, n int) (ImagesAndLabels, error) {
	if n <= 0 || n >= il.NumExamples() {
		return il, nil
	}
	e, err := NewExec(backend, func(images, labels *Node) (*Node, *Node) {
		return Slice(images, AxisRange(0, n)), Slice(labels, AxisRange(0, n))
	})
	if err != nil {
		return ImagesAndLabels{}, errors.WithMessagef(err, "taking %d examples", n)
	}
	defer e.Finalize()
	images, labels, err := e.Exec2(il.Images, il.Labels)
	if err != nil {
		return ImagesAndLabels{}, errors.WithMessagef(err, "taking %d examples", n)
	}
	return ImagesAndLabels{Images: images, Labels: labels}, nil
}

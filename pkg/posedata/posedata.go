// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package posedata loads the yoga poses images, organized as root/<split>/<label>/<image files>, as
// train.Dataset objects: images are resized, optionally augmented, and batched with their label index.
package posedata

import (
	"image"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/yogaposes/pkg/labels"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoImages is returned when a dataset split has no image files.
var ErrNoImages = errors.New("no images found")

// Example is one image file and its class index.
type Example struct {
	Path  string
	Label int
}

// ListImages returns the image files of splitDir/<label>/ for each label, in label order and then file name
// order. The class index is the position of the label in poseLabels.
func ListImages(splitDir string, poseLabels labels.Labels) ([]Example, error) {
	var examples []Example
	for labelIdx, label := range poseLabels {
		labelDir := filepath.Join(splitDir, label)
		entries, err := os.ReadDir(labelDir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list images of label %q", label)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			examples = append(examples, Example{Path: filepath.Join(labelDir, entry.Name()), Label: labelIdx})
		}
	}
	if len(examples) == 0 {
		return nil, errors.Wrapf(ErrNoImages, "in %q", splitDir)
	}
	return examples, nil
}

// Dataset implements train.Dataset, yielding batches of images shaped `[batch_size, size, size, 3]` (float32
// values in [0, 1]) and labels shaped `[batch_size, 1]` (int32).
//
// It is safe for concurrent use, so it can be wrapped by datasets.Parallel.
type Dataset struct {
	name      string
	examples  []Example
	size      int
	batchSize int
	augment   *Augmentation
	toTensor  *timage.ToTensorConfig

	// mu protects the fields below.
	mu      sync.Mutex
	shuffle *rand.Rand
	order   []int
	pos     int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over the given examples.
//
//   - size: images are resized to size x size.
//   - batchSize: how many images are returned by each Yield call. The last batch of an epoch may be smaller.
//   - shuffle: if not nil, examples are reshuffled at every Reset.
//   - augment: if not nil, random augmentation applied to each image, after resizing.
func NewDataset(name string, examples []Example, size, batchSize int, shuffle *rand.Rand, augment *Augmentation) *Dataset {
	ds := &Dataset{
		name:      name,
		examples:  examples,
		size:      size,
		batchSize: batchSize,
		augment:   augment,
		toTensor:  timage.ToTensor(dtypes.Float32),
		shuffle:   shuffle,
		order:     make([]int, len(examples)),
	}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	ds.Reset()
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples returns the number of images in one epoch.
func (ds *Dataset) NumExamples() int { return len(ds.examples) }

// Reset implements train.Dataset. It restarts the epoch, reshuffling the examples if shuffle is configured.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.pos = 0
	if ds.shuffle != nil {
		ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// nextBatch selects the examples of the next batch, and a seed for their augmentation.
func (ds *Dataset) nextBatch() (batch []Example, seed uint64, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.pos >= len(ds.order) {
		return nil, 0, io.EOF
	}
	end := min(ds.pos+ds.batchSize, len(ds.order))
	batch = make([]Example, 0, end-ds.pos)
	for _, idx := range ds.order[ds.pos:end] {
		batch = append(batch, ds.examples[idx])
	}
	ds.pos = end
	if ds.shuffle != nil {
		seed = ds.shuffle.Uint64()
	} else {
		seed = uint64(end)
	}
	return batch, seed, nil
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the Dataset pointer.
//   - inputs: one tensor with the images, shaped `[batch_size, size, size, 3]`.
//   - labels: one tensor with the class indices, shaped `[batch_size, 1]`.
//
// It returns io.EOF at the end of the epoch.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds
	batch, seed, err := ds.nextBatch()
	if err != nil {
		return
	}
	rng := rand.New(rand.NewPCG(seed, uint64(len(batch))))
	images := make([]image.Image, len(batch))
	labelsData := make([]int32, len(batch))
	for ii, example := range batch {
		var img image.Image
		img, err = LoadImage(example.Path)
		if err != nil {
			err = errors.WithMessagef(err, "dataset %q", ds.name)
			return
		}
		img = Resize(img, ds.size)
		if ds.augment != nil {
			img = ds.augment.Apply(img, rng)
		}
		images[ii] = img
		labelsData[ii] = int32(example.Label)
	}
	inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelsData, len(batch), 1)}
	return
}

// NewShuffle returns a random number generator for shuffling. If seed is 0, it uses the current time.
func NewShuffle(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
		klog.V(1).Infof("Shuffling seed: %d", seed)
	}
	return rand.New(rand.NewPCG(seed, seed>>1))
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package posedata

import (
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/yogaposes/pkg/labels"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hyperparameters read from the context by NewConfigFromContext.
const (
	// ParamImageSize is the height and width images are resized to.
	ParamImageSize = "image_size"

	// ParamBatchSize for training.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize for evaluation.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamTrainSplit and ParamEvalSplit are the subdirectories of the data directory for training and validation.
	ParamTrainSplit = "train_split"
	ParamEvalSplit  = "eval_split"

	// ParamShear is the maximum shear angle in degrees for augmentation.
	ParamShear = "augment_shear"

	// ParamZoom is the zoom range for augmentation.
	ParamZoom = "augment_zoom"

	// ParamFlip enables random horizontal flips.
	ParamFlip = "augment_flip"

	// ParamShuffleSeed seeds the shuffling of the training data. 0 uses the current time.
	ParamShuffleSeed = "shuffle_seed"

	// ParamDataParallelism is the number of goroutines loading training batches. 0 disables it.
	ParamDataParallelism = "data_parallelism"
)

// Config of the datasets.
type Config struct {
	// DataDir holds one subdirectory per split.
	DataDir string

	TrainSplit, EvalSplit string

	ImageSize                int
	BatchSize, EvalBatchSize int

	// Augmentation of the training data.
	Augmentation Augmentation

	ShuffleSeed uint64

	// Parallelism of the training data loading, and number of batches buffered.
	Parallelism int
}

// DefaultConfig used by the default context hyperparameters.
var DefaultConfig = Config{
	TrainSplit:    "train",
	EvalSplit:     "test",
	ImageSize:     300,
	BatchSize:     8,
	EvalBatchSize: 8,
	Augmentation:  Augmentation{Shear: 0.2, Zoom: 0.2, Flip: true},
	Parallelism:   4,
}

// DefaultParams returns the hyperparameters of DefaultConfig, to be set in a context.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamImageSize:       DefaultConfig.ImageSize,
		ParamBatchSize:       DefaultConfig.BatchSize,
		ParamEvalBatchSize:   DefaultConfig.EvalBatchSize,
		ParamTrainSplit:      DefaultConfig.TrainSplit,
		ParamEvalSplit:       DefaultConfig.EvalSplit,
		ParamShear:           DefaultConfig.Augmentation.Shear,
		ParamZoom:            DefaultConfig.Augmentation.Zoom,
		ParamFlip:            DefaultConfig.Augmentation.Flip,
		ParamShuffleSeed:     0,
		ParamDataParallelism: DefaultConfig.Parallelism,
	}
}

// NewConfigFromContext reads the dataset configuration from the context hyperparameters.
func NewConfigFromContext(ctx *context.Context, dataDir string) *Config {
	return &Config{
		DataDir:       fsutil.MustReplaceTildeInDir(dataDir),
		TrainSplit:    context.GetParamOr(ctx, ParamTrainSplit, DefaultConfig.TrainSplit),
		EvalSplit:     context.GetParamOr(ctx, ParamEvalSplit, DefaultConfig.EvalSplit),
		ImageSize:     context.GetParamOr(ctx, ParamImageSize, DefaultConfig.ImageSize),
		BatchSize:     context.GetParamOr(ctx, ParamBatchSize, DefaultConfig.BatchSize),
		EvalBatchSize: context.GetParamOr(ctx, ParamEvalBatchSize, DefaultConfig.EvalBatchSize),
		Augmentation: Augmentation{
			Shear: context.GetParamOr(ctx, ParamShear, DefaultConfig.Augmentation.Shear),
			Zoom:  context.GetParamOr(ctx, ParamZoom, DefaultConfig.Augmentation.Zoom),
			Flip:  context.GetParamOr(ctx, ParamFlip, DefaultConfig.Augmentation.Flip),
		},
		ShuffleSeed: uint64(context.GetParamOr(ctx, ParamShuffleSeed, 0)),
		Parallelism: context.GetParamOr(ctx, ParamDataParallelism, DefaultConfig.Parallelism),
	}
}

// Labels returns the labels of the training split, after checking the validation split has the same ones.
func (c *Config) Labels() (labels.Labels, error) {
	return labels.Consistent(c.DataDir, c.TrainSplit, c.EvalSplit)
}

// Datasets holds the datasets used for training and evaluation.
type Datasets struct {
	Labels labels.Labels

	// Train is shuffled and augmented.
	Train train.Dataset

	// TrainEval and Eval are neither shuffled nor augmented, to evaluate on the training and validation splits.
	TrainEval, Eval *Dataset
}

// CreateDatasets lists the images of the training and validation splits and creates the datasets.
func CreateDatasets(c *Config) (*Datasets, error) {
	poseLabels, err := c.Labels()
	if err != nil {
		return nil, err
	}
	trainExamples, err := ListImages(filepath.Join(c.DataDir, c.TrainSplit), poseLabels)
	if err != nil {
		return nil, err
	}
	evalExamples, err := ListImages(filepath.Join(c.DataDir, c.EvalSplit), poseLabels)
	if err != nil {
		return nil, err
	}
	if c.BatchSize <= 0 || c.EvalBatchSize <= 0 || c.ImageSize <= 0 {
		return nil, errors.Errorf("invalid dataset configuration: batch_size=%d, eval_batch_size=%d, image_size=%d",
			c.BatchSize, c.EvalBatchSize, c.ImageSize)
	}
	klog.Infof("Found %d training and %d validation images of %d labels %s",
		len(trainExamples), len(evalExamples), poseLabels.Len(), poseLabels)

	augment := c.Augmentation
	trainDS := NewDataset("train", trainExamples, c.ImageSize, c.BatchSize, NewShuffle(c.ShuffleSeed), &augment)
	dss := &Datasets{
		Labels:    poseLabels,
		Train:     trainDS,
		TrainEval: NewDataset("train-eval", trainExamples, c.ImageSize, c.EvalBatchSize, nil, nil),
		Eval:      NewDataset("validation", evalExamples, c.ImageSize, c.EvalBatchSize, nil, nil),
	}
	if c.Parallelism > 0 {
		dss.Train = datasets.CustomParallel(trainDS).Parallelism(c.Parallelism).Buffer(c.Parallelism).Start()
	}
	return dss, nil
}

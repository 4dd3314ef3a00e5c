// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package posemodel

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/yogaposes/pkg/labels"
	"github.com/gomlx/yogaposes/pkg/posedata"
	"github.com/janpfeifer/must"
)

// Model hyperparameters.
const (
	// ParamBackbone selects the feature extractor: BackboneCNN or BackboneONNX.
	ParamBackbone = "backbone"

	// ParamBackboneONNX is the path to the ONNX file of the pretrained backbone.
	ParamBackboneONNX = "backbone_onnx"

	// ParamBackboneHFRepo and ParamBackboneHFFile locate the ONNX backbone in a HuggingFace repository,
	// used if ParamBackboneONNX is not set.
	ParamBackboneHFRepo = "backbone_hf_repo"
	ParamBackboneHFFile = "backbone_hf_file"

	// ParamBackboneOutput is the name of the ONNX output used as features. Empty uses the first output.
	ParamBackboneOutput = "backbone_output"

	// ParamBackboneTrainable fine-tunes the pretrained backbone. By default it is frozen.
	ParamBackboneTrainable = "backbone_trainable"

	// ParamBackboneChannelsFirst transposes the images to `[batch, 3, height, width]` for the ONNX backbone.
	ParamBackboneChannelsFirst = "backbone_channels_first"

	// ParamBackboneImageNetNorm normalizes the images with the ImageNet mean and standard deviation for the
	// ONNX backbone.
	ParamBackboneImageNetNorm = "backbone_imagenet_norm"

	// ParamCNNNumBlocks is the number of convolution+pooling blocks of the BackboneCNN.
	ParamCNNNumBlocks = "cnn_num_blocks"

	// ParamCNNChannels is the number of channels of the first block, doubled at each following block.
	ParamCNNChannels = "cnn_channels"

	// ParamCNNNormalization is either "batch" or "none".
	ParamCNNNormalization = "cnn_normalization"

	// ParamLabels holds the comma-separated labels, in index order. It is set when the datasets are created
	// and saved along with the model.
	ParamLabels = "labels"

	// ParamDenseUnits is the size of the hidden layer of the classification head.
	ParamDenseUnits = "dense_units"

	// ParamDropout rate of the classification head.
	ParamDropout = "dropout"

	// ParamLabelSmoothing mixes the one-hot labels with the uniform distribution.
	ParamLabelSmoothing = "label_smoothing"
)

// Training hyperparameters, read by the posetrain package.
const (
	// ParamNumEpochs is the maximum number of epochs to train.
	ParamNumEpochs = "num_epochs"

	// ParamPlateauFactor multiplies the learning rate when the validation loss stops improving.
	ParamPlateauFactor = "plateau_factor"

	// ParamPlateauPatience is the number of epochs without improvement before reducing the learning rate.
	ParamPlateauPatience = "plateau_patience"

	// ParamMinLearningRate is the floor of the plateau reductions.
	ParamMinLearningRate = "min_learning_rate"

	// ParamStopTrainAccuracy and ParamStopEvalAccuracy stop the training once both accuracies are reached.
	// 0 disables the corresponding condition.
	ParamStopTrainAccuracy = "stop_train_accuracy"
	ParamStopEvalAccuracy  = "stop_eval_accuracy"

	// ParamNumCheckpoints is the number of checkpoints kept.
	ParamNumCheckpoints = "num_checkpoints"
)

// Valid values for ParamBackbone.
const (
	BackboneCNN  = "cnn"
	BackboneONNX = "onnx"
)

// CreateDefaultContext returns a context with all the hyperparameters set to their default values.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(posedata.DefaultParams())
	ctx.SetParams(map[string]any{
		ParamBackbone:              BackboneCNN,
		ParamBackboneONNX:          "",
		ParamBackboneHFRepo:        "",
		ParamBackboneHFFile:        "model.onnx",
		ParamBackboneOutput:        "",
		ParamBackboneTrainable:     false,
		ParamBackboneChannelsFirst: true,
		ParamBackboneImageNetNorm:  true,
		ParamCNNNumBlocks:          5,
		ParamCNNChannels:           16,
		ParamCNNNormalization:      "batch",
		ParamLabels:                "",
		ParamDenseUnits:            128,
		ParamDropout:               0.2,
		ParamLabelSmoothing:        0.2,

		optimizers.ParamOptimizer:    NesterovSGDName,
		optimizers.ParamLearningRate: 1e-4,
		ParamNesterovMomentum:        NesterovDefaultMomentum,

		ParamNumEpochs:         4,
		ParamPlateauFactor:     0.1,
		ParamPlateauPatience:   2,
		ParamMinLearningRate:   1e-7,
		ParamStopTrainAccuracy: 0.97,
		ParamStopEvalAccuracy:  0.92,
		ParamNumCheckpoints:    3,
	})
	return ctx
}

// Labels returns the labels stored in the context, see ParamLabels.
func Labels(ctx *context.Context) labels.Labels {
	return labels.Parse(context.GetParamOr(ctx, ParamLabels, ""))
}

// SetLabels stores the labels in the context, see ParamLabels.
func SetLabels(ctx *context.Context, poseLabels labels.Labels) {
	ctx.InAbsPath(context.RootScope).SetParam(ParamLabels, poseLabels.Join())
}

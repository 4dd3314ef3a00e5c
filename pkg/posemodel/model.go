// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package posemodel defines the yoga poses classifier: a feature extractor (the "backbone"), either a small
// convolutional network trained from scratch or a pretrained ONNX network, followed by a classification head.
//
// It also defines the loss (cross-entropy with label smoothing) and the optimizer (SGD with Nesterov
// momentum) used to train it. All hyperparameters are context parameters, see CreateDefaultContext.
package posemodel

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
)

// Model builds the computation graph of the classifier. Create it with New.
type Model struct {
	backboneType string

	// Only set for BackboneONNX.
	backbone       onnx.Model
	backboneInput  string
	backboneOutput string
}

// New creates the model configured in the context hyperparameters.
//
// For BackboneONNX it reads the ONNX file (downloading it from HuggingFace if configured so) and
// loads its weights into ctx, unless they are already there (e.g.: loaded from a checkpoint).
// The ctx should be the same scope later used to call ModelGraph.
func New(ctx *context.Context) (*Model, error) {
	m := &Model{backboneType: context.GetParamOr(ctx, ParamBackbone, BackboneCNN)}
	switch m.backboneType {
	case BackboneCNN:
		return m, nil
	case BackboneONNX:
		if err := m.loadBackbone(ctx); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, errors.Errorf("invalid %q=%q, valid values are %q and %q",
			ParamBackbone, m.backboneType, BackboneCNN, BackboneONNX)
	}
}

// BackboneType returns either BackboneCNN or BackboneONNX.
func (m *Model) BackboneType() string { return m.backboneType }

// Close releases the ONNX model, if one was loaded.
func (m *Model) Close() {
	if m.backbone != nil {
		m.backbone.Close()
		m.backbone = nil
	}
}

// ModelGraph implements train.ModelFn. It takes the images shaped `[batch_size, height, width, 3]` with values
// in [0, 1] and returns the logits shaped `[batch_size, num_classes]`.
//
// The number of classes is the number of labels in ParamLabels.
func (m *Model) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	images := inputs[0]
	g := images.Graph()
	dtype := images.DType()
	batchSize := images.Shape().Dimensions[0]
	numClasses := Labels(ctx).Len()
	if numClasses < 2 {
		exceptions.Panicf("the model requires at least 2 labels in %q, got %d", ParamLabels, numClasses)
	}

	var features *Node
	switch m.backboneType {
	case BackboneCNN:
		features = cnnBackbone(ctx.In("cnn"), images)
	case BackboneONNX:
		features = m.onnxBackbone(ctx, images)
	default:
		exceptions.Panicf("invalid backbone type %q", m.backboneType)
	}

	logits := Reshape(features, batchSize, -1)
	logits = layers.Dense(ctx.In("dense"), logits, true, context.GetParamOr(ctx, ParamDenseUnits, 128))
	logits = activations.Relu(logits)
	if rate := context.GetParamOr(ctx, ParamDropout, 0.0); rate > 0 {
		logits = layers.DropoutNormalize(ctx.In("dropout"), logits, Scalar(g, dtype, rate), true)
	}
	logits = layers.Dense(ctx.In("logits"), logits, true, numClasses)
	logits.AssertDims(batchSize, numClasses)
	return []*Node{logits}
}

// cnnBackbone is a stack of blocks of 3x3 convolution, ReLU, optional batch normalization and 2x2 max-pooling.
// Channels double at each block.
func cnnBackbone(ctx *context.Context, images *Node) *Node {
	numBlocks := context.GetParamOr(ctx, ParamCNNNumBlocks, 5)
	channels := context.GetParamOr(ctx, ParamCNNChannels, 16)
	normalization := context.GetParamOr(ctx, ParamCNNNormalization, "batch")
	x := images
	for block := range numBlocks {
		blockCtx := ctx.Inf("%03d_block", block)
		x = layers.Convolution(blockCtx.In("conv"), x).Channels(channels).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
		switch normalization {
		case "batch":
			x = batchnorm.New(blockCtx.In("batchnorm"), x, -1).Done()
		case "none", "":
		default:
			exceptions.Panicf("invalid %q=%q, valid values are \"batch\" and \"none\"", ParamCNNNormalization, normalization)
		}
		x = MaxPool(x).Window(2).Done()
		channels *= 2
	}
	return x
}

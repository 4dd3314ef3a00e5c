// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package posemodel

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// NewLoss returns the categorical cross-entropy loss with the label smoothing configured in the context.
// See SmoothedCrossEntropy.
func NewLoss(ctx *context.Context) losses.LossFn {
	smoothing := context.GetParamOr(ctx, ParamLabelSmoothing, 0.0)
	return func(labels, predictions []*Node) *Node {
		return SmoothedCrossEntropy(labels, predictions, smoothing)
	}
}

// SmoothedCrossEntropy is the mean categorical cross-entropy of the logits in predictions[0]
// (shaped `[batch_size, num_classes]`), given the class indices in labels[0] (shaped `[batch_size, 1]`).
//
// The one-hot encoded labels are smoothed towards the uniform distribution:
//
//	y = onehot * (1 - smoothing) + smoothing / num_classes
func SmoothedCrossEntropy(labels, predictions []*Node, smoothing float64) *Node {
	logits := predictions[0]
	indices := labels[0]
	if logits.Rank() != 2 {
		exceptions.Panicf("logits must be shaped [batch_size, num_classes], got %s", logits.Shape())
	}
	if smoothing < 0 || smoothing >= 1 {
		exceptions.Panicf("label smoothing must be in [0, 1), got %g", smoothing)
	}
	numClasses := logits.Shape().Dimensions[1]
	if indices.Rank() == 2 {
		indices = Squeeze(indices, -1)
	}
	target := OneHot(indices, numClasses, logits.DType())
	if smoothing > 0 {
		target = AddScalar(MulScalar(target, 1-smoothing), smoothing/float64(numClasses))
	}
	return ReduceAllMean(losses.CategoricalCrossEntropyLogits([]*Node{target}, []*Node{logits}))
}

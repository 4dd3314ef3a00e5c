// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package posetrain

import (
	"math"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/yogaposes/pkg/posemodel"
)

// Plateau reduces the learning rate when a monitored value (the validation loss) stops improving.
//
// The zero value never reduces the learning rate, use NewPlateau or PlateauFromContext.
type Plateau struct {
	// Factor multiplies the learning rate at each reduction.
	Factor float64

	// Patience is the number of epochs without improvement before a reduction.
	Patience int

	// MinLearningRate is the floor of the reductions.
	MinLearningRate float64

	// MinDelta is the minimum decrease of the monitored value to count as an improvement.
	MinDelta float64

	best float64
	wait int
}

// NewPlateau creates a Plateau with the given configuration.
func NewPlateau(factor float64, patience int, minLearningRate float64) *Plateau {
	return &Plateau{
		Factor:          factor,
		Patience:        patience,
		MinLearningRate: minLearningRate,
		MinDelta:        1e-4,
		best:            math.Inf(1),
	}
}

// PlateauFromContext creates a Plateau configured with the context hyperparameters.
func PlateauFromContext(ctx *context.Context) *Plateau {
	return NewPlateau(
		context.GetParamOr(ctx, posemodel.ParamPlateauFactor, 0.1),
		context.GetParamOr(ctx, posemodel.ParamPlateauPatience, 2),
		context.GetParamOr(ctx, posemodel.ParamMinLearningRate, 0.0))
}

// Best value seen so far.
func (p *Plateau) Best() float64 { return p.best }

// Update registers the monitored value at the end of an epoch, and returns the learning rate to use next.
// reduced is true if the returned learning rate differs from learningRate.
func (p *Plateau) Update(value, learningRate float64) (newLearningRate float64, reduced bool) {
	if p.Patience <= 0 || p.Factor <= 0 || p.Factor >= 1 {
		return learningRate, false
	}
	if value < p.best-p.MinDelta {
		p.best = value
		p.wait = 0
		return learningRate, false
	}
	p.wait++
	if p.wait < p.Patience {
		return learningRate, false
	}
	if learningRate <= p.MinLearningRate {
		return learningRate, false
	}
	p.wait = 0
	newLearningRate = max(learningRate*p.Factor, p.MinLearningRate)
	return newLearningRate, newLearningRate != learningRate
}

// StopRule stops the training once both accuracies reach their thresholds.
// A zero threshold is always satisfied, and if both are zero the rule never stops the training.
type StopRule struct {
	TrainAccuracy, EvalAccuracy float64
}

// StopRuleFromContext reads the thresholds from the context hyperparameters.
func StopRuleFromContext(ctx *context.Context) StopRule {
	return StopRule{
		TrainAccuracy: context.GetParamOr(ctx, posemodel.ParamStopTrainAccuracy, 0.0),
		EvalAccuracy:  context.GetParamOr(ctx, posemodel.ParamStopEvalAccuracy, 0.0),
	}
}

// Enabled returns whether any threshold is set.
func (r StopRule) Enabled() bool {
	return r.TrainAccuracy > 0 || r.EvalAccuracy > 0
}

// Reached returns whether training should stop.
func (r StopRule) Reached(trainAccuracy, evalAccuracy float64) bool {
	return r.Enabled() && trainAccuracy >= r.TrainAccuracy && evalAccuracy >= r.EvalAccuracy
}

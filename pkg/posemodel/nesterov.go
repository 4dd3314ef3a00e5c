// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package posemodel

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// NesterovSGDName is the name the optimizer is registered with in optimizers.KnownOptimizers, to be
	// selected with the optimizers.ParamOptimizer hyperparameter.
	NesterovSGDName = "nesterov_sgd"

	// NesterovDefaultScope is the scope of the velocity variables.
	NesterovDefaultScope = "NesterovOptimizer"

	// NesterovDefaultMomentum is the momentum used if ParamNesterovMomentum is not set.
	NesterovDefaultMomentum = 0.9

	// ParamNesterovMomentum configures the momentum of NesterovSGD.
	ParamNesterovMomentum = "nesterov_momentum"
)

func init() {
	optimizers.KnownOptimizers[NesterovSGDName] = func(ctx *context.Context) optimizers.Interface {
		return NesterovSGD().FromContext(ctx).Done()
	}
}

// NesterovConfig configures a stochastic gradient descent optimizer with Nesterov momentum.
type NesterovConfig struct {
	scopeName    string
	momentum     float64
	learningRate float64
}

// NesterovSGD returns the configuration of a stochastic gradient descent optimizer with Nesterov momentum.
// For each trainable variable x with gradient g it keeps a velocity v and updates:
//
//	v = momentum * v - learning_rate * g
//	x = x + momentum * v - learning_rate * g
//
// The learning rate is read from the variable returned by optimizers.LearningRateVar, so it can be changed
// between training steps (e.g.: on plateaus). Its initial value is taken from optimizers.ParamLearningRate.
func NesterovSGD() *NesterovConfig {
	return &NesterovConfig{
		scopeName:    NesterovDefaultScope,
		momentum:     NesterovDefaultMomentum,
		learningRate: -1,
	}
}

// FromContext reads the momentum from ParamNesterovMomentum.
func (c *NesterovConfig) FromContext(ctx *context.Context) *NesterovConfig {
	c.momentum = context.GetParamOr(ctx, ParamNesterovMomentum, c.momentum)
	return c
}

// Momentum sets the momentum, usually 0.9.
func (c *NesterovConfig) Momentum(momentum float64) *NesterovConfig {
	c.momentum = momentum
	return c
}

// LearningRate sets the initial learning rate. If not set, it is read from optimizers.ParamLearningRate.
func (c *NesterovConfig) LearningRate(value float64) *NesterovConfig {
	c.learningRate = value
	return c
}

// Done returns the optimizer.
func (c *NesterovConfig) Done() optimizers.Interface {
	if c.momentum < 0 || c.momentum >= 1 {
		exceptions.Panicf("NesterovSGD momentum must be in [0, 1), got %g", c.momentum)
	}
	return &nesterov{config: c}
}

type nesterov struct {
	config *NesterovConfig
}

// UpdateGraph implements optimizers.Interface.
func (o *nesterov) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("no gradients to apply, are there any trainable variables?")
	}
	dtype := loss.DType()

	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.01)
	}
	learningRate := optimizers.LearningRateVar(ctx, dtype, lrValue).ValueGraph(g)
	momentum := Scalar(g, dtype, o.config.momentum)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx < len(grads) {
			o.applyGraph(ctx, g, v, grads[varIdx], learningRate, momentum)
		}
		varIdx++
	}
	if varIdx != len(grads) {
		exceptions.Panicf("BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"NesterovSGD sees %d trainable variables", len(grads), varIdx)
	}
}

func (o *nesterov) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate, momentum *Node) {
	if grad.DType() != learningRate.DType() {
		learningRate = ConvertDType(learningRate, grad.DType())
		momentum = ConvertDType(momentum, grad.DType())
	}
	velocityVar := o.velocityVariable(ctx, v, grad.DType())
	step := Mul(learningRate, grad)
	velocity := Sub(Mul(momentum, velocityVar.ValueGraph(g)), step)
	velocityVar.SetValueGraph(velocity)

	step = Sub(Mul(momentum, velocity), step)
	step = optimizers.ClipStepByValue(ctx, step)
	value := v.ValueGraph(g)
	v.SetValueGraph(optimizers.ClipNaNsInUpdates(ctx, value, Add(value, step)))
}

// velocityVariable returns the velocity of the trainable variable, creating it (zero-initialized) if needed.
func (o *nesterov) velocityVariable(ctx *context.Context, trainable *context.Variable, dtype dtypes.DType) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	return ctx.Checked(false).InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_velocity", shape).
		SetTrainable(false)
}

// Clear implements optimizers.Interface, deleting the velocity variables.
func (o *nesterov) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}

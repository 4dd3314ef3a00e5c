package posemodel

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/yogaposes/pkg/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, BackboneCNN, context.GetParamOr(ctx, ParamBackbone, ""))
	assert.Equal(t, 300, context.GetParamOr(ctx, "image_size", 0))
	assert.Equal(t, 8, context.GetParamOr(ctx, "batch_size", 0))
	assert.Equal(t, 0.2, context.GetParamOr(ctx, ParamLabelSmoothing, 0.0))
	assert.Equal(t, 1e-4, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, 0.9, context.GetParamOr(ctx, ParamNesterovMomentum, 0.0))
	assert.Equal(t, 2, context.GetParamOr(ctx, ParamPlateauPatience, 0))
	assert.Len(t, Labels(ctx), 0)

	SetLabels(ctx.In("model"), labels.Labels{"downdog", "tree"})
	assert.Equal(t, labels.Labels{"downdog", "tree"}, Labels(ctx))
	assert.Equal(t, labels.Labels{"downdog", "tree"}, Labels(ctx.In("model").In("dense")))
	SetLabels(ctx, labels.Labels{"tree", "warrior,2"})
	assert.Equal(t, labels.Labels{"tree", "warrior,2"}, Labels(ctx))
}

func TestSmoothedCrossEntropy(t *testing.T) {
	backend := backends.MustNew()
	logits := [][]float32{{2, 0, 0}, {0, 1, 0}}
	batchLabels := [][]int32{{0}, {2}}

	// Reference value.
	want := func(smoothing float64) float64 {
		var total float64
		for ii, row := range logits {
			var sumExp float64
			for _, v := range row {
				sumExp += math.Exp(float64(v))
			}
			for jj, v := range row {
				y := smoothing / 3
				if int32(jj) == batchLabels[ii][0] {
					y += 1 - smoothing
				}
				total -= y * (float64(v) - math.Log(sumExp))
			}
		}
		return total / float64(len(logits))
	}

	for _, smoothing := range []float64{0, 0.2} {
		loss := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, logits, labels *Node) *Node {
			return SmoothedCrossEntropy([]*Node{labels}, []*Node{logits}, smoothing)
		}, logits, batchLabels)
		assert.InDelta(t, want(smoothing), float64(tensors.ToScalar[float32](loss)), 1e-4, "smoothing=%g", smoothing)
	}

	// NewLoss reads the smoothing from the context.
	ctx := CreateDefaultContext()
	lossFn := NewLoss(ctx)
	loss := context.MustExecOnce(backend, context.New(), func(_ *context.Context, logits, labels *Node) *Node {
		return lossFn([]*Node{labels}, []*Node{logits})
	}, logits, batchLabels)
	assert.InDelta(t, want(0.2), float64(tensors.ToScalar[float32](loss)), 1e-4)
}

func TestNesterovSGD(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New()
	opt := NesterovSGD().LearningRate(0.1).Momentum(0.9).Done()
	var x *context.Variable
	step := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x = ctx.In("model").VariableWithValue("x", float32(1))
		value := x.ValueGraph(g)
		loss := Mul(value, value)
		opt.UpdateGraph(ctx, g, loss)
		return loss
	})

	// Gradient of x² is 2x:
	//   step 1: v = -0.2, x = 1 + 0.9*(-0.2) - 0.2 = 0.62
	//   step 2: v = 0.9*(-0.2) - 0.124 = -0.304, x = 0.62 + 0.9*(-0.304) - 0.124 = 0.2224
	step.MustExec()
	assert.InDelta(t, 0.62, float64(tensors.ToScalar[float32](x.MustValue())), 1e-5)
	step.MustExec()
	assert.InDelta(t, 0.2224, float64(tensors.ToScalar[float32](x.MustValue())), 1e-5)
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(ctx))

	velocity := ctx.GetVariableByScopeAndName("/"+NesterovDefaultScope+"/model", "x_velocity")
	require.NotNil(t, velocity)
	assert.InDelta(t, -0.304, float64(tensors.ToScalar[float32](velocity.MustValue())), 1e-5)

	require.NoError(t, opt.Clear(ctx))
	assert.Nil(t, ctx.GetVariableByScopeAndName("/"+NesterovDefaultScope+"/model", "x_velocity"))

	// Registered as a known optimizer, and selected by default.
	require.Contains(t, optimizers.KnownOptimizers, NesterovSGDName)
	assert.NotNil(t, optimizers.FromContext(CreateDefaultContext()))
	assert.Panics(t, func() { NesterovSGD().Momentum(1.5).Done() })
}

func TestModelGraph(t *testing.T) {
	backend := backends.MustNew()
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamCNNNumBlocks: 2,
		ParamCNNChannels:  4,
		ParamDenseUnits:   8,
	})
	modelCtx := ctx.In("model")

	model, err := New(modelCtx)
	require.NoError(t, err)
	assert.Equal(t, BackboneCNN, model.BackboneType())
	batch := make([][][][]float32, 2)
	for ii := range batch {
		batch[ii] = make([][][]float32, 16)
		for y := range batch[ii] {
			batch[ii][y] = make([][]float32, 16)
			for x := range batch[ii][y] {
				batch[ii][y][x] = []float32{0.1, 0.5, float32(ii)}
			}
		}
	}
	modelFn := func(ctx *context.Context, images *Node) *Node {
		return model.ModelGraph(ctx, nil, []*Node{images})[0]
	}

	// Labels are required.
	assert.Panics(t, func() { _ = context.MustExecOnce(backend, modelCtx, modelFn, batch) })

	SetLabels(ctx, labels.Labels{"downdog", "tree", "warrior1"})
	logits := context.MustExecOnce(backend, modelCtx, modelFn, batch)
	assert.Equal(t, []int{2, 3}, logits.Shape().Dimensions)
	model.Close()
}

func TestNew_Errors(t *testing.T) {
	ctx := CreateDefaultContext()
	ctx.SetParam(ParamBackbone, "vgg16")
	_, err := New(ctx)
	require.Error(t, err)

	// The ONNX backbone requires a file or a repository.
	ctx.SetParam(ParamBackbone, BackboneONNX)
	_, err = New(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ParamBackboneONNX)

	ctx.SetParam(ParamBackboneONNX, "/does/not/exist.onnx")
	_, err = New(ctx)
	require.Error(t, err)
}

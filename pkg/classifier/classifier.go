// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier predicts the yoga pose of images, using a model exported by the export package, or
// the in-memory model just trained.
package classifier

import (
	"image"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/yogaposes/pkg/export"
	"github.com/gomlx/yogaposes/pkg/labels"
	"github.com/gomlx/yogaposes/pkg/posedata"
	"github.com/gomlx/yogaposes/pkg/posemodel"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Prediction for one image.
type Prediction struct {
	// Label predicted, and its Index.
	Label string
	Index int

	// Probabilities of each label, in index order.
	Probabilities []float32
}

// Confidence is the probability of the predicted label.
func (p Prediction) Confidence() float32 {
	if p.Index < 0 || p.Index >= len(p.Probabilities) {
		return 0
	}
	return p.Probabilities[p.Index]
}

// Classifier of yoga poses. It is safe for concurrent use.
type Classifier struct {
	labels    labels.Labels
	imageSize int
	model     *posemodel.Model
	ownsModel bool
	toTensor  *timage.ToTensorConfig

	mu   sync.Mutex
	exec *context.Exec
}

// New loads the model exported in dir, either the full or the quantized version.
func New(backend backends.Backend, dir string) (*Classifier, error) {
	dir = fsutil.MustReplaceTildeInDir(dir)
	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done(); err != nil {
		return nil, errors.WithMessagef(err, "failed to load model from %q", dir)
	}
	var numDequantized int
	for v := range ctx.IterVariables() {
		if v.DType() != dtypes.Float16 {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read variable %q", v.ScopeAndName())
		}
		if err := v.SetValue(export.Dequantize(value)); err != nil {
			return nil, errors.WithMessagef(err, "failed to dequantize variable %q", v.ScopeAndName())
		}
		numDequantized++
	}
	klog.V(1).Infof("Loaded model from %q, %d variables dequantized", dir, numDequantized)

	model, err := posemodel.New(ctx.In(export.ModelScope))
	if err != nil {
		return nil, err
	}
	c, err := NewFromContext(backend, ctx, model)
	if err != nil {
		model.Close()
		return nil, err
	}
	c.ownsModel = true
	return c, nil
}

// NewFromContext creates a Classifier using the model in ctx (under export.ModelScope), e.g. right after
// training it. The model is not closed by Classifier.Close.
func NewFromContext(backend backends.Backend, ctx *context.Context, model *posemodel.Model) (*Classifier, error) {
	c := &Classifier{
		labels:    posemodel.Labels(ctx),
		imageSize: context.GetParamOr(ctx, posedata.ParamImageSize, 0),
		model:     model,
		toTensor:  timage.ToTensor(dtypes.Float32),
	}
	if c.labels.Len() < 2 {
		return nil, errors.Errorf("model has %d labels (param %q), it requires at least 2", c.labels.Len(), posemodel.ParamLabels)
	}
	if c.imageSize <= 0 {
		return nil, errors.Errorf("invalid image size (param %q) %d", posedata.ParamImageSize, c.imageSize)
	}
	var err error
	c.exec, err = context.NewExec(backend, ctx.In(export.ModelScope).Reuse(),
		func(ctx *context.Context, images *Node) *Node {
			logits := model.ModelGraph(ctx, nil, []*Node{images})[0]
			return Softmax(logits, -1)
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create classifier")
	}
	return c, nil
}

// Labels the classifier predicts.
func (c *Classifier) Labels() labels.Labels { return c.labels }

// ImageSize is the height and width images are resized to.
func (c *Classifier) ImageSize() int { return c.imageSize }

// Close releases the model, if it was loaded by New.
func (c *Classifier) Close() {
	if c.ownsModel && c.model != nil {
		c.model.Close()
		c.model = nil
	}
}

// Classify one image.
func (c *Classifier) Classify(img image.Image) (Prediction, error) {
	predictions, err := c.ClassifyBatch([]image.Image{img})
	if err != nil {
		return Prediction{}, err
	}
	return predictions[0], nil
}

// ClassifyFile loads and classifies one image file.
func (c *Classifier) ClassifyFile(imagePath string) (Prediction, error) {
	img, err := posedata.LoadImage(imagePath)
	if err != nil {
		return Prediction{}, err
	}
	prediction, err := c.Classify(img)
	return prediction, errors.WithMessagef(err, "image %q", imagePath)
}

// ClassifyBatch classifies the images in one execution of the model.
func (c *Classifier) ClassifyBatch(images []image.Image) ([]Prediction, error) {
	if len(images) == 0 {
		return nil, nil
	}
	resized := make([]image.Image, len(images))
	for ii, img := range images {
		if img == nil {
			return nil, errors.Errorf("image #%d is nil", ii)
		}
		resized[ii] = posedata.Resize(img, c.imageSize)
	}
	input := c.toTensor.Batch(resized)

	var output *tensors.Tensor
	var err error
	c.mu.Lock()
	panicErr := exceptions.TryCatch[error](func() { output, err = c.exec.Exec1(input) })
	c.mu.Unlock()
	if panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return nil, errors.WithMessage(err, "failed to run model")
	}

	numClasses := c.labels.Len()
	probabilities := tensors.MustCopyFlatData[float32](output)
	if len(probabilities) != len(images)*numClasses {
		return nil, errors.Errorf("model returned %d probabilities for %d images and %d labels",
			len(probabilities), len(images), numClasses)
	}
	predictions := make([]Prediction, len(images))
	for ii := range predictions {
		row := probabilities[ii*numClasses : (ii+1)*numClasses]
		best := 0
		for jj, p := range row {
			if p > row[best] {
				best = jj
			}
		}
		predictions[ii] = Prediction{Label: c.labels.Name(best), Index: best, Probabilities: row}
	}
	return predictions, nil
}

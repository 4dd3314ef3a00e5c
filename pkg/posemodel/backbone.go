// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package posemodel

import (
	"os"

	"github.com/gomlx/go-huggingface/hub"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/onnx-gomlx/onnx/parser"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ScopeBackbone is the scope, under the model scope, of the pretrained backbone weights.
const ScopeBackbone = "backbone"

// ImageNet statistics, used to normalize the inputs of pretrained backbones.
var (
	imageNetMean = []float32{0.485, 0.456, 0.406}
	imageNetStd  = []float32{0.229, 0.224, 0.225}
)

// BackboneFile returns the path to the ONNX backbone: ParamBackboneONNX if set, otherwise the file
// ParamBackboneHFFile downloaded (and cached) from the HuggingFace repository ParamBackboneHFRepo.
//
// The environment variable HF_TOKEN is used as authentication token, if set.
func BackboneFile(ctx *context.Context) (string, error) {
	if path := context.GetParamOr(ctx, ParamBackboneONNX, ""); path != "" {
		return fsutil.MustReplaceTildeInDir(path), nil
	}
	repoID := context.GetParamOr(ctx, ParamBackboneHFRepo, "")
	if repoID == "" {
		return "", errors.Errorf("backbone %q requires either %q or %q to be set",
			BackboneONNX, ParamBackboneONNX, ParamBackboneHFRepo)
	}
	repo := hub.New(repoID).WithProgressBar(true)
	if token := os.Getenv("HF_TOKEN"); token != "" {
		repo = repo.WithAuth(token)
	}
	if err := repo.DownloadInfo(false); err != nil {
		return "", errors.WithMessagef(err, "failed to get info of HuggingFace repository %q", repoID)
	}
	fileName := context.GetParamOr(ctx, ParamBackboneHFFile, "model.onnx")
	path, err := repo.DownloadFile(fileName)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to download %q from HuggingFace repository %q", fileName, repoID)
	}
	return path, nil
}

// loadBackbone reads the ONNX model and its weights.
// Weights are marked as not trainable, unless ParamBackboneTrainable is set.
func (m *Model) loadBackbone(ctx *context.Context) error {
	path, err := BackboneFile(ctx)
	if err != nil {
		return err
	}
	m.backbone, err = parser.ParseFile(path)
	if err != nil {
		return errors.WithMessagef(err, "failed to read ONNX backbone from %q", path)
	}
	inputNames, _ := m.backbone.Inputs()
	outputNames, _ := m.backbone.Outputs()
	if len(inputNames) != 1 || len(outputNames) == 0 {
		m.Close()
		return errors.Errorf("ONNX backbone %q must have one input and at least one output, got inputs %q and outputs %q",
			path, inputNames, outputNames)
	}
	m.backboneInput = inputNames[0]
	m.backboneOutput = context.GetParamOr(ctx, ParamBackboneOutput, outputNames[0])
	klog.V(1).Infof("ONNX backbone %q: input %q, output %q", path, m.backboneInput, m.backboneOutput)

	backboneCtx := ctx.In(ScopeBackbone)
	if !hasVariables(backboneCtx) {
		if err := m.backbone.VariablesToContext(backboneCtx); err != nil {
			m.Close()
			return errors.WithMessagef(err, "failed to load ONNX backbone weights from %q", path)
		}
	}
	trainable := context.GetParamOr(ctx, ParamBackboneTrainable, false)
	for v := range backboneCtx.IterVariablesInScope() {
		v.SetTrainable(trainable)
	}
	return nil
}

func hasVariables(ctx *context.Context) bool {
	for range ctx.IterVariablesInScope() {
		return true
	}
	return false
}

// onnxBackbone normalizes the images as configured and returns the output of the ONNX backbone.
func (m *Model) onnxBackbone(ctx *context.Context, images *Node) *Node {
	g := images.Graph()
	x := images
	if context.GetParamOr(ctx, ParamBackboneImageNetNorm, true) {
		mean := ConvertDType(Reshape(Const(g, imageNetMean), 1, 1, 1, 3), x.DType())
		std := ConvertDType(Reshape(Const(g, imageNetStd), 1, 1, 1, 3), x.DType())
		x = Div(Sub(x, mean), std)
	}
	if context.GetParamOr(ctx, ParamBackboneChannelsFirst, true) {
		x = TransposeAllDims(x, 0, 3, 1, 2)
	}
	features := m.backbone.CallGraph(ctx.In(ScopeBackbone), g, map[string]*Node{m.backboneInput: x}, m.backboneOutput)[0]
	if !context.GetParamOr(ctx, ParamBackboneTrainable, false) {
		features = StopGradient(features)
	}
	return features
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package export writes a trained model, from its in-memory context, as standalone artifacts: a full precision
// checkpoint and a compact one with the weights quantized to float16.
//
// Artifacts only hold the model variables (optimizer state, metrics and other training variables are left out)
// and the hyperparameters, including the labels. They can be loaded with the classifier package.
package export

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/compute/dtypes/float16"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// FullDir and QuantizedDir are the subdirectories created by Export.
	FullDir      = "full"
	QuantizedDir = "quantized"

	// ModelScope is the scope of the model variables. Only variables under it are exported.
	ModelScope = "model"

	// ParamQuantized is set in the artifact to whether its weights were quantized.
	ParamQuantized = "export_quantized"
)

// ErrArtifactExists is returned when the target directory already holds an artifact and Options.Overwrite
// is not set.
var ErrArtifactExists = errors.New("artifact already exists")

// Options for Export and WriteArtifact.
type Options struct {
	// Overwrite existing artifacts in the target directory.
	Overwrite bool

	// Quantize the float32 weights to float16 and compress them. Only used by WriteArtifact: Export always writes
	// both versions.
	Quantize bool

	// ExcludeParams are hyperparameters not written to the artifact, e.g.: local paths.
	ExcludeParams []string
}

// Artifact describes one exported checkpoint.
type Artifact struct {
	Dir       string
	Quantized bool

	NumVariables, NumParameters int

	// Size on disk in bytes.
	Size int64
}

func (a *Artifact) String() string {
	kind := "float32"
	if a.Quantized {
		kind = "float16"
	}
	return fmt.Sprintf("%s (%s): %d variables, %s parameters, %s",
		a.Dir, kind, a.NumVariables, humanize.Comma(int64(a.NumParameters)), humanize.Bytes(uint64(a.Size)))
}

// Artifacts created by Export.
type Artifacts struct {
	Full, Quantized *Artifact
}

func (a *Artifacts) String() string {
	var ratio float64
	if a.Full.Size > 0 {
		ratio = float64(a.Quantized.Size) / float64(a.Full.Size)
	}
	return fmt.Sprintf("full: %s\nquantized: %s\nquantized/full size: %.1f%%", a.Full, a.Quantized, 100*ratio)
}

// Export writes the model in ctx to dir/FullDir and dir/QuantizedDir.
//
// The ctx is the root context used for training: it is not modified.
func Export(ctx *context.Context, dir string, options Options) (*Artifacts, error) {
	dir = fsutil.MustReplaceTildeInDir(dir)
	fullOptions, quantizedOptions := options, options
	fullOptions.Quantize, quantizedOptions.Quantize = false, true
	var artifacts Artifacts
	var err error
	artifacts.Full, err = WriteArtifact(ctx, filepath.Join(dir, FullDir), fullOptions)
	if err != nil {
		return nil, err
	}
	artifacts.Quantized, err = WriteArtifact(ctx, filepath.Join(dir, QuantizedDir), quantizedOptions)
	if err != nil {
		return nil, err
	}
	klog.Infof("Exported model to %q: %s (full), %s (quantized)", dir,
		humanize.Bytes(uint64(artifacts.Full.Size)), humanize.Bytes(uint64(artifacts.Quantized.Size)))
	return &artifacts, nil
}

// IsModelVariable returns whether the variable is part of the model, as opposed to optimizer or metrics
// state.
func IsModelVariable(v *context.Variable) bool {
	parts := strings.Split(strings.TrimPrefix(v.Scope(), context.ScopeSeparator), context.ScopeSeparator)
	if len(parts) == 0 || parts[0] != ModelScope {
		return false
	}
	for _, part := range parts[1:] {
		if part == optimizers.Scope || part == metrics.Scope {
			return false
		}
	}
	return true
}

// WriteArtifact writes the hyperparameters and model variables of ctx as a checkpoint in dir.
func WriteArtifact(ctx *context.Context, dir string, options Options) (*Artifact, error) {
	dir = fsutil.MustReplaceTildeInDir(dir)
	if err := prepareDir(dir, options.Overwrite); err != nil {
		return nil, err
	}

	exclude := make(map[string]bool, len(options.ExcludeParams))
	for _, key := range options.ExcludeParams {
		exclude[key] = true
	}
	out := context.New()
	ctx.EnumerateParams(func(scope, key string, value any) {
		if !exclude[key] {
			out.InAbsPath(scope).SetParam(key, value)
		}
	})
	out.SetParam(ParamQuantized, options.Quantize)

	artifact := &Artifact{Dir: dir, Quantized: options.Quantize}
	outCtx := out.Checked(false)
	for v := range ctx.IterVariables() {
		if !IsModelVariable(v) {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read variable %q", v.ScopeAndName())
		}
		if options.Quantize && value.DType() == dtypes.Float32 {
			value = Quantize(value)
		}
		outCtx.InAbsPath(v.Scope()).VariableWithValue(v.Name(), value).SetTrainable(v.Trainable)
		artifact.NumVariables++
		artifact.NumParameters += value.Shape().Size()
	}
	if artifact.NumVariables == 0 {
		return nil, errors.Errorf("no model variables (scope %q) to export", context.ScopeSeparator+ModelScope)
	}
	compression := checkpoints.BinUncompressed
	if options.Quantize {
		compression = checkpoints.BinGZIP
	}
	handler, err := checkpoints.Build(out).Dir(dir).Keep(1).WithCompression(compression).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create artifact in %q", dir)
	}
	if err := handler.Save(); err != nil {
		return nil, errors.WithMessagef(err, "failed to save artifact in %q", dir)
	}
	artifact.Size, err = dirSize(dir)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Wrote %s", artifact)
	return artifact, nil
}

// prepareDir makes sure dir is an empty directory: it fails if it is not empty, unless overwrite is set,
// in which case the previous contents are removed.
func prepareDir(dir string, overwrite bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to check export directory %q", dir)
	}
	if len(entries) == 0 {
		return nil
	}
	if !overwrite {
		return errors.Wrapf(ErrArtifactExists, "in %q", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to remove previous artifact in %q", dir)
	}
	return nil
}

func dirSize(dir string) (size int64, err error) {
	err = filepath.WalkDir(dir, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	if err != nil {
		err = errors.Wrapf(err, "failed to measure size of %q", dir)
	}
	return
}

// Quantize converts a float32 tensor to float16.
func Quantize(value *tensors.Tensor) *tensors.Tensor {
	data := tensors.MustCopyFlatData[float32](value)
	quantized := make([]float16.Float16, len(data))
	for ii, v := range data {
		quantized[ii] = float16.FromFloat32(v)
	}
	return tensors.FromFlatDataAndDimensions(quantized, value.Shape().Dimensions...)
}

// Dequantize converts a float16 tensor to float32.
func Dequantize(value *tensors.Tensor) *tensors.Tensor {
	data := tensors.MustCopyFlatData[float16.Float16](value)
	dequantized := make([]float32, len(data))
	for ii, v := range data {
		dequantized[ii] = v.Float32()
	}
	return tensors.FromFlatDataAndDimensions(dequantized, value.Shape().Dimensions...)
}

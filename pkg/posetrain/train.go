// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package posetrain trains the yoga poses classifier epoch by epoch: after each epoch it evaluates on the
// validation split, reduces the learning rate on plateaus of the validation loss, saves checkpoints (including
// the best model so far, by validation accuracy), and stops early once the configured accuracies are reached.
package posetrain

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/yogaposes/pkg/export"
	"github.com/gomlx/yogaposes/pkg/labels"
	"github.com/gomlx/yogaposes/pkg/posedata"
	"github.com/gomlx/yogaposes/pkg/posemodel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// BestDir is the subdirectory of the checkpoint directory holding the model with the best validation
	// accuracy, saved as an export artifact.
	BestDir = "best"

	// EpochVariableName is the root-scope variable counting the epochs trained, saved in the checkpoints.
	EpochVariableName = "epoch"

	// ParamRunID is set to the id of the latest training session, so it is carried over to exported models.
	ParamRunID = "run_id"
)

// ParamsExcludedFromSaving are hyperparameters that are not restored from a checkpoint, so they can be changed
// when training continues.
var ParamsExcludedFromSaving = []string{
	posemodel.ParamNumEpochs, posemodel.ParamNumCheckpoints,
	posemodel.ParamStopTrainAccuracy, posemodel.ParamStopEvalAccuracy,
	posedata.ParamDataParallelism,
}

// Config of a training session. Hyperparameters are read from the context.
type Config struct {
	// DataDir holds the splits, each with one subdirectory per label.
	DataDir string

	// CheckpointDir where to save checkpoints, the best model and the history. If relative, it is taken as
	// a subdirectory of DataDir. If empty, nothing is saved.
	//
	// If it already holds a checkpoint, training continues from it.
	CheckpointDir string

	// ParamsSet are the hyperparameters explicitly set by the user, which take precedence over the values saved
	// in the checkpoint.
	ParamsSet []string

	// ProgressBar displays a progress bar during training.
	ProgressBar bool
}

// Result of a training session.
type Result struct {
	// Context holds the trained model, under the scope export.ModelScope.
	Context *context.Context

	Model   *posemodel.Model
	Trainer *train.Trainer
	Labels  labels.Labels

	// RunID identifies this session in the History.
	RunID   string
	History *History

	// EarlyStopped is true if training stopped because the accuracy thresholds were reached.
	EarlyStopped bool

	// EvalLoss and EvalAccuracy on the validation split at the end of training.
	EvalLoss, EvalAccuracy float64

	// CheckpointDir used, if any.
	CheckpointDir string
}

// Close releases the model resources.
func (r *Result) Close() {
	if r.Model != nil {
		r.Model.Close()
	}
}

// Train the model configured in ctx on the images in config.DataDir.
//
// The returned Result.Context is ctx, holding the trained model: it can be exported with the export package
// or used for predictions with the classifier package.
func Train(ctx *context.Context, backend backends.Backend, config Config) (*Result, error) {
	dataDir := fsutil.MustReplaceTildeInDir(config.DataDir)
	result := &Result{Context: ctx, RunID: uuid.NewString(), History: &History{}}
	klog.Infof("Training run %s with backend %q", result.RunID, backend.Name())

	var checkpoint *checkpoints.Handler
	if config.CheckpointDir != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(config.CheckpointDir, dataDir).
			Keep(context.GetParamOr(ctx, posemodel.ParamNumCheckpoints, 3)).
			ExcludeParams(append(config.ParamsSet, ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to open checkpoint %q", config.CheckpointDir)
		}
		result.CheckpointDir = checkpoint.Dir()
		klog.Infof("Checkpointing model to %q", result.CheckpointDir)
		historyPath := filepath.Join(result.CheckpointDir, HistoryCSVFileName)
		if fsutil.MustFileExists(historyPath) {
			previous, err := ReadHistoryCSV(historyPath)
			if err != nil {
				return nil, err
			}
			result.History = previous
		}
	}

	ctx.InAbsPath(context.RootScope).SetParam(ParamRunID, result.RunID)

	// Datasets: labels must match the ones the checkpoint was trained with, if any.
	savedLabels := posemodel.Labels(ctx)
	dss, err := posedata.CreateDatasets(posedata.NewConfigFromContext(ctx, dataDir))
	if err != nil {
		return nil, err
	}
	if savedLabels.Len() > 0 && !savedLabels.Equal(dss.Labels) {
		return nil, errors.Wrapf(labels.ErrLabelMismatch, "model was trained with labels %s, but %q has labels %s",
			savedLabels, dataDir, dss.Labels)
	}
	result.Labels = dss.Labels
	posemodel.SetLabels(ctx, dss.Labels)

	modelCtx := ctx.In(export.ModelScope)
	result.Model, err = posemodel.New(modelCtx)
	if err != nil {
		return nil, err
	}

	// Epoch means of the loss and accuracy, for training and validation.
	lossFn := posemodel.NewLoss(ctx)
	lossMetricFn := func(_ *context.Context, labels, predictions []*Node) *Node {
		return lossFn(labels, predictions)
	}
	trainLoss := metrics.NewMeanMetric("Train Loss", "loss", metrics.LossMetricType, lossMetricFn, nil).WithDynamicBatch(true)
	trainAccuracy := metrics.NewSparseCategoricalAccuracy("Train Accuracy", "acc").WithDynamicBatch(true)
	evalLoss := metrics.NewMeanMetric("Validation Loss", "val_loss", metrics.LossMetricType, lossMetricFn, nil).WithDynamicBatch(true)
	evalAccuracy := metrics.NewSparseCategoricalAccuracy("Validation Accuracy", "val_acc").WithDynamicBatch(true)

	trainer := train.NewTrainer(backend, modelCtx, result.Model.ModelGraph, lossFn,
		optimizers.FromContext(modelCtx),
		[]metrics.Interface{trainLoss, trainAccuracy},
		[]metrics.Interface{evalLoss, evalAccuracy})
	result.Trainer = trainer
	if optimizers.GetGlobalStep(modelCtx) > 0 {
		trainer.SetContext(modelCtx.Reuse())
	}
	loop := train.NewLoop(trainer)
	if config.ProgressBar {
		commandline.AttachProgressBar(loop)
	}

	initialLR := context.GetParamOr(ctx, optimizers.ParamLearningRate, 1e-4)
	lrVar := optimizers.LearningRateVar(modelCtx, dtypes.Float32, initialLR)
	epochVar := ctx.InAbsPath(context.RootScope).Checked(false).
		VariableWithValue(EpochVariableName, int64(0)).SetTrainable(false)
	plateau := PlateauFromContext(ctx)
	for _, r := range result.History.Records {
		_, _ = plateau.Update(r.EvalLoss, r.LearningRate)
	}
	stopRule := StopRuleFromContext(ctx)
	bestAccuracy := result.History.BestEvalAccuracy()
	numEpochs := context.GetParamOr(ctx, posemodel.ParamNumEpochs, 4)

	for epoch := int(tensors.ToScalar[int64](epochVar.MustValue())) + 1; epoch <= numEpochs; epoch++ {
		learningRate := shapes.ConvertTo[float64](lrVar.MustValue().Value())
		trainValues, err := loop.RunEpochs(dss.Train, 1)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed training epoch %d", epoch)
		}
		evalValues, err := trainer.Eval(dss.Eval)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed evaluating epoch %d", epoch)
		}
		dss.Eval.Reset()

		record := EpochRecord{
			RunID:        result.RunID,
			Epoch:        epoch,
			Step:         int(optimizers.GetGlobalStep(modelCtx)),
			LearningRate: learningRate,
		}
		trainMetrics, evalMetrics := trainer.TrainMetrics(), trainer.EvalMetrics()
		for _, m := range []struct {
			all    []metrics.Interface
			values []*tensors.Tensor
			metric metrics.Interface
			to     *float64
		}{
			{trainMetrics, trainValues, trainLoss, &record.Loss},
			{trainMetrics, trainValues, trainAccuracy, &record.Accuracy},
			{evalMetrics, evalValues, evalLoss, &record.EvalLoss},
			{evalMetrics, evalValues, evalAccuracy, &record.EvalAccuracy},
		} {
			if *m.to, err = metricValue(m.all, m.values, m.metric); err != nil {
				return nil, err
			}
		}
		result.History.Append(record)
		klog.Infof("Epoch %d/%d: loss=%.4f accuracy=%.2f%% val_loss=%.4f val_accuracy=%.2f%% lr=%.2g",
			epoch, numEpochs, record.Loss, 100*record.Accuracy, record.EvalLoss, 100*record.EvalAccuracy, learningRate)

		if newLR, reduced := plateau.Update(record.EvalLoss, learningRate); reduced {
			klog.Infof("Epoch %d: validation loss stopped improving, reducing learning rate to %.2g", epoch, newLR)
			lrVar.MustSetValue(tensors.FromScalar(float32(newLR)))
		}
		epochVar.MustSetValue(tensors.FromScalar(int64(epoch)))

		if checkpoint != nil {
			if err := checkpoint.Save(); err != nil {
				return nil, errors.WithMessagef(err, "failed to save checkpoint after epoch %d", epoch)
			}
			if record.EvalAccuracy > bestAccuracy {
				bestDir := filepath.Join(result.CheckpointDir, BestDir)
				if _, err := export.WriteArtifact(ctx, bestDir, export.Options{Overwrite: true}); err != nil {
					return nil, errors.WithMessagef(err, "failed to save best model after epoch %d", epoch)
				}
				klog.Infof("Epoch %d: validation accuracy improved from %.2f%% to %.2f%%, saved to %q",
					epoch, 100*bestAccuracy, 100*record.EvalAccuracy, bestDir)
			}
			if err := result.History.WriteCSV(filepath.Join(result.CheckpointDir, HistoryCSVFileName)); err != nil {
				return nil, err
			}
		}
		bestAccuracy = max(bestAccuracy, record.EvalAccuracy)

		if stopRule.Reached(record.Accuracy, record.EvalAccuracy) {
			klog.Infof("Epoch %d: reached accuracy %.2f%% (>= %.2f%%) and validation accuracy %.2f%% (>= %.2f%%), stopping",
				epoch, 100*record.Accuracy, 100*stopRule.TrainAccuracy, 100*record.EvalAccuracy, 100*stopRule.EvalAccuracy)
			result.EarlyStopped = true
			break
		}
	}

	// Update batch normalization averages, if they are used.
	updated, err := batchnorm.UpdateAverages(trainer, dss.TrainEval)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to update batch normalization averages")
	}
	if updated && checkpoint != nil {
		if err := checkpoint.Save(); err != nil {
			return nil, err
		}
	}

	// Final evaluation.
	evalValues, err := trainer.Eval(dss.Eval)
	if err != nil {
		return nil, errors.WithMessage(err, "failed final evaluation")
	}
	dss.Eval.Reset()
	if result.EvalLoss, err = metricValue(trainer.EvalMetrics(), evalValues, evalLoss); err != nil {
		return nil, err
	}
	if result.EvalAccuracy, err = metricValue(trainer.EvalMetrics(), evalValues, evalAccuracy); err != nil {
		return nil, err
	}
	klog.Infof("Validation loss %.4f, validation accuracy %.2f%%", result.EvalLoss, 100*result.EvalAccuracy)

	if checkpoint != nil && result.History.Len() > 0 {
		if err := result.History.Plot(filepath.Join(result.CheckpointDir, HistoryPlotFileName)); err != nil {
			klog.Warningf("Failed to plot training history: %+v", err)
		}
	}
	return result, nil
}

// metricValue returns the value of metric, given the metrics of the trainer and their values.
func metricValue(all []metrics.Interface, values []*tensors.Tensor, metric metrics.Interface) (float64, error) {
	for ii, m := range all {
		if m == metric {
			if ii >= len(values) {
				break
			}
			return shapes.ConvertTo[float64](values[ii].Value()), nil
		}
	}
	return 0, errors.Errorf("metric %q not found in trainer results", metric.Name())
}

// RemoveCheckpoint deletes the checkpoint directory, to restart training from scratch.
func RemoveCheckpoint(checkpointDir, dataDir string) error {
	dir := fsutil.MustReplaceTildeInDir(checkpointDir)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(fsutil.MustReplaceTildeInDir(dataDir), dir)
	}
	return errors.Wrapf(os.RemoveAll(dir), "failed to remove checkpoint %q", dir)
}

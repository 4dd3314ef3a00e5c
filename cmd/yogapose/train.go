// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/yogaposes/pkg/classifier"
	"github.com/gomlx/yogaposes/pkg/export"
	"github.com/gomlx/yogaposes/pkg/posedata"
	"github.com/gomlx/yogaposes/pkg/posemodel"
	"github.com/gomlx/yogaposes/pkg/posetrain"
	"github.com/gomlx/yogaposes/pkg/sanitize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type trainFlags struct {
	data, checkpoint, exportDir, settings string
	restart, overwrite, progress         bool
	sanitize                             bool
	sanitizeOpts                         sanitize.TreeOptions
	predict                              []string
}

func trainCommand() *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the yoga poses classifier, and optionally export it",
		Long: "Trains the classifier on the images in <data>/<train_split>/<label>/, evaluating on " +
			"<data>/<eval_split>/<label>/. Hyperparameters are set with --set, e.g.: " +
			`--set="num_epochs=10;backbone=onnx;backbone_onnx=~/models/resnet50.onnx"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(&f)
		},
	}
	cmd.Flags().StringVar(&f.data, "data", "", "Dataset root directory, with one subdirectory per split.")
	cmd.Flags().StringVar(&f.checkpoint, "checkpoint", "",
		"Checkpoint directory, relative to --data if not absolute. If it exists, training continues from it. "+
			"If empty, nothing is saved.")
	cmd.Flags().BoolVar(&f.restart, "restart", false, "Remove the checkpoint before training.")
	cmd.Flags().StringVar(&f.exportDir, "export", "", "Export the trained model to this directory.")
	cmd.Flags().BoolVar(&f.overwrite, "overwrite", false, "Overwrite a previously exported model.")
	cmd.Flags().StringVar(&f.settings, "set", "", "Hyperparameters to set, separated by \";\": "+
		`e.g. "num_epochs=10;batch_size=16"`)
	cmd.Flags().BoolVar(&f.progress, "progress", true, "Display a progress bar.")
	cmd.Flags().BoolVar(&f.sanitize, "sanitize", false, "Remove invalid image files before training.")
	cmd.Flags().StringVar(&f.sanitizeOpts.QuarantineDir, "quarantine", "",
		"With --sanitize, move invalid files to this directory instead of deleting them.")
	cmd.Flags().Int64Var(&f.sanitizeOpts.MaxPixels, "max-pixels", sanitize.DefaultMaxPixels,
		"With --sanitize, images with more pixels than this are considered invalid.")
	cmd.Flags().StringSliceVar(&f.predict, "predict", nil, "Image files to classify after training.")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func runTrain(f *trainFlags) error {
	ctx := posemodel.CreateDefaultContext()
	paramsSet, err := commandline.ParseContextSettings(ctx, f.settings)
	if err != nil {
		return errors.WithMessage(err, "invalid --set")
	}
	if len(paramsSet) > 0 {
		fmt.Printf("Hyperparameters set:\n%s\n", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	if f.sanitize {
		opts := f.sanitizeOpts
		opts.Splits = []string{
			context.GetParamOr(ctx, posedata.ParamTrainSplit, "train"),
			context.GetParamOr(ctx, posedata.ParamEvalSplit, "test"),
		}
		opts.ProgressBar = f.progress
		report, err := runSanitize(f.data, opts)
		if err != nil {
			return err
		}
		if err := report.Err(); err != nil {
			return err
		}
	}

	backend, err := newBackend()
	if err != nil {
		return err
	}
	if f.restart && f.checkpoint != "" {
		if err := posetrain.RemoveCheckpoint(f.checkpoint, f.data); err != nil {
			return err
		}
	}
	result, err := posetrain.Train(ctx, backend, posetrain.Config{
		DataDir:       f.data,
		CheckpointDir: f.checkpoint,
		ParamsSet:     paramsSet,
		ProgressBar:   f.progress,
	})
	if err != nil {
		return err
	}
	defer result.Close()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Training run %s", result.RunID)))
	fmt.Println(result.History.Table())
	if result.EarlyStopped {
		fmt.Println("Stopped early: accuracy thresholds reached.")
	}
	summary := newTable("Validation", "Value")
	summary.Row("loss", fmt.Sprintf("%.4f", result.EvalLoss))
	summary.Row("accuracy", fmt.Sprintf("%.2f%%", 100*result.EvalAccuracy))
	fmt.Println(summary.Render())

	if f.exportDir != "" {
		artifacts, err := export.Export(ctx, f.exportDir, export.Options{
			Overwrite:     f.overwrite,
			ExcludeParams: posetrain.ParamsExcludedFromSaving,
		})
		if err != nil {
			return err
		}
		printArtifacts(artifacts)
	}

	if len(f.predict) > 0 {
		c, err := classifier.NewFromContext(backend, ctx, result.Model)
		if err != nil {
			return err
		}
		return printPredictions(c, f.predict)
	}
	return nil
}

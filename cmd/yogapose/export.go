// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/yogaposes/pkg/export"
	"github.com/gomlx/yogaposes/pkg/posetrain"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func exportCommand() *cobra.Command {
	var checkpointDir, exportDir string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a training checkpoint as a full and a quantized model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.New()
			if _, err := checkpoints.Load(ctx).Dir(checkpointDir).Immediate().Done(); err != nil {
				return errors.WithMessagef(err, "failed to load checkpoint %q", checkpointDir)
			}
			fmt.Printf("Loaded checkpoint %q: global step %s\n", checkpointDir,
				humanize.Comma(optimizers.GetGlobalStep(ctx.In(export.ModelScope))))
			artifacts, err := export.Export(ctx, exportDir, export.Options{
				Overwrite:     overwrite,
				ExcludeParams: posetrain.ParamsExcludedFromSaving,
			})
			if err != nil {
				return err
			}
			printArtifacts(artifacts)
			return nil
		},
	}
	cmd.Flags().StringVar(&checkpointDir, "checkpoint", "", "Training checkpoint directory.")
	cmd.Flags().StringVar(&exportDir, "export", "", "Directory where to export the model.")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite a previously exported model.")
	_ = cmd.MarkFlagRequired("checkpoint")
	_ = cmd.MarkFlagRequired("export")
	return cmd
}

func printArtifacts(artifacts *export.Artifacts) {
	fmt.Println(titleStyle.Render("Exported model"))
	table := newTable("Version", "Directory", "Variables", "Parameters", "Size")
	for _, artifact := range []*export.Artifact{artifacts.Full, artifacts.Quantized} {
		version := "full"
		if artifact.Quantized {
			version = "quantized"
		}
		table.Row(version, artifact.Dir,
			humanize.Comma(int64(artifact.NumVariables)),
			humanize.Comma(int64(artifact.NumParameters)),
			humanize.Bytes(uint64(artifact.Size)))
	}
	fmt.Println(table.Render())
	fmt.Printf("Quantized model is %.1f%% of the full model size.\n",
		100*float64(artifacts.Quantized.Size)/float64(max(artifacts.Full.Size, 1)))
}

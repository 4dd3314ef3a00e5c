// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/gomlx/yogaposes/pkg/classifier"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func predictCommand() *cobra.Command {
	var modelDir string
	cmd := &cobra.Command{
		Use:   "predict <image>...",
		Short: "Predict the yoga pose of each image, using an exported model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := newBackend()
			if err != nil {
				return err
			}
			c, err := classifier.New(backend, modelDir)
			if err != nil {
				return err
			}
			defer c.Close()
			return printPredictions(c, args)
		},
	}
	cmd.Flags().StringVar(&modelDir, "model", "", "Directory of the exported model, either the full or the quantized one.")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

// printPredictions classifies each image file and prints a table with the results.
// Images that fail to load are reported and skipped, the error returned is the last one.
func printPredictions(c *classifier.Classifier, imagePaths []string) (err error) {
	table := newTable("Image", "Pose", "Confidence")
	for _, imagePath := range imagePaths {
		prediction, predictErr := c.ClassifyFile(imagePath)
		if predictErr != nil {
			klog.Errorf("%+v", predictErr)
			err = predictErr
			table.Row(imagePath, "<error>", "")
			continue
		}
		table.Row(imagePath, prediction.Label, fmt.Sprintf("%.1f%%", 100*prediction.Confidence()))
	}
	fmt.Println(table.Render())
	return
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/yogaposes/pkg/labels"
	"github.com/gomlx/yogaposes/pkg/sanitize"
	"github.com/spf13/cobra"
)

func labelsCommand() *cobra.Command {
	var splits []string
	cmd := &cobra.Command{
		Use:   "labels <root>",
		Short: "Print the class index of each label, and check all splits have the same labels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := fsutil.MustReplaceTildeInDir(args[0])
			poseLabels, err := labels.Consistent(root, splits...)
			if poseLabels != nil {
				dir := root
				if len(splits) > 0 {
					dir = filepath.Join(root, splits[0])
				}
				printLabels(dir, poseLabels)
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&splits, "splits", sanitize.DefaultSplits,
		"Dataset splits, subdirectories of root. The first one defines the labels.")
	return cmd
}

func printLabels(dir string, poseLabels labels.Labels) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Labels of %q", dir)))
	table := newTable("Index", "Label")
	for ii, name := range poseLabels {
		table.Row(fmt.Sprintf("%d", ii), name)
	}
	fmt.Println(table.Render())
}

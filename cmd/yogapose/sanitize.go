// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/yogaposes/pkg/sanitize"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func sanitizeCommand() *cobra.Command {
	var opts sanitize.TreeOptions
	cmd := &cobra.Command{
		Use:   "sanitize <root>",
		Short: "Remove files that are not valid images from root/<split>/<label>/",
		Long: "Checks every file of root/<split>/<label>/ decodes as an image, and deletes (or moves to the " +
			"quarantine directory) the ones that don't. It fails if any invalid file could not be removed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := runSanitize(args[0], opts)
			if err != nil {
				return err
			}
			return report.Err()
		},
	}
	addSanitizeFlags(cmd, &opts)
	return cmd
}

func addSanitizeFlags(cmd *cobra.Command, opts *sanitize.TreeOptions) {
	cmd.Flags().StringSliceVar(&opts.Splits, "splits", sanitize.DefaultSplits, "Dataset splits, subdirectories of root.")
	cmd.Flags().StringVar(&opts.QuarantineDir, "quarantine", "",
		"Move invalid files to this directory, instead of deleting them.")
	cmd.Flags().IntVar(&opts.Parallelism, "parallelism", 0,
		"Number of label directories sanitized in parallel. 0 uses the number of cores.")
	cmd.Flags().Int64Var(&opts.MaxPixels, "max-pixels", sanitize.DefaultMaxPixels,
		"Images with more pixels (width times height) than this are considered invalid.")
	cmd.Flags().BoolVar(&opts.ProgressBar, "progress", true, "Display a progress bar.")
}

// runSanitize sanitizes the dataset in root and prints the report.
func runSanitize(root string, opts sanitize.TreeOptions) (*sanitize.Report, error) {
	treeReport, err := sanitize.SanitizeTree(root, opts)
	if err != nil {
		return nil, err
	}
	if treeReport.LabelMismatch != nil {
		klog.Warningf("%v", treeReport.LabelMismatch)
	}
	report := treeReport.Merged()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Sanitized %q", treeReport.Root)))
	summary := newTable("Files", "Count")
	summary.Row("directories", humanize.Comma(int64(len(report.Dirs))))
	summary.Row("scanned", humanize.Comma(int64(report.Scanned)))
	summary.Row("valid", humanize.Comma(int64(report.Valid)))
	for _, outcome := range []sanitize.Outcome{
		sanitize.OutcomeRemoved, sanitize.OutcomeRemovalFailed, sanitize.OutcomeAccessFailed} {
		summary.Row(outcome.String(), humanize.Comma(int64(report.Count(outcome))))
	}
	fmt.Println(summary.Render())

	if !report.IsEmpty() {
		entries := newTable("Outcome", "File", "Reason")
		for _, entry := range report.Entries {
			entries.Row(entry.Outcome.String(), entry.Path, entry.Reason())
		}
		fmt.Println(entries.Render())
	}
	return report, nil
}

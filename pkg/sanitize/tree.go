// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sanitize

import (
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/yogaposes/internal/workerspool"
	"github.com/gomlx/yogaposes/pkg/labels"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// DefaultSplits are the dataset splits sanitized by SanitizeTree if none are given.
var DefaultSplits = []string{"train", "test"}

// TreeOptions configures SanitizeTree.
type TreeOptions struct {
	// Splits are the subdirectories of root holding one directory per label. Defaults to DefaultSplits.
	Splits []string

	// Parallelism is the number of label directories sanitized concurrently.
	// 0 uses runtime.NumCPU(), 1 sanitizes one directory at a time.
	Parallelism int

	// QuarantineDir, if set, receives the invalid files instead of them being deleted.
	// Files are moved to QuarantineDir/<split>/<label>/.
	QuarantineDir string

	// MaxPixels is the largest image accepted, see WithMaxPixels. Defaults to DefaultMaxPixels.
	MaxPixels int64

	// Sink is called with every reported entry. Calls are serialized.
	Sink func(Entry)

	// ProgressBar displays a progress bar on the terminal, one step per label directory.
	ProgressBar bool
}

// TreeReport holds the outcome of SanitizeTree.
type TreeReport struct {
	Root string

	// Labels found in each split.
	Labels map[string]labels.Labels

	// Reports per label directory, in split and label order.
	Reports []*Report

	// LabelMismatch is set (wrapping labels.ErrLabelMismatch) if the splits don't share the same labels.
	// Sanitization still runs on every directory found.
	LabelMismatch error
}

// Merged returns a single Report combining the reports of all label directories.
func (r *TreeReport) Merged() *Report {
	merged := &Report{}
	for _, report := range r.Reports {
		merged.Merge(report)
	}
	return merged
}

// SanitizeTree runs Sanitize on every root/<split>/<label> directory.
//
// Label directories are independent and are sanitized in parallel, each by exactly one worker.
// It returns an error wrapping ErrInvalidDirectory if root or any of the splits is not a directory, before
// any file is touched. A leading "~" in root is expanded to the user's home directory.
func SanitizeTree(root string, opts TreeOptions) (*TreeReport, error) {
	root, err := fsutil.ReplaceTildeInDir(root)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidDirectory, "%v", err)
	}
	if opts.QuarantineDir != "" {
		opts.QuarantineDir, err = fsutil.ReplaceTildeInDir(opts.QuarantineDir)
		if err != nil {
			return nil, err
		}
	}
	splits := opts.Splits
	if len(splits) == 0 {
		splits = DefaultSplits
	}
	if err := checkDir(root); err != nil {
		return nil, err
	}
	treeReport := &TreeReport{Root: root, Labels: make(map[string]labels.Labels, len(splits))}
	type job struct {
		split, label, dir string
	}
	var jobs []job
	for _, split := range splits {
		splitDir := filepath.Join(root, split)
		if err := checkDir(splitDir); err != nil {
			return nil, errors.WithMessagef(err, "split %q", split)
		}
		splitLabels, err := labels.LabelMapping(splitDir)
		if err != nil {
			return nil, err
		}
		treeReport.Labels[split] = splitLabels
		for _, label := range splitLabels {
			jobs = append(jobs, job{split: split, label: label, dir: filepath.Join(splitDir, label)})
		}
	}
	if _, err := labels.Consistent(root, splits...); err != nil {
		klog.Warningf("Dataset in %q: %v", root, err)
		treeReport.LabelMismatch = err
	}

	var sinkMu sync.Mutex
	var sink func(Entry)
	if opts.Sink != nil {
		sink = func(entry Entry) {
			sinkMu.Lock()
			defer sinkMu.Unlock()
			opts.Sink(entry)
		}
	}

	var bar *progressbar.ProgressBar
	if opts.ProgressBar {
		bar = progressbar.NewOptions(len(jobs),
			progressbar.OptionSetDescription("Sanitizing"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("dirs"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionClearOnFinish(),
		)
	}

	parallelism := opts.Parallelism
	var pool *workerspool.Pool
	if parallelism <= 0 {
		pool = workerspool.New()
	} else {
		pool = workerspool.NewWithParallelism(parallelism)
	}
	reports := make([]*Report, len(jobs))
	errs := make([]error, len(jobs))
	for ii, j := range jobs {
		pool.Go(func() {
			dirOptions := []Option{WithMaxPixels(opts.MaxPixels)}
			if sink != nil {
				dirOptions = append(dirOptions, WithSink(sink))
			}
			if opts.QuarantineDir != "" {
				dirOptions = append(dirOptions, WithQuarantine(filepath.Join(opts.QuarantineDir, j.split, j.label)))
			}
			reports[ii], errs[ii] = Sanitize(j.dir, dirOptions...)
			if bar != nil {
				_ = bar.Add(1)
			}
		})
	}
	pool.Wait()
	if bar != nil {
		_ = bar.Finish()
	}

	for ii, err := range errs {
		if err == nil {
			treeReport.Reports = append(treeReport.Reports, reports[ii])
			continue
		}
		// The label directory vanished after it was listed.
		dir := jobs[ii].dir
		treeReport.Reports = append(treeReport.Reports, &Report{
			Dirs: []string{dir},
			Entries: []Entry{{
				Path:    dir,
				Outcome: OutcomeAccessFailed,
				Err:     &AccessError{Path: dir, Err: err},
			}},
		})
	}
	merged := treeReport.Merged()
	klog.Infof("Sanitized %d label directories in %q: %s", len(jobs), root, merged)
	return treeReport, nil
}

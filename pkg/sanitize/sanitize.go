// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sanitize removes files that are not decodable images from a labeled image directory.
//
// A dataset is laid out as root/<split>/<label>/<image files>. Sanitize inspects the files of one
// label directory: every file is fully decoded, unless its header already shows it's invalid or larger than
// the pixel limit, and the ones that fail are removed (or moved to a
// quarantine directory). One bad file never stops the pass: every problem is recorded in the
// returned Report, and the only error returned by Sanitize is an invalid directory argument.
//
// Supported formats are the ones registered with the "image" package: this package registers
// JPEG, PNG, GIF, BMP, TIFF and WebP.
package sanitize

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"k8s.io/klog/v2"
)

// DefaultMaxPixels is the largest image size, in pixels (width times height), accepted by Verify.
// Decoders allocate the full pixel buffer the header claims, so larger images are rejected from the header
// alone, without decoding.
const DefaultMaxPixels = 1 << 26

// Option configures Sanitize.
type Option func(opts *options)

type options struct {
	sink          func(Entry)
	quarantineDir string
	maxPixels     int64
}

// WithMaxPixels sets the largest image accepted, in pixels. Files whose header claims more are invalid.
// If maxPixels <= 0, DefaultMaxPixels is used.
func WithMaxPixels(maxPixels int64) Option {
	return func(opts *options) {
		opts.maxPixels = maxPixels
	}
}

// WithSink registers a function called with every reported entry, as soon as it's processed.
// When used with SanitizeTree the calls are serialized.
func WithSink(sink func(Entry)) Option {
	return func(opts *options) {
		opts.sink = sink
	}
}

// WithQuarantine moves invalid files into quarantineDir instead of deleting them.
// The directory is created if it doesn't exist. If a file with the same name is already there,
// a numeric suffix is appended.
func WithQuarantine(quarantineDir string) Option {
	return func(opts *options) {
		opts.quarantineDir = quarantineDir
	}
}

// Sanitize checks every file directly inside dir and removes the ones that are not decodable images.
// Subdirectories are not visited.
//
// It returns an error wrapping ErrInvalidDirectory, before touching anything, if dir doesn't exist or
// is not a directory. Any other problem is recorded in the Report, and the scan continues.
//
// Sanitize must not be called concurrently on the same directory.
func Sanitize(dir string, optionFns ...Option) (*Report, error) {
	var opts options
	for _, option := range optionFns {
		option(&opts)
	}
	if opts.maxPixels <= 0 {
		opts.maxPixels = DefaultMaxPixels
	}
	if err := checkDir(dir); err != nil {
		return nil, err
	}
	if opts.quarantineDir != "" {
		if err := os.MkdirAll(opts.quarantineDir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create quarantine directory %q", opts.quarantineDir)
		}
	}

	report := &Report{Dirs: []string{dir}}
	record := func(entry Entry) {
		report.add(entry)
		if opts.sink != nil {
			opts.sink(entry)
		}
	}

	// os.ReadDir returns the entries it managed to read along with the error.
	entries, err := os.ReadDir(dir)
	if err != nil {
		klog.Warningf("Listing %q: %v", dir, err)
		record(Entry{Path: dir, Outcome: OutcomeAccessFailed, Err: &AccessError{Path: dir, Err: err}})
	}
	for _, dirEntry := range entries {
		entryPath := filepath.Join(dir, dirEntry.Name())
		isFile, err := isRegularFile(entryPath, dirEntry)
		if err != nil {
			record(Entry{Path: entryPath, Outcome: OutcomeAccessFailed, Err: err})
			continue
		}
		if !isFile {
			klog.V(2).Infof("Skipping %q: not a regular file", entryPath)
			continue
		}
		report.Scanned++
		outcome, entryErr := sanitizeEntry(entryPath, &opts)
		if outcome == OutcomeValid {
			report.Valid++
			continue
		}
		record(Entry{Path: entryPath, Outcome: outcome, Err: entryErr})
	}
	klog.V(1).Infof("Sanitized %q: %s", dir, report)
	return report, nil
}

// checkDir returns an error wrapping ErrInvalidDirectory if dir is not an existing directory.
func checkDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(ErrInvalidDirectory, "%q: %v", dir, err)
	}
	if !fi.IsDir() {
		return errors.Wrapf(ErrInvalidDirectory, "%q is not a directory", dir)
	}
	return nil
}

// isRegularFile resolves symbolic links: a link to a regular file is treated as a file.
func isRegularFile(entryPath string, dirEntry fs.DirEntry) (bool, error) {
	mode := dirEntry.Type()
	if mode&fs.ModeSymlink != 0 {
		fi, err := os.Stat(entryPath)
		if err != nil {
			return false, &AccessError{Path: entryPath, Err: err}
		}
		mode = fi.Mode()
	}
	return mode.IsRegular(), nil
}

// sanitizeEntry verifies the file and removes it if it's invalid.
func sanitizeEntry(entryPath string, opts *options) (Outcome, error) {
	err := verify(entryPath, opts.maxPixels)
	if err == nil {
		return OutcomeValid, nil
	}
	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		klog.Warningf("Skipping %q: %v", entryPath, err)
		return OutcomeAccessFailed, err
	}

	removeErr := remove(entryPath, opts.quarantineDir)
	if removeErr == nil {
		klog.V(1).Infof("Removed invalid image %q: %v", entryPath, err)
		return OutcomeRemoved, err
	}
	if errors.Is(removeErr, fs.ErrNotExist) {
		// Vanished between verification and removal.
		return OutcomeAccessFailed, &AccessError{Path: entryPath, Err: removeErr}
	}
	klog.Warningf("Failed to remove invalid image %q: %v", entryPath, removeErr)
	return OutcomeRemovalFailed, &RemovalError{Path: entryPath, Decode: err, Err: removeErr}
}

// Verify fully decodes the image in filePath. It returns nil if the image is valid, a *DecodeError if the
// contents are not a valid or complete image, or an *AccessError if the file couldn't be opened or read.
//
// Images larger than DefaultMaxPixels are reported as a *DecodeError, without decoding the pixel data.
//
// The file is always closed before returning.
func Verify(filePath string) error {
	return verify(filePath, DefaultMaxPixels)
}

func verify(filePath string, maxPixels int64) error {
	f, err := os.Open(filePath)
	if err != nil {
		return &AccessError{Path: filePath, Err: err}
	}
	defer func() { _ = f.Close() }()
	return verifyReader(filePath, f, maxPixels)
}

// verifyReader checks the header first, so unknown formats and oversized images fail fast, and then decodes
// the pixel data to find truncated or corrupted streams.
func verifyReader(filePath string, r io.ReadSeeker, maxPixels int64) error {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return classifyReadError(filePath, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return &DecodeError{Path: filePath, Err: errors.Errorf("invalid image dimensions %dx%d", cfg.Width, cfg.Height)}
	}
	if numPixels := int64(cfg.Width) * int64(cfg.Height); numPixels > maxPixels {
		return &DecodeError{Path: filePath, Err: errors.Errorf("image dimensions %dx%d exceed the limit of %d pixels",
			cfg.Width, cfg.Height, maxPixels)}
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return &AccessError{Path: filePath, Err: err}
	}
	if _, _, err := image.Decode(r); err != nil {
		return classifyReadError(filePath, err)
	}
	return nil
}

// classifyReadError separates errors reading the file from errors decoding its contents.
func classifyReadError(filePath string, err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return &AccessError{Path: filePath, Err: err}
	}
	return &DecodeError{Path: filePath, Err: err}
}

// Indirections replaced in tests.
var (
	removeFile = os.Remove
	renameFile = os.Rename
)

// remove deletes the file, or moves it to quarantineDir if one is given.
func remove(filePath, quarantineDir string) error {
	if quarantineDir == "" {
		return removeFile(filePath)
	}
	target, err := quarantinePath(quarantineDir, filepath.Base(filePath))
	if err != nil {
		return err
	}
	return renameFile(filePath, target)
}

// quarantinePath returns a path in quarantineDir not yet used.
func quarantinePath(quarantineDir, name string) (string, error) {
	target := filepath.Join(quarantineDir, name)
	for ii := 1; ; ii++ {
		_, err := os.Lstat(target)
		if errors.Is(err, fs.ErrNotExist) {
			return target, nil
		}
		if err != nil {
			return "", errors.Wrapf(err, "checking quarantine target %q", target)
		}
		target = filepath.Join(quarantineDir, fmt.Sprintf("%s.%d", name, ii))
	}
}

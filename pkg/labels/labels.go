// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package labels derives the class index of each label from the directory layout of a dataset.
//
// A dataset split holds one subdirectory per label. Indices are assigned by sorting the
// subdirectory names lexicographically, so the mapping never depends on listing order and is never
// maintained by hand.
package labels

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidDirectory is returned when the root given to LabelMapping doesn't exist or is not a directory.
	ErrInvalidDirectory = errors.New("invalid labels directory")

	// ErrLabelMismatch is returned by Consistent when splits don't hold the same set of labels.
	ErrLabelMismatch = errors.New("label directories differ between splits")
)

// Labels holds the label names in index order: Labels[i] is the name of class i.
type Labels []string

// LabelMapping lists the immediate subdirectories of root and returns them sorted
// lexicographically: the index of a label is its position in the sorted list.
//
// Regular files in root are ignored.
func LabelMapping(root string) (Labels, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidDirectory, "%q: %v", root, err)
	}
	if !fi.IsDir() {
		return nil, errors.Wrapf(ErrInvalidDirectory, "%q is not a directory", root)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list labels in %q", root)
	}
	var names Labels
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.Sort(names)
	return names, nil
}

// Len returns the number of labels (classes).
func (l Labels) Len() int { return len(l) }

// Name of the label for the given class index. It returns "" for indices out of range.
func (l Labels) Name(index int) string {
	if index < 0 || index >= len(l) {
		return ""
	}
	return l[index]
}

// Index returns the class index of the label name, or -1 if it's not a known label.
func (l Labels) Index(name string) int {
	idx, found := slices.BinarySearch(l, name)
	if !found {
		return -1
	}
	return idx
}

// Map returns the mapping from class index to label name.
func (l Labels) Map() map[int]string {
	m := make(map[int]string, len(l))
	for ii, name := range l {
		m[ii] = name
	}
	return m
}

// Equal returns whether both label sets have the same names in the same order.
func (l Labels) Equal(other Labels) bool {
	return slices.Equal(l, other)
}

// String implements fmt.Stringer.
func (l Labels) String() string {
	parts := make([]string, len(l))
	for ii, name := range l {
		parts[ii] = fmt.Sprintf("%d:%s", ii, name)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Join returns the labels joined by ",", the format used to store them as a context parameter.
// Commas and backslashes within names are escaped with a backslash.
func (l Labels) Join() string {
	escaped := make([]string, len(l))
	for ii, name := range l {
		escaped[ii] = labelEscaper.Replace(name)
	}
	return strings.Join(escaped, ",")
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`)

// Parse is the inverse of Labels.Join.
func Parse(joined string) Labels {
	if joined == "" {
		return nil
	}
	var names Labels
	var current strings.Builder
	escaped := false
	for _, r := range joined {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			names = append(names, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(names, current.String())
}

// Consistent returns the labels of root/<split> for each split, and checks that every split holds the
// same labels. The first split is the reference, typically the training split.
//
// On mismatch, it returns the labels of the first split along with an error wrapping ErrLabelMismatch.
func Consistent(root string, splits ...string) (Labels, error) {
	if len(splits) == 0 {
		return LabelMapping(root)
	}
	var reference Labels
	for ii, split := range splits {
		splitLabels, err := LabelMapping(filepath.Join(root, split))
		if err != nil {
			return nil, err
		}
		if ii == 0 {
			reference = splitLabels
			continue
		}
		if !reference.Equal(splitLabels) {
			return reference, errors.Wrapf(ErrLabelMismatch, "split %q has labels %s, split %q has %s",
				splits[0], reference, split, splitLabels)
		}
	}
	return reference, nil
}

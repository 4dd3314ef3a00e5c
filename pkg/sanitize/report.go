// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sanitize

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Outcome of the sanitization of one directory entry.
type Outcome int

const (
	// OutcomeValid entries decoded fine. They are counted but not listed in the Report.
	OutcomeValid Outcome = iota

	// OutcomeRemoved entries failed to decode and were removed (or moved to quarantine).
	OutcomeRemoved

	// OutcomeRemovalFailed entries failed to decode, but could not be removed: they are still present.
	OutcomeRemovalFailed

	// OutcomeAccessFailed entries vanished or could not be read during the scan.
	OutcomeAccessFailed
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeValid:
		return "valid"
	case OutcomeRemoved:
		return "removed"
	case OutcomeRemovalFailed:
		return "removal failed"
	case OutcomeAccessFailed:
		return "access failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Entry is one reported file.
type Entry struct {
	Path    string
	Outcome Outcome

	// Err is a *DecodeError, *RemovalError or *AccessError, matching the Outcome.
	Err error
}

// Reason is the human-readable failure description.
func (e Entry) Reason() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Report of one sanitization pass.
type Report struct {
	// Dirs sanitized: only one for Sanitize, all label directories for SanitizeTree.
	Dirs []string

	// Scanned is the number of files inspected, Valid is how many of them decoded successfully.
	Scanned, Valid int

	// Entries lists every file that was not valid, in processing order.
	Entries []Entry
}

func (r *Report) add(entry Entry) {
	r.Entries = append(r.Entries, entry)
}

// Count returns the number of entries with the given outcome.
// For OutcomeValid it returns Report.Valid.
func (r *Report) Count(outcome Outcome) int {
	if outcome == OutcomeValid {
		return r.Valid
	}
	count := 0
	for _, entry := range r.Entries {
		if entry.Outcome == outcome {
			count++
		}
	}
	return count
}

func (r *Report) filter(outcome Outcome) []Entry {
	var entries []Entry
	for _, entry := range r.Entries {
		if entry.Outcome == outcome {
			entries = append(entries, entry)
		}
	}
	return entries
}

// Removed returns the entries of invalid files that were removed.
func (r *Report) Removed() []Entry { return r.filter(OutcomeRemoved) }

// RemovalFailed returns the entries of invalid files that are still present.
func (r *Report) RemovalFailed() []Entry { return r.filter(OutcomeRemovalFailed) }

// AccessFailed returns the entries that could not be read.
func (r *Report) AccessFailed() []Entry { return r.filter(OutcomeAccessFailed) }

// IsEmpty returns true if no file needed attention.
func (r *Report) IsEmpty() bool { return len(r.Entries) == 0 }

// Merge appends the contents of other into r.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Dirs = append(r.Dirs, other.Dirs...)
	r.Scanned += other.Scanned
	r.Valid += other.Valid
	r.Entries = append(r.Entries, other.Entries...)
}

// Err returns an error listing the invalid files that could not be removed, or nil if there are none.
// Removed files and access failures don't make Err return an error.
func (r *Report) Err() error {
	failed := r.RemovalFailed()
	if len(failed) == 0 {
		return nil
	}
	parts := make([]string, len(failed))
	for ii, entry := range failed {
		parts[ii] = entry.Reason()
	}
	return errors.Errorf("%d invalid image(s) could not be removed: %s", len(failed), strings.Join(parts, "; "))
}

// String returns a one-line summary.
func (r *Report) String() string {
	return fmt.Sprintf("scanned %d files: %d valid, %d removed, %d removal failed, %d access failed",
		r.Scanned, r.Valid, r.Count(OutcomeRemoved), r.Count(OutcomeRemovalFailed), r.Count(OutcomeAccessFailed))
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sanitize

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidDirectory is returned (wrapped) when the directory to sanitize doesn't exist or is not a directory.
// Nothing is touched in that case.
var ErrInvalidDirectory = errors.New("invalid directory")

// DecodeError indicates the file is not a valid or complete image.
type DecodeError struct {
	Path string
	Err  error
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image %q: %v", e.Path, e.Err)
}

// Unwrap returns the decoder error.
func (e *DecodeError) Unwrap() error { return e.Err }

// RemovalError indicates the file failed to decode and could not be removed (or moved to quarantine).
// The file is still present.
type RemovalError struct {
	Path string

	// Decode is the reason the file was considered invalid, usually a *DecodeError.
	Decode error

	// Err is the reason the removal failed.
	Err error
}

// Error implements error.
func (e *RemovalError) Error() string {
	return fmt.Sprintf("failed to remove invalid image %q (%v): %v", e.Path, e.Decode, e.Err)
}

// Unwrap returns the removal error.
func (e *RemovalError) Unwrap() error { return e.Err }

// AccessError indicates the entry vanished or could not be read, for reasons unrelated to its encoding.
type AccessError struct {
	Path string
	Err  error
}

// Error implements error.
func (e *AccessError) Error() string {
	return fmt.Sprintf("failed to access %q: %v", e.Path, e.Err)
}

// Unwrap returns the underlying file-system error.
func (e *AccessError) Unwrap() error { return e.Err }

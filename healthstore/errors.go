// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every failure the engine can surface to a caller.
type ErrorCode int

const (
	CodeInternal ErrorCode = iota
	CodeInvalidArgument
	CodePermissionDenied
	CodeIOFailure
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeIOFailure:
		return "io_failure"
	default:
		return "internal"
	}
}

// Error is a coded engine error. Every asynchronous operation resolves to
// either a success value or exactly one of these.
type Error struct {
	Code ErrorCode
	err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func codedErr(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	// Keep the innermost code when rewrapping.
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Code: code, err: err}
}

func codedErrf(code ErrorCode, format string, args ...any) error {
	return &Error{Code: code, err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the error code, defaulting to CodeInternal for
// uncategorized failures.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func IsInvalidArgument(err error) bool  { return err != nil && CodeOf(err) == CodeInvalidArgument }
func IsPermissionDenied(err error) bool { return err != nil && CodeOf(err) == CodePermissionDenied }
func IsIOFailure(err error) bool        { return err != nil && CodeOf(err) == CodeIOFailure }

// errNoKnownPackages signals that a package filter resolved to no package
// known to the store. Callers translate it into an empty result instead of
// surfacing an error.
var errNoKnownPackages = errors.New("no known packages for filter")

// StageError aggregates per-file failures collected while staging remote
// data. Staging keeps going past individual file errors, so the caller gets
// the whole map at once.
type StageError struct {
	FileErrors map[string]error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("staging failed for %d file(s)", len(e.FileErrors))
}

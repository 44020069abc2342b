// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package statemgr

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific StoreError.
const (
	// ErrInvalidDir indicates that the state directory contains neither
	// a canonical nor a pending state file and therefore does not hold
	// a stream.
	ErrInvalidDir ErrorCode = iota

	// ErrAlreadyExists indicates that a stream state already exists in
	// the directory passed to Create.
	ErrAlreadyExists

	// ErrCorrupt indicates that the state file exists but could not be
	// decoded.
	ErrCorrupt

	// ErrIO indicates a filesystem error.  When this code is set, the
	// Err field of the StoreError holds the underlying error.  These
	// are fatal: the store performs no retries.
	ErrIO
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidDir:    "ErrInvalidDir",
	ErrAlreadyExists: "ErrAlreadyExists",
	ErrCorrupt:       "ErrCorrupt",
	ErrIO:            "ErrIO",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// StoreError provides a single type for errors that can happen during state
// store operation.
type StoreError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e StoreError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e StoreError) Unwrap() error {
	return e.Err
}

// storeError creates a StoreError given a set of arguments.
func storeError(c ErrorCode, desc string, err error) StoreError {
	return StoreError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a StoreError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	serr, ok := err.(StoreError)
	return ok && serr.ErrorCode == code
}

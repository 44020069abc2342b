// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package krist

import (
	"errors"
	"fmt"
)

// APIError is a structured error returned by the node through the regular
// response channel, i.e. a well-formed body with ok=false.  These are
// semantic failures (insufficient funds, bad address, ...) and are never
// retried automatically.
type APIError struct {
	// Code is the machine-readable error identifier, e.g.
	// "insufficient_funds".
	Code string

	// Message is the optional human-readable description.
	Message string
}

// Error satisfies the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("krist: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("krist: %s", e.Code)
}

// IsAPIError reports whether err (or an error it wraps) is a structured
// node error, returning it when so.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// ErrNoSender is returned by MakeRefundFor when the transaction to refund
// has no sending address, such as a mining reward.
var ErrNoSender = errors.New("krist: transaction has no sender to refund")

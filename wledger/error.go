// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wledger

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific LedgerError.
const (
	// ErrDatabase indicates an error with the underlying ledger
	// storage.  When this code is set, the Err field of the LedgerError
	// will be the error returned from the storage layer.
	ErrDatabase ErrorCode = iota

	// ErrTxAlreadyExists indicates an attempt to import a transaction
	// whose hash is already present and not flagged removed.
	ErrTxAlreadyExists

	// ErrTxNotFound indicates a referenced transaction does not exist
	// in the ledger.
	ErrTxNotFound

	// ErrTxRemoved indicates an operation on a transaction that has
	// been flagged removed, such as attaching a confirmation proof.
	ErrTxRemoved

	// ErrTxRemoval indicates a transaction cannot be removed because a
	// live transaction spends one of its outputs.
	ErrTxRemoval

	// ErrMalformedTx indicates the raw transaction bytes could not be
	// deserialized.
	ErrMalformedTx

	// ErrStoreClosed indicates a write was submitted after the store
	// shut down.
	ErrStoreClosed

	// ErrCancelled indicates the write was cancelled before it started
	// executing.
	ErrCancelled
)

// Map of ErrorCode values back to their constant names for pretty
// printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:        "ErrDatabase",
	ErrTxAlreadyExists: "ErrTxAlreadyExists",
	ErrTxNotFound:      "ErrTxNotFound",
	ErrTxRemoved:       "ErrTxRemoved",
	ErrTxRemoval:       "ErrTxRemoval",
	ErrMalformedTx:     "ErrMalformedTx",
	ErrStoreClosed:     "ErrStoreClosed",
	ErrCancelled:       "ErrCancelled",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// LedgerError provides a single type for errors that can happen during
// ledger operation.
type LedgerError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e LedgerError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e LedgerError) Unwrap() error {
	return e.Err
}

// storeError creates a LedgerError given a set of arguments.
func storeError(c ErrorCode, desc string, err error) LedgerError {
	return LedgerError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a LedgerError with a matching
// error code.
func IsError(err error, code ErrorCode) bool {
	serr, ok := err.(LedgerError)
	return ok && serr.ErrorCode == code
}

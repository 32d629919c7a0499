// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific KeyManagerError.
const (
	// ErrDatabase indicates an error with the underlying key storage.
	// When this code is set, the Err field of the KeyManagerError will
	// be the error returned from the storage layer.
	ErrDatabase ErrorCode = iota

	// ErrInvalidPassword indicates the supplied password does not
	// verify against a password-protected keystore.
	ErrInvalidPassword

	// ErrIncompatibleWallet indicates the requested operation is not
	// valid for the keystore variant, such as asking a watch-only or
	// imported keystore for derivation secrets.
	ErrIncompatibleWallet

	// ErrDerivationExhausted indicates allocating further key indices
	// under a derivation prefix would cross the hardened-derivation
	// boundary.
	ErrDerivationExhausted

	// ErrCrypto indicates a failure encrypting or decrypting keystore
	// secrets.
	ErrCrypto

	// ErrKeyNotFound indicates a referenced key instance does not
	// exist.
	ErrKeyNotFound

	// ErrMalformedData indicates stored derivation data could not be
	// deserialized.
	ErrMalformedData
)

// Map of ErrorCode values back to their constant names for pretty
// printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:            "ErrDatabase",
	ErrInvalidPassword:     "ErrInvalidPassword",
	ErrIncompatibleWallet:  "ErrIncompatibleWallet",
	ErrDerivationExhausted: "ErrDerivationExhausted",
	ErrCrypto:              "ErrCrypto",
	ErrKeyNotFound:         "ErrKeyNotFound",
	ErrMalformedData:       "ErrMalformedData",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// KeyManagerError provides a single type for errors that can happen
// during key manager operation.
type KeyManagerError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e KeyManagerError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e KeyManagerError) Unwrap() error {
	return e.Err
}

// managerError creates a KeyManagerError given a set of arguments.
func managerError(c ErrorCode, desc string, err error) KeyManagerError {
	return KeyManagerError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a KeyManagerError with a matching
// error code.
func IsError(err error, code ErrorCode) bool {
	e, ok := err.(KeyManagerError)
	return ok && e.ErrorCode == code
}

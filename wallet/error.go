// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import "fmt"

// ErrorCode identifies a kind of wallet error.
type ErrorCode int

const (
	// ErrUnknownMasterKey indicates an operation referenced a master
	// key that is not registered with the wallet.
	ErrUnknownMasterKey ErrorCode = iota

	// ErrUnknownAccount indicates an operation referenced an account
	// that is not registered with the wallet.
	ErrUnknownAccount

	// ErrInvalidProof indicates a merkle proof did not verify against
	// its block header.
	ErrInvalidProof

	// ErrMissingTransaction indicates a transaction body was needed but
	// only its hash is known.
	ErrMissingTransaction

	// ErrWalletStopped indicates an operation was attempted after the
	// wallet shut down.
	ErrWalletStopped
)

var errorCodeStrings = map[ErrorCode]string{
	ErrUnknownMasterKey:   "ErrUnknownMasterKey",
	ErrUnknownAccount:     "ErrUnknownAccount",
	ErrInvalidProof:       "ErrInvalidProof",
	ErrMissingTransaction: "ErrMissingTransaction",
	ErrWalletStopped:      "ErrWalletStopped",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s, ok := errorCodeStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// WalletError provides a single type for errors that can happen during
// wallet operation.
type WalletError struct {
	ErrorCode   ErrorCode
	Description string
	Err         error
}

// Error satisfies the error interface and prints human-readable errors.
func (e WalletError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e WalletError) Unwrap() error {
	return e.Err
}

// walletError creates a WalletError given a set of arguments.
func walletError(c ErrorCode, desc string, err error) WalletError {
	return WalletError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a WalletError with a matching
// error code.
func IsError(err error, code ErrorCode) bool {
	werr, ok := err.(WalletError)
	return ok && werr.ErrorCode == code
}

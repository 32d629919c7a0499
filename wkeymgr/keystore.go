// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wkeymgr manages the wallet's key-derivation metadata: master
// keys, the keystore variants built on them, and the registry which
// allocates key instances at strictly increasing derivation indices.
//
// Master keys and key instances are rows in the ledger store; keystores
// are the in-memory capability objects reconstructed from those rows.
// Secret-bearing fields are sealed with a password-derived snacl key and
// only ever decrypted transiently.
package wkeymgr

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/opensv/openwallet/internal/zero"
	"github.com/opensv/openwallet/snacl"
)

// MasterKeyID uniquely identifies a master key row within a wallet.
type MasterKeyID int64

// KeyInstanceID uniquely identifies a key instance row within a wallet.
type KeyInstanceID int64

// AccountID uniquely identifies an account row within a wallet.
type AccountID int64

// KeyInstanceFlag is a bitmask of key instance states.
type KeyInstanceFlag uint32

const (
	// KeyFlagNone is the zero flag set.
	KeyFlagNone KeyInstanceFlag = 0

	// KeyFlagActive marks a key the wallet is actively watching.
	KeyFlagActive KeyInstanceFlag = 1 << 0

	// KeyFlagUsed marks a key observed in a transaction output.  Set
	// once by transaction linkage and never cleared.
	KeyFlagUsed KeyInstanceFlag = 1 << 1

	// KeyFlagInactive marks a key instance retired from allocation.
	// The row itself is never deleted so historical transaction
	// linkage stays resolvable.
	KeyFlagInactive KeyInstanceFlag = 1 << 2
)

// MasterKeyRow is the stored form of one key-derivation root.
type MasterKeyRow struct {
	MasterKeyID    MasterKeyID
	ParentID       MasterKeyID // 0 for top-level master keys
	DerivationType DerivationType
	DerivationData []byte
}

// KeyInstanceRow is the stored form of one derived key.
type KeyInstanceRow struct {
	KeyInstanceID  KeyInstanceID
	AccountID      AccountID
	MasterKeyID    MasterKeyID
	DerivationType DerivationType

	// DerivationData is the packed derivation path for subpath keys,
	// or the imported key material reference for imported variants.
	DerivationData []byte

	Description string
	Flags       KeyInstanceFlag
}

// KeyScriptRow maps a key instance to one of its resolved script
// templates.  Transaction outputs are linked to keys by script hash.
type KeyScriptRow struct {
	KeyInstanceID KeyInstanceID
	ScriptType    uint8
	ScriptHash    []byte
}

// Keystore is the capability surface of one master key variant.
//
// All keystores can report their variant and watch-only status and
// derive public keys for subpaths where that is meaningful.  Secret
// access always takes the wallet password and fails with
// ErrInvalidPassword when it does not verify, or ErrIncompatibleWallet
// when the variant holds no such secret at all.
type Keystore interface {
	// DerivationType returns the master key variant.
	DerivationType() DerivationType

	// IsWatchOnly returns whether the keystore holds no signing
	// secrets.
	IsWatchOnly() bool

	// CheckPassword verifies the wallet password against the
	// keystore's sealed secrets.  Keystores without secrets accept any
	// password.
	CheckPassword(password []byte) error

	// ReencryptData returns a new serialized derivation-data blob with
	// every secret field resealed under the new password.  The
	// keystore itself is not mutated; callers persist the blob and
	// reload.
	ReencryptData(oldPassword, newPassword []byte) ([]byte, error)

	// MarshalData serializes the keystore to its derivation-data row
	// form.
	MarshalData() ([]byte, error)

	// DerivePublicKey derives the public key at the given subpath.
	// Variants without subpath derivation return
	// ErrIncompatibleWallet.
	DerivePublicKey(path DerivationPath) (*btcec.PublicKey, error)
}

// sealSecret encrypts one secret field under the derived key.
func sealSecret(key *snacl.SecretKey, secret []byte) ([]byte, error) {
	sealed, err := key.Encrypt(secret)
	if err != nil {
		return nil, managerError(ErrCrypto, "failed to seal secret",
			err)
	}
	return sealed, nil
}

// openSecret decrypts one secret field under the derived key.
func openSecret(key *snacl.SecretKey, sealed []byte) ([]byte, error) {
	secret, err := key.Decrypt(sealed)
	if err != nil {
		return nil, managerError(ErrCrypto, "failed to open secret",
			err)
	}
	return secret, nil
}

// deriveSecretKey re-derives the password key from stored snacl
// parameters, mapping a bad password to ErrInvalidPassword.
func deriveSecretKey(marshalledParams, password []byte) (*snacl.SecretKey,
	error) {

	var secretKey snacl.SecretKey
	if err := secretKey.Unmarshal(marshalledParams); err != nil {
		return nil, managerError(ErrMalformedData,
			"malformed secret key parameters", err)
	}
	err := secretKey.DeriveKey(&password)
	if err == snacl.ErrInvalidPassword {
		return nil, managerError(ErrInvalidPassword,
			"password does not verify against keystore", err)
	}
	if err != nil {
		return nil, managerError(ErrCrypto,
			"failed to derive secret key", err)
	}
	return &secretKey, nil
}

// newSecretKey derives a fresh random-salted password key using the
// package scrypt options.
func newSecretKey(password []byte) (*snacl.SecretKey, error) {
	secretKey, err := snacl.NewSecretKey(&password, secretKeyN,
		secretKeyR, secretKeyP)
	if err != nil {
		return nil, managerError(ErrCrypto,
			"failed to derive new secret key", err)
	}
	return secretKey, nil
}

// Scrypt options for sealing keystore secrets.  Overridable for tests,
// where the default cost dominates the run time.
var (
	secretKeyN = snacl.DefaultN
	secretKeyR = snacl.DefaultR
	secretKeyP = snacl.DefaultP
)

// SetSecretKeyOptions overrides the scrypt cost parameters used when
// sealing keystore secrets.  Intended for tests.
func SetSecretKeyOptions(n, r, p int) {
	secretKeyN, secretKeyR, secretKeyP = n, r, p
}

// zeroBytes wipes transiently decrypted secret material.
func zeroBytes(b []byte) {
	zero.Bytes(b)
}

// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"bytes"
	"crypto/sha512"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/tlv"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

// TLV record types for the serialized BIP32 keystore row.
const (
	typeBIP32Xpub       tlv.Type = 1
	typeBIP32SealedXprv tlv.Type = 2
	typeBIP32SealedSeed tlv.Type = 3
	typeBIP32KeyParams  tlv.Type = 4
)

// BIP32Keystore derives keys hierarchically under one extended key.  The
// extended public key is held in the clear; the private key and the
// originating seed, when known, are sealed under the wallet password.
type BIP32Keystore struct {
	xpub *hdkeychain.ExtendedKey

	// sealedXprv and sealedSeed are empty for watch-only keystores.
	sealedXprv []byte
	sealedSeed []byte

	// keyParams are the marshalled snacl parameters of the sealing
	// key, empty when there are no secrets.
	keyParams []byte
}

var _ Keystore = (*BIP32Keystore)(nil)

// electrumSeedIterations is the PBKDF2 round count of the legacy seed
// stretch.
const electrumSeedIterations = 2048

// SeedFromMnemonic stretches seed words into BIP32 master seed material
// using the legacy "electrum" salted PBKDF2 scheme.
func SeedFromMnemonic(mnemonic, passphrase string) []byte {
	normalized := norm.NFKD.String(mnemonic)
	salt := "electrum" + norm.NFKD.String(passphrase)
	return pbkdf2.Key([]byte(normalized), []byte(salt),
		electrumSeedIterations, 64, sha512.New)
}

// NewBIP32KeystoreFromSeed creates a keystore rooted at the master key
// of the passed seed, sealing the private key and seed under the wallet
// password.
func NewBIP32KeystoreFromSeed(seed, password []byte,
	params *chaincfg.Params) (*BIP32Keystore, error) {

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to derive master key from seed", err)
	}
	xpub, err := master.Neuter()
	if err != nil {
		return nil, managerError(ErrCrypto,
			"failed to neuter master key", err)
	}

	secretKey, err := newSecretKey(password)
	if err != nil {
		return nil, err
	}
	defer secretKey.Zero()

	xprvBytes := []byte(master.String())
	sealedXprv, err := sealSecret(secretKey, xprvBytes)
	zeroBytes(xprvBytes)
	if err != nil {
		return nil, err
	}
	sealedSeed, err := sealSecret(secretKey, seed)
	if err != nil {
		return nil, err
	}

	return &BIP32Keystore{
		xpub:       xpub,
		sealedXprv: sealedXprv,
		sealedSeed: sealedSeed,
		keyParams:  secretKey.Marshal(),
	}, nil
}

// NewBIP32KeystoreWatchOnly creates a keystore holding only the passed
// extended public key.
func NewBIP32KeystoreWatchOnly(xpub string) (*BIP32Keystore, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to parse extended public key", err)
	}
	if key.IsPrivate() {
		return nil, managerError(ErrIncompatibleWallet,
			"watch-only keystore requires a public extended key",
			nil)
	}
	return &BIP32Keystore{xpub: key}, nil
}

// DerivationType returns DerivationBIP32.
func (ks *BIP32Keystore) DerivationType() DerivationType {
	return DerivationBIP32
}

// Xpub returns the extended public key string.
func (ks *BIP32Keystore) Xpub() string {
	return ks.xpub.String()
}

// IsWatchOnly returns whether the keystore holds no sealed private key.
func (ks *BIP32Keystore) IsWatchOnly() bool {
	return len(ks.sealedXprv) == 0
}

// CheckPassword verifies the wallet password against the sealing key
// parameters.
func (ks *BIP32Keystore) CheckPassword(password []byte) error {
	if ks.IsWatchOnly() {
		return nil
	}
	secretKey, err := deriveSecretKey(ks.keyParams, password)
	if err != nil {
		return err
	}
	secretKey.Zero()
	return nil
}

// Xprv returns the extended private key string decrypted with the
// wallet password.  Watch-only keystores fail with
// ErrIncompatibleWallet.
func (ks *BIP32Keystore) Xprv(password []byte) (string, error) {
	if ks.IsWatchOnly() {
		return "", managerError(ErrIncompatibleWallet,
			"watch-only keystore has no private key", nil)
	}
	secretKey, err := deriveSecretKey(ks.keyParams, password)
	if err != nil {
		return "", err
	}
	defer secretKey.Zero()

	xprvBytes, err := openSecret(secretKey, ks.sealedXprv)
	if err != nil {
		return "", err
	}
	xprv := string(xprvBytes)
	zeroBytes(xprvBytes)
	return xprv, nil
}

// DerivePublicKey derives the public key at the subpath under the
// extended public key.  Hardened indices cannot be derived publicly and
// fail with ErrIncompatibleWallet.
func (ks *BIP32Keystore) DerivePublicKey(path DerivationPath) (
	*btcec.PublicKey, error) {

	key := ks.xpub
	for _, index := range path {
		if index >= HardenedKeyStart {
			return nil, managerError(ErrIncompatibleWallet,
				"cannot publicly derive hardened index", nil)
		}
		var err error
		key, err = key.Derive(index)
		if err != nil {
			return nil, managerError(ErrCrypto,
				"child derivation failed", err)
		}
	}
	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, managerError(ErrCrypto,
			"failed to extract public key", err)
	}
	return pubKey, nil
}

// ReencryptData reseals the private key and seed under the new password
// and returns the updated row blob.  The keystore is not mutated.
func (ks *BIP32Keystore) ReencryptData(oldPassword,
	newPassword []byte) ([]byte, error) {

	if ks.IsWatchOnly() {
		return ks.MarshalData()
	}

	oldKey, err := deriveSecretKey(ks.keyParams, oldPassword)
	if err != nil {
		return nil, err
	}
	defer oldKey.Zero()
	newKey, err := newSecretKey(newPassword)
	if err != nil {
		return nil, err
	}
	defer newKey.Zero()

	resealed := *ks
	resealed.keyParams = newKey.Marshal()

	xprvBytes, err := openSecret(oldKey, ks.sealedXprv)
	if err != nil {
		return nil, err
	}
	resealed.sealedXprv, err = sealSecret(newKey, xprvBytes)
	zeroBytes(xprvBytes)
	if err != nil {
		return nil, err
	}

	if len(ks.sealedSeed) > 0 {
		seed, err := openSecret(oldKey, ks.sealedSeed)
		if err != nil {
			return nil, err
		}
		resealed.sealedSeed, err = sealSecret(newKey, seed)
		zeroBytes(seed)
		if err != nil {
			return nil, err
		}
	}

	return resealed.MarshalData()
}

// MarshalData serializes the keystore to its derivation-data row form.
func (ks *BIP32Keystore) MarshalData() ([]byte, error) {
	xpubBytes := []byte(ks.xpub.String())
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeBIP32Xpub, &xpubBytes),
	}
	if len(ks.sealedXprv) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			typeBIP32SealedXprv, &ks.sealedXprv))
	}
	if len(ks.sealedSeed) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			typeBIP32SealedSeed, &ks.sealedSeed))
	}
	if len(ks.keyParams) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			typeBIP32KeyParams, &ks.keyParams))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to build keystore stream", err)
	}
	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to encode keystore data", err)
	}
	return buf.Bytes(), nil
}

// loadBIP32Keystore deserializes a keystore from its derivation-data row
// form.
func loadBIP32Keystore(data []byte) (*BIP32Keystore, error) {
	var (
		xpubBytes  []byte
		sealedXprv []byte
		sealedSeed []byte
		keyParams  []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeBIP32Xpub, &xpubBytes),
		tlv.MakePrimitiveRecord(typeBIP32SealedXprv, &sealedXprv),
		tlv.MakePrimitiveRecord(typeBIP32SealedSeed, &sealedSeed),
		tlv.MakePrimitiveRecord(typeBIP32KeyParams, &keyParams),
	)
	if err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to build keystore stream", err)
	}
	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to decode bip32 keystore data", err)
	}

	xpub, err := hdkeychain.NewKeyFromString(string(xpubBytes))
	if err != nil {
		return nil, managerError(ErrMalformedData,
			"stored xpub does not parse", err)
	}
	return &BIP32Keystore{
		xpub:       xpub,
		sealedXprv: sealedXprv,
		sealedSeed: sealedSeed,
		keyParams:  keyParams,
	}, nil
}

// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
)

// TLV record types for the serialized imported keystore row.
const (
	typeImportedKeyParams tlv.Type = 1
	typeImportedKeypairs  tlv.Type = 2
)

// ImportedKeystore holds individually imported private keys outside any
// derivation hierarchy.  Each private key is sealed under the wallet
// password and indexed by its public key.
type ImportedKeystore struct {
	// keypairs maps hex-encoded compressed public keys to sealed
	// private key bytes.  Iteration for serialization uses insertion
	// order.
	keypairs map[string][]byte
	order    []string

	keyParams []byte
}

var _ Keystore = (*ImportedKeystore)(nil)

// NewImportedKeystore creates an empty imported-key keystore sealing
// under the passed password.
func NewImportedKeystore(password []byte) (*ImportedKeystore, error) {
	secretKey, err := newSecretKey(password)
	if err != nil {
		return nil, err
	}
	defer secretKey.Zero()

	return &ImportedKeystore{
		keypairs:  make(map[string][]byte),
		keyParams: secretKey.Marshal(),
	}, nil
}

// DerivationType returns DerivationImported.
func (ks *ImportedKeystore) DerivationType() DerivationType {
	return DerivationImported
}

// IsWatchOnly returns false; the keystore exists to hold private keys.
func (ks *ImportedKeystore) IsWatchOnly() bool { return false }

// Len returns the number of imported keys.
func (ks *ImportedKeystore) Len() int { return len(ks.keypairs) }

// CheckPassword verifies the wallet password against the sealing key
// parameters.
func (ks *ImportedKeystore) CheckPassword(password []byte) error {
	secretKey, err := deriveSecretKey(ks.keyParams, password)
	if err != nil {
		return err
	}
	secretKey.Zero()
	return nil
}

// ImportPrivateKey seals and stores the passed private key, returning
// its public key.  Importing a key that is already present is a no-op.
func (ks *ImportedKeystore) ImportPrivateKey(privKey *btcec.PrivateKey,
	password []byte) (*btcec.PublicKey, error) {

	pubKey := privKey.PubKey()
	pubHex := hex.EncodeToString(pubKey.SerializeCompressed())
	if _, ok := ks.keypairs[pubHex]; ok {
		return pubKey, nil
	}

	secretKey, err := deriveSecretKey(ks.keyParams, password)
	if err != nil {
		return nil, err
	}
	defer secretKey.Zero()

	privBytes := privKey.Serialize()
	sealed, err := sealSecret(secretKey, privBytes)
	zeroBytes(privBytes)
	if err != nil {
		return nil, err
	}

	ks.keypairs[pubHex] = sealed
	ks.order = append(ks.order, pubHex)
	return pubKey, nil
}

// PublicKeys returns the imported public keys in insertion order.
func (ks *ImportedKeystore) PublicKeys() ([]*btcec.PublicKey, error) {
	pubKeys := make([]*btcec.PublicKey, 0, len(ks.order))
	for _, pubHex := range ks.order {
		raw, err := hex.DecodeString(pubHex)
		if err != nil {
			return nil, managerError(ErrMalformedData,
				"stored public key does not decode", err)
		}
		pubKey, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, managerError(ErrMalformedData,
				"stored public key does not parse", err)
		}
		pubKeys = append(pubKeys, pubKey)
	}
	return pubKeys, nil
}

// PrivateKey returns the private key for the passed public key,
// decrypted with the wallet password.
func (ks *ImportedKeystore) PrivateKey(pubKey *btcec.PublicKey,
	password []byte) (*btcec.PrivateKey, error) {

	pubHex := hex.EncodeToString(pubKey.SerializeCompressed())
	sealed, ok := ks.keypairs[pubHex]
	if !ok {
		return nil, managerError(ErrKeyNotFound, fmt.Sprintf(
			"no imported key for public key %s", pubHex), nil)
	}

	secretKey, err := deriveSecretKey(ks.keyParams, password)
	if err != nil {
		return nil, err
	}
	defer secretKey.Zero()

	privBytes, err := openSecret(secretKey, sealed)
	if err != nil {
		return nil, err
	}
	privKey, _ := btcec.PrivKeyFromBytes(privBytes)
	zeroBytes(privBytes)
	return privKey, nil
}

// DerivePublicKey fails: imported keys are not derived.
func (ks *ImportedKeystore) DerivePublicKey(path DerivationPath) (
	*btcec.PublicKey, error) {

	return nil, managerError(ErrIncompatibleWallet,
		"imported keystore does not derive keys", nil)
}

// ReencryptData reseals every imported private key under the new
// password and returns the updated row blob.
func (ks *ImportedKeystore) ReencryptData(oldPassword,
	newPassword []byte) ([]byte, error) {

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

	resealed := &ImportedKeystore{
		keypairs:  make(map[string][]byte, len(ks.keypairs)),
		order:     ks.order,
		keyParams: newKey.Marshal(),
	}
	for pubHex, sealed := range ks.keypairs {
		privBytes, err := openSecret(oldKey, sealed)
		if err != nil {
			return nil, err
		}
		resealed.keypairs[pubHex], err = sealSecret(newKey, privBytes)
		zeroBytes(privBytes)
		if err != nil {
			return nil, err
		}
	}
	return resealed.MarshalData()
}

// MarshalData serializes the keystore to its derivation-data row form.
func (ks *ImportedKeystore) MarshalData() ([]byte, error) {
	var pairBuf bytes.Buffer
	for _, pubHex := range ks.order {
		raw, err := hex.DecodeString(pubHex)
		if err != nil {
			return nil, managerError(ErrMalformedData,
				"stored public key does not decode", err)
		}
		if err := wire.WriteVarBytes(&pairBuf, 0, raw); err != nil {
			return nil, err
		}
		err = wire.WriteVarBytes(&pairBuf, 0, ks.keypairs[pubHex])
		if err != nil {
			return nil, err
		}
	}

	pairBytes := pairBuf.Bytes()
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeImportedKeyParams, &ks.keyParams),
	}
	if len(pairBytes) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			typeImportedKeypairs, &pairBytes))
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

// loadImportedKeystore deserializes a keystore from its derivation-data
// row form.
func loadImportedKeystore(data []byte) (*ImportedKeystore, error) {
	var (
		keyParams []byte
		pairBytes []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeImportedKeyParams, &keyParams),
		tlv.MakePrimitiveRecord(typeImportedKeypairs, &pairBytes),
	)
	if err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to build keystore stream", err)
	}
	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to decode imported keystore data", err)
	}

	ks := &ImportedKeystore{
		keypairs:  make(map[string][]byte),
		keyParams: keyParams,
	}
	reader := bytes.NewReader(pairBytes)
	for reader.Len() > 0 {
		raw, err := wire.ReadVarBytes(reader, 0, maxKeystoreDataSize,
			"public key")
		if err != nil {
			return nil, managerError(ErrMalformedData,
				"failed to read imported keypair", err)
		}
		sealed, err := wire.ReadVarBytes(reader, 0,
			maxKeystoreDataSize, "sealed private key")
		if err != nil {
			return nil, managerError(ErrMalformedData,
				"failed to read imported keypair", err)
		}
		pubHex := hex.EncodeToString(raw)
		ks.keypairs[pubHex] = sealed
		ks.order = append(ks.order, pubHex)
	}
	return ks, nil
}

// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

// TLV record types for the serialized old-seed keystore row.
const (
	typeOldMPK        tlv.Type = 1
	typeOldSealedSeed tlv.Type = 2
	typeOldKeyParams  tlv.Type = 3
)

// oldMPKSize is the size of the legacy master public key: the
// uncompressed point coordinates without the format prefix.
const oldMPKSize = 64

// OldKeystore implements the legacy Electrum sequence derivation: child
// public keys are the master public key point offset by a scalar hashed
// from the child position and the master key itself.  Derivation paths
// have exactly two components, (change, index).
type OldKeystore struct {
	mpk [oldMPKSize]byte

	sealedSeed []byte
	keyParams  []byte
}

var _ Keystore = (*OldKeystore)(nil)

// NewOldKeystoreWatchOnly creates an old-seed keystore from the 64-byte
// master public key alone.
func NewOldKeystoreWatchOnly(mpk []byte) (*OldKeystore, error) {
	if len(mpk) != oldMPKSize {
		return nil, managerError(ErrMalformedData, fmt.Sprintf(
			"legacy master public key must be %d bytes, got %d",
			oldMPKSize, len(mpk)), nil)
	}
	ks := &OldKeystore{}
	copy(ks.mpk[:], mpk)

	// Reject points not on the curve up front rather than at first
	// derivation.
	if _, err := ks.masterPoint(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewOldKeystore creates an old-seed keystore from the master public key
// and the hex seed it was derived from, sealing the seed under the
// wallet password.
func NewOldKeystore(mpk, seed, password []byte) (*OldKeystore, error) {
	ks, err := NewOldKeystoreWatchOnly(mpk)
	if err != nil {
		return nil, err
	}

	secretKey, err := newSecretKey(password)
	if err != nil {
		return nil, err
	}
	defer secretKey.Zero()

	ks.sealedSeed, err = sealSecret(secretKey, seed)
	if err != nil {
		return nil, err
	}
	ks.keyParams = secretKey.Marshal()
	return ks, nil
}

// DerivationType returns DerivationElectrumOld.
func (ks *OldKeystore) DerivationType() DerivationType {
	return DerivationElectrumOld
}

// MasterPublicKey returns the raw 64-byte master public key.
func (ks *OldKeystore) MasterPublicKey() []byte {
	mpk := make([]byte, oldMPKSize)
	copy(mpk, ks.mpk[:])
	return mpk
}

// IsWatchOnly returns whether the keystore holds no sealed seed.
func (ks *OldKeystore) IsWatchOnly() bool {
	return len(ks.sealedSeed) == 0
}

// CheckPassword verifies the wallet password against the sealing key
// parameters.
func (ks *OldKeystore) CheckPassword(password []byte) error {
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

// Seed returns the stored seed decrypted with the wallet password.
func (ks *OldKeystore) Seed(password []byte) ([]byte, error) {
	if ks.IsWatchOnly() {
		return nil, managerError(ErrIncompatibleWallet,
			"watch-only keystore has no seed", nil)
	}
	secretKey, err := deriveSecretKey(ks.keyParams, password)
	if err != nil {
		return nil, err
	}
	defer secretKey.Zero()
	return openSecret(secretKey, ks.sealedSeed)
}

// DerivePublicKey derives the child public key at (change, index) by
// offsetting the master point with the position-derived scalar.
func (ks *OldKeystore) DerivePublicKey(path DerivationPath) (
	*btcec.PublicKey, error) {

	if len(path) != 2 {
		return nil, managerError(ErrIncompatibleWallet, fmt.Sprintf(
			"legacy derivation path must be (change, index), "+
				"got %v", path), nil)
	}
	change, index := path[0], path[1]

	master, err := ks.masterPoint()
	if err != nil {
		return nil, err
	}

	// scalar = double-SHA256("index:change:" || mpk), the legacy
	// sequence hash.
	msg := append([]byte(fmt.Sprintf("%d:%d:", index, change)),
		ks.mpk[:]...)
	scalar := chainhash.DoubleHashB(msg)

	curve := btcec.S256()
	offsetX, offsetY := curve.ScalarBaseMult(scalar)
	childX, childY := curve.Add(master.X(), master.Y(), offsetX, offsetY)

	return parsePoint(childX, childY)
}

// ReencryptData reseals the seed under the new password and returns the
// updated row blob.
func (ks *OldKeystore) ReencryptData(oldPassword,
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

	seed, err := openSecret(oldKey, ks.sealedSeed)
	if err != nil {
		return nil, err
	}
	resealed := *ks
	resealed.sealedSeed, err = sealSecret(newKey, seed)
	zeroBytes(seed)
	if err != nil {
		return nil, err
	}
	resealed.keyParams = newKey.Marshal()

	return resealed.MarshalData()
}

// MarshalData serializes the keystore to its derivation-data row form.
func (ks *OldKeystore) MarshalData() ([]byte, error) {
	mpk := ks.mpk[:]
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeOldMPK, &mpk),
	}
	if len(ks.sealedSeed) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			typeOldSealedSeed, &ks.sealedSeed))
	}
	if len(ks.keyParams) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			typeOldKeyParams, &ks.keyParams))
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

// loadOldKeystore deserializes a keystore from its derivation-data row
// form.
func loadOldKeystore(data []byte) (*OldKeystore, error) {
	var (
		mpk        []byte
		sealedSeed []byte
		keyParams  []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeOldMPK, &mpk),
		tlv.MakePrimitiveRecord(typeOldSealedSeed, &sealedSeed),
		tlv.MakePrimitiveRecord(typeOldKeyParams, &keyParams),
	)
	if err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to build keystore stream", err)
	}
	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to decode old keystore data", err)
	}

	ks, err := NewOldKeystoreWatchOnly(mpk)
	if err != nil {
		return nil, err
	}
	ks.sealedSeed = sealedSeed
	ks.keyParams = keyParams
	return ks, nil
}

// masterPoint parses the stored master public key into a curve point.
func (ks *OldKeystore) masterPoint() (*btcec.PublicKey, error) {
	uncompressed := make([]byte, 0, oldMPKSize+1)
	uncompressed = append(uncompressed, 0x04)
	uncompressed = append(uncompressed, ks.mpk[:]...)
	pubKey, err := btcec.ParsePubKey(uncompressed)
	if err != nil {
		return nil, managerError(ErrMalformedData,
			"legacy master public key is not a curve point", err)
	}
	return pubKey, nil
}

// parsePoint builds a public key from affine coordinates.
func parsePoint(x, y *big.Int) (*btcec.PublicKey, error) {
	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	x.FillBytes(uncompressed[1:33])
	y.FillBytes(uncompressed[33:65])
	pubKey, err := btcec.ParsePubKey(uncompressed)
	if err != nil {
		return nil, managerError(ErrCrypto,
			"derived point is invalid", err)
	}
	return pubKey, nil
}

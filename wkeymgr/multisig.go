// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
)

// TLV record types for the serialized multisig keystore row.
const (
	typeMultisigM        tlv.Type = 1
	typeMultisigN        tlv.Type = 2
	typeMultisigCosigner tlv.Type = 3
)

// MultisigKeystore composes N cosigner keystores into an M-of-N signing
// policy.  Cosigner order is fixed at creation and significant: the
// resolved multisig scripts use the cosigners in stored order, so a
// different ordering is a different wallet.
type MultisigKeystore struct {
	m        uint8
	n        uint8
	cosigner []Keystore
}

var _ Keystore = (*MultisigKeystore)(nil)

// NewMultisigKeystore creates a multisig keystore over the passed
// cosigners in the given order.
func NewMultisigKeystore(m int, cosigners []Keystore) (*MultisigKeystore,
	error) {

	if m < 1 || m > len(cosigners) || len(cosigners) > 15 {
		return nil, managerError(ErrIncompatibleWallet, fmt.Sprintf(
			"invalid %d-of-%d multisig policy", m,
			len(cosigners)), nil)
	}
	for _, cosigner := range cosigners {
		switch cosigner.DerivationType() {
		case DerivationBIP32, DerivationElectrumOld,
			DerivationHardware:
		default:
			return nil, managerError(ErrIncompatibleWallet,
				fmt.Sprintf("cosigner variant %v cannot "+
					"participate in multisig",
					cosigner.DerivationType()), nil)
		}
	}
	return &MultisigKeystore{
		m:        uint8(m),
		n:        uint8(len(cosigners)),
		cosigner: cosigners,
	}, nil
}

// DerivationType returns DerivationMultisig.
func (ks *MultisigKeystore) DerivationType() DerivationType {
	return DerivationMultisig
}

// M returns the required signature count.
func (ks *MultisigKeystore) M() int { return int(ks.m) }

// N returns the cosigner count.
func (ks *MultisigKeystore) N() int { return int(ks.n) }

// Cosigners returns the cosigner keystores in stored order.
func (ks *MultisigKeystore) Cosigners() []Keystore {
	cosigners := make([]Keystore, len(ks.cosigner))
	copy(cosigners, ks.cosigner)
	return cosigners
}

// IsWatchOnly returns whether every cosigner is watch-only.
func (ks *MultisigKeystore) IsWatchOnly() bool {
	for _, cosigner := range ks.cosigner {
		if !cosigner.IsWatchOnly() {
			return false
		}
	}
	return true
}

// CheckPassword verifies the wallet password against every
// secret-bearing cosigner.
func (ks *MultisigKeystore) CheckPassword(password []byte) error {
	for _, cosigner := range ks.cosigner {
		if err := cosigner.CheckPassword(password); err != nil {
			return err
		}
	}
	return nil
}

// DerivePublicKey derives the first cosigner's key.  Multisig consumers
// want all cosigner keys; see DerivePublicKeys.
func (ks *MultisigKeystore) DerivePublicKey(path DerivationPath) (
	*btcec.PublicKey, error) {

	keys, err := ks.DerivePublicKeys(path)
	if err != nil {
		return nil, err
	}
	return keys[0], nil
}

// DerivePublicKeys derives the public key of every cosigner at the
// subpath, in cosigner order.
func (ks *MultisigKeystore) DerivePublicKeys(path DerivationPath) (
	[]*btcec.PublicKey, error) {

	keys := make([]*btcec.PublicKey, 0, len(ks.cosigner))
	for _, cosigner := range ks.cosigner {
		key, err := cosigner.DerivePublicKey(path)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ReencryptData reseals every cosigner's secrets under the new password
// and returns the updated composite row blob.
func (ks *MultisigKeystore) ReencryptData(oldPassword,
	newPassword []byte) ([]byte, error) {

	blobs := make([][]byte, 0, len(ks.cosigner))
	for _, cosigner := range ks.cosigner {
		blob, err := cosigner.ReencryptData(oldPassword, newPassword)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}
	return ks.marshalWith(blobs)
}

// MarshalData serializes the keystore to its derivation-data row form.
func (ks *MultisigKeystore) MarshalData() ([]byte, error) {
	blobs := make([][]byte, 0, len(ks.cosigner))
	for _, cosigner := range ks.cosigner {
		blob, err := cosigner.MarshalData()
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}
	return ks.marshalWith(blobs)
}

// marshalWith encodes the policy and the passed per-cosigner blobs.
// Each cosigner entry is its variant byte followed by its var-length
// data blob, concatenated in cosigner order.
func (ks *MultisigKeystore) marshalWith(blobs [][]byte) ([]byte, error) {
	var cosignerBuf bytes.Buffer
	for i, cosigner := range ks.cosigner {
		err := cosignerBuf.WriteByte(byte(cosigner.DerivationType()))
		if err != nil {
			return nil, err
		}
		err = wire.WriteVarBytes(&cosignerBuf, 0, blobs[i])
		if err != nil {
			return nil, managerError(ErrMalformedData,
				"failed to encode cosigner entry", err)
		}
	}

	cosignerBytes := cosignerBuf.Bytes()
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeMultisigM, &ks.m),
		tlv.MakePrimitiveRecord(typeMultisigN, &ks.n),
		tlv.MakePrimitiveRecord(typeMultisigCosigner, &cosignerBytes),
	)
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

// loadMultisigKeystore deserializes a keystore from its derivation-data
// row form.
func loadMultisigKeystore(data []byte) (*MultisigKeystore, error) {
	var (
		m             uint8
		n             uint8
		cosignerBytes []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeMultisigM, &m),
		tlv.MakePrimitiveRecord(typeMultisigN, &n),
		tlv.MakePrimitiveRecord(typeMultisigCosigner, &cosignerBytes),
	)
	if err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to build keystore stream", err)
	}
	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return nil, managerError(ErrMalformedData,
			"failed to decode multisig keystore data", err)
	}

	reader := bytes.NewReader(cosignerBytes)
	cosigners := make([]Keystore, 0, n)
	for reader.Len() > 0 {
		variantByte, err := reader.ReadByte()
		if err != nil {
			return nil, managerError(ErrMalformedData,
				"truncated cosigner entry", err)
		}
		blob, err := wire.ReadVarBytes(reader, 0, maxKeystoreDataSize,
			"cosigner data")
		if err != nil {
			return nil, managerError(ErrMalformedData,
				"failed to read cosigner entry", err)
		}
		cosigner, err := LoadKeystore(DerivationType(variantByte),
			blob)
		if err != nil {
			return nil, err
		}
		cosigners = append(cosigners, cosigner)
	}
	if len(cosigners) != int(n) {
		return nil, managerError(ErrMalformedData, fmt.Sprintf(
			"multisig row claims %d cosigners, found %d", n,
			len(cosigners)), nil)
	}
	return NewMultisigKeystore(int(m), cosigners)
}

// maxKeystoreDataSize bounds a single serialized keystore blob.
const maxKeystoreDataSize = 1 << 20
